// Package main is the entrypoint for reviewctl.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/reviewlens/internal/cli"
	"github.com/kiranshivaraju/reviewlens/internal/config"
	"github.com/kiranshivaraju/reviewlens/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	root := cli.NewRootCommand(cli.Deps{
		Out:       os.Stdout,
		OpenStore: openPostgres,
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openPostgres(ctx context.Context, databaseURL string) (cli.AdminStore, func(), error) {
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             databaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    0,
		ConnMaxLifetime: time.Minute,
		ApplicationName: "reviewctl",
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}
