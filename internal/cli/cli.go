// Package cli implements reviewctl, the operator command line for reviewlens.
//
//	reviewctl migrate up|down|version   manage the database schema
//	reviewctl keys create               mint an API key
//	reviewctl rules check|load FILE     validate or install alert rules
//	reviewctl status JOB_ID             show a job through the API
//	reviewctl drive JOB_ID              dispatch a job's eligible tasks
//	reviewctl reconcile                 run one reconciliation pass on the server
package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewlens/internal/alert"
	mw "github.com/kiranshivaraju/reviewlens/internal/api/middleware"
	"github.com/kiranshivaraju/reviewlens/internal/store"
	"github.com/kiranshivaraju/reviewlens/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated API key.
const KeyPrefix = "rl_"

// AdminStore is the slice of the store reviewctl writes to.
type AdminStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	UpsertAlertRule(ctx context.Context, rule *models.AlertRule) error
}

// Deps are the side effects reviewctl needs. Tests replace them.
type Deps struct {
	Out io.Writer
	// OpenStore connects to the database. The returned func releases it.
	OpenStore  func(ctx context.Context, databaseURL string) (AdminStore, func(), error)
	HTTPClient *http.Client
}

type globals struct {
	databaseURL   string
	migrationsDir string
	serverURL     string
	token         string
}

// NewRootCommand builds the reviewctl command tree.
func NewRootCommand(d Deps) *cobra.Command {
	if d.Out == nil {
		d.Out = os.Stdout
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	g := &globals{}

	root := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Operate a reviewlens deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(d.Out)
	root.PersistentFlags().StringVar(&g.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	root.PersistentFlags().StringVar(&g.migrationsDir, "migrations", envOr("DATABASE_MIGRATIONS_DIR", "migrations"), "migrations directory")
	root.PersistentFlags().StringVar(&g.serverURL, "server", envOr("REVIEWLENS_URL", "http://localhost:8080"), "reviewlens server base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("REVIEWLENS_API_KEY"), "API key for server commands")

	root.AddCommand(
		buildMigrateCommand(g, d),
		buildKeysCommand(g, d),
		buildRulesCommand(g, d),
		buildStatusCommand(g, d),
		buildDriveCommand(g, d),
		buildReconcileCommand(g, d),
	)
	return root
}

func buildMigrateCommand(g *globals, d Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(g); err != nil {
				return err
			}
			if err := store.RunMigrations(g.databaseURL, g.migrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(d.Out, "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(g); err != nil {
				return err
			}
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			if err := store.RollbackMigrations(g.databaseURL, g.migrationsDir, steps); err != nil {
				return err
			}
			fmt.Fprintf(d.Out, "reverted %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDatabase(g); err != nil {
				return err
			}
			v, dirty, err := store.MigrationVersion(g.databaseURL, g.migrationsDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(d.Out, "version %d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func buildKeysCommand(g *globals, d Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var name string
	var scopes []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range scopes {
				if !models.IsValidScope(s) {
					return fmt.Errorf("unknown scope %q: must be %s or %s", s, mw.ScopeTrigger, mw.ScopeAdmin)
				}
			}
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}

			st, release, err := openStore(cmd.Context(), g, d)
			if err != nil {
				return err
			}
			defer release()

			raw, key, err := NewAPIKey(name, scopes)
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				if errors.Is(err, store.ErrDuplicateKey) {
					return fmt.Errorf("key prefix collision, run the command again: %w", err)
				}
				return fmt.Errorf("create api key: %w", err)
			}
			fmt.Fprintf(d.Out, "id:     %s\nscopes: %s\nkey:    %s\n", key.ID, strings.Join(key.Scopes, ","), raw)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "human readable key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{mw.ScopeTrigger}, "scopes to grant (trigger, admin)")

	cmd.AddCommand(create)
	return cmd
}

// NewAPIKey generates a random key and the record that authenticates it.
func NewAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := KeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func buildRulesCommand(g *globals, d Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate or install alert rules",
	}

	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a rules file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := alert.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(d.Out, "%d rule(s) ok\n", len(rules))
			return nil
		},
	}

	load := &cobra.Command{
		Use:   "load FILE",
		Short: "Upsert the rules in FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := alert.LoadRulesFile(args[0])
			if err != nil {
				return err
			}
			st, release, err := openStore(cmd.Context(), g, d)
			if err != nil {
				return err
			}
			defer release()

			if err := alert.SaveRules(cmd.Context(), st, rules); err != nil {
				return err
			}
			for _, r := range rules {
				fmt.Fprintf(d.Out, "%s: %s %s %g\n", r.Name, r.Metric, r.Operator, r.Threshold)
			}
			return nil
		},
	}

	cmd.AddCommand(check, load)
	return cmd
}

func buildStatusCommand(g *globals, d Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's status, task counts and report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return callAPI(cmd.Context(), g, d, http.MethodGet, "/api/v1/jobs/"+args[0])
		},
	}
}

func buildDriveCommand(g *globals, d Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "drive JOB_ID",
		Short: "Dispatch a job's eligible tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return callAPI(cmd.Context(), g, d, http.MethodPost, "/api/v1/jobs/"+args[0]+"/drive")
		},
	}
}

func buildReconcileCommand(g *globals, d Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass on the server (admin key)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(cmd.Context(), g, d, http.MethodPost, "/api/v1/reconcile")
		},
	}
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// callAPI performs one authenticated request and prints the data payload indented.
func callAPI(ctx context.Context, g *globals, d Deps, method, path string) error {
	if g.token == "" {
		return fmt.Errorf("--token or REVIEWLENS_API_KEY is required")
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.serverURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %s (HTTP %d)", env.Error.Code, env.Error.Message, resp.StatusCode)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, env.Data, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(d.Out)
	return err
}

func openStore(ctx context.Context, g *globals, d Deps) (AdminStore, func(), error) {
	if err := requireDatabase(g); err != nil {
		return nil, nil, err
	}
	if d.OpenStore == nil {
		return nil, nil, errors.New("no database configured")
	}
	return d.OpenStore(ctx, g.databaseURL)
}

func requireDatabase(g *globals) error {
	if g.databaseURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
