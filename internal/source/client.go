// Package source fetches raw review items from scraper gateways over HTTP.
// Each gateway fronts one review source (App Store, Google Play, Reddit) and
// returns items in the shared ReviewItem shape.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/reviewlens/pkg/models"
)

// Sentinel errors for gateway failures. Texts classify as network and timeout.
var (
	ErrSourceUnreachable = errors.New("review source connection failed")
	ErrSourceQueryError  = errors.New("review source query error")
	ErrSourceTimeout     = errors.New("review source timeout")
)

// Query selects the reviews to fetch for one app.
type Query struct {
	AppName string
	Since   time.Time
	Limit   int
}

// Scraper fetches review items from one source.
type Scraper interface {
	Name() string
	Scrape(ctx context.Context, q Query) ([]models.ReviewItem, error)
}

// HTTPScraper implements Scraper against a scraper gateway's HTTP API.
type HTTPScraper struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPScraper creates a client for the gateway serving source name.
func NewHTTPScraper(name, baseURL, token string, timeout time.Duration) *HTTPScraper {
	return &HTTPScraper{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPScraper) Name() string { return c.name }

func (c *HTTPScraper) Scrape(ctx context.Context, q Query) ([]models.ReviewItem, error) {
	params := url.Values{"app": {q.AppName}}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	u := fmt.Sprintf("%s/v1/reviews?%s", c.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrSourceQueryError, c.name, resp.StatusCode)
	}

	var body reviewsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", c.name, err)
	}

	items := make([]models.ReviewItem, 0, len(body.Items))
	for _, it := range body.Items {
		// gateways may omit the source on single-source feeds
		if it.Source == "" {
			it.Source = c.name
		}
		items = append(items, it)
	}
	return items, nil
}

// Ready checks the gateway's readiness endpoint.
func (c *HTTPScraper) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s not ready (status %d)", ErrSourceUnreachable, c.name, resp.StatusCode)
	}
	return nil
}

func (c *HTTPScraper) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrSourceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrSourceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
}

type reviewsResponse struct {
	Items []models.ReviewItem `json:"items"`
}

// Compile-time check that HTTPScraper implements Scraper.
var _ Scraper = (*HTTPScraper)(nil)
