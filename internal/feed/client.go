package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spend-optimizer/internal/attribution"
	"spend-optimizer/internal/normalize"
)

const (
	performancePath = "/performance"
	snapshotPath    = "/entities"
	conversionsPath = "/conversions"
)

// Options parameterise the HTTP feed client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	UserAgent  string
	MaxRetries int
	RetryBase  time.Duration
}

// Client reads performance, state and conversions from the connector
// gateway over HTTP.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewClient constructs a feed client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "spendopt/1.0"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "feed").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

type performanceResponse struct {
	Records []normalize.RawRecord `json:"records"`
}

type conversionsResponse struct {
	Conversions []attribution.Conversion `json:"conversions"`
}

// FetchPerformance returns raw records whose period ends in [since, until).
func (c *Client) FetchPerformance(ctx context.Context, since, until time.Time) ([]normalize.RawRecord, error) {
	var out performanceResponse
	if err := c.getJSON(ctx, performancePath, windowQuery(since, until), &out); err != nil {
		return nil, fmt.Errorf("fetch performance: %w", err)
	}
	return out.Records, nil
}

// FetchSnapshot returns the current stores and entities.
func (c *Client) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	if err := c.getJSON(ctx, snapshotPath, nil, &out); err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot: %w", err)
	}
	if out.TakenAt.IsZero() {
		out.TakenAt = c.now().UTC()
	}
	return out, nil
}

// FetchConversions returns journeys converted in [since, until). Journeys
// without an id get a generated one.
func (c *Client) FetchConversions(ctx context.Context, since, until time.Time) ([]attribution.Conversion, error) {
	var out conversionsResponse
	if err := c.getJSON(ctx, conversionsPath, windowQuery(since, until), &out); err != nil {
		return nil, fmt.Errorf("fetch conversions: %w", err)
	}
	for i := range out.Conversions {
		if out.Conversions[i].ID == "" {
			out.Conversions[i].ID = uuid.NewString()
		}
	}
	return out.Conversions, nil
}

func windowQuery(since, until time.Time) url.Values {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if !until.IsZero() {
		q.Set("until", until.UTC().Format(time.RFC3339))
	}
	return q
}

// getJSON issues a GET with exponential backoff and jitter. Client errors
// other than 429 are not retried.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, dst any) error {
	if c.baseURL == "" {
		return errors.New("feed base url not configured")
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := time.Duration(1<<(attempt-1)) * c.opts.RetryBase
			sleep += time.Duration(rand.Int63n(int64(c.opts.RetryBase)/2 + 1))
			c.logger.Debug().Err(lastErr).Int("attempt", attempt).Dur("sleep", sleep).Str("path", path).Msg("retrying feed request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}

		payload, retry, err := c.do(ctx, endpoint)
		if err == nil {
			if err := json.Unmarshal(payload, dst); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, endpoint string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, false, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("feed error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("feed error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("feed error (%d)", status)
}

var _ Source = (*Client)(nil)
