package apply

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// ErrSinkRejected is returned for non-2xx responses.
var ErrSinkRejected = errors.New("apply sink rejected change set")

// WebhookSink posts signed change sets to an HTTP endpoint.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSink builds a sink. An empty secret sends unsigned requests.
func NewWebhookSink(url, secret string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "apply_webhook").Logger(),
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Publish posts the change set. Empty change sets are skipped.
func (s *WebhookSink) Publish(ctx context.Context, cs ChangeSet) error {
	if cs.Empty() {
		s.logger.Debug().Str("cycle_id", cs.CycleID).Msg("empty change set, nothing to publish")
		return nil
	}
	body, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal change set: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cycle-ID", cs.CycleID)
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send change set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrSinkRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	s.logger.Info().
		Str("cycle_id", cs.CycleID).
		Int("budgets", len(cs.Budgets)).
		Int("allocations", len(cs.Allocations)).
		Int("creatives", len(cs.Creatives)).
		Msg("change set published")
	return nil
}

// LogSink only logs change sets. It is used when no webhook is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "apply_log").Logger()}
}

// Publish logs a summary of the change set.
func (s *LogSink) Publish(_ context.Context, cs ChangeSet) error {
	s.logger.Info().
		Str("cycle_id", cs.CycleID).
		Int("budgets", len(cs.Budgets)).
		Int("allocations", len(cs.Allocations)).
		Int("creatives", len(cs.Creatives)).
		Msg("change set ready (dry run)")
	return nil
}

var (
	_ Publisher = (*WebhookSink)(nil)
	_ Publisher = (*LogSink)(nil)
)
