package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spend-optimizer/internal/insights"
)

// maxListed bounds how many insights one message carries.
const maxListed = 10

// Notification wraps the insights raised by one cycle.
type Notification struct {
	Cycle         time.Time
	CycleID       string
	Insights      []insights.Insight
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Time("cycle", note.Cycle).
		Int("insights", len(note.Insights)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Spend Optimizer Alert]\n")
	builder.WriteString(fmt.Sprintf("Cycle: %s UTC\n", note.Cycle.UTC().Format(time.RFC3339)))
	if note.CycleID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.CycleID))
	}
	for i, ins := range note.Insights {
		if i == maxListed {
			builder.WriteString(fmt.Sprintf("... and %d more\n", len(note.Insights)-maxListed))
			break
		}
		builder.WriteString(fmt.Sprintf("- [%s/%s] %s", ins.Priority, ins.Type, ins.Message))
		if !ins.Impact.IsZero() {
			builder.WriteString(fmt.Sprintf(" (impact %s)", ins.Impact.StringFixed(2)))
		}
		builder.WriteString("\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Select returns the insights at or above the minimum priority that are
// warnings or recommendations worth paging on.
func Select(list []insights.Insight, min insights.Priority) []insights.Insight {
	rank := func(p insights.Priority) int {
		switch p {
		case insights.PriorityHigh:
			return 0
		case insights.PriorityMedium:
			return 1
		default:
			return 2
		}
	}
	var out []insights.Insight
	for _, ins := range list {
		if ins.Type == insights.TypeOpportunity {
			continue
		}
		if rank(ins.Priority) <= rank(min) {
			out = append(out, ins)
		}
	}
	return out
}

var _ Notifier = (*TelegramNotifier)(nil)
