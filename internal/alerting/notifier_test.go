package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spend-optimizer/internal/insights"
)

func sampleNote() Notification {
	return Notification{
		Cycle:   time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC),
		CycleID: "run-1",
		Insights: []insights.Insight{{
			Type:     insights.TypeWarning,
			Priority: insights.PriorityHigh,
			EntityID: "c-1",
			Message:  "c-1 revenue worsened 50.0%",
			Impact:   decimal.NewFromInt(-200),
		}},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("telegram notify should succeed: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if !strings.Contains(received["text"], "revenue worsened") || !strings.Contains(received["text"], "impact -200.00") {
		t.Fatalf("text missing insight: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false should fail")
	}
}

func TestRenderMessageTruncates(t *testing.T) {
	note := sampleNote()
	for i := 0; i < 15; i++ {
		note.Insights = append(note.Insights, note.Insights[0])
	}
	msg := renderMessage(note)
	if !strings.Contains(msg, "and 6 more") {
		t.Fatalf("expected truncation marker, got %q", msg)
	}
}

func TestSelect(t *testing.T) {
	list := []insights.Insight{
		{Type: insights.TypeWarning, Priority: insights.PriorityHigh},
		{Type: insights.TypeWarning, Priority: insights.PriorityMedium},
		{Type: insights.TypeOpportunity, Priority: insights.PriorityHigh},
		{Type: insights.TypeRecommendation, Priority: insights.PriorityHigh},
	}
	if got := Select(list, insights.PriorityHigh); len(got) != 2 {
		t.Fatalf("expected 2 high non-opportunity insights, got %d", len(got))
	}
	if got := Select(list, insights.PriorityLow); len(got) != 3 {
		t.Fatalf("expected 3 insights, got %d", len(got))
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
