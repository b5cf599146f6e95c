package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "feed:\n  mode: file\n  file: testdata/feed.json\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 24*time.Hour {
		t.Fatalf("unexpected interval %s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Fatalf("unexpected workers %d", cfg.Scheduler.Workers)
	}
	if len(cfg.Attribution.Models) != 5 {
		t.Fatalf("expected all attribution models, got %v", cfg.Attribution.Models)
	}
	if cfg.ABTest.MinSampleSize != 1000 {
		t.Fatalf("unexpected min sample size %d", cfg.ABTest.MinSampleSize)
	}
	if cfg.Apply.Mode != ApplyLog {
		t.Fatalf("unexpected apply mode %q", cfg.Apply.Mode)
	}
	if cfg.Allocator.RebalanceThreshold != 10 {
		t.Fatalf("unexpected rebalance threshold %v", cfg.Allocator.RebalanceThreshold)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "feed:\n  mode: file\n  file: feed.json\n")
	t.Setenv("SPENDOPT_SCHEDULER_WORKERS", "3")
	t.Setenv("SPENDOPT_BUDGET_EXCELLENT_ROAS", "4.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Workers != 3 {
		t.Fatalf("env override not applied: %d", cfg.Scheduler.Workers)
	}
	if cfg.Budget.ExcellentROAS != 4.5 {
		t.Fatalf("env override not applied: %v", cfg.Budget.ExcellentROAS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"feed.base_url":       "feed:\n  mode: http\n",
		"feed.mode":           "feed:\n  mode: carrier-pigeon\n",
		"apply.webhook_url":   "feed:\n  mode: file\n  file: f.json\napply:\n  mode: webhook\n",
		"max_step_fraction":   "feed:\n  mode: file\n  file: f.json\nbudget:\n  max_step_fraction: 2\n",
		"confidence_floor":    "feed:\n  mode: file\n  file: f.json\nabtest:\n  confidence_floor: 0.99\n",
		"telegram.bot_token":  "feed:\n  mode: file\n  file: f.json\nalerting:\n  telegram:\n    enabled: true\n",
		"allocator.max_share": "feed:\n  mode: file\n  file: f.json\nallocator:\n  max_share: 1.5\n",
	}
	for want, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil {
			t.Fatalf("%s: expected validation error", want)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: unexpected error %v", want, err)
		}
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if got := cfg.ResolveMaxPoints(0); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("expected override 7, got %d", got)
	}
}
