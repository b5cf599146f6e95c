package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCyclesAligned(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true}, zerolog.Nop())
	from := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)

	got := s.Cycles(from, to)
	want := []time.Time{
		time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d cycles, got %v", len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("cycle %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if s.Cycles(to, from) != nil {
		t.Fatal("expected no cycles for an inverted range")
	}
}

func TestNextTick(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	onBoundary := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(time.Hour)) {
		t.Fatalf("unexpected next tick on boundary %s", got)
	}

	free := New(Options{Interval: time.Hour}, zerolog.Nop())
	if got := free.nextTick(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("unaligned next tick %s", got)
	}
}

func TestRunImmediatelyAndCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, RunImmediately: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		calls.Add(1)
		cancel()
		return errors.New("failing cycles are logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one immediate cycle, got %d", calls.Load())
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
