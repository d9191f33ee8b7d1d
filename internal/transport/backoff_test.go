package transport

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/psbcast/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     500 * time.Millisecond,
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayDefaultIsFixed(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	for attempt := 1; attempt <= 5; attempt++ {
		if got := NextBackoffDelay(cfg, attempt, nil); got != time.Second {
			t.Fatalf("attempt %d: got %s want 1s", attempt, got)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 2, rng)
		if got < 100*time.Millisecond || got > 300*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", got)
		}
	}
}
