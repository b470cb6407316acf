package nsq

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
)

func testBackoffConfig() *Config {
	cfg := NewConfig()
	cfg.BackoffEnabled = true
	cfg.BackoffMultiplier = 5 * time.Millisecond
	cfg.MaxBackoffDuration = 50 * time.Millisecond
	cfg.MaxBackoffLevel = 3
	return cfg
}

func TestBackoffFullCycle(t *testing.T) {
	resumed := make(chan struct{}, 1)
	b := newBackoffController(testBackoffConfig(), func() {
		resumed <- struct{}{}
	})

	if b.Phase() != backoffNormal {
		t.Fatalf("initial phase = %v, want normal", b.Phase())
	}

	if changed, phase := b.Signal(backoffSignalFailure); !changed || phase != backoffWaiting {
		t.Fatalf("Signal(failure) from NORMAL: changed=%v phase=%v, want true/backoff", changed, phase)
	}
	if b.Level() != 1 {
		t.Fatalf("level = %d, want 1", b.Level())
	}
	if b.Phase() != backoffWaiting {
		t.Fatalf("phase = %v, want backoff", b.Phase())
	}
	if !b.IsInBackoff() {
		t.Fatal("IsInBackoff() = false during BACKOFF phase")
	}

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("onResume callback never fired")
	}
	if b.Phase() != backoffTesting {
		t.Fatalf("phase = %v, want test", b.Phase())
	}

	if changed, phase := b.Signal(backoffSignalSuccess); !changed || phase != backoffNormal {
		t.Fatalf("Signal(success) from TEST at level 1: changed=%v phase=%v, want true/normal", changed, phase)
	}
	if b.Level() != 0 {
		t.Fatalf("level = %d, want 0", b.Level())
	}
	if b.Phase() != backoffNormal {
		t.Fatalf("phase = %v, want normal", b.Phase())
	}
	if b.IsInBackoff() {
		t.Fatal("IsInBackoff() = true after returning to NORMAL")
	}
}

func TestBackoffSuccessDuringTestAtHigherLevelReentersBackoff(t *testing.T) {
	resumed := make(chan struct{}, 4)
	b := newBackoffController(testBackoffConfig(), func() {
		resumed <- struct{}{}
	})

	b.Signal(backoffSignalFailure)
	b.Signal(backoffSignalFailure) // level 2, still in BACKOFF (re-enters)

	if b.Level() != 2 {
		t.Fatalf("level = %d, want 2", b.Level())
	}

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("onResume callback never fired")
	}

	if changed, phase := b.Signal(backoffSignalSuccess); !changed || phase != backoffWaiting {
		t.Fatalf("Signal(success) from TEST at level 2: changed=%v phase=%v, want true/backoff", changed, phase)
	}
	if b.Level() != 1 {
		t.Fatalf("level = %d, want 1\n%s", b.Level(), spew.Sdump(b))
	}
	if b.Phase() != backoffWaiting {
		t.Fatalf("phase = %v, want backoff (level still > 0)\n%s", b.Phase(), spew.Sdump(b))
	}
}

func TestBackoffLevelClampsAtMax(t *testing.T) {
	b := newBackoffController(testBackoffConfig(), func() {})
	for i := 0; i < 10; i++ {
		b.Signal(backoffSignalFailure)
	}
	if b.Level() != 3 {
		t.Fatalf("level = %d, want clamped to MaxBackoffLevel 3", b.Level())
	}
}

func TestBackoffDisabledNeverTransitions(t *testing.T) {
	cfg := testBackoffConfig()
	cfg.BackoffEnabled = false
	b := newBackoffController(cfg, func() {})

	if changed, _ := b.Signal(backoffSignalFailure); changed {
		t.Fatal("Signal should report no change when backoff is disabled")
	}
	if b.Level() != 0 {
		t.Fatalf("level = %d, want 0", b.Level())
	}
	if b.IsInBackoff() {
		t.Fatal("IsInBackoff() = true with backoff disabled")
	}
}

func TestBackoffDurationJitterBounds(t *testing.T) {
	b := newBackoffController(testBackoffConfig(), func() {})
	b.level = 2 // base << 1, below the max cap

	lo := float64(b.base<<1) * 0.8
	hi := float64(b.base<<1) * 1.2
	for i := 0; i < 50; i++ {
		d := float64(b.duration())
		if d < lo || d > hi {
			t.Fatalf("duration() = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestBackoffDurationCapsAtMaxWait(t *testing.T) {
	b := newBackoffController(testBackoffConfig(), func() {})
	b.level = 10 // base << 9 far exceeds MaxBackoffDuration in testBackoffConfig

	hi := float64(b.maxWait) * 1.2
	for i := 0; i < 20; i++ {
		d := float64(b.duration())
		if d > hi {
			t.Fatalf("duration() = %v, exceeds capped max %v", d, hi)
		}
	}
}

func TestBackoffStopIsIdempotent(t *testing.T) {
	b := newBackoffController(testBackoffConfig(), func() {})
	b.Signal(backoffSignalFailure)
	b.Stop()
	b.Stop()
}
