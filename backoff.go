package nsq

import (
	"math/rand"
	"sync"
	"time"
)

// backoffSignal is the input to the backoff controller's transition
// function (spec.md §4.5): every message disposition the Consumer
// observes resolves to one of these.
type backoffSignal int

const (
	backoffSignalSuccess backoffSignal = iota
	backoffSignalFailure
)

// backoffPhase is the controller's current phase.
type backoffPhase int

const (
	backoffNormal backoffPhase = iota
	backoffWaiting
	backoffTesting
)

func (p backoffPhase) String() string {
	switch p {
	case backoffNormal:
		return "normal"
	case backoffWaiting:
		return "backoff"
	case backoffTesting:
		return "test"
	}
	return "unknown"
}

// backoffController implements the global exponential backoff state
// machine described by spec.md §4.5. It holds no reference to any
// Conn; the Consumer applies its decisions (zero every connection's
// RDY, or pick one to probe) by calling rdyController separately.
//
// Signal is called from the Consumer's handler goroutines and the
// resume timer runs on its own goroutine; the mutex serializes them and
// lets Level/Phase/IsInBackoff be read concurrently (e.g. by
// Consumer.Stats).
type backoffController struct {
	mu sync.Mutex

	enabled bool
	level   int
	maxLvl  int

	base    time.Duration
	maxWait time.Duration

	phase     backoffPhase
	timer     *time.Timer
	onResume  func()
	rng       *rand.Rand
}

func newBackoffController(cfg *Config, onResume func()) *backoffController {
	return &backoffController{
		enabled:  cfg.BackoffEnabled,
		maxLvl:   cfg.MaxBackoffLevel,
		base:     cfg.BackoffMultiplier,
		maxWait:  cfg.MaxBackoffDuration,
		phase:    backoffNormal,
		onResume: onResume,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Level returns the current backoff_level (0 == NORMAL).
func (b *backoffController) Level() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Phase returns the controller's current phase.
func (b *backoffController) Phase() backoffPhase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// IsInBackoff reports whether RDY should currently be held at 0 (or 1
// on a single probe connection) rather than steady-state allocated.
func (b *backoffController) IsInBackoff() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase != backoffNormal
}

// duration computes t_b = min(backoff_max, base * 2^(level-1)) with
// uniform [0.8, 1.2] jitter, per spec.md §9's Open Question (b).
func (b *backoffController) duration() time.Duration {
	if b.level <= 0 {
		return 0
	}
	d := b.base << uint(b.level-1)
	if d <= 0 || d > b.maxWait {
		d = b.maxWait
	}
	jitter := 0.8 + 0.4*b.rng.Float64()
	return time.Duration(float64(d) * jitter)
}

// Signal feeds a success/failure outcome into the state machine. changed
// reports whether the phase transitioned; phase is the phase *after*
// the signal was applied, so the caller can react to it (the BACKOFF
// phase in particular must zero every connection's RDY the instant it
// is entered, not whenever something next happens to refresh it).
func (b *backoffController) Signal(s backoffSignal) (changed bool, phase backoffPhase) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return false, b.phase
	}

	switch s {
	case backoffSignalFailure:
		if b.level < b.maxLvl {
			b.level++
		}
		b.enterBackoffLocked()
		return true, b.phase
	case backoffSignalSuccess:
		switch b.phase {
		case backoffTesting:
			if b.level > 0 {
				b.level--
			}
			if b.level == 0 {
				b.phase = backoffNormal
				b.stopTimerLocked()
				return true, b.phase
			}
			b.enterBackoffLocked()
			return true, b.phase
		}
	}
	return false, b.phase
}

// enterBackoffLocked transitions to BACKOFF and arms the one-shot
// resume timer. Must be called with b.mu held.
func (b *backoffController) enterBackoffLocked() {
	b.phase = backoffWaiting
	b.stopTimerLocked()
	d := b.duration()
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		if b.phase != backoffWaiting {
			b.mu.Unlock()
			return
		}
		b.phase = backoffTesting
		cb := b.onResume
		b.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (b *backoffController) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Stop cancels any pending resume timer, idempotently (spec.md §5's
// cancellation guarantee).
func (b *backoffController) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
}
