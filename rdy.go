package nsq

import (
	"sort"
	"sync"
	"time"
)

// rdyController governs the global in-flight budget (spec.md §4.4). It
// tracks every live *Conn a Consumer currently has and decides what RDY
// each is sent. The Consumer calls it from several goroutines (handler
// goroutines via growThenSend, connect/lookupd paths, the maintenance
// loop, the backoff resume timer); mu guards the connection map and the
// rotation, while RDY itself is sent outside the lock.
type rdyController struct {
	mu sync.Mutex

	maxInFlight int64
	conns       map[string]*Conn

	lowRdyIdleTimeout time.Duration

	// rotation indexes into the idle-sorted candidate list so that,
	// across successive redistributions, every connection eventually
	// gets a turn (spec.md §8 scenario 4).
	rotation int
}

func newRDYController(maxInFlight int64, lowRdyIdleTimeout time.Duration) *rdyController {
	return &rdyController{
		maxInFlight:       maxInFlight,
		conns:             make(map[string]*Conn),
		lowRdyIdleTimeout: lowRdyIdleTimeout,
	}
}

// AddConn registers a newly-subscribed connection. It does not itself
// assign RDY; call Redistribute (or let the caller recompute) after.
func (r *rdyController) AddConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.Address()] = c
}

// RemoveConn releases a connection's credit back to the global pool
// (invariant 5 of spec.md §3).
func (r *rdyController) RemoveConn(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, addr)
}

// SetMaxInFlight updates the global budget. A value of 0 is the
// documented way to fully pause message flow without tearing down
// connections (spec.md §4.6).
func (r *rdyController) SetMaxInFlight(m int64) {
	r.mu.Lock()
	r.maxInFlight = m
	r.mu.Unlock()
}

func (r *rdyController) MaxInFlight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}

// LowRdyIdleTimeout returns the configured interval at which the
// Consumer's controller goroutine should call Redistribute while
// max_in_flight < N (spec.md §4.4).
func (r *rdyController) LowRdyIdleTimeout() time.Duration {
	return r.lowRdyIdleTimeout
}

// connList returns a stable-ordered snapshot of live connections,
// sorted by LastMessageTime ascending (least-recently-served first) —
// the ordering spec.md §4.4 asks redistribution to prefer.
func (r *rdyController) connList() []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti := out[i].LastMessageTime()
		tj := out[j].LastMessageTime()
		if ti.Equal(tj) {
			return out[i].Address() < out[j].Address()
		}
		return ti.Before(tj)
	})
	return out
}

// Redistribute applies the steady-state allocation algorithm of
// spec.md §4.4 across every live, non-backoff-held connection. It is
// called whenever the connection set or max_in_flight changes, and
// periodically (every low_rdy_idle_timeout) when max_in_flight < N so
// the round-robin subset rotates. Backoff-owned RDY assignment (0, or
// 1 on a single probe) is handled separately by the Consumer calling
// ApplyBackoffRDY instead.
func (r *rdyController) Redistribute() {
	r.mu.Lock()
	conns := r.connList()
	maxInFlight := r.maxInFlight
	r.mu.Unlock()

	n := len(conns)
	if n == 0 {
		return
	}

	if maxInFlight <= 0 {
		for _, c := range conns {
			setConnRDY(c, 0)
		}
		return
	}

	if maxInFlight >= int64(n) {
		base := maxInFlight / int64(n)
		remainder := int(maxInFlight % int64(n))
		if base < 1 {
			base = 1
			remainder = 0
		}
		r.mu.Lock()
		start := r.rotation % n
		r.rotation++
		r.mu.Unlock()
		for i, c := range conns {
			want := base
			// rotate which connections absorb the remainder so the
			// extra credit is distributed fairly over time.
			if posFromStart(i, start, n) < remainder {
				want++
			}
			if max := c.MaxRDY(); max > 0 && want > max {
				want = max
			}
			setConnRDY(c, want)
		}
		return
	}

	// maxInFlight < N: only maxInFlight connections carry RDY=1 at a
	// time, chosen by rotation, preferring idle connections (conns is
	// already sorted idle-first).
	r.mu.Lock()
	start := r.rotation % n
	r.rotation++
	r.mu.Unlock()

	chosen := make(map[string]bool, maxInFlight)
	for i := 0; i < int(maxInFlight); i++ {
		c := conns[(start+i)%n]
		chosen[c.Address()] = true
	}
	// zero the others first so the total never exceeds maxInFlight
	// even transiently (invariant 1 of spec.md §3).
	for _, c := range conns {
		if !chosen[c.Address()] {
			setConnRDY(c, 0)
		}
	}
	for _, c := range conns {
		if chosen[c.Address()] {
			setConnRDY(c, 1)
		}
	}
}

func posFromStart(i, start, n int) int {
	return (i - start + n) % n
}

// RefreshIfLow re-sends RDY for a single connection if its remaining
// credit has dropped to the low-water mark (spec.md §4.4: "sends a
// refresh RDY when rdy_count(c) <= 0.25 * last_sent_rdy(c)"). Returns
// whether it sent anything.
//
// This always re-issues the same last_sent_rdy value to top rdy_count
// back up, so it must bypass setConnRDY's no-change dedup (which
// compares against LastRDY and would otherwise treat "same value" as
// "nothing to do").
func (r *rdyController) RefreshIfLow(c *Conn) bool {
	last := c.LastRDY()
	if last <= 0 {
		return false
	}
	if float64(c.RDY()) > 0.25*float64(last) {
		return false
	}
	if c.State() != connStateSubscribed {
		return false
	}
	_ = c.SetRDY(last)
	return true
}

// ApplyBackoffRDY enforces invariant 4 of spec.md §3: while
// backoff_level > 0, total RDY across all connections is either 0, or
// exactly 1 on a single probe connection. probe == nil means "zero
// everyone" (BACKOFF phase); a non-nil probe is the TEST phase.
func (r *rdyController) ApplyBackoffRDY(probe *Conn) {
	r.mu.Lock()
	conns := r.connList()
	r.mu.Unlock()

	for _, c := range conns {
		if c == probe {
			continue
		}
		setConnRDY(c, 0)
	}
	if probe != nil {
		setConnRDY(probe, 1)
	}
}

// PickProbe returns the TEST phase's probe target (spec.md §9 Open
// Question (a)): the connection at the current rotation position of the
// idle-sorted list (least-recently-served first) that redistribution
// uses, advancing the shared rotation. On a controller whose rotation
// has not moved yet this is the least-recently-served connection.
func (r *rdyController) PickProbe() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.connList()
	if len(conns) == 0 {
		return nil
	}
	c := conns[r.rotation%len(conns)]
	r.rotation++
	return c
}

// IsStarved implements spec.md §4.4's starvation query across every
// live connection.
func (r *rdyController) IsStarved() bool {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		if c.IsStarved() {
			return true
		}
	}
	return false
}

// setConnRDY sends RDY only when it actually changes, avoiding needless
// wire traffic; errors are swallowed here (a write failure means the
// connection is going away, which readLoop/writeLoop will observe and
// report independently).
func setConnRDY(c *Conn, want int64) {
	if c.State() != connStateSubscribed {
		return
	}
	if c.LastRDY() == want {
		return
	}
	_ = c.SetRDY(want)
}
