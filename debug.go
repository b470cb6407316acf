package nsq

import (
	"fmt"
	"strings"

	"github.com/k0kubun/pp"
)

// ConnStats is a point-in-time snapshot of a Conn's RDY/in-flight
// bookkeeping, exposed for introspection (monitoring, tests).
type ConnStats struct {
	Addr            string
	State           connState
	RdyCount        int64
	LastRdyCount    int64
	InFlightCount   int64
	MaxRdyCount     int64
	LastMessageTime int64
}

// ConsumerStats aggregates ConnStats across every connection a
// Consumer currently owns, plus the global controllers' state.
type ConsumerStats struct {
	Connections  []ConnStats
	MaxInFlight  int64
	BackoffLevel int
	Starved      bool
}

// String renders a ConsumerStats as a human-readable table, using
// k0kubun/pp for the per-connection struct dump. This is deliberately
// distinct from the structured Logger output: it exists for ad hoc
// "dump what the consumer thinks is going on" debugging, e.g. from a
// SIGUSR1 handler in a CLI wrapper.
func (s ConsumerStats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "max_in_flight=%d backoff_level=%d starved=%v\n",
		s.MaxInFlight, s.BackoffLevel, s.Starved)
	for _, cs := range s.Connections {
		pp.Fprintln(&b, cs)
	}
	return b.String()
}
