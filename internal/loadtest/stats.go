package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Outcome labels a player's matchmaking run.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeTimedOut  Outcome = "queue_timeout"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
)

// Collector aggregates results from many clients. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	start     time.Time
	connect   []time.Duration
	proposal  []time.Duration // join -> first match_proposed
	confirmed []time.Duration // join -> match_confirmed
	outcomes  map[Outcome]int
	errors    int
}

// NewCollector creates a Collector timed from now.
func NewCollector() *Collector {
	return &Collector{start: time.Now(), outcomes: make(map[Outcome]int)}
}

func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.mu.Unlock()
}

func (c *Collector) AddProposal(d time.Duration) {
	c.mu.Lock()
	c.proposal = append(c.proposal, d)
	c.mu.Unlock()
}

// AddOutcome records how a player's run ended. d is only kept for
// confirmed runs.
func (c *Collector) AddOutcome(o Outcome, d time.Duration) {
	c.mu.Lock()
	c.outcomes[o]++
	if o == OutcomeConfirmed {
		c.confirmed = append(c.confirmed, d)
	}
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Connections returns the number of successful connects so far.
func (c *Collector) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connect)
}

// Outcomes returns a copy of the outcome counts.
func (c *Collector) Outcomes() map[Outcome]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Outcome]int, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Matchmaking Load Test ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.start).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", len(c.connect))
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)

	keys := make([]string, 0, len(c.outcomes))
	for o := range c.outcomes {
		keys = append(keys, string(o))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k+":", c.outcomes[Outcome(k)])
	}

	for _, s := range []struct {
		name string
		d    []time.Duration
	}{
		{"Connect latency", c.connect},
		{"Time to proposal", c.proposal},
		{"Time to confirmation", c.confirmed},
	} {
		if p, ok := percentiles(s.d); ok {
			fmt.Fprintf(w, "\n--- %s ---\n  %s\n", s.name, p)
		}
	}
	fmt.Fprintln(w)
}

// Summary holds a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	r := time.Microsecond
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(r), s.P50.Round(r), s.P95.Round(r), s.P99.Round(r), s.Max.Round(r), s.N)
}

func percentiles(in []time.Duration) (Summary, bool) {
	n := len(in)
	if n == 0 {
		return Summary{}, false
	}
	d := append([]time.Duration(nil), in...)
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })

	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	rank := func(q float64) time.Duration {
		return d[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: d[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: d[n-1],
	}, true
}
