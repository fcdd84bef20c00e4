// Package circuitbreaker quarantines keys that keep failing.
//
// Each key has its own circuit. Consecutive failures up to the threshold
// open it; while open, Allow rejects the key until the cool-down has
// passed, then lets exactly one probe through (half-open). A successful
// probe forgets the key, a failed one reopens it for another cool-down.
//
// The scoring worker keys circuits by transaction id so one malformed
// record cannot be retried on every sweep.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Labelled by breaker name only; keys are transaction ids.
var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "riskledger",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by breaker, from-state, and to-state.",
}, []string{"breaker", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	lastSeen time.Time // last failure, or when the probe was let through
}

// Breaker holds one circuit per key. Keys with no recorded failure have no
// circuit and are always allowed.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration

	mu       sync.Mutex
	circuits map[int64]*circuit
	now      func() time.Time
	notify   func(key int64, from, to State)
}

// New returns a breaker that opens a key's circuit after threshold
// consecutive failures and keeps it open for coolDown.
func New(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		circuits:  make(map[int64]*circuit),
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers fn to run, in its own goroutine, on every state
// change.
func (b *Breaker) OnTransition(fn func(key int64, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether key may be attempted now.
func (b *Breaker) Allow(key int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastSeen) < b.coolDown {
			return false
		}
		c.lastSeen = b.now()
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		// One probe at a time. A probe that never reported back is
		// replaced after another cool-down.
		if b.now().Sub(c.lastSeen) < b.coolDown {
			return false
		}
		c.lastSeen = b.now()
		return true
	}
	return true
}

// RecordSuccess forgets key.
func (b *Breaker) RecordSuccess(key int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		b.move(key, c, StateClosed)
		delete(b.circuits, key)
	}
}

// RecordFailure counts a failure against key, opening its circuit at the
// threshold or straight away after a failed probe.
func (b *Breaker) RecordFailure(key int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.lastSeen = b.now()

	if c.state == StateHalfOpen || c.failures >= b.threshold {
		b.move(key, c, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key int64) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Open counts keys that are currently quarantined or probing.
func (b *Breaker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.circuits {
		if c.state != StateClosed {
			n++
		}
	}
	return n
}

// Sweep drops circuits untouched for longer than idle and returns how many
// went. A key that stops showing up (scored by another instance, say) is
// otherwise never forgotten.
func (b *Breaker) Sweep(idle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-idle)
	n := 0
	for key, c := range b.circuits {
		if c.lastSeen.Before(cutoff) {
			delete(b.circuits, key)
			n++
		}
	}
	return n
}

// move must be called with b.mu held.
func (b *Breaker) move(key int64, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
