// Package breaker implements a registry of named circuit breakers.
//
// Every fragile call path (venue requests, pipeline stages, recovery
// flushes) runs through a named breaker. CLOSED lets calls through and
// counts failures; at the failure threshold the breaker OPENs and
// short-circuits callers for a cooldown window; HALF_OPEN then admits a
// bounded number of probe calls — one success closes the breaker, any
// failure re-opens it. The registry aggregates all breakers into the
// process health verdict.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hyperliquid-trader/pkg/types"
)

// ErrOpen is returned (wrapped with the breaker name) when a call is
// short-circuited.
var ErrOpen = errors.New("circuit breaker open")

// Execution is the breaker gating the whole trading cycle and the recovery
// flush path.
const Execution = "execution"

// State is a breaker's position in the CLOSED / OPEN / HALF_OPEN cycle.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Policy holds per-breaker tuning.
type Policy struct {
	FailureThreshold int           // consecutive failures before opening
	OpenFor          time.Duration // how long to short-circuit before probing
	HalfOpenProbes   int           // concurrent probe calls admitted in HALF_OPEN
}

// DefaultPolicy matches the platform-wide breaker defaults.
var DefaultPolicy = Policy{
	FailureThreshold: 5,
	OpenFor:          60 * time.Second,
	HalfOpenProbes:   1,
}

// Status is a copy-out snapshot of one breaker.
type Status struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	FailureCount         int       `json:"failureCount"`
	LastFailureAt        time.Time `json:"lastFailureAt"`
	OpenedAt             time.Time `json:"openedAt"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
}

// TransitionFunc observes state changes, e.g. to publish
// CIRCUIT_BREAKER_OPEN / CIRCUIT_BREAKER_CLOSED on the event bus.
type TransitionFunc func(name string, from, to State)

type circuitBreaker struct {
	mu        sync.Mutex
	name      string
	policy    Policy
	state     State
	failures  int
	successes int
	lastFail  time.Time
	openedAt  time.Time
	probes    int // in-flight HALF_OPEN probe calls
}

// Registry manages named breakers. Breakers are created lazily with the
// default policy on first use; Register installs a custom policy.
type Registry struct {
	mu           sync.RWMutex
	breakers     map[string]*circuitBreaker
	policy       Policy
	logger       *slog.Logger
	onTransition TransitionFunc
}

// NewRegistry builds a registry with the given default policy.
func NewRegistry(policy Policy, logger *slog.Logger) *Registry {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = DefaultPolicy.FailureThreshold
	}
	if policy.OpenFor <= 0 {
		policy.OpenFor = DefaultPolicy.OpenFor
	}
	if policy.HalfOpenProbes <= 0 {
		policy.HalfOpenProbes = DefaultPolicy.HalfOpenProbes
	}
	return &Registry{
		breakers: make(map[string]*circuitBreaker),
		policy:   policy,
		logger:   logger.With("component", "breaker"),
	}
}

// OnTransition installs the state-change observer. Call before any Execute.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// Register creates (or replaces the policy of) a named breaker.
func (r *Registry) Register(name string, policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		cb.mu.Lock()
		cb.policy = policy
		cb.mu.Unlock()
		return
	}
	r.breakers[name] = &circuitBreaker{name: name, policy: policy, state: Closed}
}

func (r *Registry) get(name string) *circuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = &circuitBreaker{name: name, policy: r.policy, state: Closed}
	r.breakers[name] = cb
	return cb
}

// Execute runs fn through the named breaker. When the breaker is open or fn
// fails, a non-nil fallback is run and its result returned — the failure is
// still recorded against the breaker either way. Without a fallback the
// short-circuit error (or fn's error) propagates.
func (r *Registry) Execute(name string, fn func() error, fallback func() error) error {
	cb := r.get(name)

	if admitted, from, to := cb.admit(); !admitted {
		cb.recordShortCircuit()
		if fallback != nil {
			return fallback()
		}
		return fmt.Errorf("%w: %s", ErrOpen, name)
	} else if from != to {
		r.notify(name, from, to)
	}

	err := fn()

	from, to := cb.settle(err)
	if from != to {
		r.notify(name, from, to)
		if to == Open {
			r.logger.Warn("breaker opened", "breaker", name, "failures", cb.snapshot().FailureCount)
		} else if to == Closed {
			r.logger.Info("breaker closed", "breaker", name)
		}
	}

	if err != nil && fallback != nil {
		return fallback()
	}
	return err
}

// IsOpen reports whether the named breaker currently short-circuits. A
// breaker whose cooldown has elapsed no longer counts as open.
func (r *Registry) IsOpen(name string) bool {
	cb := r.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == Open && time.Since(cb.openedAt) < cb.policy.OpenFor
}

// Reset forces the named breaker CLOSED with zero counters.
func (r *Registry) Reset(name string) {
	cb := r.get(name)
	cb.mu.Lock()
	from := cb.state
	cb.state = Closed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	cb.openedAt = time.Time{}
	cb.lastFail = time.Time{}
	cb.mu.Unlock()
	if from != Closed {
		r.notify(name, from, Closed)
	}
	r.logger.Info("breaker reset", "breaker", name)
}

// ForceOpen trips the named breaker immediately.
func (r *Registry) ForceOpen(name string) {
	cb := r.get(name)
	cb.mu.Lock()
	from := cb.state
	cb.state = Open
	cb.openedAt = time.Now()
	cb.mu.Unlock()
	if from != Open {
		r.notify(name, from, Open)
	}
	r.logger.Warn("breaker forced open", "breaker", name)
}

// Snapshot returns a copy of every breaker's state.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.snapshot())
	}
	return out
}

// HealthSummary aggregates breaker states: CRITICAL when more than half are
// open, DEGRADED when any breaker is open or probing, HEALTHY otherwise.
func (r *Registry) HealthSummary() types.HealthStatus {
	statuses := r.Snapshot()
	if len(statuses) == 0 {
		return types.HealthHealthy
	}
	open, notClosed := 0, 0
	for _, s := range statuses {
		if s.State == Open {
			open++
		}
		if s.State != Closed {
			notClosed++
		}
	}
	if open*2 > len(statuses) {
		return types.HealthCritical
	}
	if notClosed > 0 {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

func (r *Registry) notify(name string, from, to State) {
	if r.onTransition != nil {
		r.onTransition(name, from, to)
	}
}

// admit decides whether a call may proceed, advancing OPEN → HALF_OPEN when
// the cooldown has elapsed. Returns the transition it performed, if any.
func (cb *circuitBreaker) admit() (admitted bool, from, to State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from, to = cb.state, cb.state
	switch cb.state {
	case Closed:
		return true, from, to
	case Open:
		if time.Since(cb.openedAt) < cb.policy.OpenFor {
			return false, from, to
		}
		cb.state = HalfOpen
		cb.probes = 1
		return true, from, HalfOpen
	case HalfOpen:
		if cb.probes >= cb.policy.HalfOpenProbes {
			return false, from, to
		}
		cb.probes++
		return true, from, to
	}
	return true, from, to
}

// settle records a call outcome and returns any state transition.
func (cb *circuitBreaker) settle(err error) (from, to State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	from, to = cb.state, cb.state
	if cb.state == HalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if err == nil {
		cb.successes++
		switch cb.state {
		case HalfOpen:
			cb.state = Closed
			cb.failures = 0
			cb.probes = 0
			to = Closed
		case Closed:
			cb.failures = 0
		}
		return from, to
	}

	cb.failures++
	cb.successes = 0
	cb.lastFail = time.Now()
	switch cb.state {
	case HalfOpen:
		cb.state = Open
		cb.openedAt = time.Now()
		to = Open
	case Closed:
		if cb.failures >= cb.policy.FailureThreshold {
			cb.state = Open
			cb.openedAt = time.Now()
			to = Open
		}
	}
	return from, to
}

// recordShortCircuit counts a rejected call as a failure without touching
// the open/half-open machinery.
func (cb *circuitBreaker) recordShortCircuit() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFail = time.Now()
	cb.mu.Unlock()
}

func (cb *circuitBreaker) snapshot() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{
		Name:                 cb.name,
		State:                cb.state,
		FailureCount:         cb.failures,
		LastFailureAt:        cb.lastFail,
		OpenedAt:             cb.openedAt,
		ConsecutiveSuccesses: cb.successes,
	}
}
