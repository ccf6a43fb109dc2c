// Package circuitbreaker implements C4: a per-scope failure counter with
// closed/open/half-open state that blocks calls to unhealthy scopes.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// State is one of closed/open/half-open.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures (F in spec §4.6)
	// needed to trip a closed breaker open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the breaker. Spec §4.6 describes a single probe, so
	// the default is 1.
	SuccessThreshold int
	// Cooldown is how long an open breaker waits before allowing a
	// half-open probe (T in spec §4.6).
	Cooldown time.Duration
	// OnStateChange is an optional callback invoked (in its own goroutine)
	// whenever a breaker transitions state.
	OnStateChange func(scope string, from, to State)
}

// DefaultConfig returns F=5, cooldown=30s, single-probe half-open.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// Manager owns one breaker per scope (e.g. per agent-type), as required by
// spec §4.5 step 1 and §5's "Per-scope circuit-breaker counters are behind
// their own lock; holds are sub-microsecond."
type Manager struct {
	cfg      Config
	logger   logging.Logger
	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewManager creates a circuit breaker manager with the given config.
func NewManager(cfg Config, logger logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		breakers: make(map[string]*breaker),
	}
}

func (m *Manager) get(scope string) *breaker {
	m.mu.RLock()
	if b, ok := m.breakers[scope]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[scope]; ok {
		return b
	}
	b := &breaker{state: StateClosed, lastStateChange: time.Now()}
	m.breakers[scope] = b
	return b
}

// Check reports whether a call to scope is currently permitted. It is
// idempotent and side-effect-free, except for the cooldown-elapsed
// transition from open to half-open (spec §4.6).
func (m *Manager) Check(scope string) error {
	b := m.get(scope)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) >= m.cfg.Cooldown {
			m.transition(scope, b, StateHalfOpen)
			b.successCount = 0
			return nil
		}
		return xerrors.CircuitOpen(scope)
	default:
		return xerrors.CircuitOpen(scope)
	}
}

// RecordSuccess records a successful call against scope.
func (m *Manager) RecordSuccess(scope string) {
	b := m.get(scope)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= m.cfg.SuccessThreshold {
			m.transition(scope, b, StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		m.logger.Warn("unexpected success recorded while %s is open", scope)
	}
}

// RecordFailure records a failed call against scope. May open the breaker.
func (m *Manager) RecordFailure(scope string) {
	b := m.get(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= m.cfg.FailureThreshold {
			m.transition(scope, b, StateOpen)
		}
	case StateHalfOpen:
		m.transition(scope, b, StateOpen)
		b.successCount = 0
	case StateOpen:
		// already open, just refreshed the timestamp above
	}
}

func (m *Manager) transition(scope string, b *breaker, to State) {
	from := b.state
	b.state = to
	b.lastStateChange = time.Now()
	m.logger.Info("circuit %q: %s -> %s", scope, from, to)
	if m.cfg.OnStateChange != nil {
		go m.cfg.OnStateChange(scope, from, to)
	}
}

// Metrics describes one scope's current breaker state.
type Metrics struct {
	Scope           string
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// MetricsFor returns a snapshot of scope's breaker, for diagnostics/metrics
// export.
func (m *Manager) MetricsFor(scope string) Metrics {
	b := m.get(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Scope:           scope,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces scope's breaker back to closed.
func (m *Manager) Reset(scope string) {
	b := m.get(scope)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
}
