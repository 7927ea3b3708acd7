// Package circuitbreaker implements the circuit breaker pattern protecting
// the bus from cascading failures in external validators and policy
// backends.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Cooldown elapsed, probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the breaker refuses a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker.
	Name string

	// FailureThreshold is the number of consecutive system failures that
	// trips the breaker from Closed to Open.
	FailureThreshold int

	// Cooldown is the period of the Open state before probes are allowed.
	Cooldown time.Duration

	// ProbeSuccesses is the number of consecutive half-open successes
	// needed to close the breaker again.
	ProbeSuccesses int

	// OnStateChange is called whenever the circuit state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the bus-wide default breaker configuration:
// 3 consecutive failures trip, 30s cooldown, 5 probe successes to reset.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   5,
		OnStateChange: func(name string, from, to State) {
			slog.Info("[CircuitBreaker] state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Breaker tracks consecutive failures for one strategy. Validation denials
// must not be recorded here; only system-level faults count.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failures        int
	probeSuccesses  int
	lastFailureTime time.Time
	now             func() time.Time // test hook
}

// New creates a breaker in the Closed state. Zero-valued thresholds are
// replaced with the defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = def.ProbeSuccesses
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reports whether a request may proceed. In the Open state it returns
// false until the cooldown elapses; Half-Open admits probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != StateOpen
}

// RecordSuccess records a successful request. In Half-Open, consecutive
// successes advance toward Closed; in Closed it clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.ProbeSuccesses {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a system fault. Tripping resets the probe counter;
// a Half-Open failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = b.now()
	switch b.currentState() {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// SetClock overrides the time source. Test-only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.cfg.Cooldown {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager tracks the breakers owned by a bus instance so health checks can
// enumerate them.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty breaker registry.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker by name, creating it with defaults if necessary.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	br, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok = m.breakers[name]; ok {
		return br
	}
	br = New(DefaultConfig(name))
	m.breakers[name] = br
	return br
}

// GetOrCreate returns an existing breaker or creates one with the given
// config.
func (m *Manager) GetOrCreate(cfg Config) *Breaker {
	m.mu.RLock()
	br, ok := m.breakers[cfg.Name]
	m.mu.RUnlock()
	if ok {
		return br
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if br, ok = m.breakers[cfg.Name]; ok {
		return br
	}
	br = New(cfg)
	m.breakers[cfg.Name] = br
	return br
}

// HealthStatus returns overall health plus per-breaker states. Any Open
// breaker degrades the aggregate.
func (m *Manager) HealthStatus() (string, map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.breakers))
	healthy := true
	for name, br := range m.breakers {
		st := br.State()
		statuses[name] = st.String()
		if st == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
