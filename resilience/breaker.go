package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// CircuitState is the lifecycle state of one circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through and counts consecutive failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breakers created by a registry.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// BreakerEvent describes one state transition of a breaker.
type BreakerEvent struct {
	Key       string       `json:"key"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// BreakerEventHandler receives breaker state transitions.
type BreakerEventHandler interface {
	OnStateChange(event BreakerEvent)
}

// BreakerSnapshot is the serializable state of one breaker, persisted in
// checkpoints so a recovered run does not hammer a collaborator that was
// failing when the process died.
type BreakerSnapshot struct {
	Key             string       `json:"key"`
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
}

// Breaker guards one downstream collaborator, identified by key. Keys are
// shared across runs: every step hitting the same collaborator feeds the
// same failure count.
type Breaker struct {
	key    string
	config BreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	probing         bool
	eventHandler    BreakerEventHandler

	// now is swappable in tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker for one collaborator key.
func NewBreaker(key string, config BreakerConfig, handler BreakerEventHandler, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	return &Breaker{
		key:          key,
		config:       config,
		state:        CircuitClosed,
		eventHandler: handler,
		logger:       logger.With(zap.String("breaker_key", key)),
		now:          time.Now,
	}
}

// Allow reports whether a request may proceed. While open, it returns a
// non-retryable CIRCUIT_OPEN error: a rejected attempt consumed no work,
// so it must not burn retry budget. After the recovery timeout the breaker
// moves to half-open and admits exactly one probe; concurrent callers are
// rejected until the probe reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if b.now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			b.probing = true
			return nil
		}
		return types.Errorf(types.ErrCircuitOpen,
			"circuit open for %s: %d consecutive failures, retry after %v",
			b.key, b.failures, b.config.RecoveryTimeout-b.now().Sub(b.lastFailureTime))

	case CircuitHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
		return types.Errorf(types.ErrCircuitOpen,
			"circuit half-open for %s: probe in flight", b.key)

	default:
		return types.Errorf(types.ErrCircuitOpen, "unknown circuit state %d for %s", b.state, b.key)
	}
}

// RecordSuccess resets the failure count; a successful half-open probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.probing = false
		b.failures = 0
		b.transitionTo(CircuitClosed, "half-open probe succeeded")
	}
}

// RecordFailure counts a failure; reaching the threshold while closed, or
// any failure of the half-open probe, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(CircuitOpen, "failure threshold reached")
		}
	case CircuitHalfOpen:
		b.probing = false
		b.transitionTo(CircuitOpen, "half-open probe failed")
	}
}

// AbandonProbe releases the half-open probe slot when an attempt ends
// without a verdict, so a later attempt can probe again.
func (b *Breaker) AbandonProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen {
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot captures the breaker state for checkpointing.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Key:             b.key,
		State:           b.state,
		Failures:        b.failures,
		LastFailureTime: b.lastFailureTime,
	}
}

// Restore overwrites the breaker state from a checkpoint snapshot.
func (b *Breaker) Restore(snap BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.failures = snap.Failures
	b.lastFailureTime = snap.LastFailureTime
	b.probing = false
}

// Reset returns the breaker to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = CircuitClosed
	b.failures = 0
	b.probing = false
	if old != CircuitClosed {
		b.emitEvent(old, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(newState CircuitState, reason string) {
	old := b.state
	b.state = newState

	b.logger.Info("circuit state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	b.emitEvent(old, newState, reason)
}

// emitEvent must be called with the lock held; delivery is asynchronous so
// a handler calling back into the breaker cannot deadlock.
func (b *Breaker) emitEvent(old, newState CircuitState, reason string) {
	if b.eventHandler == nil {
		return
	}
	event := BreakerEvent{
		Key:       b.key,
		OldState:  old,
		NewState:  newState,
		Timestamp: b.now(),
		Reason:    reason,
		Failures:  b.failures,
	}
	go b.eventHandler.OnStateChange(event)
}

// BreakerRegistry manages one breaker per collaborator key.
type BreakerRegistry struct {
	mu           sync.RWMutex
	breakers     map[string]*Breaker
	config       BreakerConfig
	eventHandler BreakerEventHandler
	logger       *zap.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config BreakerConfig, handler BreakerEventHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*Breaker),
		config:       config,
		eventHandler: handler,
		logger:       logger,
	}
}

// GetOrCreate returns the breaker for key, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, r.config, r.eventHandler, r.logger)
	r.breakers[key] = b
	return b
}

// States returns the current state of every known breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for key, b := range r.breakers {
		states[key] = b.State()
	}
	return states
}

// Snapshots captures every breaker for checkpointing.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

// Restore recreates breakers from checkpoint snapshots.
func (r *BreakerRegistry) Restore(snaps []BreakerSnapshot) {
	for _, snap := range snaps {
		r.GetOrCreate(snap.Key).Restore(snap)
	}
}

// ResetAll resets every breaker to closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
