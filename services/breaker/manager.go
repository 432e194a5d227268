package breaker

import (
	"math/rand/v2"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Manager owns one Breaker per channel id, created lazily on first use
type Manager struct {
	cfg          Config
	clock        clock.Clock
	logger       *zap.Logger
	sample       func() float64
	onTransition TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for open durations and auto-reset timers
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithSampler overrides the half-open sampling source (values in [0,1))
func WithSampler(sample func() float64) Option {
	return func(m *Manager) {
		m.sample = sample
	}
}

// WithTransitionHook registers a callback for every state change
func WithTransitionHook(fn TransitionFunc) Option {
	return func(m *Manager) {
		m.onTransition = fn
	}
}

// NewManager creates a new breaker manager
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.sanitize(),
		clock:    clock.New(),
		logger:   logger,
		sample:   rand.Float64,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the breaker for a channel, creating it if needed
func (m *Manager) Get(channelID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[channelID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[channelID]; ok {
		return b
	}
	b = newBreaker(channelID, m.cfg, m.clock, m.sample, m.handleTransition)
	m.breakers[channelID] = b
	return b
}

// Lookup returns the breaker for a channel without creating one
func (m *Manager) Lookup(channelID string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[channelID]
	return b, ok
}

// CanPass is shorthand for Get(channelID).CanPass()
func (m *Manager) CanPass(channelID string) bool {
	return m.Get(channelID).CanPass()
}

// Available reports whether the channel's breaker could admit a request,
// without side effects. Channels never seen are available.
func (m *Manager) Available(channelID string) bool {
	b, ok := m.Lookup(channelID)
	return !ok || b.Available()
}

// RecordSuccess records a success on an existing breaker. Unknown channels,
// including ones removed while the call was in flight, are ignored.
func (m *Manager) RecordSuccess(channelID string) {
	if b, ok := m.Lookup(channelID); ok {
		b.RecordSuccess()
	}
}

// RecordError records an error on an existing breaker. Unknown channels are ignored.
func (m *Manager) RecordError(channelID string) {
	if b, ok := m.Lookup(channelID); ok {
		b.RecordError()
	}
}

// Snapshot returns the state of a channel's breaker. Channels never seen report closed.
func (m *Manager) Snapshot(channelID string) Snapshot {
	b, ok := m.Lookup(channelID)
	if !ok {
		return Snapshot{State: StateClosed}
	}
	return b.Snapshot()
}

// Remove destroys the breakers of the given channels and cancels their timers
func (m *Manager) Remove(channelIDs ...string) {
	m.mu.Lock()
	removed := make([]*Breaker, 0, len(channelIDs))
	for _, id := range channelIDs {
		if b, ok := m.breakers[id]; ok {
			removed = append(removed, b)
			delete(m.breakers, id)
		}
	}
	m.mu.Unlock()

	for _, b := range removed {
		b.stop()
	}
}

// Len returns the number of live breakers
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.breakers)
}

func (m *Manager) handleTransition(channelID string, from, to State) {
	m.logger.Info("circuit breaker state changed",
		zap.String("channel_id", channelID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if m.onTransition != nil {
		m.onTransition(channelID, from, to)
	}
}
