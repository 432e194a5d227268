package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// State is the circuit breaker state of one channel
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the circuit breaker tuning shared by all channels
type Config struct {
	// Threshold is the number of consecutive errors that opens the breaker
	Threshold int

	// OpenDuration is how long the breaker stays open before probing
	OpenDuration time.Duration

	// HalfOpenSampleRate is the fraction of traffic admitted while half-open
	HalfOpenSampleRate float64

	// DecayOnSuccess decrements consecutiveErrors by one on each closed-state success
	DecayOnSuccess bool
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold:          5,
		OpenDuration:       60 * time.Second,
		HalfOpenSampleRate: 0.1,
		DecayOnSuccess:     true,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.HalfOpenSampleRate < 0 || c.HalfOpenSampleRate > 1 {
		c.HalfOpenSampleRate = def.HalfOpenSampleRate
	}
	return c
}

// TransitionFunc observes state changes. It is called without the breaker lock held.
type TransitionFunc func(channelID string, from, to State)

// Snapshot is a read-only copy of a breaker's state
type Snapshot struct {
	State             State     `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
}

// Breaker is a three-state circuit breaker for a single channel.
// RecordError and RecordSuccess are the only mutators besides the open timer.
type Breaker struct {
	channelID    string
	cfg          Config
	clock        clock.Clock
	sample       func() float64
	onTransition TransitionFunc

	mu                sync.Mutex
	state             State
	consecutiveErrors int
	openedAt          time.Time
	probeIssued       bool
	timer             *clock.Timer
	generation        uint64
	stopped           bool
}

func newBreaker(channelID string, cfg Config, clk clock.Clock, sample func() float64, onTransition TransitionFunc) *Breaker {
	return &Breaker{
		channelID:    channelID,
		cfg:          cfg.sanitize(),
		clock:        clk,
		sample:       sample,
		onTransition: onTransition,
		state:        StateClosed,
	}
}

// CanPass reports whether a request may be sent to the channel.
// An open breaker whose open duration has elapsed moves to half-open and
// admits the caller as its first probe.
func (b *Breaker) CanPass() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true

	case StateOpen:
		if b.clock.Since(b.openedAt) <= b.cfg.OpenDuration {
			b.mu.Unlock()
			return false
		}
		b.enterHalfOpenLocked()
		b.probeIssued = true
		b.mu.Unlock()
		b.notify(StateOpen, StateHalfOpen)
		return true

	default:
		if !b.probeIssued {
			b.probeIssued = true
			b.mu.Unlock()
			return true
		}
		pass := b.sample() < b.cfg.HalfOpenSampleRate
		b.mu.Unlock()
		return pass
	}
}

// Available reports whether CanPass could admit a request right now, without
// moving an expired open breaker to half-open or using up its trial request.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return b.clock.Since(b.openedAt) > b.cfg.OpenDuration
	}
	return true
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveErrors = 0
		b.openedAt = time.Time{}
		b.mu.Unlock()
		b.notify(StateHalfOpen, StateClosed)
		return

	case StateClosed:
		if b.cfg.DecayOnSuccess && b.consecutiveErrors > 0 {
			b.consecutiveErrors--
		}
	}
	b.mu.Unlock()
}

// RecordError records a failed call
func (b *Breaker) RecordError() {
	b.mu.Lock()

	b.consecutiveErrors++
	from := b.state

	switch b.state {
	case StateClosed:
		if b.consecutiveErrors < b.cfg.Threshold {
			b.mu.Unlock()
			return
		}
		b.openLocked()

	case StateHalfOpen:
		b.openLocked()

	default:
		// Already open; a straggler from before the trip.
		b.mu.Unlock()
		return
	}

	b.mu.Unlock()
	b.notify(from, StateOpen)
}

// State returns the current state without triggering lazy transitions
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:             b.state,
		ConsecutiveErrors: b.consecutiveErrors,
		OpenedAt:          b.openedAt,
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.probeIssued = false
	b.armTimerLocked()
}

func (b *Breaker) enterHalfOpenLocked() {
	b.state = StateHalfOpen
	b.probeIssued = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// armTimerLocked schedules the automatic open -> half-open transition.
// Timers from earlier trips are invalidated by the generation counter.
func (b *Breaker) armTimerLocked() {
	if b.stopped {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.generation++
	gen := b.generation
	b.timer = b.clock.AfterFunc(b.cfg.OpenDuration, func() {
		b.onTimer(gen)
	})
}

func (b *Breaker) onTimer(gen uint64) {
	b.mu.Lock()
	if b.stopped || gen != b.generation || b.state != StateOpen {
		b.mu.Unlock()
		return
	}
	b.enterHalfOpenLocked()
	b.mu.Unlock()
	b.notify(StateOpen, StateHalfOpen)
}

func (b *Breaker) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onTransition != nil {
		b.onTransition(b.channelID, from, to)
	}
}
