package channels

import (
	"math"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/utils"
)

// Config tunes the live statistics kept per channel
type Config struct {
	// LatencyAlpha is the EWMA smoothing factor for avgLatencyMs
	LatencyAlpha float64

	// ErrorRateHalfLife is the half-life of the decayed counters used for ranking
	ErrorRateHalfLife time.Duration
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		LatencyAlpha:      0.2,
		ErrorRateHalfLife: 10 * time.Minute,
	}
}

// ReloadResult describes how a reload changed the channel set
type ReloadResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
	Invalid []string `json:"invalid"`
}

// entry guards one channel. Its mutex serializes every write to the channel's
// counters and status.
type entry struct {
	mu sync.Mutex

	ch         *models.Channel
	configured *models.Channel // last copy received from the store

	decayedErrors    float64
	decayedSuccesses float64
	decayedAt        time.Time
}

// Registry holds the configured channels and their live state
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex // guards membership only
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty channel registry
func NewRegistry(cfg Config, clk clock.Clock, logger *zap.Logger) *Registry {
	def := DefaultConfig()
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	if cfg.ErrorRateHalfLife <= 0 {
		cfg.ErrorRateHalfLife = def.ErrorRateHalfLife
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Load replaces the channel set in place. Channels that survive keep their
// live counters; store-side changes to status or balance are applied.
func (r *Registry) Load(channels []*models.Channel) ReloadResult {
	var result ReloadResult
	incoming := make(map[string]*models.Channel, len(channels))
	order := make([]string, 0, len(channels))

	for _, ch := range channels {
		if ch == nil {
			continue
		}
		if err := utils.ValidateStruct(ch); err != nil {
			r.logger.Warn("skipping invalid channel",
				zap.String("channel_id", ch.ID),
				zap.Any("fields", utils.GetValidationFields(err)),
			)
			result.Invalid = append(result.Invalid, ch.ID)
			continue
		}
		if _, dup := incoming[ch.ID]; dup {
			r.logger.Warn("skipping duplicate channel id", zap.String("channel_id", ch.ID))
			result.Invalid = append(result.Invalid, ch.ID)
			continue
		}
		incoming[ch.ID] = ch
		order = append(order, ch.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range order {
		ch := incoming[id]
		if e, ok := r.entries[id]; ok {
			e.update(ch)
			result.Updated = append(result.Updated, id)
			continue
		}
		r.entries[id] = newEntry(ch, r.clock.Now())
		result.Added = append(result.Added, id)
	}

	for _, id := range r.order {
		if _, ok := incoming[id]; !ok {
			delete(r.entries, id)
			result.Removed = append(result.Removed, id)
		}
	}
	r.order = order

	r.logger.Info("channels loaded",
		zap.Int("added", len(result.Added)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("invalid", len(result.Invalid)),
	)

	return result
}

func newEntry(ch *models.Channel, now time.Time) *entry {
	live := ch.Clone()
	if live.Status == "" {
		live.Status = models.ChannelStatusActive
	}
	live.ErrorCount, live.SuccessCount, live.AvgLatencyMs, live.ErrorRate = 0, 0, 0, 0
	live.LastUsedAt, live.LastErrorAt = nil, nil
	return &entry{ch: live, configured: ch.Clone(), decayedAt: now}
}

func (e *entry) update(ch *models.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.configured
	live := ch.Clone()

	live.ErrorCount = e.ch.ErrorCount
	live.SuccessCount = e.ch.SuccessCount
	live.AvgLatencyMs = e.ch.AvgLatencyMs
	live.LastUsedAt = e.ch.LastUsedAt
	live.LastErrorAt = e.ch.LastErrorAt

	if live.Status == "" {
		live.Status = models.ChannelStatusActive
	}
	if ch.Status == prev.Status {
		live.Status = e.ch.Status
	}
	if balanceEqual(ch.RemainingBalance, prev.RemainingBalance) {
		live.RemainingBalance = e.ch.RemainingBalance
	}

	e.ch = live
	e.configured = ch.Clone()
}

func balanceEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a copy of one channel
func (r *Registry) Get(id string) (*models.Channel, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	now := r.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(now, r.cfg.ErrorRateHalfLife), true
}

// Snapshot returns copies of all channels in load order
func (r *Registry) Snapshot() []*models.Channel {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]*models.Channel, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshotLocked(now, r.cfg.ErrorRateHalfLife))
		e.mu.Unlock()
	}
	return out
}

// IDs returns the ids of all channels in load order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of channels
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (e *entry) snapshotLocked(now time.Time, halfLife time.Duration) *models.Channel {
	e.decayLocked(now, halfLife)
	out := e.ch.Clone()
	out.ErrorRate = e.decayedErrors / (e.decayedSuccesses + e.decayedErrors + 1)
	return out
}

func (e *entry) decayLocked(now time.Time, halfLife time.Duration) {
	elapsed := now.Sub(e.decayedAt)
	if elapsed <= 0 {
		return
	}
	factor := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	e.decayedErrors *= factor
	e.decayedSuccesses *= factor
	e.decayedAt = now
}

// RecordSuccess updates counters after a successful call and charges cost
// against the channel's balance.
func (r *Registry) RecordSuccess(id string, latency time.Duration, cost float64) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	now := r.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now, r.cfg.ErrorRateHalfLife)
	e.decayedSuccesses++
	e.ch.SuccessCount++
	e.ch.LastUsedAt = &now

	sample := float64(latency.Milliseconds())
	if e.ch.AvgLatencyMs == 0 {
		e.ch.AvgLatencyMs = sample
	} else {
		e.ch.AvgLatencyMs = r.cfg.LatencyAlpha*sample + (1-r.cfg.LatencyAlpha)*e.ch.AvgLatencyMs
	}

	if e.ch.RemainingBalance != nil && cost > 0 {
		remaining := *e.ch.RemainingBalance - cost
		e.ch.RemainingBalance = &remaining
		if remaining <= 0 && e.ch.Status == models.ChannelStatusActive {
			e.ch.Status = models.ChannelStatusExhausted
			r.logger.Warn("channel balance exhausted", zap.String("channel_id", id))
		}
	}
}

// RecordError updates counters after a failed call. Authentication and
// payment rejections also change the administrative status.
func (r *Registry) RecordError(id string, statusCode int) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	now := r.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now, r.cfg.ErrorRateHalfLife)
	e.decayedErrors++
	e.ch.ErrorCount++
	e.ch.LastUsedAt = &now
	e.ch.LastErrorAt = &now

	if e.ch.Status != models.ChannelStatusActive {
		return
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.ch.Status = models.ChannelStatusError
		r.logger.Warn("channel credential rejected", zap.String("channel_id", id), zap.Int("status", statusCode))
	case http.StatusPaymentRequired:
		e.ch.Status = models.ChannelStatusExhausted
		r.logger.Warn("channel quota exhausted", zap.String("channel_id", id))
	}
}

// SetStatus sets the administrative status of a channel
func (r *Registry) SetStatus(id string, status models.ChannelStatus) error {
	e, ok := r.get(id)
	if !ok {
		return services.NewDomainError(services.ErrorTypeNotFound, "channel not found", nil).
			WithDetail(services.DetailChannelID, id)
	}
	e.mu.Lock()
	e.ch.Status = status
	e.mu.Unlock()
	return nil
}

// MarkTesting moves an errored channel into testing while a probe runs
func (r *Registry) MarkTesting(id string) bool {
	return r.transition(id, models.ChannelStatusTesting, models.ChannelStatusError)
}

// ProbeFailed returns a testing channel to the error status
func (r *Registry) ProbeFailed(id string) bool {
	return r.transition(id, models.ChannelStatusError, models.ChannelStatusTesting)
}

// ApplyRecovery moves an errored or testing channel back to active. Disabled
// and exhausted channels are left alone.
func (r *Registry) ApplyRecovery(id string) bool {
	return r.transition(id, models.ChannelStatusActive, models.ChannelStatusError, models.ChannelStatusTesting)
}

func (r *Registry) transition(id string, to models.ChannelStatus, from ...models.ChannelStatus) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(from, e.ch.Status) {
		return false
	}
	e.ch.Status = to
	return true
}
