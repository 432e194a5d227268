package routing

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
)

// Algorithm defines how a channel is picked among the top-priority tier
type Algorithm string

const (
	// AlgorithmWeighted draws proportionally to channel weight
	AlgorithmWeighted Algorithm = "weighted"

	// AlgorithmLeastConnections picks the channel with the fewest pending requests
	AlgorithmLeastConnections Algorithm = "least_connections"

	// AlgorithmRandom picks uniformly
	AlgorithmRandom Algorithm = "random"
)

// Exclusion reasons reported in NoChannelAvailable diagnostics
const (
	ReasonStatus      = "status"
	ReasonUsed        = "already_used"
	ReasonModel       = "model_unsupported"
	ReasonCircuitOpen = "circuit_open"
	ReasonBalance     = "balance_exhausted"
)

// ParseAlgorithm converts a configuration string into an Algorithm
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case AlgorithmWeighted, AlgorithmLeastConnections, AlgorithmRandom:
		return a, nil
	case "leastconnections", "least-connections":
		return AlgorithmLeastConnections, nil
	case "":
		return AlgorithmWeighted, nil
	default:
		return "", fmt.Errorf("unknown load balance algorithm %q", s)
	}
}

// ChannelSource provides point-in-time channel copies
type ChannelSource interface {
	Snapshot() []*models.Channel
}

// BreakerGate reports whether a channel's circuit admits a request.
// Available must not change breaker state; CanPass may use up a half-open trial request.
type BreakerGate interface {
	Available(channelID string) bool
	CanPass(channelID string) bool
}

// LoadReporter reports the number of waiting plus in-flight requests of a channel
type LoadReporter interface {
	PendingCount(channelID string) int
}

// Option configures a Selector
type Option func(*Selector)

// WithRand overrides the uniform [0,1) source used by weighted and random picks
func WithRand(float func() float64) Option {
	return func(s *Selector) {
		s.float = float
	}
}

// WithLoadReporter enables least-connections picking
func WithLoadReporter(load LoadReporter) Option {
	return func(s *Selector) {
		s.load = load
	}
}

// Selector chooses the channel for one attempt of a request
type Selector struct {
	algorithm Algorithm
	source    ChannelSource
	breakers  BreakerGate
	load      LoadReporter
	float     func() float64
	logger    *zap.Logger
}

// NewSelector creates a new channel selector
func NewSelector(algorithm Algorithm, source ChannelSource, breakers BreakerGate, logger *zap.Logger, opts ...Option) *Selector {
	s := &Selector{
		algorithm: algorithm,
		source:    source,
		breakers:  breakers,
		float:     rand.Float64,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Algorithm returns the configured algorithm
func (s *Selector) Algorithm() Algorithm {
	return s.algorithm
}

// Select returns the channel to use for targetModel, never one listed in usedIDs.
// When nothing is eligible the error is a no_channel_available DomainError whose
// "excluded" detail maps every channel id to the reason it was skipped.
func (s *Selector) Select(targetModel string, usedIDs []string) (*models.Channel, error) {
	all := s.source.Snapshot()
	excluded := make(map[string]string, len(all))

	candidates := lo.Filter(all, func(ch *models.Channel, _ int) bool {
		reason := s.exclusionReason(ch, targetModel, usedIDs)
		if reason != "" {
			excluded[ch.ID] = reason
			return false
		}
		return true
	})

	// Only the picked channel goes through breaker admission, so unchosen
	// half-open channels keep their trial request.
	Rank(candidates)
	for len(candidates) > 0 {
		ch := s.pick(TopTier(candidates))
		if s.breakers == nil || s.breakers.CanPass(ch.ID) {
			return ch, nil
		}
		excluded[ch.ID] = ReasonCircuitOpen
		candidates = slices.DeleteFunc(candidates, func(c *models.Channel) bool {
			return c.ID == ch.ID
		})
	}

	circuitOpen := lo.Count(lo.Values(excluded), ReasonCircuitOpen)
	s.logger.Debug("no eligible channel",
		zap.String("model", targetModel),
		zap.Int("channels", len(all)),
		zap.Int("circuit_open", circuitOpen),
	)
	return nil, services.NewDomainError(services.ErrorTypeNoChannel,
		fmt.Sprintf("no channel available for model %s", targetModel), nil).
		WithDetail(services.DetailModel, targetModel).
		WithDetail(services.DetailExcluded, excluded)
}

func (s *Selector) pick(tier []*models.Channel) *models.Channel {
	switch s.algorithm {
	case AlgorithmLeastConnections:
		if s.load != nil {
			return s.pickLeastConnections(tier)
		}
		return s.pickWeighted(tier)
	case AlgorithmRandom:
		return s.pickRandom(tier)
	default:
		return s.pickWeighted(tier)
	}
}

func (s *Selector) exclusionReason(ch *models.Channel, targetModel string, usedIDs []string) string {
	switch {
	case ch.Status != models.ChannelStatusActive:
		return ReasonStatus
	case slices.Contains(usedIDs, ch.ID):
		return ReasonUsed
	case !ch.SupportsModel(targetModel):
		return ReasonModel
	case !ch.HasBalance():
		return ReasonBalance
	case s.breakers != nil && !s.breakers.Available(ch.ID):
		return ReasonCircuitOpen
	default:
		return ""
	}
}

// Rank orders channels by priority desc, error rate asc, then average latency asc.
// The sort is stable so equal channels keep load order.
func Rank(channels []*models.Channel) {
	slices.SortStableFunc(channels, func(a, b *models.Channel) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		if a.ErrorRate != b.ErrorRate {
			if a.ErrorRate < b.ErrorRate {
				return -1
			}
			return 1
		}
		switch {
		case a.AvgLatencyMs < b.AvgLatencyMs:
			return -1
		case a.AvgLatencyMs > b.AvgLatencyMs:
			return 1
		}
		return 0
	})
}

// TopTier returns the leading run of ranked channels sharing the highest priority
func TopTier(ranked []*models.Channel) []*models.Channel {
	if len(ranked) == 0 {
		return nil
	}
	top := ranked[0].Priority
	end := 1
	for end < len(ranked) && ranked[end].Priority == top {
		end++
	}
	return ranked[:end]
}

func (s *Selector) pickWeighted(tier []*models.Channel) *models.Channel {
	total := lo.SumBy(tier, func(ch *models.Channel) float64 {
		return ch.EffectiveWeight()
	})
	r := s.float() * total
	for _, ch := range tier {
		r -= ch.EffectiveWeight()
		if r < 0 {
			return ch
		}
	}
	return tier[len(tier)-1]
}

func (s *Selector) pickLeastConnections(tier []*models.Channel) *models.Channel {
	best := tier[0]
	bestLoad := s.load.PendingCount(best.ID)
	for _, ch := range tier[1:] {
		if n := s.load.PendingCount(ch.ID); n < bestLoad {
			best, bestLoad = ch, n
		}
	}
	return best
}

func (s *Selector) pickRandom(tier []*models.Channel) *models.Channel {
	i := int(s.float() * float64(len(tier)))
	if i >= len(tier) {
		i = len(tier) - 1
	}
	return tier[i]
}
