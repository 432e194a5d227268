package relay

import (
	"context"
	"math"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services/breaker"
	"github.com/upb/llm-relay/services/providers"
)

// RetryConfig controls the attempt loop
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// RetryableStatusCodes are upstream statuses that move on to another channel
	RetryableStatusCodes []int
}

// Backoff returns min(base * multiplier^attempt, max)
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

func (c RetryConfig) retryableStatus(code int) bool {
	return slices.Contains(c.RetryableStatusCodes, code)
}

// Config holds relay settings. It is immutable after construction.
type Config struct {
	Retry RetryConfig

	// MaxStreamEventSize bounds a single upstream SSE event
	MaxStreamEventSize int

	// MaxResponseSize bounds a unary upstream body
	MaxResponseSize int64
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         100 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			BackoffMultiplier: 2,
			RetryableStatusCodes: []int{
				http.StatusTooManyRequests,
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout,
			},
		},
		MaxStreamEventSize: 1 << 20,
		MaxResponseSize:    32 << 20,
	}
}

// RequestContext carries per-call relay state. It is owned by the calling
// goroutine and must not be shared between calls.
type RequestContext struct {
	RequestID   string
	UserID      string
	TargetModel string
	Streaming   bool

	// UsedChannelIDs lists tried channels in attempt order
	UsedChannelIDs []string

	// Attempt is the number of attempts started so far
	Attempt int

	StartedAt time.Time
}

// NewRequestContext creates a context for one relay call. An empty requestID gets a fresh uuid.
func NewRequestContext(requestID, userID, model string) *RequestContext {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &RequestContext{
		RequestID:   requestID,
		UserID:      userID,
		TargetModel: model,
		StartedAt:   time.Now(),
	}
}

func (rc *RequestContext) markUsed(channelID string) {
	if !slices.Contains(rc.UsedChannelIDs, channelID) {
		rc.UsedChannelIDs = append(rc.UsedChannelIDs, channelID)
	}
}

// ChannelSelector picks a channel for a model, skipping already-used ids
type ChannelSelector interface {
	Select(targetModel string, usedIDs []string) (*models.Channel, error)
}

// ClientProvider returns the HTTP client a channel is reached through
type ClientProvider interface {
	ClientFor(ch *models.Channel) (*http.Client, error)
}

// UsageLogger receives one record per successful call. It must not block.
type UsageLogger interface {
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
}

// ChannelStats is the externally visible state of one channel
type ChannelStats struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	ProviderType     models.ProviderType  `json:"provider_type"`
	Status           models.ChannelStatus `json:"status"`
	Priority         int                  `json:"priority"`
	Weight           float64              `json:"weight"`
	SuccessCount     int64                `json:"success_count"`
	ErrorCount       int64                `json:"error_count"`
	ErrorRate        float64              `json:"error_rate"`
	AvgLatencyMs     float64              `json:"avg_latency_ms"`
	RemainingBalance *float64             `json:"remaining_balance,omitempty"`
	LastUsedAt       *time.Time           `json:"last_used_at,omitempty"`
	LastErrorAt      *time.Time           `json:"last_error_at,omitempty"`
	Breaker          breaker.Snapshot     `json:"breaker"`
	Pending          int                  `json:"pending"`
}

type attemptFunc func(ctx context.Context, ch *models.Channel) error

// usageOf returns usage with TotalTokens filled in
func usageOf(u providers.Usage) providers.Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
