package models

import (
	"maps"
	"slices"
	"time"
)

// ProviderType identifies the wire protocol spoken by an upstream channel
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
	ProviderOther     ProviderType = "other" // OpenAI-compatible endpoints
)

// ChannelStatus is the administrative status of a channel.
// It is tracked separately from the circuit breaker state.
type ChannelStatus string

const (
	ChannelStatusActive    ChannelStatus = "active"
	ChannelStatusDisabled  ChannelStatus = "disabled"
	ChannelStatusExhausted ChannelStatus = "exhausted" // quota or balance used up
	ChannelStatusError     ChannelStatus = "error"
	ChannelStatusTesting   ChannelStatus = "testing" // health probe in flight
)

// Channel represents one configured upstream provider credential/endpoint pairing
type Channel struct {
	ID           string        `json:"id" db:"id" validate:"required"`
	Name         string        `json:"name" db:"name" validate:"required"`
	ProviderType ProviderType  `json:"provider_type" db:"provider_type" validate:"required,oneof=openai anthropic google other"`
	Credential   string        `json:"credential" db:"credential"`
	BaseURL      string        `json:"base_url" db:"base_url" validate:"omitempty,url"`
	Status       ChannelStatus `json:"status" db:"status" validate:"omitempty,oneof=active disabled exhausted error testing"`

	// Routing
	SupportedModels []string          `json:"supported_models" db:"supported_models" validate:"required,min=1,dive,required"`
	ModelMapping    map[string]string `json:"model_mapping,omitempty" db:"model_mapping"` // requested model -> upstream model
	Priority        int               `json:"priority" db:"priority"`
	Weight          float64           `json:"weight" db:"weight" validate:"gte=0"`

	// Quotas (0 = unlimited)
	RPMLimit         int      `json:"rpm_limit" db:"rpm_limit" validate:"gte=0"`
	TPMLimit         int      `json:"tpm_limit" db:"tpm_limit" validate:"gte=0"`
	RemainingBalance *float64 `json:"remaining_balance,omitempty" db:"remaining_balance"`

	// Pricing in balance units per 1K tokens
	PromptPricePer1K     float64 `json:"prompt_price_per_1k" db:"prompt_price_per_1k" validate:"gte=0"`
	CompletionPricePer1K float64 `json:"completion_price_per_1k" db:"completion_price_per_1k" validate:"gte=0"`

	// Transport
	ProxyURL      string            `json:"proxy_url,omitempty" db:"proxy_url" validate:"omitempty,url"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty" db:"custom_headers"`

	// Live counters, owned by the channel registry
	ErrorCount   int64      `json:"error_count" db:"-"`
	SuccessCount int64      `json:"success_count" db:"-"`
	ErrorRate    float64    `json:"error_rate" db:"-"` // time-decayed
	AvgLatencyMs float64    `json:"avg_latency_ms" db:"-"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty" db:"-"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Channel model
func (Channel) TableName() string {
	return "channels"
}

// SupportsModel reports whether the channel serves the given model
func (c *Channel) SupportsModel(model string) bool {
	return slices.Contains(c.SupportedModels, model)
}

// UpstreamModel returns the model name to send upstream for a requested model
func (c *Channel) UpstreamModel(model string) string {
	if mapped, ok := c.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// HasBalance reports whether the channel's optional balance permits traffic
func (c *Channel) HasBalance() bool {
	return c.RemainingBalance == nil || *c.RemainingBalance > 0
}

// EffectiveWeight returns the selection weight, treating non-positive weights as 1
func (c *Channel) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// Cost computes the price of a completion against the channel's pricing
func (c *Channel) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*c.PromptPricePer1K +
		float64(completionTokens)/1000*c.CompletionPricePer1K
}

// Clone returns a deep copy safe to hand out of the registry
func (c *Channel) Clone() *Channel {
	out := *c
	out.SupportedModels = slices.Clone(c.SupportedModels)
	out.ModelMapping = maps.Clone(c.ModelMapping)
	out.CustomHeaders = maps.Clone(c.CustomHeaders)
	if c.RemainingBalance != nil {
		b := *c.RemainingBalance
		out.RemainingBalance = &b
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	if c.LastErrorAt != nil {
		t := *c.LastErrorAt
		out.LastErrorAt = &t
	}
	return &out
}
