package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// Channel tests
func TestChannel_TableName(t *testing.T) {
	assert.Equal(t, "channels", Channel{}.TableName())
}

func TestChannel_SupportsModel(t *testing.T) {
	ch := &Channel{SupportedModels: []string{"gpt-4o", "gpt-4o-mini"}}

	assert.True(t, ch.SupportsModel("gpt-4o"))
	assert.False(t, ch.SupportsModel("claude-3-opus"))
}

func TestChannel_UpstreamModel(t *testing.T) {
	ch := &Channel{ModelMapping: map[string]string{"gpt-4": "gpt-4-0613", "empty": ""}}

	assert.Equal(t, "gpt-4-0613", ch.UpstreamModel("gpt-4"))
	assert.Equal(t, "gpt-4o", ch.UpstreamModel("gpt-4o"))
	assert.Equal(t, "empty", ch.UpstreamModel("empty"))
}

func TestChannel_HasBalance(t *testing.T) {
	tests := []struct {
		name    string
		balance *float64
		want    bool
	}{
		{name: "unset", balance: nil, want: true},
		{name: "positive", balance: ptr(1.5), want: true},
		{name: "zero", balance: ptr(0.0), want: false},
		{name: "negative", balance: ptr(-2.0), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &Channel{RemainingBalance: tt.balance}
			assert.Equal(t, tt.want, ch.HasBalance())
		})
	}
}

func TestChannel_EffectiveWeight(t *testing.T) {
	assert.Equal(t, 1.0, (&Channel{Weight: 0}).EffectiveWeight())
	assert.Equal(t, 1.0, (&Channel{Weight: -3}).EffectiveWeight())
	assert.Equal(t, 2.5, (&Channel{Weight: 2.5}).EffectiveWeight())
}

func TestChannel_Cost(t *testing.T) {
	ch := &Channel{PromptPricePer1K: 0.01, CompletionPricePer1K: 0.03}

	assert.InDelta(t, 0.01+0.06, ch.Cost(1000, 2000), 1e-9)
	assert.Zero(t, (&Channel{}).Cost(1000, 1000))
}

func TestChannel_Clone(t *testing.T) {
	original := &Channel{
		ID:               "ch-1",
		SupportedModels:  []string{"gpt-4o"},
		ModelMapping:     map[string]string{"a": "b"},
		RemainingBalance: ptr(10.0),
	}

	clone := original.Clone()
	clone.SupportedModels[0] = "changed"
	clone.ModelMapping["a"] = "changed"
	*clone.RemainingBalance = 0

	assert.Equal(t, "gpt-4o", original.SupportedModels[0])
	assert.Equal(t, "b", original.ModelMapping["a"])
	assert.Equal(t, 10.0, *original.RemainingBalance)
}

func TestChannel_JSONRoundTrip(t *testing.T) {
	raw := `{"id":"ch-1","name":"primary","provider_type":"anthropic","credential":"sk-x",
		"supported_models":["claude-3-haiku"],"priority":5,"weight":3,"rpm_limit":120}`

	var ch Channel
	require.NoError(t, json.Unmarshal([]byte(raw), &ch))

	assert.Equal(t, ProviderAnthropic, ch.ProviderType)
	assert.Equal(t, "sk-x", ch.Credential)
	assert.Equal(t, 5, ch.Priority)
	assert.Equal(t, 120, ch.RPMLimit)
	assert.Nil(t, ch.RemainingBalance)
}

// UsageRecord tests
func TestNewUsageRecord(t *testing.T) {
	rec := NewUsageRecord("ch-1", "req-1", "gpt-4o", 10, 20)

	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.Equal(t, "ch-1", rec.ChannelID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, 30, rec.TotalTokens)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "usage_records", rec.TableName())
}
