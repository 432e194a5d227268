package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord captures token usage and cost for one successful relay call
type UsageRecord struct {
	ID               uuid.UUID `json:"id" db:"id"`
	ChannelID        string    `json:"channel_id" db:"channel_id"`
	RequestID        string    `json:"request_id" db:"request_id"`
	UserID           string    `json:"user_id,omitempty" db:"user_id"`
	Model            string    `json:"model" db:"model"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens" db:"total_tokens"`
	Cost             float64   `json:"cost" db:"cost"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
	Streamed         bool      `json:"streamed" db:"streamed"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a new UsageRecord instance
func NewUsageRecord(channelID, requestID, model string, promptTokens, completionTokens int) *UsageRecord {
	return &UsageRecord{
		ID:               uuid.New(),
		ChannelID:        channelID,
		RequestID:        requestID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CreatedAt:        time.Now(),
	}
}
