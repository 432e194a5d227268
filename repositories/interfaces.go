package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-relay/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// ChannelRepository is the source of channel configuration
type ChannelRepository interface {
	// ListChannels returns every configured channel, including disabled ones
	ListChannels(ctx context.Context) ([]*models.Channel, error)

	// GetByID retrieves a channel by id
	GetByID(ctx context.Context, id string) (*models.Channel, error)
}

// UsageRepository persists usage records
type UsageRepository interface {
	// Insert stores a single usage record
	Insert(ctx context.Context, record *models.UsageRecord) error

	// InsertBatch stores several records atomically
	InsertBatch(ctx context.Context, records []*models.UsageRecord) error

	// SumByChannel returns total tokens and cost per channel since the given time
	SumByChannel(ctx context.Context, since time.Time) (map[string]UsageTotals, error)
}

// UsageTotals aggregates usage for one channel
type UsageTotals struct {
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	Cost        float64 `json:"cost"`
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Channels ChannelRepository
	Usage    UsageRepository
}
