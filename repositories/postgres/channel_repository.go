package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
	"go.uber.org/zap"
)

const channelColumns = `
	id, name, provider_type, credential, base_url, status, supported_models,
	model_mapping, priority, weight, rpm_limit, tpm_limit, remaining_balance,
	prompt_price_per_1k, completion_price_per_1k, proxy_url, custom_headers,
	created_at, updated_at`

// ChannelRepository implements repositories.ChannelRepository
type ChannelRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewChannelRepository creates a new channel repository
func NewChannelRepository(db *DB, logger *zap.Logger) repositories.ChannelRepository {
	return &ChannelRepository{
		db:     db,
		logger: logger,
	}
}

// ListChannels returns every channel ordered by id
func (r *ChannelRepository) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY id`

	rows, err := r.db.conn(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channels: %w", err)
	}

	r.logger.Debug("channels listed", zap.Int("count", len(channels)))
	return channels, nil
}

// GetByID retrieves a channel by id
func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	ch, err := scanChannel(r.db.conn(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*models.Channel, error) {
	var (
		ch           models.Channel
		mapping      []byte
		headers      []byte
		balance      sql.NullFloat64
		providerType string
		status       string
	)
	err := row.Scan(
		&ch.ID,
		&ch.Name,
		&providerType,
		&ch.Credential,
		&ch.BaseURL,
		&status,
		pq.Array(&ch.SupportedModels),
		&mapping,
		&ch.Priority,
		&ch.Weight,
		&ch.RPMLimit,
		&ch.TPMLimit,
		&balance,
		&ch.PromptPricePer1K,
		&ch.CompletionPricePer1K,
		&ch.ProxyURL,
		&headers,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}

	ch.ProviderType = models.ProviderType(providerType)
	ch.Status = models.ChannelStatus(status)
	if balance.Valid {
		b := balance.Float64
		ch.RemainingBalance = &b
	}
	if err := unmarshalStringMap(mapping, &ch.ModelMapping); err != nil {
		return nil, fmt.Errorf("channel %s: invalid model_mapping: %w", ch.ID, err)
	}
	if err := unmarshalStringMap(headers, &ch.CustomHeaders); err != nil {
		return nil, fmt.Errorf("channel %s: invalid custom_headers: %w", ch.ID, err)
	}
	return &ch, nil
}

func unmarshalStringMap(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
