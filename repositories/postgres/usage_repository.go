package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
	"go.uber.org/zap"
)

const insertUsageQuery = `
	INSERT INTO usage_records (
		id, channel_id, request_id, user_id, model, prompt_tokens,
		completion_tokens, total_tokens, cost, latency_ms, streamed, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
	)
`

// UsageRepository implements repositories.UsageRepository
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a single usage record
func (r *UsageRepository) Insert(ctx context.Context, record *models.UsageRecord) error {
	if err := insertUsage(ctx, r.db.conn(ctx), record); err != nil {
		return err
	}

	r.logger.Debug("usage record inserted",
		zap.String("id", record.ID.String()),
		zap.String("channel_id", record.ChannelID))
	return nil
}

// InsertBatch inserts records in one transaction; either all land or none
func (r *UsageRepository) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.inTx(ctx, func(ctx context.Context) error {
		conn := r.db.conn(ctx)
		for _, rec := range records {
			if err := insertUsage(ctx, conn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("usage batch rolled back",
			zap.Int("records", len(records)),
			zap.Error(err))
		return err
	}

	r.logger.Debug("usage batch inserted", zap.Int("records", len(records)))
	return nil
}

// SumByChannel aggregates requests, tokens and cost per channel since the given time
func (r *UsageRepository) SumByChannel(ctx context.Context, since time.Time) (map[string]repositories.UsageTotals, error) {
	query := `
		SELECT channel_id, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY channel_id
	`

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]repositories.UsageTotals)
	for rows.Next() {
		var (
			channelID string
			t         repositories.UsageTotals
		)
		if err := rows.Scan(&channelID, &t.Requests, &t.TotalTokens, &t.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage totals: %w", err)
		}
		totals[channelID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage totals: %w", err)
	}
	return totals, nil
}

func insertUsage(ctx context.Context, conn queryer, rec *models.UsageRecord) error {
	var userID any
	if rec.UserID != "" {
		userID = rec.UserID
	}
	_, err := conn.ExecContext(ctx, insertUsageQuery,
		rec.ID,
		rec.ChannelID,
		rec.RequestID,
		userID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.Cost,
		rec.LatencyMs,
		rec.Streamed,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}
