package usage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
)

// LogRepository is the usage sink used when no database is configured. Each
// record becomes a structured log line; totals are computed in memory over the
// most recent records only.
type LogRepository struct {
	logger     *zap.Logger
	maxRecords int

	mu      sync.Mutex
	records []*models.UsageRecord
}

// NewLogRepository creates a log-backed usage repository retaining up to
// maxRecords records for SumByChannel
func NewLogRepository(logger *zap.Logger, maxRecords int) *LogRepository {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &LogRepository{logger: logger, maxRecords: maxRecords}
}

// Insert logs one record
func (r *LogRepository) Insert(_ context.Context, rec *models.UsageRecord) error {
	r.logger.Info("usage",
		zap.String("request_id", rec.RequestID),
		zap.String("channel_id", rec.ChannelID),
		zap.String("model", rec.Model),
		zap.Int("prompt_tokens", rec.PromptTokens),
		zap.Int("completion_tokens", rec.CompletionTokens),
		zap.Float64("cost", rec.Cost),
		zap.Int64("latency_ms", rec.LatencyMs),
		zap.Bool("streamed", rec.Streamed))

	r.mu.Lock()
	if len(r.records) >= r.maxRecords {
		r.records = r.records[1:]
	}
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

// InsertBatch logs every record
func (r *LogRepository) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	for _, rec := range records {
		if err := r.Insert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// SumByChannel aggregates the in-memory records
func (r *LogRepository) SumByChannel(_ context.Context, since time.Time) (map[string]repositories.UsageTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make(map[string]repositories.UsageTotals)
	for _, rec := range r.records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		t := totals[rec.ChannelID]
		t.Requests++
		t.TotalTokens += int64(rec.TotalTokens)
		t.Cost += rec.Cost
		totals[rec.ChannelID] = t
	}
	return totals, nil
}

var _ repositories.UsageRepository = (*LogRepository)(nil)
