package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
)

var channelCols = []string{
	"id", "name", "provider_type", "credential", "base_url", "status", "supported_models",
	"model_mapping", "priority", "weight", "rpm_limit", "tpm_limit", "remaining_balance",
	"prompt_price_per_1k", "completion_price_per_1k", "proxy_url", "custom_headers",
	"created_at", "updated_at",
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB, zap.NewNop()), mock
}

func TestChannelRepository_ListChannels(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChannelRepository(db, zap.NewNop())
	now := time.Now()

	rows := sqlmock.NewRows(channelCols).
		AddRow("oa-1", "OpenAI primary", "openai", "sk-1", "", "active", "{gpt-4o,gpt-4o-mini}",
			[]byte(`{"gpt-4":"gpt-4o"}`), 10, 3.0, 600, 0, 12.5,
			0.005, 0.015, "", nil, now, now).
		AddRow("an-1", "Anthropic", "anthropic", "sk-2", "https://gw.example.com", "disabled", "{claude-3-haiku}",
			nil, 5, 1.0, 0, 0, nil,
			0.0, 0.0, "socks5://127.0.0.1:1080", []byte(`{"X-Team":"relay"}`), now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM channels ORDER BY id")).WillReturnRows(rows)

	channels, err := repo.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)

	oa := channels[0]
	assert.Equal(t, models.ProviderOpenAI, oa.ProviderType)
	assert.Equal(t, models.ChannelStatusActive, oa.Status)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, oa.SupportedModels)
	assert.Equal(t, "gpt-4o", oa.UpstreamModel("gpt-4"))
	require.NotNil(t, oa.RemainingBalance)
	assert.Equal(t, 12.5, *oa.RemainingBalance)
	assert.Equal(t, 600, oa.RPMLimit)
	assert.Nil(t, oa.CustomHeaders)

	an := channels[1]
	assert.Equal(t, models.ChannelStatusDisabled, an.Status)
	assert.Nil(t, an.RemainingBalance)
	assert.Nil(t, an.ModelMapping)
	assert.Equal(t, "relay", an.CustomHeaders["X-Team"])
	assert.Equal(t, "socks5://127.0.0.1:1080", an.ProxyURL)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_ListChannels_QueryError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChannelRepository(db, zap.NewNop())

	mock.ExpectQuery("FROM channels").WillReturnError(sql.ErrConnDone)

	_, err := repo.ListChannels(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestChannelRepository_ListChannels_BadJSON(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChannelRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery("FROM channels").WillReturnRows(sqlmock.NewRows(channelCols).
		AddRow("x", "x", "openai", "", "", "active", "{m}", []byte(`[1,2]`), 0, 1.0, 0, 0, nil, 0.0, 0.0, "", nil, now, now))

	_, err := repo.ListChannels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_mapping")
}

func TestChannelRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewChannelRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM channels WHERE id = $1")).
		WithArgs("g-1").
		WillReturnRows(sqlmock.NewRows(channelCols).
			AddRow("g-1", "Gemini", "google", "key", "", "active", "{gemini-1.5-pro}", nil, 0, 1.0, 0, 0, nil, 0.0, 0.0, "", nil, now, now))

	ch, err := repo.GetByID(context.Background(), "g-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, ch.ProviderType)

	mock.ExpectQuery(regexp.QuoteMeta("FROM channels WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(channelCols))

	_, err = repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestUsageRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	rec := models.NewUsageRecord("oa-1", "req-1", "gpt-4o", 10, 5)
	rec.Cost = 0.25

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs(rec.ID, "oa-1", "req-1", nil, "gpt-4o", 10, 5, 15, 0.25, int64(0), false, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_InsertBatch_Commits(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	records := []*models.UsageRecord{
		models.NewUsageRecord("a", "r1", "m", 1, 1),
		models.NewUsageRecord("b", "r2", "m", 2, 2),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertBatch(context.Background(), records))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_InsertBatch_RollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	records := []*models.UsageRecord{
		models.NewUsageRecord("a", "r1", "m", 1, 1),
		models.NewUsageRecord("b", "r2", "m", 2, 2),
	}
	boom := errors.New("disk full")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO usage_records").WillReturnError(boom)
	mock.ExpectRollback()

	err := repo.InsertBatch(context.Background(), records)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, repo.InsertBatch(context.Background(), nil))
}

func TestUsageRepository_SumByChannel(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery("FROM usage_records").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "count", "tokens", "cost"}).
			AddRow("a", int64(3), int64(120), 0.5).
			AddRow("b", int64(1), int64(10), 0.0))

	totals, err := repo.SumByChannel(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, repositories.UsageTotals{Requests: 3, TotalTokens: 120, Cost: 0.5}, totals["a"])
	assert.Len(t, totals, 2)
}

func TestDB_InitSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS channels").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, db.InitSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE").WillReturnError(sql.ErrConnDone)
	assert.Error(t, db.InitSchema(context.Background()))
}
