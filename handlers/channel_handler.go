package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/middleware"
	"github.com/upb/llm-relay/repositories"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/channels"
	"github.com/upb/llm-relay/services/relay"
	"github.com/upb/llm-relay/services/usage"
	"github.com/upb/llm-relay/utils"
)

// defaultUsageWindow is used when the usage request names no window
const defaultUsageWindow = 24 * time.Hour

// ChannelStatsSource reports the live state of every channel
type ChannelStatsSource interface {
	GetChannelStats() []relay.ChannelStats
}

// ChannelService exposes channel state and reloads
type ChannelService interface {
	ChannelStatsSource
	ReloadChannels(ctx context.Context) (channels.ReloadResult, error)
}

// UsageReporter summarizes recorded usage
type UsageReporter interface {
	Summary(ctx context.Context, since time.Time) (map[string]repositories.UsageTotals, error)
	GetStats() usage.Stats
}

// UsageResponse is the body of GET /api/v1/usage
type UsageResponse struct {
	Since    time.Time                           `json:"since"`
	Channels map[string]repositories.UsageTotals `json:"channels"`
	Logger   usage.Stats                         `json:"logger"`
}

// ChannelHandler serves channel statistics, reloads and usage totals
type ChannelHandler struct {
	channels ChannelService
	usage    UsageReporter
	logger   *zap.Logger
}

// NewChannelHandler creates a new ChannelHandler. usage may be nil.
func NewChannelHandler(channels ChannelService, usage UsageReporter, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{
		channels: channels,
		usage:    usage,
		logger:   logger,
	}
}

// HandleStats handles GET /api/v1/channels/stats
func (h *ChannelHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.channels.GetChannelStats()); err != nil {
		h.logger.Error("failed to write channel stats", zap.Error(err))
	}
}

// HandleReload handles POST /api/v1/channels/reload
func (h *ChannelHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	result, err := h.channels.ReloadChannels(r.Context())
	if err != nil {
		h.logger.Error("channel reload failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("channels reloaded on request",
		zap.String("request_id", requestID),
		zap.Int("added", len(result.Added)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("invalid", len(result.Invalid)))
	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write reload result", zap.Error(err))
	}
}

// HandleUsage handles GET /api/v1/usage?window=24h
func (h *ChannelHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		_ = utils.WriteNotFound(w, "Usage logging is disabled")
		return
	}

	window := defaultUsageWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			_ = utils.WriteBadRequest(w, "window must be a positive duration such as 1h", nil)
			return
		}
		window = d
	}

	since := time.Now().Add(-window).UTC()
	totals, err := h.usage.Summary(r.Context(), since)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to summarize usage", err), h.logger)
		return
	}

	if err := utils.WriteOK(w, UsageResponse{
		Since:    since,
		Channels: totals,
		Logger:   h.usage.GetStats(),
	}); err != nil {
		h.logger.Error("failed to write usage summary", zap.Error(err))
	}
}
