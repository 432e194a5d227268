package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/channels"
)

// GetChannelStats returns a point-in-time view of every channel, including
// breaker state and queue depth
func (s *Service) GetChannelStats() []ChannelStats {
	snapshot := s.registry.Snapshot()
	out := make([]ChannelStats, 0, len(snapshot))
	for _, ch := range snapshot {
		out = append(out, ChannelStats{
			ID:               ch.ID,
			Name:             ch.Name,
			ProviderType:     ch.ProviderType,
			Status:           ch.Status,
			Priority:         ch.Priority,
			Weight:           ch.Weight,
			SuccessCount:     ch.SuccessCount,
			ErrorCount:       ch.ErrorCount,
			ErrorRate:        ch.ErrorRate,
			AvgLatencyMs:     ch.AvgLatencyMs,
			RemainingBalance: ch.RemainingBalance,
			LastUsedAt:       ch.LastUsedAt,
			LastErrorAt:      ch.LastErrorAt,
			Breaker:          s.breakers.Snapshot(ch.ID),
			Pending:          s.queues.PendingCount(ch.ID),
		})
	}
	return out
}

// ReloadChannels pulls the channel set from the store and replaces the
// registry contents. Breakers and queues of removed channels are destroyed.
func (s *Service) ReloadChannels(ctx context.Context) (channels.ReloadResult, error) {
	if s.store == nil {
		return channels.ReloadResult{}, services.NewDomainError(services.ErrorTypeInternal, "no channel store configured", nil)
	}

	list, err := s.store.ListChannels(ctx)
	if err != nil {
		return channels.ReloadResult{}, services.WrapInternal("failed to load channels", err)
	}

	result := s.registry.Load(list)
	if len(result.Removed) > 0 {
		s.breakers.Remove(result.Removed...)
		s.queues.Remove(result.Removed...)
	}
	return result, nil
}

// RunReloader reloads channels on every interval until ctx is cancelled.
// A failed reload keeps the current channel set.
func (s *Service) RunReloader(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	s.logger.Info("started channel reloader", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if _, err := s.ReloadChannels(ctx); err != nil {
				s.logger.Error("failed to reload channels", zap.Error(err))
			}
		case <-ctx.Done():
			s.logger.Info("stopping channel reloader")
			return
		}
	}
}
