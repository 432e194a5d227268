package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/breaker"
	"github.com/upb/llm-relay/services/channels"
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/services/queue"
	"github.com/upb/llm-relay/utils"
)

// Dependencies are the collaborators of the relay service
type Dependencies struct {
	Registry   *channels.Registry
	Selector   ChannelSelector
	Breakers   *breaker.Manager
	Queues     *queue.Pool
	Translator *providers.Translator
	Clients    ClientProvider

	// Usage is optional
	Usage UsageLogger

	// Store is optional; ReloadChannels fails without it
	Store repositories.ChannelRepository

	Clock  clock.Clock
	Logger *zap.Logger
}

// Service relays canonical chat requests to upstream channels with
// failover, retries and per-channel admission control
type Service struct {
	cfg        Config
	registry   *channels.Registry
	selector   ChannelSelector
	breakers   *breaker.Manager
	queues     *queue.Pool
	translator *providers.Translator
	clients    ClientProvider
	usage      UsageLogger
	store      repositories.ChannelRepository
	clock      clock.Clock
	logger     *zap.Logger
}

// NewService creates a new relay service
func NewService(cfg Config, deps Dependencies) *Service {
	def := DefaultConfig()
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.MaxStreamEventSize <= 0 {
		cfg.MaxStreamEventSize = def.MaxStreamEventSize
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = def.MaxResponseSize
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		selector:   deps.Selector,
		breakers:   deps.Breakers,
		queues:     deps.Queues,
		translator: deps.Translator,
		clients:    deps.Clients,
		usage:      deps.Usage,
		store:      deps.Store,
		clock:      clk,
		logger:     deps.Logger,
	}
}

// Relay sends a unary request, failing over between channels until one succeeds,
// a non-retryable error occurs or the retry budget is spent
func (s *Service) Relay(ctx context.Context, rc *RequestContext, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	rc, err := s.prepare(rc, req, false)
	if err != nil {
		return nil, err
	}

	var resp *providers.ChatResponse
	ch, err := s.execute(ctx, rc, func(ctx context.Context, ch *models.Channel) error {
		r, err := queue.Run(ctx, s.queues.Get(ch), func(ctx context.Context) (*providers.ChatResponse, error) {
			return s.doUnary(ctx, ch, req)
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	usage := usageOf(resp.Usage)
	resp.Usage = usage
	s.recordSuccess(ctx, rc, ch, usage, resp.Latency, false)

	s.logger.Info("relay completed",
		zap.String("request_id", rc.RequestID),
		zap.String("channel_id", ch.ID),
		zap.Int("attempts", rc.Attempt),
		zap.Int64("latency_ms", resp.Latency.Milliseconds()),
		zap.Int("tokens", usage.TotalTokens))
	return resp, nil
}

// prepare validates the request and fills in the request context
func (s *Service) prepare(rc *RequestContext, req *providers.ChatRequest, stream bool) (*RequestContext, error) {
	if req == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "request is required", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		derr := services.NewDomainError(services.ErrorTypeValidation, "invalid chat request", err)
		if fields := utils.GetValidationFields(err); fields != nil {
			derr.WithDetail("fields", fields)
		}
		return nil, derr
	}
	if stream && providers.IsImageModel(req.Model) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "image models cannot be streamed", nil).
			WithDetail(services.DetailModel, req.Model)
	}

	if rc == nil {
		rc = NewRequestContext("", "", req.Model)
	}
	if rc.TargetModel == "" {
		rc.TargetModel = req.Model
	}
	if rc.StartedAt.IsZero() {
		rc.StartedAt = s.clock.Now()
	}
	rc.Streaming = stream
	req.Stream = stream
	return rc, nil
}

// execute runs the attempt loop. On success it returns the channel that served the call.
func (s *Service) execute(ctx context.Context, rc *RequestContext, attempt attemptFunc) (*models.Channel, error) {
	var (
		lastErr     error
		lastChannel string
	)
	maxRetries := s.cfg.Retry.MaxRetries

	for i := 0; i <= maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, s.cancelled(rc, lastChannel, err)
		}
		rc.Attempt = i + 1

		ch, err := s.selector.Select(rc.TargetModel, rc.UsedChannelIDs)
		if err != nil {
			if i == maxRetries {
				return nil, s.noChannel(rc, err, lastErr)
			}
			s.logger.Debug("no channel available, backing off",
				zap.String("request_id", rc.RequestID),
				zap.Int("attempt", rc.Attempt))
			if err := s.sleep(ctx, s.cfg.Retry.Backoff(i)); err != nil {
				return nil, s.cancelled(rc, lastChannel, err)
			}
			continue
		}

		rc.markUsed(ch.ID)
		lastChannel = ch.ID

		s.logger.Debug("relay attempt",
			zap.String("request_id", rc.RequestID),
			zap.String("channel_id", ch.ID),
			zap.Int("attempt", rc.Attempt))

		err = attempt(ctx, ch)
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, s.cancelled(rc, ch.ID, ctx.Err())
		}

		lastErr = err
		s.recordFailure(ch, err)

		if !s.ShouldRetry(err) {
			s.logger.Warn("relay attempt failed, not retrying",
				zap.String("request_id", rc.RequestID),
				zap.String("channel_id", ch.ID),
				zap.Int("attempt", rc.Attempt),
				zap.Error(err))
			return nil, withAttempts(err, rc)
		}

		s.logger.Warn("relay attempt failed",
			zap.String("request_id", rc.RequestID),
			zap.String("channel_id", ch.ID),
			zap.Int("attempt", rc.Attempt),
			zap.Error(err))

		if i == maxRetries {
			break
		}
		if err := s.sleep(ctx, s.cfg.Retry.Backoff(i)); err != nil {
			return nil, s.cancelled(rc, lastChannel, err)
		}
	}

	return nil, services.NewDomainError(services.ErrorTypeRetriesExhausted,
		fmt.Sprintf("all %d attempts failed", rc.Attempt), lastErr).
		WithDetail(services.DetailChannelID, lastChannel).
		WithDetail(services.DetailAttempts, rc.Attempt).
		WithDetail(services.DetailModel, rc.TargetModel)
}

// ShouldRetry reports whether a failed attempt may move on to another channel
func (s *Service) ShouldRetry(err error) bool {
	switch services.GetErrorType(err) {
	case services.ErrorTypeUpstreamTransient, services.ErrorTypeQueueTimeout:
		return true
	case "":
	default:
		return false
	}

	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return s.cfg.Retry.retryableStatus(perr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *Service) doUnary(ctx context.Context, ch *models.Channel, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	adapter, err := s.translator.Adapter(ch.ProviderType)
	if err != nil {
		return nil, err
	}
	httpReq, err := s.translator.NewHTTPRequest(ctx, ch, req, false)
	if err != nil {
		return nil, err
	}

	start := s.clock.Now()
	resp, err := s.send(ch, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponseSize))
	if err != nil {
		return nil, transportError(ch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, s.statusError(ch, resp.StatusCode, body)
	}

	out, err := adapter.DecodeResponse(body, ch.UpstreamModel(req.Model))
	if err != nil {
		return nil, err
	}
	out.Provider = ch.ProviderType
	out.Latency = s.clock.Since(start)
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (s *Service) send(ch *models.Channel, httpReq *http.Request) (*http.Response, error) {
	client, err := s.clients.ClientFor(ch)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeUpstreamPermanent, "channel transport misconfigured", err).
			WithDetail(services.DetailChannelID, ch.ID)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(ch, err)
	}
	return resp, nil
}

// statusError classifies a non-2xx upstream response by the configured retryable set
func (s *Service) statusError(ch *models.Channel, statusCode int, body []byte) error {
	perr := providers.NewProviderError(ch.ProviderType, statusCode, body)
	errType := services.ErrorTypeUpstreamPermanent
	if s.cfg.Retry.retryableStatus(statusCode) {
		errType = services.ErrorTypeUpstreamTransient
	}
	return services.NewDomainError(errType, fmt.Sprintf("upstream returned %d", statusCode), perr).
		WithDetail(services.DetailChannelID, ch.ID)
}

func transportError(ch *models.Channel, err error) error {
	return services.NewDomainError(services.ErrorTypeUpstreamTransient, "upstream request failed", err).
		WithDetail(services.DetailChannelID, ch.ID)
}

// recordFailure charges a failed attempt to the channel. Admission timeouts
// and cancellations say nothing about channel health and are skipped.
func (s *Service) recordFailure(ch *models.Channel, err error) {
	switch services.GetErrorType(err) {
	case services.ErrorTypeCancelled, services.ErrorTypeQueueTimeout:
		return
	}
	status := 0
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		status = perr.StatusCode
	}
	s.registry.RecordError(ch.ID, status)
	s.breakers.RecordError(ch.ID)
}

func (s *Service) recordSuccess(ctx context.Context, rc *RequestContext, ch *models.Channel,
	usage providers.Usage, latency time.Duration, streamed bool) {
	cost := ch.Cost(usage.PromptTokens, usage.CompletionTokens)

	s.registry.RecordSuccess(ch.ID, latency, cost)
	s.breakers.RecordSuccess(ch.ID)
	if q, ok := s.queues.Lookup(ch.ID); ok {
		q.RecordTokens(usage.TotalTokens)
	}

	if s.usage == nil {
		return
	}
	rec := models.NewUsageRecord(ch.ID, rc.RequestID, rc.TargetModel, usage.PromptTokens, usage.CompletionTokens)
	rec.UserID = rc.UserID
	rec.Cost = cost
	rec.LatencyMs = latency.Milliseconds()
	rec.Streamed = streamed
	rec.CreatedAt = s.clock.Now()
	if err := s.usage.RecordUsage(ctx, rec); err != nil {
		s.logger.Warn("failed to record usage",
			zap.String("request_id", rc.RequestID),
			zap.String("channel_id", ch.ID),
			zap.Error(err))
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) cancelled(rc *RequestContext, channelID string, cause error) error {
	s.logger.Info("relay cancelled by caller",
		zap.String("request_id", rc.RequestID),
		zap.Int("attempts", rc.Attempt))
	return services.NewDomainError(services.ErrorTypeCancelled, "request cancelled", cause).
		WithDetail(services.DetailChannelID, channelID).
		WithDetail(services.DetailAttempts, rc.Attempt)
}

// noChannel builds the terminal no-channel error, keeping the selector's
// exclusion diagnostics and the last upstream failure if there was one
func (s *Service) noChannel(rc *RequestContext, selectErr, lastErr error) error {
	derr := services.NewDomainError(services.ErrorTypeNoChannel,
		fmt.Sprintf("no channel available for model %s", rc.TargetModel), lastErr)
	for k, v := range services.GetErrorDetails(selectErr) {
		derr.WithDetail(k, v)
	}
	if len(rc.UsedChannelIDs) > 0 {
		derr.WithDetail(services.DetailChannelID, rc.UsedChannelIDs[len(rc.UsedChannelIDs)-1])
	}
	return derr.WithDetail(services.DetailAttempts, rc.Attempt)
}

func withAttempts(err error, rc *RequestContext) error {
	var derr *services.DomainError
	if errors.As(err, &derr) {
		derr.WithDetail(services.DetailAttempts, rc.Attempt)
	}
	return err
}
