package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
)

// Stream is an established upstream stream. Chunks are pulled with Recv until
// it returns io.EOF; Close must always be called to release the channel slot.
type Stream struct {
	svc     *Service
	ctx     context.Context
	rc      *RequestContext
	channel *models.Channel

	body    io.Closer
	next    func() (sse.Event, error, bool)
	stop    func()
	release func()

	pending   *providers.StreamChunk
	usage     providers.Usage
	started   time.Time
	expectEnd bool

	mu       sync.Mutex
	finished bool
	err      error
}

// RelayStream opens a streaming call. Failover happens only while no chunk has
// been produced; once RelayStream returns, the stream is bound to one channel.
func (s *Service) RelayStream(ctx context.Context, rc *RequestContext, req *providers.ChatRequest) (*Stream, error) {
	rc, err := s.prepare(rc, req, true)
	if err != nil {
		return nil, err
	}

	var stream *Stream
	_, err = s.execute(ctx, rc, func(ctx context.Context, ch *models.Channel) error {
		st, err := s.openStream(ctx, rc, ch, req)
		if err != nil {
			return err
		}
		stream = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("stream established",
		zap.String("request_id", rc.RequestID),
		zap.String("channel_id", stream.channel.ID),
		zap.Int("attempts", rc.Attempt))
	return stream, nil
}

// openStream admits, sends and reads up to the first chunk. Any failure up to
// that point leaves nothing held.
func (s *Service) openStream(ctx context.Context, rc *RequestContext, ch *models.Channel, req *providers.ChatRequest) (*Stream, error) {
	release, err := s.queues.Get(ch).Acquire(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := s.translator.NewHTTPRequest(ctx, ch, req, true)
	if err != nil {
		release()
		return nil, err
	}

	start := s.clock.Now()
	resp, err := s.send(ch, httpReq)
	if err != nil {
		release()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		release()
		return nil, s.statusError(ch, resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "text/event-stream") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		resp.Body.Close()
		release()
		return nil, services.NewDomainError(services.ErrorTypeUpstreamTransient,
			fmt.Sprintf("upstream returned non-SSE content-type %q", ct), errors.New(string(body))).
			WithDetail(services.DetailChannelID, ch.ID)
	}

	next, stop := iter.Pull2(sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: s.cfg.MaxStreamEventSize}))
	st := &Stream{
		svc:     s,
		ctx:     ctx,
		rc:      rc,
		channel: ch,
		body:    resp.Body,
		next:    next,
		stop:    stop,
		release: release,
		started: start,

		expectEnd: s.translator.ExpectsStreamEnd(ch.ProviderType),
	}

	first, err := st.read()
	if err != nil {
		st.teardown()
		if errors.Is(err, io.EOF) {
			return nil, services.NewDomainError(services.ErrorTypeUpstreamTransient,
				"stream ended before the first chunk", nil).
				WithDetail(services.DetailChannelID, ch.ID)
		}
		return nil, err
	}
	st.pending = first
	return st, nil
}

// Channel returns the channel serving the stream
func (st *Stream) Channel() *models.Channel {
	return st.channel
}

// RequestContext returns the context of the call that opened the stream
func (st *Stream) RequestContext() *RequestContext {
	return st.rc
}

// Recv returns the next canonical chunk, or io.EOF once the upstream is done
func (st *Stream) Recv() (*providers.StreamChunk, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finished {
		if st.err != nil {
			return nil, st.err
		}
		return nil, io.EOF
	}
	if st.pending != nil {
		chunk := st.pending
		st.pending = nil
		return chunk, nil
	}

	chunk, err := st.read()
	if err != nil {
		st.finishLocked(err)
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, st.err
	}
	return chunk, nil
}

// Close releases the stream. Closing before io.EOF abandons the upstream
// call without charging it to the channel.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.finished {
		st.finished = true
		st.err = services.NewDomainError(services.ErrorTypeCancelled, "stream closed", nil).
			WithDetail(services.DetailChannelID, st.channel.ID)
		st.teardown()
	}
	return nil
}

// read pulls events until one decodes to a chunk. It returns io.EOF at the
// done sentinel, or when the body ends on a provider without an end marker.
func (st *Stream) read() (*providers.StreamChunk, error) {
	for {
		ev, err, ok := st.next()
		if !ok {
			if st.expectEnd {
				return nil, services.NewDomainError(services.ErrorTypeUpstreamTransient,
					"stream ended without an end marker", nil).
					WithDetail(services.DetailChannelID, st.channel.ID)
			}
			return nil, io.EOF
		}
		if err != nil {
			if st.ctx.Err() != nil {
				return nil, st.ctx.Err()
			}
			return nil, transportError(st.channel, err)
		}

		chunk, done, err := st.svc.translator.DecodeStreamChunk(st.channel.ProviderType, []byte(ev.Data))
		if err != nil {
			return nil, err
		}
		if chunk != nil && chunk.Usage != nil {
			st.mergeUsage(*chunk.Usage)
		}
		if done {
			return nil, io.EOF
		}
		if chunk == nil {
			continue
		}
		return chunk, nil
	}
}

// mergeUsage keeps the largest value seen per counter. Providers report
// prompt and completion tokens in different events, so the total is never
// less than their sum.
func (st *Stream) mergeUsage(u providers.Usage) {
	st.usage.PromptTokens = max(st.usage.PromptTokens, u.PromptTokens)
	st.usage.CompletionTokens = max(st.usage.CompletionTokens, u.CompletionTokens)
	st.usage.TotalTokens = max(st.usage.TotalTokens, u.TotalTokens,
		st.usage.PromptTokens+st.usage.CompletionTokens)
}

// Usage returns the token usage reported so far
func (st *Stream) Usage() providers.Usage {
	st.mu.Lock()
	defer st.mu.Unlock()
	return usageOf(st.usage)
}

// finishLocked settles the stream outcome against the channel exactly once
func (st *Stream) finishLocked(err error) {
	st.finished = true
	defer st.teardown()

	svc := st.svc
	switch {
	case errors.Is(err, io.EOF):
		svc.recordSuccess(context.WithoutCancel(st.ctx), st.rc, st.channel, usageOf(st.usage),
			svc.clock.Since(st.started), true)
	case st.ctx.Err() != nil:
		st.err = svc.cancelled(st.rc, st.channel.ID, st.ctx.Err())
	default:
		svc.recordFailure(st.channel, err)
		svc.logger.Warn("stream failed after first chunk",
			zap.String("request_id", st.rc.RequestID),
			zap.String("channel_id", st.channel.ID),
			zap.Error(err))
		st.err = err
	}
}

func (st *Stream) teardown() {
	st.stop()
	st.body.Close()
	st.release()
}
