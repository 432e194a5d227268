package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/upb/llm-relay/services"
)

// DefaultConcurrency applies when a channel has no RPM limit
const DefaultConcurrency = 10

// Queue bounds concurrency and admission rate for a single channel.
// Admission waits are the only blocking point; there is no internal backlog.
type Queue struct {
	channelID        string
	rpmLimit         int
	tpmLimit         int
	concurrency      int64
	admissionTimeout time.Duration

	clock   clock.Clock
	sem     *semaphore.Weighted
	window  *window
	tokens  *rate.Limiter // nil when the channel has no TPM limit

	pending atomic.Int64
}

// ConcurrencyFor returns ceil(rpm/60), or the default when rpm is unset
func ConcurrencyFor(rpmLimit int, fallback int) int {
	if fallback <= 0 {
		fallback = DefaultConcurrency
	}
	if rpmLimit <= 0 {
		return fallback
	}
	return (rpmLimit + 59) / 60
}

// Option configures a Queue
type Option func(*Queue)

// WithClock sets the clock used for the admission window
func WithClock(clk clock.Clock) Option {
	return func(q *Queue) {
		q.clock = clk
	}
}

// New creates a queue. admissionTimeout of zero leaves waiting bounded only by ctx.
// At most Concurrency() tasks run at once and at most as many are admitted in
// any rolling second.
func New(channelID string, rpmLimit, tpmLimit, defaultConcurrency int, admissionTimeout time.Duration, opts ...Option) *Queue {
	n := ConcurrencyFor(rpmLimit, defaultConcurrency)
	q := &Queue{
		channelID:        channelID,
		rpmLimit:         rpmLimit,
		tpmLimit:         tpmLimit,
		concurrency:      int64(n),
		admissionTimeout: admissionTimeout,
		clock:            clock.New(),
		sem:              semaphore.NewWeighted(int64(n)),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.window = newWindow(q.clock, n, time.Second)
	if tpmLimit > 0 {
		q.tokens = rate.NewLimiter(rate.Limit(float64(tpmLimit)/60), tpmLimit)
	}
	return q
}

// Acquire waits for a concurrency slot and an admission in the rate window. The returned release
// func is idempotent.
func (q *Queue) Acquire(ctx context.Context) (func(), error) {
	q.pending.Add(1)

	waitCtx := ctx
	if q.admissionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.admissionTimeout)
		defer cancel()
	}

	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		q.pending.Add(-1)
		return nil, q.admissionError(ctx, err)
	}
	if err := q.window.wait(waitCtx); err != nil {
		q.sem.Release(1)
		q.pending.Add(-1)
		return nil, q.admissionError(ctx, err)
	}
	if q.tokens != nil {
		// Blocks while earlier completions have overdrawn the token budget.
		if err := q.tokens.Wait(waitCtx); err != nil {
			q.sem.Release(1)
			q.pending.Add(-1)
			return nil, q.admissionError(ctx, err)
		}
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			q.sem.Release(1)
			q.pending.Add(-1)
		}
	}, nil
}

// Run executes task once admitted and returns its result
func Run[T any](ctx context.Context, q *Queue, task func(context.Context) (T, error)) (T, error) {
	var zero T
	release, err := q.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer release()
	return task(ctx)
}

// RecordTokens charges consumed tokens against the TPM budget
func (q *Queue) RecordTokens(n int) {
	if q.tokens == nil || n <= 0 {
		return
	}
	if burst := q.tokens.Burst(); n > burst {
		n = burst
	}
	q.tokens.ReserveN(time.Now(), n)
}

// PendingCount returns waiting plus in-flight tasks
func (q *Queue) PendingCount() int {
	return int(q.pending.Load())
}

// Concurrency returns the configured concurrency bound
func (q *Queue) Concurrency() int {
	return int(q.concurrency)
}

// admissionError distinguishes caller cancellation from the queue's own timeout
func (q *Queue) admissionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return services.NewDomainError(services.ErrorTypeCancelled, "cancelled waiting for channel admission", ctx.Err()).
			WithDetail(services.DetailChannelID, q.channelID)
	}
	// Either the admission timeout fired or the limiter reported that its
	// delay would overrun a deadline.
	return services.NewDomainError(services.ErrorTypeQueueTimeout,
		"timed out waiting for channel admission", err).
		WithDetail(services.DetailChannelID, q.channelID)
}
