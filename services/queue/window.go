package queue

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// window admits at most limit events in any rolling period
type window struct {
	clock  clock.Clock
	limit  int
	period time.Duration

	mu    sync.Mutex
	times []time.Time // last admissions, times[next] is the oldest once full
	next  int
}

func newWindow(clk clock.Clock, limit int, period time.Duration) *window {
	return &window{
		clock:  clk,
		limit:  limit,
		period: period,
		times:  make([]time.Time, 0, limit),
	}
}

// wait blocks until the oldest of the last limit admissions has left the
// period, then records the new admission
func (w *window) wait(ctx context.Context) error {
	for {
		delay := w.tryAdmit()
		if delay <= 0 {
			return nil
		}

		timer := w.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// tryAdmit records an admission and returns zero, or returns how long the
// caller must wait before trying again
func (w *window) tryAdmit() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if len(w.times) < w.limit {
		w.times = append(w.times, now)
		return 0
	}
	if delay := w.times[w.next].Add(w.period).Sub(now); delay > 0 {
		return delay
	}
	w.times[w.next] = now
	w.next = (w.next + 1) % w.limit
	return 0
}
