package queue

import (
	"sync"
	"time"

	"github.com/upb/llm-relay/models"
)

// Pool holds one Queue per channel, created lazily on first use
type Pool struct {
	defaultConcurrency int
	admissionTimeout   time.Duration
	opts               []Option

	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewPool creates a new queue pool. opts apply to every queue it creates.
func NewPool(defaultConcurrency int, admissionTimeout time.Duration, opts ...Option) *Pool {
	return &Pool{
		defaultConcurrency: defaultConcurrency,
		admissionTimeout:   admissionTimeout,
		opts:               opts,
		queues:             make(map[string]*Queue),
	}
}

// Get returns the queue for a channel, creating it from the channel's limits if
// needed. A queue whose limits no longer match the channel is replaced.
func (p *Pool) Get(ch *models.Channel) *Queue {
	p.mu.RLock()
	q, ok := p.queues[ch.ID]
	p.mu.RUnlock()
	if ok && q.matches(ch) {
		return q
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[ch.ID]; ok && q.matches(ch) {
		return q
	}
	q = New(ch.ID, ch.RPMLimit, ch.TPMLimit, p.defaultConcurrency, p.admissionTimeout, p.opts...)
	p.queues[ch.ID] = q
	return q
}

// Lookup returns the queue for a channel without creating one
func (p *Pool) Lookup(channelID string) (*Queue, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queues[channelID]
	return q, ok
}

// PendingCount returns the pending count of a channel's queue, zero if none exists yet
func (p *Pool) PendingCount(channelID string) int {
	q, ok := p.Lookup(channelID)
	if !ok {
		return 0
	}
	return q.PendingCount()
}

// Remove drops the queues of the given channels. In-flight holders keep their
// reference and release into the orphaned queue.
func (p *Pool) Remove(channelIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range channelIDs {
		delete(p.queues, id)
	}
}

// Len returns the number of live queues
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues)
}

func (q *Queue) matches(ch *models.Channel) bool {
	return q.rpmLimit == ch.RPMLimit && q.tpmLimit == ch.TPMLimit
}
