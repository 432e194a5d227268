package usage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
)

// Service writes usage records asynchronously through a worker pool.
// Recording never blocks the relay path; a full buffer drops the record.
type Service struct {
	repo        repositories.UsageRepository
	logger      *zap.Logger
	records     chan *models.UsageRecord
	workerCount int
	bufferSize  int
	batchSize   int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.Mutex

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Config holds configuration for the Service
type Config struct {
	BufferSize  int // Size of the record buffer channel
	WorkerCount int // Number of concurrent workers
	BatchSize   int // Max records per InsertBatch call
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 4,
		BatchSize:   50,
	}
}

// NewService creates a new usage Service
func NewService(repo repositories.UsageRepository, logger *zap.Logger, config Config) *Service {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:        repo,
		logger:      logger,
		records:     make(chan *models.UsageRecord, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		batchSize:   config.BatchSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("usage service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started usage service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
		zap.Int("batch_size", s.batchSize))
	return nil
}

// Stop flushes pending records and stops the workers
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("usage service not running")
	}
	s.stopped = true
	close(s.records)
	s.mu.Unlock()

	s.logger.Info("stopping usage service", zap.Int("pending_records", len(s.records)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("usage service stopped gracefully",
			zap.Int64("written", s.written.Load()),
			zap.Int64("dropped", s.dropped.Load()),
			zap.Int64("failed", s.failed.Load()))
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("usage service stop timeout after %v", timeout)
	}
}

// RecordUsage enqueues a record without blocking
func (s *Service) RecordUsage(_ context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		s.dropped.Add(1)
		return fmt.Errorf("usage service not running")
	}

	select {
	case s.records <- record:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("usage buffer full, dropping record",
			zap.String("request_id", record.RequestID),
			zap.String("channel_id", record.ChannelID))
		return fmt.Errorf("usage buffer full")
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("usage worker started", zap.Int("worker_id", id))

	batch := make([]*models.UsageRecord, 0, s.batchSize)
	for rec := range s.records {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < s.batchSize {
			select {
			case next, ok := <-s.records:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		if err := s.flush(batch); err != nil {
			s.failed.Add(int64(len(batch)))
			s.logger.Error("failed to write usage records",
				zap.Int("worker_id", id),
				zap.Int("count", len(batch)),
				zap.Error(err))
			continue
		}
		s.written.Add(int64(len(batch)))
	}

	s.logger.Debug("usage worker stopped", zap.Int("worker_id", id))
}

func (s *Service) flush(batch []*models.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(batch) == 1 {
		return s.repo.Insert(ctx, batch[0])
	}
	return s.repo.InsertBatch(ctx, batch)
}

// Summary returns per-channel totals since the given time
func (s *Service) Summary(ctx context.Context, since time.Time) (map[string]repositories.UsageTotals, error) {
	return s.repo.SumByChannel(ctx, since)
}

// GetStats returns statistics about the usage service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.bufferSize,
		PendingRecords: len(s.records),
		WorkerCount:    s.workerCount,
		Started:        s.started && !s.stopped,
		Written:        s.written.Load(),
		Dropped:        s.dropped.Load(),
		Failed:         s.failed.Load(),
	}
}

// Stats represents usage service statistics
type Stats struct {
	BufferSize     int   `json:"buffer_size"`
	PendingRecords int   `json:"pending_records"`
	WorkerCount    int   `json:"worker_count"`
	Started        bool  `json:"started"`
	Written        int64 `json:"written"`
	Dropped        int64 `json:"dropped"`
	Failed         int64 `json:"failed"`
}
