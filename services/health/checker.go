package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services/breaker"
	"github.com/upb/llm-relay/services/events"
)

// Config holds health checker settings
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration

	// Parallelism caps concurrent probes within one sweep
	Parallelism int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Parallelism:  4,
	}
}

// ChannelRegistry is the subset of the channel registry the checker drives
type ChannelRegistry interface {
	Snapshot() []*models.Channel
	MarkTesting(id string) bool
	ProbeFailed(id string) bool
	ApplyRecovery(id string) bool
}

// BreakerStates reports breaker state without creating breakers or sampling
type BreakerStates interface {
	Snapshot(channelID string) breaker.Snapshot
}

// ProbeBuilder builds the model-listing request for a channel
type ProbeBuilder interface {
	NewModelsRequest(ctx context.Context, ch *models.Channel) (*http.Request, error)
}

// ClientProvider returns the HTTP client a channel is reached through
type ClientProvider interface {
	ClientFor(ch *models.Channel) (*http.Client, error)
}

// SweepResult summarizes one pass over the channels
type SweepResult struct {
	Probed    int
	Recovered int
	Failed    int
}

// Checker periodically probes unhealthy channels and signals recovery.
// It never touches breakers; those close only through live traffic.
type Checker struct {
	cfg      Config
	registry ChannelRegistry
	breakers BreakerStates
	probes   ProbeBuilder
	clients  ClientProvider
	sink     events.Sink
	clock    clock.Clock
	logger   *zap.Logger

	sweeps atomic.Int64
}

// NewChecker creates a new health checker
func NewChecker(cfg Config, registry ChannelRegistry, breakers BreakerStates, probes ProbeBuilder,
	clients ClientProvider, sink events.Sink, clk clock.Clock, logger *zap.Logger) *Checker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		cfg:      cfg,
		registry: registry,
		breakers: breakers,
		probes:   probes,
		clients:  clients,
		sink:     sink,
		clock:    clk,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (c *Checker) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("started health checker",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("probe_timeout", c.cfg.ProbeTimeout))

	for {
		select {
		case <-ticker.C:
			res := c.Sweep(ctx)
			if res.Probed > 0 {
				c.logger.Info("health sweep finished",
					zap.Int("probed", res.Probed),
					zap.Int("recovered", res.Recovered),
					zap.Int("failed", res.Failed))
			}
		case <-ctx.Done():
			c.logger.Info("stopping health checker")
			return
		}
	}
}

// Sweeps returns how many sweeps have completed
func (c *Checker) Sweeps() int64 {
	return c.sweeps.Load()
}

// Sweep probes every channel that needs it and waits for all probes
func (c *Checker) Sweep(ctx context.Context) SweepResult {
	defer c.sweeps.Add(1)

	var recovered, failed atomic.Int64
	targets := c.targets()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for _, ch := range targets {
		g.Go(func() error {
			if c.check(gctx, ch) {
				recovered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepResult{
		Probed:    len(targets),
		Recovered: int(recovered.Load()),
		Failed:    int(failed.Load()),
	}
}

// targets returns the channels that are not both active and closed, skipping disabled ones
func (c *Checker) targets() []*models.Channel {
	var out []*models.Channel
	for _, ch := range c.registry.Snapshot() {
		if ch.Status == models.ChannelStatusDisabled {
			continue
		}
		if ch.Status == models.ChannelStatusActive && c.breakers.Snapshot(ch.ID).State == breaker.StateClosed {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// check probes one channel and applies the outcome. It reports whether the probe succeeded.
func (c *Checker) check(ctx context.Context, ch *models.Channel) bool {
	c.registry.MarkTesting(ch.ID)

	if err := c.probe(ctx, ch); err != nil {
		c.registry.ProbeFailed(ch.ID)
		c.logger.Debug("health probe failed",
			zap.String("channel_id", ch.ID),
			zap.Error(err))
		return false
	}

	if c.registry.ApplyRecovery(ch.ID) {
		c.logger.Info("channel recovered", zap.String("channel_id", ch.ID))
		c.sink.Publish(events.Event{
			Type:      events.ChannelRecovered,
			ChannelID: ch.ID,
			Reason:    "health probe succeeded",
			At:        c.clock.Now(),
		})
	}
	return true
}

func (c *Checker) probe(ctx context.Context, ch *models.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	client, err := c.clients.ClientFor(ch)
	if err != nil {
		return err
	}
	req, err := c.probes.NewModelsRequest(ctx, ch)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
