// Package events publishes channel health transitions to interested consumers.
package events

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies a channel event
type Type string

const (
	// ChannelDegraded is published when a channel's circuit opens
	ChannelDegraded Type = "channel_degraded"

	// ChannelRecovered is published when a channel's circuit closes again or a health probe succeeds
	ChannelRecovered Type = "channel_recovered"
)

// Event is a single channel transition
type Event struct {
	Type      Type      `json:"type"`
	ChannelID string    `json:"channel_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives events. Publish must not block the caller for long and never fails.
type Sink interface {
	Publish(ev Event)
}

// Nop discards every event
type Nop struct{}

// Publish implements Sink
func (Nop) Publish(Event) {}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink
func (s *LogSink) Publish(ev Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("channel_id", ev.ChannelID),
		zap.Time("at", ev.At),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Type == ChannelDegraded {
		s.logger.Warn("channel event", fields...)
		return
	}
	s.logger.Info("channel event", fields...)
}

// ChanSink delivers events on a buffered channel and drops them when the buffer is full
type ChanSink struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChanSink creates a channel-backed sink
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Publish implements Sink
func (s *ChanSink) Publish(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the sink
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events discarded because the buffer was full
func (s *ChanSink) Dropped() int64 {
	return s.dropped.Load()
}

// MultiSink fans an event out to several sinks
type MultiSink []Sink

// Publish implements Sink
func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
