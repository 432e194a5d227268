package utils

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// SSEDone is the terminal data payload of an OpenAI-style event stream
const SSEDone = "[DONE]"

// SSEWriter writes server-sent events to an HTTP response and flushes after each one
type SSEWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEWriter sets the event-stream headers and sends the 200 status line
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

// WriteData sends one event carrying data
func (s *SSEWriter) WriteData(data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if _, err := msg.WriteTo(s.w); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// WriteJSON marshals v and sends it as one event
func (s *SSEWriter) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.WriteData(string(b))
}

// WriteDone sends the [DONE] terminator
func (s *SSEWriter) WriteDone() error {
	return s.WriteData(SSEDone)
}
