// Package file serves channel configuration from a JSON document on disk.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
)

// document is the on-disk shape; a bare array of channels is accepted too
type document struct {
	Channels []*models.Channel `json:"channels"`
}

// ChannelRepository reads channels from a JSON file on every call, so edits are
// picked up by the next reload without a restart.
type ChannelRepository struct {
	path   string
	logger *zap.Logger
}

// NewChannelRepository creates a file-backed channel repository
func NewChannelRepository(path string, logger *zap.Logger) *ChannelRepository {
	return &ChannelRepository{path: path, logger: logger}
}

// ListChannels parses the file and returns its channels in file order
func (r *ChannelRepository) ListChannels(ctx context.Context) ([]*models.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channels file: %w", err)
	}

	channels, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", r.path, err)
	}

	info, statErr := os.Stat(r.path)
	for _, ch := range channels {
		if ch.CreatedAt.IsZero() && statErr == nil {
			ch.CreatedAt = info.ModTime()
		}
		if ch.UpdatedAt.IsZero() {
			ch.UpdatedAt = ch.CreatedAt
		}
	}

	r.logger.Debug("channels loaded from file",
		zap.String("path", r.path),
		zap.Int("count", len(channels)))
	return channels, nil
}

// GetByID returns a single channel from the file
func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*models.Channel, error) {
	channels, err := r.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// Parse decodes either {"channels": [...]} or a bare JSON array
func Parse(raw []byte) ([]*models.Channel, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	dec := func(v any) error {
		d := json.NewDecoder(bytes.NewReader(raw))
		d.DisallowUnknownFields()
		return d.Decode(v)
	}

	if raw[0] == '[' {
		var channels []*models.Channel
		if err := dec(&channels); err != nil {
			return nil, err
		}
		return channels, nil
	}

	var doc document
	if err := dec(&doc); err != nil {
		return nil, err
	}
	return doc.Channels, nil
}

var _ repositories.ChannelRepository = (*ChannelRepository)(nil)
