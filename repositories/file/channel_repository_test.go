package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/repositories"
)

const channelsDoc = `{
  "channels": [
    {
      "id": "oa-1",
      "name": "OpenAI primary",
      "provider_type": "openai",
      "credential": "sk-test",
      "supported_models": ["gpt-4o", "gpt-4o-mini"],
      "priority": 10,
      "weight": 3,
      "rpm_limit": 600
    },
    {
      "id": "an-1",
      "name": "Anthropic",
      "provider_type": "anthropic",
      "credential": "sk-ant",
      "status": "disabled",
      "supported_models": ["claude-3-haiku-20240307"],
      "remaining_balance": 4.5
    }
  ]
}`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestChannelRepository_ListChannels(t *testing.T) {
	repo := NewChannelRepository(writeFile(t, channelsDoc), zap.NewNop())

	channels, err := repo.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)

	assert.Equal(t, "oa-1", channels[0].ID)
	assert.Equal(t, models.ProviderOpenAI, channels[0].ProviderType)
	assert.Equal(t, 3.0, channels[0].Weight)
	assert.False(t, channels[0].CreatedAt.IsZero())

	assert.Equal(t, models.ChannelStatusDisabled, channels[1].Status)
	require.NotNil(t, channels[1].RemainingBalance)
	assert.Equal(t, 4.5, *channels[1].RemainingBalance)
}

func TestChannelRepository_PicksUpEdits(t *testing.T) {
	path := writeFile(t, channelsDoc)
	repo := NewChannelRepository(path, zap.NewNop())

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"g-1","name":"Gemini","provider_type":"google","supported_models":["gemini-1.5-pro"]}]`), 0o600))

	channels, err := repo.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "g-1", channels[0].ID)
}

func TestChannelRepository_GetByID(t *testing.T) {
	repo := NewChannelRepository(writeFile(t, channelsDoc), zap.NewNop())

	ch, err := repo.GetByID(context.Background(), "an-1")
	require.NoError(t, err)
	assert.Equal(t, "Anthropic", ch.Name)

	_, err = repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestChannelRepository_Errors(t *testing.T) {
	_, err := NewChannelRepository(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop()).
		ListChannels(context.Background())
	assert.Error(t, err)

	_, err = NewChannelRepository(writeFile(t, `{"channels": [{"id": "x", "colour": "red"}]}`), zap.NewNop()).
		ListChannels(context.Background())
	assert.Error(t, err, "unknown fields are rejected")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewChannelRepository(writeFile(t, channelsDoc), zap.NewNop()).ListChannels(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_Empty(t *testing.T) {
	channels, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, channels)
}
