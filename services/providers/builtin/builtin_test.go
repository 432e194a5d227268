package builtin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services/providers"
)

func TestNewTranslator_ServesAllProviderTypes(t *testing.T) {
	tr := NewTranslator()

	for _, pt := range []models.ProviderType{
		models.ProviderOpenAI,
		models.ProviderAnthropic,
		models.ProviderGoogle,
		models.ProviderOther,
	} {
		a, err := tr.Adapter(pt)
		require.NoError(t, err, pt)
		assert.Equal(t, pt, a.Type())
	}
}

func TestTranslator_AnthropicRoundTrip(t *testing.T) {
	tr := NewTranslator()
	req := &providers.ChatRequest{
		Model:    "claude-3-haiku-20240307",
		Messages: []providers.Message{{Role: "user", Content: "say hi"}},
	}

	body, err := tr.EncodeRequest(models.ProviderAnthropic, req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Equal(t, "claude-3-haiku-20240307", wire["model"])
	assert.EqualValues(t, 1024, wire["max_tokens"])

	resp, err := tr.DecodeResponse(models.ProviderAnthropic, []byte(`{"id":"msg_1","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":2,"output_tokens":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestTranslator_SameCanonicalShapeAcrossProviders(t *testing.T) {
	tr := NewTranslator()
	fixtures := map[models.ProviderType]string{
		models.ProviderOpenAI:    `{"id":"c","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		models.ProviderAnthropic: `{"id":"c","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`,
		models.ProviderGoogle:    `{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1,"totalTokenCount":2}}`,
	}

	for pt, body := range fixtures {
		resp, err := tr.DecodeResponse(pt, []byte(body))
		require.NoError(t, err, pt)
		assert.Equal(t, "hi", resp.Content(), pt)
		assert.Equal(t, "stop", resp.Choices[0].FinishReason, pt)
		assert.Equal(t, 2, resp.Usage.TotalTokens, pt)
		assert.Equal(t, providers.ObjectChatCompletion, resp.Object, pt)
	}
}

func TestTranslator_ExpectsStreamEnd(t *testing.T) {
	tr := NewTranslator()

	assert.True(t, tr.ExpectsStreamEnd(models.ProviderOpenAI))
	assert.True(t, tr.ExpectsStreamEnd(models.ProviderAnthropic))
	assert.False(t, tr.ExpectsStreamEnd(models.ProviderOther), "compatible endpoints may just close")
	assert.False(t, tr.ExpectsStreamEnd(models.ProviderGoogle))
}
