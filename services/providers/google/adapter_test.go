package google

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
)

func TestAdapter_BuildURL(t *testing.T) {
	a := NewAdapter()
	ch := &models.Channel{}

	tests := []struct {
		name   string
		model  string
		stream bool
		want   string
	}{
		{name: "chat", model: "gemini-1.5-flash", want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"},
		{name: "stream", model: "gemini-1.5-flash", stream: true, want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:streamGenerateContent?alt=sse"},
		{name: "image", model: "imagen-3.0-generate-002", want: "https://generativelanguage.googleapis.com/v1beta/models/imagen-3.0-generate-002:predict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.BuildURL(ch, tt.model, tt.stream)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models", a.ModelsURL(ch))
}

func TestAdapter_SetHeaders(t *testing.T) {
	h := http.Header{}
	NewAdapter().SetHeaders(h, &models.Channel{Credential: "AIza-test"})

	assert.Equal(t, "AIza-test", h.Get("x-goog-api-key"))
}

func TestAdapter_EncodeRequest(t *testing.T) {
	temp := 0.7
	req := &providers.ChatRequest{
		Model: "gemini",
		Messages: []providers.Message{
			{Role: "system", Content: "rules"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Temperature: &temp,
		MaxTokens:   256,
	}

	body, err := NewAdapter().EncodeRequest(req, "gemini-1.5-pro", false)
	require.NoError(t, err)

	var decoded GenerateContentRequest
	require.NoError(t, json.Unmarshal(body, &decoded))

	require.Len(t, decoded.Contents, 3)
	assert.Equal(t, "user", decoded.Contents[0].Role)
	assert.Equal(t, "user", decoded.Contents[1].Role)
	assert.Equal(t, "model", decoded.Contents[2].Role)
	assert.Equal(t, "hello", decoded.Contents[2].Parts[0].Text)

	require.NotNil(t, decoded.GenerationConfig)
	assert.Equal(t, 0.7, *decoded.GenerationConfig.Temperature)
	assert.Equal(t, 256, decoded.GenerationConfig.MaxOutputTokens)
}

func TestAdapter_EncodeRequest_NoGenerationConfig(t *testing.T) {
	req := &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "hi"}}}

	body, err := NewAdapter().EncodeRequest(req, "gemini-1.5-pro", false)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "generationConfig")
}

func TestAdapter_EncodeRequest_Image(t *testing.T) {
	req := &providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "a lighthouse"}}, N: 1}

	body, err := NewAdapter().EncodeRequest(req, "imagen-3.0-generate-002", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"instances":[{"prompt":"a lighthouse"}],"parameters":{"sampleCount":1}}`, string(body))
}

func TestAdapter_DecodeResponse(t *testing.T) {
	body := `{
		"candidates": [{"content": {"role": "model", "parts": [{"text": "hi"}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 1, "totalTokenCount": 5},
		"modelVersion": "gemini-1.5-pro-002",
		"responseId": "resp-1"
	}`

	resp, err := NewAdapter().DecodeResponse([]byte(body), "gemini-1.5-pro")
	require.NoError(t, err)

	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, "gemini-1.5-pro", resp.Model)
	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestAdapter_DecodeResponse_Malformed(t *testing.T) {
	for _, body := range []string{`[]`, `{"candidates":[]}`, `{"candidates":[{"content":{"parts":[]}}]}`} {
		_, err := NewAdapter().DecodeResponse([]byte(body), "gemini-1.5-pro")
		assert.True(t, services.IsTransformError(err), body)
	}
}

func TestAdapter_DecodePredictResponse(t *testing.T) {
	body := `{"predictions":[{"bytesBase64Encoded":"aGVsbG8=","mimeType":"image/png"}]}`

	resp, err := NewAdapter().DecodeResponse([]byte(body), "imagen-3.0-generate-002")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", resp.Content())
}

func TestAdapter_DecodeStreamChunk(t *testing.T) {
	a := NewAdapter()

	chunk, done, err := a.DecodeStreamChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hel"},{"text":"lo"}]}}],"modelVersion":"gemini-1.5-flash"}`))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Hello", chunk.Content())
	assert.Empty(t, chunk.FinishReason())
	assert.Nil(t, chunk.Usage)

	chunk, _, err = a.DecodeStreamChunk([]byte(`{"candidates":[{"content":{"parts":[{"text":""}]},"finishReason":"MAX_TOKENS"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":9,"totalTokenCount":12}}`))
	require.NoError(t, err)
	assert.Equal(t, "length", chunk.FinishReason())
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 12, chunk.Usage.TotalTokens)

	_, _, err = a.DecodeStreamChunk([]byte(`{`))
	assert.True(t, services.IsTransformError(err))
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, "", finishReason(""))
	assert.Equal(t, "stop", finishReason("STOP"))
	assert.Equal(t, "length", finishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", finishReason("SAFETY"))
	assert.Equal(t, "stop", finishReason("OTHER"))
}
