package openai

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
)

func TestNewAdapter(t *testing.T) {
	if got := NewAdapter().Type(); got != models.ProviderOpenAI {
		t.Errorf("Type() = %s, want openai", got)
	}
	if got := NewCompatibleAdapter().Type(); got != models.ProviderOther {
		t.Errorf("Type() = %s, want other", got)
	}
}

func TestAdapter_BuildURL(t *testing.T) {
	a := NewAdapter()

	tests := []struct {
		name    string
		baseURL string
		model   string
		want    string
	}{
		{name: "default chat", model: "gpt-4o", want: "https://api.openai.com/v1/chat/completions"},
		{name: "default image", model: "dall-e-3", want: "https://api.openai.com/v1/images/generations"},
		{name: "custom base", baseURL: "https://proxy.example.com/v1/", model: "gpt-4o", want: "https://proxy.example.com/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.BuildURL(&models.Channel{BaseURL: tt.baseURL}, tt.model, false)
			if err != nil {
				t.Fatalf("BuildURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildURL() = %s, want %s", got, tt.want)
			}
		})
	}

	if got := a.ModelsURL(&models.Channel{}); got != "https://api.openai.com/v1/models" {
		t.Errorf("ModelsURL() = %s", got)
	}
}

func TestAdapter_SetHeaders(t *testing.T) {
	h := http.Header{}
	NewAdapter().SetHeaders(h, &models.Channel{Credential: "sk-test"})

	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want Bearer sk-test", got)
	}
}

func TestAdapter_EncodeRequest_Passthrough(t *testing.T) {
	temp := 0.0
	req := &providers.ChatRequest{
		Model:       "alias",
		Messages:    []providers.Message{{Role: "user", Content: "Hello"}},
		MaxTokens:   64,
		Temperature: &temp,
	}

	body, err := NewAdapter().EncodeRequest(req, "gpt-4o", true)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["model"] != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", decoded["model"])
	}
	if decoded["stream"] != true {
		t.Errorf("stream = %v, want true", decoded["stream"])
	}
	if decoded["temperature"] != 0.0 {
		t.Errorf("explicit zero temperature must be kept, got %v", decoded["temperature"])
	}
	if req.Model != "alias" {
		t.Error("EncodeRequest must not mutate the canonical request")
	}
}

func TestAdapter_EncodeRequest_Image(t *testing.T) {
	req := &providers.ChatRequest{
		Model:    "dall-e-3",
		Messages: []providers.Message{{Role: "user", Content: "a red fox"}},
		N:        2,
		Size:     "1024x1024",
	}

	body, err := NewAdapter().EncodeRequest(req, "dall-e-3", false)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	var decoded ImageRequest
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Prompt != "a red fox" || decoded.N != 2 || decoded.Size != "1024x1024" {
		t.Errorf("unexpected image request: %+v", decoded)
	}

	_, err = NewAdapter().EncodeRequest(&providers.ChatRequest{Model: "dall-e-3"}, "dall-e-3", false)
	if !services.IsTransformError(err) {
		t.Errorf("expected transform error for empty prompt, got %v", err)
	}
}

func TestAdapter_DecodeResponse(t *testing.T) {
	body := `{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"created": 1677652288,
		"model": "gpt-4o",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 1, "total_tokens": 10}
	}`

	resp, err := NewAdapter().DecodeResponse([]byte(body), "gpt-4o")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.Content() != "hi" {
		t.Errorf("content = %q, want hi", resp.Content())
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total tokens = %d, want 10", resp.Usage.TotalTokens)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %s", resp.Choices[0].FinishReason)
	}
}

func TestAdapter_DecodeResponse_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"id":"x","choices":[]}`} {
		_, err := NewAdapter().DecodeResponse([]byte(body), "gpt-4o")
		if !services.IsTransformError(err) {
			t.Errorf("body %q: expected transform error, got %v", body, err)
		}
	}
}

func TestAdapter_DecodeImageResponse(t *testing.T) {
	body := `{"created": 1700000000, "data": [{"url": "https://img.example.com/fox.png"}]}`

	resp, err := NewAdapter().DecodeResponse([]byte(body), "dall-e-3")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if resp.Content() != "https://img.example.com/fox.png" {
		t.Errorf("content = %q", resp.Content())
	}
	if resp.Created != 1700000000 {
		t.Errorf("created = %d", resp.Created)
	}
}

func TestAdapter_DecodeStreamChunk(t *testing.T) {
	a := NewAdapter()

	chunk, done, err := a.DecodeStreamChunk([]byte(`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`))
	if err != nil || done {
		t.Fatalf("DecodeStreamChunk() = done %v, err %v", done, err)
	}
	if chunk.Content() != "Hel" {
		t.Errorf("content = %q, want Hel", chunk.Content())
	}
	if chunk.Object != providers.ObjectChatCompletionChunk {
		t.Errorf("object = %q", chunk.Object)
	}

	chunk, done, err = a.DecodeStreamChunk([]byte(" [DONE] "))
	if err != nil || !done || chunk != nil {
		t.Errorf("[DONE] should end the stream, got chunk=%v done=%v err=%v", chunk, done, err)
	}

	chunk, done, err = a.DecodeStreamChunk(nil)
	if err != nil || done || chunk != nil {
		t.Error("empty payload should be ignored")
	}

	if _, _, err := a.DecodeStreamChunk([]byte(`{broken`)); !services.IsTransformError(err) {
		t.Errorf("expected transform error, got %v", err)
	}
}
