package openai

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	doneSentinel   = "[DONE]"
)

// Adapter implements providers.Adapter for OpenAI and OpenAI-compatible endpoints.
// Chat payloads pass through unchanged apart from the upstream model name.
type Adapter struct {
	providerType models.ProviderType
}

// NewAdapter creates an adapter for api.openai.com
func NewAdapter() *Adapter {
	return &Adapter{providerType: models.ProviderOpenAI}
}

// NewCompatibleAdapter creates an adapter for the "other" provider type
func NewCompatibleAdapter() *Adapter {
	return &Adapter{providerType: models.ProviderOther}
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return a.providerType
}

// EndsStreamWithMarker is true for api.openai.com, which always sends [DONE].
// Compatible endpoints are not held to it.
func (a *Adapter) EndsStreamWithMarker() bool {
	return a.providerType == models.ProviderOpenAI
}

// BuildURL returns the chat or image endpoint
func (a *Adapter) BuildURL(ch *models.Channel, model string, stream bool) (string, error) {
	base := providers.BaseURL(ch, defaultBaseURL)
	if providers.IsImageModel(model) {
		return base + "/images/generations", nil
	}
	return base + "/chat/completions", nil
}

// ModelsURL returns the model-listing endpoint
func (a *Adapter) ModelsURL(ch *models.Channel) string {
	return providers.BaseURL(ch, defaultBaseURL) + "/models"
}

// SetHeaders sets bearer authentication
func (a *Adapter) SetHeaders(h http.Header, ch *models.Channel) {
	h.Set("Authorization", "Bearer "+ch.Credential)
}

// EncodeRequest passes the canonical request through, or builds an image request
func (a *Adapter) EncodeRequest(req *providers.ChatRequest, model string, stream bool) ([]byte, error) {
	if providers.IsImageModel(model) {
		imgReq := ImageRequest{
			Model:  model,
			Prompt: req.LastUserMessage(),
			N:      req.N,
			Size:   req.Size,
		}
		if imgReq.Prompt == "" {
			return nil, providers.TransformError(a.providerType, "image request has no user prompt", nil)
		}
		return marshal(a.providerType, imgReq)
	}

	out := *req
	out.Model = model
	out.Stream = stream
	out.N, out.Size = 0, ""
	return marshal(a.providerType, out)
}

// DecodeResponse decodes a chat completion or image generation response
func (a *Adapter) DecodeResponse(body []byte, model string) (*providers.ChatResponse, error) {
	if providers.IsImageModel(model) {
		return a.decodeImageResponse(body, model)
	}

	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.TransformError(a.providerType, "malformed chat response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, providers.TransformError(a.providerType, "response has no choices", nil)
	}

	out := &providers.ChatResponse{
		ID:       resp.ID,
		Object:   providers.ObjectChatCompletion,
		Created:  resp.Created,
		Model:    resp.Model,
		Choices:  make([]providers.Choice, len(resp.Choices)),
		Usage:    resp.Usage,
		Provider: a.providerType,
	}
	for i, c := range resp.Choices {
		out.Choices[i] = providers.Choice{
			Index:        c.Index,
			Message:      providers.Message{Role: c.Message.Role, Content: c.Message.Content, Name: c.Message.Name},
			FinishReason: c.FinishReason,
		}
	}
	return out, nil
}

func (a *Adapter) decodeImageResponse(body []byte, model string) (*providers.ChatResponse, error) {
	var resp ImageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.TransformError(a.providerType, "malformed image response", err)
	}
	if len(resp.Data) == 0 {
		return nil, providers.TransformError(a.providerType, "image response has no data", nil)
	}
	content := resp.Data[0].URL
	if content == "" {
		content = resp.Data[0].B64JSON
	}
	out := providers.NewResponse("", model, content, "stop", providers.Usage{})
	if resp.Created != 0 {
		out.Created = resp.Created
	}
	out.Provider = a.providerType
	return out, nil
}

// DecodeStreamChunk decodes one "data:" payload; "[DONE]" ends the stream
func (a *Adapter) DecodeStreamChunk(data []byte) (*providers.StreamChunk, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, nil
	}
	if string(data) == doneSentinel {
		return nil, true, nil
	}

	var chunk providers.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, providers.TransformError(a.providerType, "malformed stream chunk", err)
	}
	if chunk.Object == "" {
		chunk.Object = providers.ObjectChatCompletionChunk
	}
	if chunk.Created == 0 {
		chunk.Created = time.Now().Unix()
	}
	return &chunk, false, nil
}

func marshal(pt models.ProviderType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, providers.TransformError(pt, "failed to encode request", err)
	}
	return body, nil
}

// OpenAI-specific request/response types

type ChatResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []ChatChoice    `json:"choices"`
	Usage   providers.Usage `json:"usage"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type ImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type ImageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}
