package anthropic

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Adapter implements providers.Adapter for the Anthropic Messages API
type Adapter struct{}

// NewAdapter creates a new Anthropic adapter
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderAnthropic
}

// BuildURL returns the messages endpoint. Anthropic has no image generation models.
func (a *Adapter) BuildURL(ch *models.Channel, model string, stream bool) (string, error) {
	if providers.IsImageModel(model) {
		return "", providers.TransformError(a.Type(), "image generation is not supported", nil)
	}
	return providers.BaseURL(ch, defaultBaseURL) + "/v1/messages", nil
}

// ModelsURL returns the model-listing endpoint
func (a *Adapter) ModelsURL(ch *models.Channel) string {
	return providers.BaseURL(ch, defaultBaseURL) + "/v1/models"
}

// SetHeaders sets the API key and protocol version
func (a *Adapter) SetHeaders(h http.Header, ch *models.Channel) {
	h.Set("x-api-key", ch.Credential)
	h.Set("anthropic-version", apiVersion)
}

// EncodeRequest maps the canonical request to {model, messages, max_tokens, temperature}.
// System messages are lifted into the top-level system prompt.
func (a *Adapter) EncodeRequest(req *providers.ChatRequest, model string, stream bool) ([]byte, error) {
	out := MessagesRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		Stop:        req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			out.Messages = append(out.Messages, Message{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, Message{Role: "user", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")

	body, err := json.Marshal(out)
	if err != nil {
		return nil, providers.TransformError(a.Type(), "failed to encode request", err)
	}
	return body, nil
}

// DecodeResponse maps content[0].text to the single canonical choice
func (a *Adapter) DecodeResponse(body []byte, model string) (*providers.ChatResponse, error) {
	var resp MessagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.TransformError(a.Type(), "malformed messages response", err)
	}
	if len(resp.Content) == 0 {
		return nil, providers.TransformError(a.Type(), "response has no content blocks", nil)
	}

	out := providers.NewResponse(resp.ID, resp.Model, resp.Content[0].Text, finishReason(resp.StopReason), providers.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	})
	out.Provider = a.Type()
	return out, nil
}

// EndsStreamWithMarker implements providers.StreamTerminator; streams end with message_stop
func (a *Adapter) EndsStreamWithMarker() bool {
	return true
}

// DecodeStreamChunk maps Messages API stream events to canonical deltas
func (a *Adapter) DecodeStreamChunk(data []byte) (*providers.StreamChunk, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, nil
	}

	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, providers.TransformError(a.Type(), "malformed stream event", err)
	}

	switch ev.Type {
	case "message_start":
		chunk := providers.NewContentChunk(ev.Message.ID, ev.Message.Model, "")
		chunk.Choices[0].Delta.Role = "assistant"
		if in := ev.Message.Usage.InputTokens; in > 0 {
			chunk.Usage = &providers.Usage{PromptTokens: in, TotalTokens: in}
		}
		return chunk, false, nil

	case "content_block_delta":
		if ev.Delta.Type != "" && ev.Delta.Type != "text_delta" {
			return nil, false, nil
		}
		return providers.NewContentChunk("", "", ev.Delta.Text), false, nil

	case "message_delta":
		chunk := providers.NewContentChunk("", "", "")
		if ev.Delta.StopReason != "" {
			reason := finishReason(ev.Delta.StopReason)
			chunk.Choices[0].FinishReason = &reason
		}
		if ev.Usage != nil {
			chunk.Usage = &providers.Usage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		return chunk, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		return nil, false, services.NewDomainError(services.ErrorTypeUpstreamTransient, "anthropic stream error: "+ev.Error.Message, nil)

	default:
		// ping, content_block_start, content_block_stop
		return nil, false, nil
	}
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}

// Anthropic-specific request/response types

type MessagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop_sequences,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type StreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage Usage  `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *Usage `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
