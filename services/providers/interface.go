package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
)

// Adapter converts between the canonical schema and one provider's wire protocol.
// One implementation exists per provider type and is selected once per channel.
type Adapter interface {
	// Type returns the provider type served by this adapter
	Type() models.ProviderType

	// BuildURL returns the endpoint for a model. Image models route to image endpoints.
	BuildURL(ch *models.Channel, model string, stream bool) (string, error)

	// ModelsURL returns the model-listing endpoint used by health probes
	ModelsURL(ch *models.Channel) string

	// SetHeaders sets authentication and protocol headers
	SetHeaders(h http.Header, ch *models.Channel)

	// EncodeRequest builds the provider payload for the given upstream model
	EncodeRequest(req *ChatRequest, model string, stream bool) ([]byte, error)

	// DecodeResponse converts a unary provider response into the canonical schema
	DecodeResponse(body []byte, model string) (*ChatResponse, error)

	// DecodeStreamChunk converts one SSE data payload. A nil chunk with done=false
	// means the event carries nothing for the caller.
	DecodeStreamChunk(data []byte) (chunk *StreamChunk, done bool, err error)
}

// StreamTerminator is implemented by adapters whose streams always end with an
// explicit marker. A body that ends without it was cut short.
type StreamTerminator interface {
	EndsStreamWithMarker() bool
}

// ChatRequest represents the canonical chat completion request
type ChatRequest struct {
	// Model identifier (e.g., "gpt-4o", "claude-3-5-sonnet")
	Model string `json:"model" validate:"required"`

	// Messages in the conversation
	Messages []Message `json:"messages" validate:"required,min=1,dive"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty" validate:"gte=0"`

	// Temperature controls randomness (0.0 to 2.0)
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`

	// TopP controls nucleus sampling
	TopP *float64 `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Stream enables streaming responses
	Stream bool `json:"stream,omitempty"`

	// Stop sequences
	Stop []string `json:"stop,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`

	// N and Size apply to image generation models
	N    int    `json:"n,omitempty" validate:"gte=0"`
	Size string `json:"size,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role" validate:"required,oneof=system user assistant tool"`

	// Content is the message text
	Content string `json:"content"`

	// Name is an optional identifier for the message sender
	Name string `json:"name,omitempty"`
}

// ChatResponse represents the canonical chat completion response
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Provider that handled the request
	Provider models.ProviderType `json:"provider,omitempty"`

	// Latency of the upstream call
	Latency time.Duration `json:"-"`
}

// Choice represents a completion choice
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`

	// FinishReason indicates why the completion finished
	// Values: "stop", "length", "content_filter", "tool_calls"
	FinishReason string `json:"finish_reason"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one canonical delta of a streamed completion
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice carries the incremental content of one choice
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message content
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// NewResponse builds a single-choice canonical response
func NewResponse(id, model, content, finishReason string, usage Usage) *ChatResponse {
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ChatResponse{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

// NewContentChunk builds a single-choice canonical delta
func NewContentChunk(id, model, content string) *StreamChunk {
	return &StreamChunk{
		ID:      id,
		Object:  ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []StreamChoice{{Index: 0, Delta: Delta{Content: content}}},
	}
}

// Content returns the text of the first choice, or "" when there is none
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Content returns the delta text of the first choice
func (c *StreamChunk) Content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// FinishReason returns the finish reason of the first choice, if any
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) == 0 || c.Choices[0].FinishReason == nil {
		return ""
	}
	return *c.Choices[0].FinishReason
}

// IsImageModel reports whether a model is an image-generation model
func IsImageModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"dall-e", "gpt-image", "imagen"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// LastUserMessage returns the content of the last user message, used as the image prompt
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ProviderError represents a non-2xx response from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider models.ProviderType

	// Code is the provider's error type, when present
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code
	StatusCode int
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s upstream %d (%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.StatusCode, e.Message)
}

// NewProviderError parses the common {"error":{"message","type"|"status"}} envelope
// used by OpenAI, Anthropic and Google. Unparseable bodies are kept verbatim.
func NewProviderError(provider models.ProviderType, statusCode int, body []byte) *ProviderError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	perr := &ProviderError{Provider: provider, StatusCode: statusCode}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		perr.Message = envelope.Error.Message
		perr.Code = envelope.Error.Type
		if perr.Code == "" {
			perr.Code = envelope.Error.Status
		}
		return perr
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	perr.Message = msg
	return perr
}

// TransformError wraps a decode or encode failure
func TransformError(provider models.ProviderType, message string, err error) error {
	return services.NewDomainError(services.ErrorTypeTransform, fmt.Sprintf("%s: %s", provider, message), err)
}
