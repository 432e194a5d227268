package google

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements providers.Adapter for the Gemini generateContent API
// and Imagen predict endpoints.
type Adapter struct{}

// NewAdapter creates a new Google adapter
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Type returns the provider type
func (a *Adapter) Type() models.ProviderType {
	return models.ProviderGoogle
}

// BuildURL returns the generateContent, streamGenerateContent or predict endpoint
func (a *Adapter) BuildURL(ch *models.Channel, model string, stream bool) (string, error) {
	base := providers.BaseURL(ch, defaultBaseURL)
	m := url.PathEscape(model)
	switch {
	case providers.IsImageModel(model):
		return fmt.Sprintf("%s/v1beta/models/%s:predict", base, m), nil
	case stream:
		return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, m), nil
	default:
		return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, m), nil
	}
}

// ModelsURL returns the model-listing endpoint
func (a *Adapter) ModelsURL(ch *models.Channel) string {
	return providers.BaseURL(ch, defaultBaseURL) + "/v1beta/models"
}

// SetHeaders sets the API key header
func (a *Adapter) SetHeaders(h http.Header, ch *models.Channel) {
	h.Set("x-goog-api-key", ch.Credential)
}

// EncodeRequest maps messages to contents[].parts[].text; assistant becomes model, all other roles user
func (a *Adapter) EncodeRequest(req *providers.ChatRequest, model string, stream bool) ([]byte, error) {
	var payload any
	if providers.IsImageModel(model) {
		prompt := req.LastUserMessage()
		if prompt == "" {
			return nil, providers.TransformError(a.Type(), "image request has no user prompt", nil)
		}
		img := PredictRequest{Instances: []PredictInstance{{Prompt: prompt}}}
		if req.N > 0 {
			img.Parameters = &PredictParameters{SampleCount: req.N}
		}
		payload = img
	} else {
		out := GenerateContentRequest{Contents: make([]Content, 0, len(req.Messages))}
		for _, m := range req.Messages {
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			out.Contents = append(out.Contents, Content{Role: role, Parts: []Part{{Text: m.Content}}})
		}
		if req.Temperature != nil || req.MaxTokens > 0 || req.TopP != nil || len(req.Stop) > 0 {
			out.GenerationConfig = &GenerationConfig{
				Temperature:     req.Temperature,
				MaxOutputTokens: req.MaxTokens,
				TopP:            req.TopP,
				StopSequences:   req.Stop,
			}
		}
		payload = out
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.TransformError(a.Type(), "failed to encode request", err)
	}
	return body, nil
}

// DecodeResponse maps candidates[0].content.parts[0].text to the canonical content
func (a *Adapter) DecodeResponse(body []byte, model string) (*providers.ChatResponse, error) {
	if providers.IsImageModel(model) {
		return a.decodePredictResponse(body, model)
	}

	var resp GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.TransformError(a.Type(), "malformed generateContent response", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, providers.TransformError(a.Type(), "response has no candidate content", nil)
	}

	cand := resp.Candidates[0]
	if model == "" {
		model = resp.ModelVersion
	}
	out := providers.NewResponse(resp.ResponseID, model, cand.Content.Parts[0].Text, finishReason(cand.FinishReason), resp.UsageMetadata.usage())
	out.Provider = a.Type()
	return out, nil
}

func (a *Adapter) decodePredictResponse(body []byte, model string) (*providers.ChatResponse, error) {
	var resp PredictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.TransformError(a.Type(), "malformed predict response", err)
	}
	if len(resp.Predictions) == 0 {
		return nil, providers.TransformError(a.Type(), "predict response has no predictions", nil)
	}
	p := resp.Predictions[0]
	content := p.BytesBase64Encoded
	if p.MimeType != "" {
		content = "data:" + p.MimeType + ";base64," + content
	}
	out := providers.NewResponse("", model, content, "stop", providers.Usage{})
	out.Provider = a.Type()
	return out, nil
}

// DecodeStreamChunk decodes one SSE payload of streamGenerateContent.
// Google signals the end by closing the stream, so done is never reported here.
func (a *Adapter) DecodeStreamChunk(data []byte) (*providers.StreamChunk, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false, nil
	}

	var resp GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, providers.TransformError(a.Type(), "malformed stream chunk", err)
	}

	var text, reason string
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, p := range cand.Content.Parts {
			text += p.Text
		}
		reason = finishReason(cand.FinishReason)
	}

	chunk := providers.NewContentChunk(resp.ResponseID, resp.ModelVersion, text)
	if reason != "" {
		chunk.Choices[0].FinishReason = &reason
	}
	if resp.UsageMetadata.TotalTokenCount > 0 {
		u := resp.UsageMetadata.usage()
		chunk.Usage = &u
	}
	return chunk, false, nil
}

func finishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

// Google-specific request/response types

type Part struct {
	Text string `json:"text"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GenerateContentRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u UsageMetadata) usage() providers.Usage {
	return providers.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

type GenerateContentResponse struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion"`
	ResponseID    string        `json:"responseId"`
}

type PredictInstance struct {
	Prompt string `json:"prompt"`
}

type PredictParameters struct {
	SampleCount int `json:"sampleCount,omitempty"`
}

type PredictRequest struct {
	Instances  []PredictInstance  `json:"instances"`
	Parameters *PredictParameters `json:"parameters,omitempty"`
}

type PredictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}
