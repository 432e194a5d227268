package providers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/upb/llm-relay/models"
	"github.com/upb/llm-relay/services"
)

var (
	// ErrAdapterNotFound is returned when no adapter serves a provider type
	ErrAdapterNotFound = errors.New("no adapter for provider type")

	// ErrAdapterAlreadyRegistered is returned when trying to register a duplicate adapter
	ErrAdapterAlreadyRegistered = errors.New("adapter already registered")
)

// Translator dispatches encode/decode calls to the adapter of a provider type
type Translator struct {
	mu       sync.RWMutex
	adapters map[models.ProviderType]Adapter
}

// NewTranslator creates an empty translator
func NewTranslator() *Translator {
	return &Translator{
		adapters: make(map[models.ProviderType]Adapter),
	}
}

// Register adds an adapter
func (t *Translator) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.adapters[adapter.Type()]; exists {
		return ErrAdapterAlreadyRegistered
	}
	t.adapters[adapter.Type()] = adapter
	return nil
}

// MustRegister registers adapters and panics on duplicates
func (t *Translator) MustRegister(adapters ...Adapter) *Translator {
	for _, a := range adapters {
		if err := t.Register(a); err != nil {
			panic(err)
		}
	}
	return t
}

// Adapter returns the adapter for a provider type
func (t *Translator) Adapter(providerType models.ProviderType) (Adapter, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.adapters[providerType]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeTransform, "unsupported provider type", ErrAdapterNotFound).
			WithDetail("provider_type", string(providerType))
	}
	return a, nil
}

// ExpectsStreamEnd reports whether streams of the provider end with an explicit marker
func (t *Translator) ExpectsStreamEnd(providerType models.ProviderType) bool {
	a, err := t.Adapter(providerType)
	if err != nil {
		return false
	}
	term, ok := a.(StreamTerminator)
	return ok && term.EndsStreamWithMarker()
}

// EncodeRequest encodes a canonical request for a provider
func (t *Translator) EncodeRequest(providerType models.ProviderType, req *ChatRequest) ([]byte, error) {
	a, err := t.Adapter(providerType)
	if err != nil {
		return nil, err
	}
	return a.EncodeRequest(req, req.Model, req.Stream)
}

// DecodeResponse decodes a provider response into the canonical schema
func (t *Translator) DecodeResponse(providerType models.ProviderType, body []byte) (*ChatResponse, error) {
	a, err := t.Adapter(providerType)
	if err != nil {
		return nil, err
	}
	return a.DecodeResponse(body, "")
}

// DecodeStreamChunk decodes one streamed payload
func (t *Translator) DecodeStreamChunk(providerType models.ProviderType, raw []byte) (*StreamChunk, bool, error) {
	a, err := t.Adapter(providerType)
	if err != nil {
		return nil, false, err
	}
	return a.DecodeStreamChunk(raw)
}

// NewHTTPRequest builds the upstream request for a channel: URL, headers and body
func (t *Translator) NewHTTPRequest(ctx context.Context, ch *models.Channel, req *ChatRequest, stream bool) (*http.Request, error) {
	a, err := t.Adapter(ch.ProviderType)
	if err != nil {
		return nil, err
	}

	model := ch.UpstreamModel(req.Model)
	url, err := a.BuildURL(ch, model, stream)
	if err != nil {
		return nil, err
	}
	body, err := a.EncodeRequest(req, model, stream)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, services.WrapInternal("failed to create upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	a.SetHeaders(httpReq.Header, ch)
	for k, v := range ch.CustomHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// NewModelsRequest builds the lightweight model-listing probe for a channel
func (t *Translator) NewModelsRequest(ctx context.Context, ch *models.Channel) (*http.Request, error) {
	a, err := t.Adapter(ch.ProviderType)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.ModelsURL(ch), nil)
	if err != nil {
		return nil, err
	}
	a.SetHeaders(httpReq.Header, ch)
	for k, v := range ch.CustomHeaders {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// BaseURL returns the channel's endpoint without a trailing slash, or fallback when unset
func BaseURL(ch *models.Channel, fallback string) string {
	if ch.BaseURL == "" {
		return fallback
	}
	return strings.TrimRight(ch.BaseURL, "/")
}
