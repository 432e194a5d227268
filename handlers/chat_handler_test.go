package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"

	"github.com/upb/llm-relay/middleware"
	"github.com/upb/llm-relay/services"
	"github.com/upb/llm-relay/services/providers"
	"github.com/upb/llm-relay/services/relay"
	"github.com/upb/llm-relay/utils"
)

// MockChatRelay is a mock implementation of ChatRelay
type MockChatRelay struct {
	mock.Mock
}

func (m *MockChatRelay) Relay(ctx context.Context, rc *relay.RequestContext, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	args := m.Called(ctx, rc, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.ChatResponse), args.Error(1)
}

func (m *MockChatRelay) RelayStream(ctx context.Context, rc *relay.RequestContext, req *providers.ChatRequest) (ChatStream, error) {
	args := m.Called(ctx, rc, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ChatStream), args.Error(1)
}

// fakeStream replays chunks and then returns err (io.EOF for a clean end)
type fakeStream struct {
	chunks []*providers.StreamChunk
	err    error
	closed bool
}

func (s *fakeStream) Recv() (*providers.StreamChunk, error) {
	if len(s.chunks) == 0 {
		return nil, s.err
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func served(channels ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		rc := args.Get(1).(*relay.RequestContext)
		rc.UsedChannelIDs = channels
		rc.Attempt = len(channels)
	}
}

func chatRequest(t *testing.T, body string, ctx context.Context) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

func sseData(t *testing.T, body string) []string {
	t.Helper()
	var data []string
	for ev, err := range sse.Read(strings.NewReader(body), &sse.ReadConfig{}) {
		require.NoError(t, err)
		data = append(data, ev.Data)
	}
	return data
}

func TestHandleChatCompletion(t *testing.T) {
	logger := zap.NewNop()
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`

	t.Run("successful completion", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		resp := providers.NewResponse("chatcmpl-1", "gpt-4o", "Hi there", "stop",
			providers.Usage{PromptTokens: 3, CompletionTokens: 2})
		relaySvc.On("Relay", mock.Anything, mock.MatchedBy(func(rc *relay.RequestContext) bool {
			return rc.RequestID == "req-1" && rc.UserID == "user-9" && rc.TargetModel == "gpt-4o"
		}), mock.MatchedBy(func(req *providers.ChatRequest) bool {
			return req.Model == "gpt-4o" && req.LastUserMessage() == "Hello"
		})).Run(served("oa-1", "oa-2")).Return(resp, nil)

		ctx := middleware.WithUserID(middleware.WithRequestID(context.Background(), "req-1"), "user-9")
		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, ctx))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "oa-2", w.Header().Get(HeaderChannel))
		assert.Equal(t, "2", w.Header().Get(HeaderAttempts))

		var got providers.ChatResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, "Hi there", got.Content())
		assert.Equal(t, 5, got.Usage.TotalTokens)
		relaySvc.AssertExpectations(t)
	})

	t.Run("user falls back to the request body", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		relaySvc.On("Relay", mock.Anything, mock.MatchedBy(func(rc *relay.RequestContext) bool {
			return rc.UserID == "body-user" && rc.RequestID != ""
		}), mock.Anything).Return(providers.NewResponse("x", "gpt-4o", "ok", "stop", providers.Usage{}), nil)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t,
			`{"model":"gpt-4o","user":"body-user","messages":[{"role":"user","content":"Hello"}]}`, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		relaySvc.AssertExpectations(t)
	})

	t.Run("invalid body", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, `{"model":`, nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		relaySvc.AssertNotCalled(t, "Relay", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("relay failure is mapped", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		noChannel := services.NewDomainError(services.ErrorTypeNoChannel, "no channel available for model gpt-4o", nil).
			WithDetail(services.DetailAttempts, 1)
		relaySvc.On("Relay", mock.Anything, mock.Anything, mock.Anything).Return(nil, noChannel)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "service_unavailable", response.Error)
		assert.Equal(t, float64(1), response.Details["attempts"])
	})
}

func TestHandleChatCompletion_Stream(t *testing.T) {
	logger := zap.NewNop()
	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hello"}]}`

	t.Run("chunks then done", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		st := &fakeStream{
			chunks: []*providers.StreamChunk{
				providers.NewContentChunk("c1", "gpt-4o", "Hel"),
				providers.NewContentChunk("c1", "gpt-4o", "lo"),
			},
			err: io.EOF,
		}
		relaySvc.On("RelayStream", mock.Anything, mock.Anything, mock.MatchedBy(func(req *providers.ChatRequest) bool {
			return req.Stream
		})).Run(served("oa-1")).Return(st, nil)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
		assert.Equal(t, "oa-1", w.Header().Get(HeaderChannel))
		assert.True(t, st.closed)

		data := sseData(t, w.Body.String())
		require.Len(t, data, 3)
		var first providers.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(data[0]), &first))
		assert.Equal(t, "Hel", first.Content())
		assert.Equal(t, utils.SSEDone, data[2])
	})

	t.Run("failure before the first chunk is a plain error", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		exhausted := services.NewDomainError(services.ErrorTypeRetriesExhausted, "all retries exhausted", nil)
		relaySvc.On("RelayStream", mock.Anything, mock.Anything, mock.Anything).Return(nil, exhausted)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, nil))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("failure mid-stream ends with an error event", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		st := &fakeStream{
			chunks: []*providers.StreamChunk{providers.NewContentChunk("c1", "gpt-4o", "Hel")},
			err:    services.NewDomainError(services.ErrorTypeTransform, "openai: bad chunk", nil),
		}
		relaySvc.On("RelayStream", mock.Anything, mock.Anything, mock.Anything).Return(st, nil)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, st.closed)

		data := sseData(t, w.Body.String())
		require.Len(t, data, 2)
		var last streamErrorEvent
		require.NoError(t, json.Unmarshal([]byte(data[1]), &last))
		assert.Equal(t, "bad_gateway", last.Error.Error)
		assert.Equal(t, "transform: openai: bad chunk", last.Error.Message)
		assert.NotContains(t, data, utils.SSEDone)
	})

	t.Run("internal failure mid-stream hides its cause", func(t *testing.T) {
		relaySvc := new(MockChatRelay)
		handler := NewChatHandler(relaySvc, logger)

		st := &fakeStream{
			chunks: []*providers.StreamChunk{providers.NewContentChunk("c1", "gpt-4o", "Hel")},
			err:    errors.New("dial tcp 10.0.0.7:5432: password=hunter2"),
		}
		relaySvc.On("RelayStream", mock.Anything, mock.Anything, mock.Anything).Return(st, nil)

		w := httptest.NewRecorder()
		handler.HandleChatCompletion(w, chatRequest(t, body, nil))

		assert.NotContains(t, w.Body.String(), "hunter2")
		data := sseData(t, w.Body.String())
		require.Len(t, data, 2)
		var last streamErrorEvent
		require.NoError(t, json.Unmarshal([]byte(data[1]), &last))
		assert.Equal(t, "internal_error", last.Error.Error)
		assert.Equal(t, "An internal error occurred", last.Error.Message)
	})
}
