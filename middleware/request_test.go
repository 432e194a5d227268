package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestIdentify(t *testing.T) {
	m := NewRequestMiddleware(zap.NewNop())

	t.Run("uses the caller's request id and user id", func(t *testing.T) {
		var gotRequestID, gotUserID string
		handler := m.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = GetRequestIDFromContext(r.Context())
			gotUserID = GetUserIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		req.Header.Set(HeaderUserID, "user-7")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "req-42", gotRequestID)
		assert.Equal(t, "user-7", gotUserID)
		assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
	})

	t.Run("falls back to chi's request id", func(t *testing.T) {
		var gotRequestID string
		handler := chimw.RequestID(m.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = GetRequestIDFromContext(r.Context())
		})))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, gotRequestID)
		assert.Equal(t, gotRequestID, w.Header().Get(HeaderRequestID))
	})

	t.Run("generates an id without chi", func(t *testing.T) {
		var gotRequestID, gotUserID string
		handler := m.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = GetRequestIDFromContext(r.Context())
			gotUserID = GetUserIDFromContext(r.Context())
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, gotRequestID, 36)
		assert.Empty(t, gotUserID)
	})
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewRequestMiddleware(zap.New(core))

	ok := m.Log(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	failing := m.Log(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	failing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(200), entries[0].ContextMap()["status"])
	assert.Equal(t, int64(5), entries[0].ContextMap()["bytes"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "/v1/chat/completions", entries[1].ContextMap()["path"])
}
