package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

func TestSSEWriter(t *testing.T) {
	w := httptest.NewRecorder()

	s := NewSSEWriter(w)
	require.NoError(t, s.WriteJSON(map[string]string{"content": "hi"}))
	require.NoError(t, s.WriteDone())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.True(t, w.Flushed)

	var data []string
	for ev, err := range sse.Read(strings.NewReader(w.Body.String()), &sse.ReadConfig{}) {
		require.NoError(t, err)
		data = append(data, ev.Data)
	}
	assert.Equal(t, []string{`{"content":"hi"}`, SSEDone}, data)
}

func TestSSEWriter_Unmarshalable(t *testing.T) {
	s := NewSSEWriter(httptest.NewRecorder())
	assert.Error(t, s.WriteJSON(make(chan int)))
}
