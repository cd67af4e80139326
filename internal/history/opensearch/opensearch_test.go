package opensearch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botkeeper/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var body []byte
	var path, method, ctype string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "bot-history")
	e := history.Event{
		Type:       history.EventFallback,
		OccurredAt: time.Now().UTC(),
		Tier:       "pm2",
		Name:       "bot",
		Message:    "pm2 -> direct",
	}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/bot-history/_doc", path)
	assert.Equal(t, "application/json", ctype)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "fallback", got["type"])
	assert.Equal(t, "pm2", got["tier"])
	assert.Equal(t, "pm2 -> direct", got["message"])
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	assert.Error(t, New(url, "idx").Send(context.Background(), history.Event{Type: history.EventStart}))
}
