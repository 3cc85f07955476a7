package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsights_LLM_Ollama_Complete(t *testing.T) {
	t.Parallel()

	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"{\"a\":"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"1}"},"done":true,"prompt_eval_count":12,"eval_count":3}` + "\n"))
	}))
	defer srv.Close()

	c := NewOllama(slog.New(slog.NewTextHandler(os.Stderr, nil)), srv.URL+"/", "m", 0, srv.Client())
	out, err := c.Complete(context.Background(), Request{Purpose: "test", System: "sys", Prompt: "hi", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out.Text)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3}, out.Usage)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.Equal(t, "json", got.Format)
}

func TestInsights_LLM_Ollama_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllama(slog.New(slog.NewTextHandler(os.Stderr, nil)), srv.URL, "m", 0, nil)
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, Retryable(err))
}
