package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   DefaultModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func newTestGenerator(t *testing.T, srv *httptest.Server, cfg Config) *Generator {
	t.Helper()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.BaseBackoff = time.Millisecond
	gen, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return gen
}

func TestAnswerSendsPrompt(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("  Acme builds rockets.  ")))
	}))
	defer srv.Close()

	gen := newTestGenerator(t, srv, Config{Temperature: DefaultTemperature})
	answer, err := gen.Answer(context.Background(), "Acme builds rockets.", "What does Acme build?")
	require.NoError(t, err)
	require.Equal(t, "Acme builds rockets.", answer)

	require.Equal(t, DefaultModel, got["model"])
	require.EqualValues(t, DefaultMaxTokens, got["max_tokens"])
	require.InDelta(t, DefaultTemperature, got["temperature"], 0.0001)
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	require.Equal(t, "system", messages[0].(map[string]any)["role"])
	user := messages[1].(map[string]any)["content"].(string)
	require.Contains(t, user, "Website Content:\nAcme builds rockets.")
	require.Contains(t, user, "Question: What does Acme build?")
}

func TestAnswerEmptyReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("")))
	}))
	defer srv.Close()

	answer, err := newTestGenerator(t, srv, Config{}).Answer(context.Background(), "c", "q")
	require.NoError(t, err)
	require.Equal(t, NoAnswer, answer)
}

func TestAnswerRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody("ok")))
	}))
	defer srv.Close()

	answer, err := newTestGenerator(t, srv, Config{MaxRetries: 2}).Answer(context.Background(), "c", "q")
	require.NoError(t, err)
	require.Equal(t, "ok", answer)
	require.EqualValues(t, 2, calls.Load())
}

func TestAnswerClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := newTestGenerator(t, srv, Config{MaxRetries: 3}).Answer(context.Background(), "c", "q")
	var genErr *qa.GenerationError
	require.ErrorAs(t, err, &genErr)
	require.Equal(t, http.StatusUnauthorized, genErr.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestAnswerTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestGenerator(t, srv, Config{Timeout: 50 * time.Millisecond}).Answer(context.Background(), "c", "q")
	var genErr *qa.GenerationError
	require.ErrorAs(t, err, &genErr)
	require.Zero(t, genErr.StatusCode)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.ErrorIs(t, err, ErrAPIKeyNotSet)
}
