package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/clock/system"
	"github.com/JakeFAU/sukta/internal/config"
	"github.com/JakeFAU/sukta/internal/dispatcher"
	"github.com/JakeFAU/sukta/internal/id/uuid"
	"github.com/JakeFAU/sukta/internal/lifecycle"
	"github.com/JakeFAU/sukta/internal/qa"
	memqueue "github.com/JakeFAU/sukta/internal/queue/memory"
	"github.com/JakeFAU/sukta/internal/storage/memory"
	"github.com/JakeFAU/sukta/internal/worker"
)

type testEnv struct {
	server  *Server
	store   *memory.Store
	scrapeQ *memqueue.Queue
	answerQ *memqueue.Queue
	fetcher *fakeFetcher
	gen     *fakeGenerator
}

func newTestEnv(t *testing.T, cfg config.Config, runWorkers bool, ready ...Pinger) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   memory.NewStore(),
		scrapeQ: memqueue.NewQueue(16),
		answerQ: memqueue.NewQueue(16),
		fetcher: &fakeFetcher{text: "Acme builds rockets in Ohio."},
		gen:     &fakeGenerator{answer: "In Ohio."},
	}
	ids, clock := uuid.New(), system.New()
	sessions := lifecycle.NewSessionManager(env.store, env.scrapeQ, ids, clock, time.Second, zap.NewNop())
	questions := lifecycle.NewQuestionManager(env.store, env.store, env.answerQ, ids, clock, time.Second, zap.NewNop())
	env.server = NewServer(sessions, questions, ready, cfg, zap.NewNop())

	if runWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		dispatch := dispatcher.New(zap.NewNop(),
			worker.NewScrapeWorker(env.scrapeQ, sessions, env.fetcher, nil, worker.Config{}, zap.NewNop()),
			worker.NewAnswerWorker(env.answerQ, questions, env.gen, worker.Config{}, zap.NewNop()),
		)
		done := make(chan struct{})
		go func() {
			dispatch.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e *testEnv) waitSession(t *testing.T, prefix, id string, want qa.SessionStatus) sessionResponse {
	t.Helper()
	var got sessionResponse
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, prefix+"/session/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		got = decode[sessionResponse](t, rec)
		return got.Status == string(want)
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func (e *testEnv) waitQuestion(t *testing.T, prefix, sessionID, questionID string, want qa.QuestionStatus) questionResponse {
	t.Helper()
	var got questionResponse
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, prefix+"/session/"+sessionID+"/question/"+questionID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		got = decode[questionResponse](t, rec)
		return got.Status == string(want)
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestServer_SessionAndQuestionHappyPath(t *testing.T) {
	t.Parallel()

	for _, prefix := range []string{"", "/api"} {
		t.Run("prefix="+prefix, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{}, true)

			rec := env.do(t, http.MethodPost, prefix+"/session", `{"url":"https://acme.test/about"}`)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			sessionID := decode[map[string]string](t, rec)["sessionId"]
			require.NotEmpty(t, sessionID)

			session := env.waitSession(t, prefix, sessionID, qa.SessionReady)
			require.Equal(t, "https://acme.test/about", session.URL)
			require.NotNil(t, session.Content)
			require.Equal(t, "Acme builds rockets in Ohio.", *session.Content)
			require.Nil(t, session.Error)
			require.False(t, session.CreatedAt.IsZero())

			rec = env.do(t, http.MethodPost, prefix+"/session/"+sessionID+"/question", `{"question":"Where are rockets built?"}`)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			questionID := decode[map[string]string](t, rec)["questionId"]
			require.NotEmpty(t, questionID)

			question := env.waitQuestion(t, prefix, sessionID, questionID, qa.QuestionCompleted)
			require.Equal(t, sessionID, question.SessionID)
			require.Equal(t, "Where are rockets built?", question.Question)
			require.NotNil(t, question.Answer)
			require.Equal(t, "In Ohio.", *question.Answer)
			require.Nil(t, question.Error)

			rec = env.do(t, http.MethodGet, prefix+"/session/"+sessionID+"/questions", "")
			require.Equal(t, http.StatusOK, rec.Code)
			list := decode[map[string][]questionResponse](t, rec)["questions"]
			require.Len(t, list, 1)
			require.Equal(t, questionID, list[0].ID)
		})
	}
}

func TestServer_ScrapeFailureBlocksQuestions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, true)
	env.fetcher.setErr(&qa.FetchError{URL: "https://down.test/", Err: errors.New("connection refused")})

	rec := env.do(t, http.MethodPost, "/session", `{"url":"https://down.test/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decode[map[string]string](t, rec)["sessionId"]

	session := env.waitSession(t, "", sessionID, qa.SessionFailed)
	require.Nil(t, session.Content)
	require.NotNil(t, session.Error)
	require.Equal(t, "Failed to scrape https://down.test/: connection refused", *session.Error)

	rec = env.do(t, http.MethodPost, "/session/"+sessionID+"/question", `{"question":"Anything?"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Session not ready yet", decode[map[string]string](t, rec)["error"])
}

func TestServer_AnswerFailureRendersError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, true)
	env.gen.setErr(&qa.GenerationError{StatusCode: http.StatusUnauthorized, Err: errors.New("bad key")})

	rec := env.do(t, http.MethodPost, "/session", `{"url":"https://acme.test/"}`)
	sessionID := decode[map[string]string](t, rec)["sessionId"]
	env.waitSession(t, "", sessionID, qa.SessionReady)

	rec = env.do(t, http.MethodPost, "/session/"+sessionID+"/question", `{"question":"Why?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	questionID := decode[map[string]string](t, rec)["questionId"]

	question := env.waitQuestion(t, "", sessionID, questionID, qa.QuestionFailed)
	require.NotNil(t, question.Error)
	require.Equal(t, "AI processing failed: request failed with status code 401", *question.Error)
	require.Equal(t, "Error: AI processing failed: request failed with status code 401", *question.Answer)
}

func TestServer_CreateSessionValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, false)
	cases := []struct {
		body string
		want string
	}{
		{body: `{invalid`, want: "invalid JSON"},
		{body: `{}`, want: "URL is required"},
		{body: `{"url":"ftp://acme.test/file"}`, want: "URL must be an absolute http or https URL"},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/session", tc.body)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.body)
		require.Equal(t, tc.want, decode[map[string]string](t, rec)["error"])
	}
	require.Zero(t, env.scrapeQ.Len())
}

func TestServer_QuestionAgainstScrapingSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, false)
	rec := env.do(t, http.MethodPost, "/session", `{"url":"https://acme.test/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decode[map[string]string](t, rec)["sessionId"]
	require.Equal(t, 1, env.scrapeQ.Len())

	rec = env.do(t, http.MethodGet, "/session/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[sessionResponse](t, rec)
	require.Equal(t, "scraping", session.Status)
	require.Nil(t, session.Content)

	rec = env.do(t, http.MethodPost, "/session/"+sessionID+"/question", `{"question":"Too early?"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, env.answerQ.Len())

	questions, err := env.store.ListQuestions(context.Background(), sessionID)
	require.NoError(t, err)
	require.Empty(t, questions)
}

func TestServer_QuestionValidationAndNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, false)

	rec := env.do(t, http.MethodGet, "/session/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Session not found", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/session/missing/question", `{"question":"Hello?"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/session/missing/question", `{"question":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Question is required", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/session/missing/question/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "Question not found", decode[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/session/missing/questions", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_QuestionScopedToSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, true)
	first := decode[map[string]string](t, env.do(t, http.MethodPost, "/session", `{"url":"https://a.test/"}`))["sessionId"]
	second := decode[map[string]string](t, env.do(t, http.MethodPost, "/session", `{"url":"https://b.test/"}`))["sessionId"]
	env.waitSession(t, "", first, qa.SessionReady)

	rec := env.do(t, http.MethodPost, "/session/"+first+"/question", `{"question":"Hi?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	questionID := decode[map[string]string](t, rec)["questionId"]

	rec = env.do(t, http.MethodGet, "/session/"+second+"/question/"+questionID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EnqueueFailureIs500(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, false)
	require.NoError(t, env.scrapeQ.Close())

	rec := env.do(t, http.MethodPost, "/session", `{"url":"https://acme.test/"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode[map[string]string](t, rec)
	require.Equal(t, "Failed to create session", body["error"])
	require.NotEmpty(t, body["details"])
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	healthy := newTestEnv(t, config.Config{}, false, pingFunc(func(context.Context) error { return nil }))
	require.Equal(t, http.StatusOK, healthy.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, healthy.do(t, http.MethodGet, "/health", "").Code)
	require.Equal(t, http.StatusOK, healthy.do(t, http.MethodGet, "/readyz", "").Code)

	metrics := healthy.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "http_requests_total")

	down := newTestEnv(t, config.Config{}, false, pingFunc(func(context.Context) error { return errors.New("db down") }))
	require.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	env := newTestEnv(t, cfg, false)

	rec := env.do(t, http.MethodPost, "/session", `{"url":"https://acme.test/"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewBufferString(`{"url":"https://acme.test/"}`))
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestToQuestionResponsePending(t *testing.T) {
	t.Parallel()

	resp := toQuestionResponse(qa.Question{ID: "q", SessionID: "s", Question: "?", Status: qa.QuestionPending})
	require.Nil(t, resp.Answer)
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"answer":null`)
	require.Contains(t, string(raw), `"sessionId":"s"`)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeFetcher struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) FetchContent(_ context.Context, url string) (qa.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return qa.Content{}, f.err
	}
	return qa.Content{URL: url, Text: f.text}, nil
}

type fakeGenerator struct {
	mu     sync.Mutex
	answer string
	err    error
}

func (g *fakeGenerator) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGenerator) Answer(context.Context, string, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.answer, g.err
}
