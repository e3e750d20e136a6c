package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/clock/system"
	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/storage/memory"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newManagers(t *testing.T) (*SessionManager, *QuestionManager, *memory.Store, *recordingQueue) {
	t.Helper()
	store := memory.NewStore()
	queue := &recordingQueue{}
	ids := &sequenceIDs{}
	clock := system.Fixed{At: fixedNow}
	sessions := NewSessionManager(store, queue, ids, clock, time.Second, zap.NewNop())
	questions := NewQuestionManager(store, store, queue, ids, clock, time.Second, zap.NewNop())
	return sessions, questions, store, queue
}

func TestCreateSessionEnqueuesScrape(t *testing.T) {
	t.Parallel()

	sessions, _, _, queue := newManagers(t)
	session, err := sessions.CreateSession(context.Background(), "  https://example.com  ")
	require.NoError(t, err)
	require.Equal(t, qa.SessionScraping, session.Status)
	require.Equal(t, "https://example.com", session.URL)
	require.Equal(t, fixedNow, session.CreatedAt)
	require.Nil(t, session.Content)

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, qa.JobScrape, jobs[0].Kind)
	require.Equal(t, session.ID, jobs[0].Scrape.SessionID)
	require.Equal(t, "https://example.com", jobs[0].Scrape.URL)
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()

	sessions, _, _, queue := newManagers(t)
	for _, raw := range []string{"", "   ", "example.com", "ftp://example.com", "https://", "http//bad"} {
		_, err := sessions.CreateSession(context.Background(), raw)
		var verr *qa.ValidationError
		require.ErrorAs(t, err, &verr, raw)
		require.Equal(t, "url", verr.Field)
	}
	require.Empty(t, queue.Jobs())
}

func TestCreateSessionEnqueueFailure(t *testing.T) {
	t.Parallel()

	sessions, _, store, queue := newManagers(t)
	queue.err = errors.New("broker down")
	_, err := sessions.CreateSession(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "broker down")

	// the row is left scraping and visible
	_, getErr := store.GetSession(context.Background(), "id-1")
	require.NoError(t, getErr)
}

func TestCompleteScrapeIsIdempotent(t *testing.T) {
	t.Parallel()

	sessions, _, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)

	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "Example Domain"))
	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "different"))

	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, qa.SessionReady, got.Status)
	require.Equal(t, "Example Domain", *got.Content)

	err = sessions.FailScrape(ctx, session.ID, "late failure")
	require.ErrorIs(t, err, qa.ErrAlreadyTerminal)
}

func TestFailScrape(t *testing.T) {
	t.Parallel()

	sessions, _, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://nonexistent.invalid")
	require.NoError(t, err)

	require.NoError(t, sessions.FailScrape(ctx, session.ID, "Failed to scrape https://nonexistent.invalid: no such host"))
	require.NoError(t, sessions.FailScrape(ctx, session.ID, "again"))
	got, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, qa.SessionFailed, got.Status)
	require.Contains(t, *got.Error, "no such host")
	require.Nil(t, got.Content)

	require.ErrorIs(t, sessions.CompleteScrape(ctx, session.ID, "content"), qa.ErrAlreadyTerminal)

	var nf *qa.NotFoundError
	require.ErrorAs(t, sessions.FailScrape(ctx, "missing", "x"), &nf)
}

func TestCreateQuestionRequiresReadySession(t *testing.T) {
	t.Parallel()

	sessions, questions, _, queue := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)

	_, err = questions.CreateQuestion(ctx, session.ID, "What is this?")
	var notReady *qa.SessionNotReadyError
	require.ErrorAs(t, err, &notReady)
	require.Equal(t, qa.SessionScraping, notReady.Status)

	_, err = questions.CreateQuestion(ctx, "missing", "What?")
	var nf *qa.NotFoundError
	require.ErrorAs(t, err, &nf)

	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "Example Domain text"))

	_, err = questions.CreateQuestion(ctx, session.ID, "   ")
	var verr *qa.ValidationError
	require.ErrorAs(t, err, &verr)

	q, err := questions.CreateQuestion(ctx, session.ID, "What is this page about?")
	require.NoError(t, err)
	require.Equal(t, qa.QuestionPending, q.Status)
	require.Nil(t, q.Result)

	jobs := queue.Jobs()
	last := jobs[len(jobs)-1]
	require.Equal(t, qa.JobAnswer, last.Kind)
	require.Equal(t, q.ID, last.Answer.QuestionID)
	require.Equal(t, "Example Domain text", last.Answer.Content)
	require.Equal(t, "What is this page about?", last.Answer.Question)
}

func TestCreateQuestionAgainstFailedSession(t *testing.T) {
	t.Parallel()

	sessions, questions, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, sessions.FailScrape(ctx, session.ID, "boom"))

	_, err = questions.CreateQuestion(ctx, session.ID, "Anything?")
	var notReady *qa.SessionNotReadyError
	require.ErrorAs(t, err, &notReady)
	require.Equal(t, qa.SessionFailed, notReady.Status)
}

func TestQuestionLifecycle(t *testing.T) {
	t.Parallel()

	sessions, questions, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "content"))
	q, err := questions.CreateQuestion(ctx, session.ID, "Why?")
	require.NoError(t, err)

	require.NoError(t, questions.BeginProcessing(ctx, q.ID))
	// a redelivered job takes over a processing question
	require.NoError(t, questions.BeginProcessing(ctx, q.ID))
	require.NoError(t, questions.CompleteAnswer(ctx, q.ID, "Because."))
	require.NoError(t, questions.CompleteAnswer(ctx, q.ID, "Because."))
	require.ErrorIs(t, questions.BeginProcessing(ctx, q.ID), qa.ErrAlreadyTerminal)
	require.ErrorIs(t, questions.FailAnswer(ctx, q.ID, "late"), qa.ErrAlreadyTerminal)

	got, err := questions.GetQuestion(ctx, session.ID, q.ID)
	require.NoError(t, err)
	require.Equal(t, qa.QuestionCompleted, got.Status)
	text, ok := got.Result.Answer()
	require.True(t, ok)
	require.Equal(t, "Because.", text)

	list, err := questions.ListQuestions(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = questions.ListQuestions(ctx, "missing")
	var nf *qa.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCompleteAnswerRequiresProcessing(t *testing.T) {
	t.Parallel()

	sessions, questions, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "content"))
	q, err := questions.CreateQuestion(ctx, session.ID, "Why?")
	require.NoError(t, err)

	err = questions.CompleteAnswer(ctx, q.ID, "skipped processing")
	var terr *qa.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "pending", terr.From)
	require.False(t, errors.Is(err, qa.ErrAlreadyTerminal))
}

func TestGetQuestionScopedToSession(t *testing.T) {
	t.Parallel()

	sessions, questions, _, _ := newManagers(t)
	ctx := context.Background()
	a, err := sessions.CreateSession(ctx, "https://a.example.com")
	require.NoError(t, err)
	b, err := sessions.CreateSession(ctx, "https://b.example.com")
	require.NoError(t, err)
	require.NoError(t, sessions.CompleteScrape(ctx, a.ID, "a"))
	q, err := questions.CreateQuestion(ctx, a.ID, "Q?")
	require.NoError(t, err)

	_, err = questions.GetQuestion(ctx, b.ID, q.ID)
	var nf *qa.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "question", nf.Entity)

	_, err = questions.GetQuestion(ctx, a.ID, q.ID)
	require.NoError(t, err)
}

func TestFailAnswer(t *testing.T) {
	t.Parallel()

	sessions, questions, _, _ := newManagers(t)
	ctx := context.Background()
	session, err := sessions.CreateSession(ctx, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, sessions.CompleteScrape(ctx, session.ID, "content"))
	q, err := questions.CreateQuestion(ctx, session.ID, "Why?")
	require.NoError(t, err)
	require.NoError(t, questions.BeginProcessing(ctx, q.ID))
	require.NoError(t, questions.FailAnswer(ctx, q.ID, "AI processing failed: HTTP 401"))

	got, err := questions.GetQuestion(ctx, "", q.ID)
	require.NoError(t, err)
	require.Equal(t, qa.QuestionFailed, got.Status)
	msg, failed := got.Result.Failure()
	require.True(t, failed)
	require.Equal(t, "AI processing failed: HTTP 401", msg)
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []qa.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job qa.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (qa.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Jobs() []qa.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]qa.Job(nil), q.jobs...)
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}
