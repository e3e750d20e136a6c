package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/sukta/internal/qa"
)

// Store provides an in-memory implementation of qa.Store for development/testing.
// Guarded transitions are checked under the write lock, so concurrent writers
// observe the same compare-and-set semantics as the Postgres store.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]qa.Session
	questions map[string]qa.Question
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]qa.Session),
		questions: make(map[string]qa.Question),
	}
}

// CreateSession stores a new session.
func (s *Store) CreateSession(_ context.Context, session qa.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %q already exists", session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(_ context.Context, id string) (qa.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return qa.Session{}, &qa.NotFoundError{Entity: "session", ID: id}
	}
	return cloneSession(session), nil
}

// FinishScrape moves a scraping session into the outcome's terminal status.
func (s *Store) FinishScrape(_ context.Context, id string, outcome qa.ScrapeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return &qa.NotFoundError{Entity: "session", ID: id}
	}
	next := outcome.Status()
	if !session.Status.CanTransitionTo(next) {
		return &qa.TransitionError{
			Entity:   "session",
			ID:       id,
			From:     string(session.Status),
			To:       string(next),
			Terminal: session.Status.Terminal(),
		}
	}
	outcome.Apply(&session)
	s.sessions[id] = session
	return nil
}

// CreateQuestion stores a new question.
func (s *Store) CreateQuestion(_ context.Context, question qa.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.questions[question.ID]; exists {
		return fmt.Errorf("question %q already exists", question.ID)
	}
	if _, ok := s.sessions[question.SessionID]; !ok {
		return &qa.NotFoundError{Entity: "session", ID: question.SessionID}
	}
	s.questions[question.ID] = cloneQuestion(question)
	return nil
}

// GetQuestion fetches a question by ID.
func (s *Store) GetQuestion(_ context.Context, id string) (qa.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	question, ok := s.questions[id]
	if !ok {
		return qa.Question{}, &qa.NotFoundError{Entity: "question", ID: id}
	}
	return cloneQuestion(question), nil
}

// ListQuestions returns the session's questions oldest first.
func (s *Store) ListQuestions(_ context.Context, sessionID string) ([]qa.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qa.Question, 0)
	for _, q := range s.questions {
		if q.SessionID == sessionID {
			out = append(out, cloneQuestion(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkProcessing moves a pending question into processing.
func (s *Store) MarkProcessing(_ context.Context, id string) error {
	return s.transitionQuestion(id, qa.QuestionProcessing, nil)
}

// FinishAnswer records the result of a processing question.
func (s *Store) FinishAnswer(_ context.Context, id string, result qa.AnswerResult) error {
	return s.transitionQuestion(id, result.Status(), &result)
}

func (s *Store) transitionQuestion(id string, next qa.QuestionStatus, result *qa.AnswerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	question, ok := s.questions[id]
	if !ok {
		return &qa.NotFoundError{Entity: "question", ID: id}
	}
	if !question.Status.CanTransitionTo(next) {
		return &qa.TransitionError{
			Entity:   "question",
			ID:       id,
			From:     string(question.Status),
			To:       string(next),
			Terminal: question.Status.Terminal(),
		}
	}
	question.Status = next
	if result != nil {
		r := *result
		question.Result = &r
	}
	s.questions[id] = question
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func cloneSession(in qa.Session) qa.Session {
	out := in
	if in.Content != nil {
		c := *in.Content
		out.Content = &c
	}
	if in.Error != nil {
		e := *in.Error
		out.Error = &e
	}
	return out
}

func cloneQuestion(in qa.Question) qa.Question {
	out := in
	if in.Result != nil {
		r := *in.Result
		out.Result = &r
	}
	return out
}
