package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// QuestionManager creates questions and drives them to a terminal state.
type QuestionManager struct {
	sessions       qa.SessionStore
	questions      qa.QuestionStore
	queue          qa.Queue
	ids            qa.IDGenerator
	clock          qa.Clock
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// NewQuestionManager wires a QuestionManager. queue receives answer jobs.
func NewQuestionManager(
	sessions qa.SessionStore,
	questions qa.QuestionStore,
	queue qa.Queue,
	ids qa.IDGenerator,
	clock qa.Clock,
	enqueueTimeout time.Duration,
	logger *zap.Logger,
) *QuestionManager {
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionManager{
		sessions:       sessions,
		questions:      questions,
		queue:          queue,
		ids:            ids,
		clock:          clock,
		enqueueTimeout: enqueueTimeout,
		logger:         logger.Named("questions"),
	}
}

// CreateQuestion accepts a question against a ready session and enqueues an
// answer job that carries the session content by value.
func (m *QuestionManager) CreateQuestion(ctx context.Context, sessionID, text string) (qa.Question, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return qa.Question{}, &qa.ValidationError{Field: "question", Message: "Question is required"}
	}
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return qa.Question{}, fmt.Errorf("get session: %w", err)
	}
	if session.Status != qa.SessionReady || session.Content == nil {
		return qa.Question{}, &qa.SessionNotReadyError{SessionID: sessionID, Status: session.Status}
	}
	id, err := m.ids.NewID()
	if err != nil {
		return qa.Question{}, fmt.Errorf("generate question id: %w", err)
	}
	question := qa.Question{
		ID:        id,
		SessionID: sessionID,
		Question:  text,
		Status:    qa.QuestionPending,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.questions.CreateQuestion(ctx, question); err != nil {
		return qa.Question{}, fmt.Errorf("create question: %w", err)
	}
	telemetry.ObserveQuestion(string(qa.QuestionPending))

	enqueueCtx, cancel := context.WithTimeout(ctx, m.enqueueTimeout)
	defer cancel()
	job := qa.NewAnswerJob(qa.AnswerJob{QuestionID: id, Content: *session.Content, Question: text})
	if err := m.queue.Enqueue(enqueueCtx, job); err != nil {
		m.logger.Error("answer job not enqueued; question will stay pending",
			zap.String("question_id", id),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return qa.Question{}, fmt.Errorf("enqueue answer job: %w", err)
	}
	m.logger.Info("question created", zap.String("question_id", id), zap.String("session_id", sessionID))
	return question, nil
}

// GetQuestion returns a question scoped to sessionID. A question that belongs
// to another session is reported as not found.
func (m *QuestionManager) GetQuestion(ctx context.Context, sessionID, questionID string) (qa.Question, error) {
	question, err := m.questions.GetQuestion(ctx, questionID)
	if err != nil {
		return qa.Question{}, fmt.Errorf("get question: %w", err)
	}
	if sessionID != "" && question.SessionID != sessionID {
		return qa.Question{}, &qa.NotFoundError{Entity: "question", ID: questionID}
	}
	return question, nil
}

// ListQuestions returns every question asked against an existing session.
func (m *QuestionManager) ListQuestions(ctx context.Context, sessionID string) ([]qa.Question, error) {
	if _, err := m.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	questions, err := m.questions.ListQuestions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return questions, nil
}

// BeginProcessing moves a pending question to processing. A question already
// processing is taken over by the caller (redelivery after a crash). Terminal
// questions yield an error matching qa.ErrAlreadyTerminal.
func (m *QuestionManager) BeginProcessing(ctx context.Context, id string) error {
	err := m.questions.MarkProcessing(ctx, id)
	if err == nil {
		telemetry.ObserveQuestion(string(qa.QuestionProcessing))
		return nil
	}
	var terr *qa.TransitionError
	if errors.As(err, &terr) && terr.From == string(qa.QuestionProcessing) {
		m.logger.Warn("taking over question left in processing", zap.String("question_id", id))
		return nil
	}
	return fmt.Errorf("begin processing: %w", err)
}

// CompleteAnswer records a generated answer. A repeat is a no-op.
func (m *QuestionManager) CompleteAnswer(ctx context.Context, id, answer string) error {
	return m.finish(ctx, id, qa.AnswerOK(answer))
}

// FailAnswer records why an answer could not be produced. A repeat is a no-op.
func (m *QuestionManager) FailAnswer(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, qa.AnswerErr(reason))
}

func (m *QuestionManager) finish(ctx context.Context, id string, result qa.AnswerResult) error {
	target := result.Status()
	err := m.questions.FinishAnswer(ctx, id, result)
	if err == nil {
		telemetry.ObserveQuestion(string(target))
		m.logger.Info("question finished", zap.String("question_id", id), zap.String("status", string(target)))
		return nil
	}
	var terr *qa.TransitionError
	if errors.As(err, &terr) && terr.From == string(target) {
		m.logger.Debug("duplicate answer outcome ignored", zap.String("question_id", id))
		return nil
	}
	return fmt.Errorf("finish answer: %w", err)
}
