// Package postgres provides the Postgres-backed session and question store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sukta/internal/id/uuid"
	"github.com/JakeFAU/sukta/internal/qa"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	SessionsTable   string
	QuestionsTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements qa.Store on Postgres. Terminal writes are conditional
// UPDATEs keyed on the expected pre-state, so concurrent workers race safely.
type Store struct {
	pool      pool
	sessions  string
	questions string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.SessionsTable, cfg.QuestionsTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, sessionsTable, questionsTable string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if sessionsTable == "" {
		sessionsTable = "sessions"
	}
	if questionsTable == "" {
		questionsTable = "questions"
	}
	for _, table := range []string{sessionsTable, questionsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: p, sessions: sessionsTable, questions: questionsTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session qa.Session) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, content, status, error, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.sessions)
	if _, err := s.pool.Exec(ctx, query,
		session.ID,
		session.URL,
		session.Content,
		string(session.Status),
		session.Error,
		session.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session row.
func (s *Store) GetSession(ctx context.Context, id string) (qa.Session, error) {
	if !uuid.Valid(id) {
		return qa.Session{}, &qa.NotFoundError{Entity: "session", ID: id}
	}
	query := fmt.Sprintf(`
SELECT id::text, url, content, status, error, created_at
FROM %s WHERE id = $1`, s.sessions)
	var (
		session qa.Session
		status  string
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&session.ID,
		&session.URL,
		&session.Content,
		&status,
		&session.Error,
		&session.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return qa.Session{}, &qa.NotFoundError{Entity: "session", ID: id}
	}
	if err != nil {
		return qa.Session{}, fmt.Errorf("select session: %w", err)
	}
	if session.Status, err = qa.ParseSessionStatus(status); err != nil {
		return qa.Session{}, err
	}
	return session, nil
}

// FinishScrape applies outcome only while the session is still scraping.
func (s *Store) FinishScrape(ctx context.Context, id string, outcome qa.ScrapeOutcome) error {
	var content, reason *string
	if text, ok := outcome.Content(); ok {
		content = &text
	}
	if msg, failed := outcome.Reason(); failed {
		reason = &msg
	}
	next := outcome.Status()
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, content = $3, error = $4
WHERE id = $1 AND status = $5`, s.sessions)
	tag, err := s.pool.Exec(ctx, query, id, string(next), content, reason, string(qa.SessionScraping))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return &qa.TransitionError{
		Entity:   "session",
		ID:       id,
		From:     string(current.Status),
		To:       string(next),
		Terminal: current.Status.Terminal(),
	}
}

// CreateQuestion inserts a new question row.
func (s *Store) CreateQuestion(ctx context.Context, question qa.Question) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, session_id, question, answer, error, status, created_at)
VALUES ($1, $2, $3, NULL, NULL, $4, $5)`, s.questions)
	if _, err := s.pool.Exec(ctx, query,
		question.ID,
		question.SessionID,
		question.Question,
		string(question.Status),
		question.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &qa.NotFoundError{Entity: "session", ID: question.SessionID}
		}
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

const questionColumns = `id::text, session_id::text, question, answer, error, status, created_at`

// GetQuestion loads a question row.
func (s *Store) GetQuestion(ctx context.Context, id string) (qa.Question, error) {
	if !uuid.Valid(id) {
		return qa.Question{}, &qa.NotFoundError{Entity: "question", ID: id}
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, questionColumns, s.questions)
	question, err := scanQuestion(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return qa.Question{}, &qa.NotFoundError{Entity: "question", ID: id}
	}
	if err != nil {
		return qa.Question{}, fmt.Errorf("select question: %w", err)
	}
	return question, nil
}

// ListQuestions returns a session's questions oldest first.
func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]qa.Question, error) {
	out := make([]qa.Question, 0)
	if !uuid.Valid(sessionID) {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = $1 ORDER BY created_at, id`,
		questionColumns, s.questions)
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		question, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, question)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// MarkProcessing moves a pending question into processing.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = $3`, s.questions)
	tag, err := s.pool.Exec(ctx, query, id, string(qa.QuestionProcessing), string(qa.QuestionPending))
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.questionConflict(ctx, id, qa.QuestionProcessing)
}

// FinishAnswer records result only while the question is processing.
func (s *Store) FinishAnswer(ctx context.Context, id string, result qa.AnswerResult) error {
	var answer, reason *string
	if text, ok := result.Answer(); ok {
		answer = &text
	}
	if msg, failed := result.Failure(); failed {
		reason = &msg
	}
	next := result.Status()
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, answer = $3, error = $4
WHERE id = $1 AND status = $5`, s.questions)
	tag, err := s.pool.Exec(ctx, query, id, string(next), answer, reason, string(qa.QuestionProcessing))
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.questionConflict(ctx, id, next)
}

func (s *Store) questionConflict(ctx context.Context, id string, next qa.QuestionStatus) error {
	current, err := s.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	return &qa.TransitionError{
		Entity:   "question",
		ID:       id,
		From:     string(current.Status),
		To:       string(next),
		Terminal: current.Status.Terminal(),
	}
}

func scanQuestion(row pgx.Row) (qa.Question, error) {
	var (
		question      qa.Question
		answer, cause *string
		status        string
	)
	if err := row.Scan(
		&question.ID,
		&question.SessionID,
		&question.Question,
		&answer,
		&cause,
		&status,
		&question.CreatedAt,
	); err != nil {
		return qa.Question{}, err
	}
	parsed, err := qa.ParseQuestionStatus(status)
	if err != nil {
		return qa.Question{}, err
	}
	question.Status = parsed
	switch {
	case parsed == qa.QuestionCompleted && answer != nil:
		r := qa.AnswerOK(*answer)
		question.Result = &r
	case parsed == qa.QuestionFailed:
		msg := ""
		if cause != nil {
			msg = *cause
		}
		r := qa.AnswerErr(msg)
		question.Result = &r
	}
	return question, nil
}
