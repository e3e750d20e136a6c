// Package lifecycle owns the session and question state machines. All status
// changes go through the managers here; stores only enforce the guard.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// DefaultEnqueueTimeout bounds how long a request waits on the queue.
const DefaultEnqueueTimeout = 5 * time.Second

// SessionManager creates sessions and records scrape outcomes.
type SessionManager struct {
	store          qa.SessionStore
	queue          qa.Queue
	ids            qa.IDGenerator
	clock          qa.Clock
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// NewSessionManager wires a SessionManager. queue receives scrape jobs.
func NewSessionManager(
	store qa.SessionStore,
	queue qa.Queue,
	ids qa.IDGenerator,
	clock qa.Clock,
	enqueueTimeout time.Duration,
	logger *zap.Logger,
) *SessionManager {
	if enqueueTimeout <= 0 {
		enqueueTimeout = DefaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		store:          store,
		queue:          queue,
		ids:            ids,
		clock:          clock,
		enqueueTimeout: enqueueTimeout,
		logger:         logger.Named("sessions"),
	}
}

// CreateSession validates rawURL, persists a scraping session, and enqueues
// exactly one scrape job for it.
func (m *SessionManager) CreateSession(ctx context.Context, rawURL string) (qa.Session, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return qa.Session{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return qa.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	session := qa.Session{
		ID:        id,
		URL:       target,
		Status:    qa.SessionScraping,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return qa.Session{}, fmt.Errorf("create session: %w", err)
	}
	telemetry.ObserveSession(string(qa.SessionScraping))

	enqueueCtx, cancel := context.WithTimeout(ctx, m.enqueueTimeout)
	defer cancel()
	job := qa.NewScrapeJob(qa.ScrapeJob{SessionID: id, URL: target})
	if err := m.queue.Enqueue(enqueueCtx, job); err != nil {
		m.logger.Error("scrape job not enqueued; session will stay scraping",
			zap.String("session_id", id),
			zap.String("url", target),
			zap.Error(err),
		)
		return qa.Session{}, fmt.Errorf("enqueue scrape job: %w", err)
	}
	m.logger.Info("session created", zap.String("session_id", id), zap.String("url", target))
	return session, nil
}

// GetSession returns the stored session.
func (m *SessionManager) GetSession(ctx context.Context, id string) (qa.Session, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return qa.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// CompleteScrape moves a scraping session to ready with content. A repeat
// against an already-ready session is a no-op.
func (m *SessionManager) CompleteScrape(ctx context.Context, id, content string) error {
	return m.finish(ctx, id, qa.ScrapeSucceeded(content))
}

// FailScrape moves a scraping session to failed with reason. A repeat against
// an already-failed session is a no-op.
func (m *SessionManager) FailScrape(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, qa.ScrapeFailed(reason))
}

func (m *SessionManager) finish(ctx context.Context, id string, outcome qa.ScrapeOutcome) error {
	target := outcome.Status()
	err := m.store.FinishScrape(ctx, id, outcome)
	if err == nil {
		telemetry.ObserveSession(string(target))
		m.logger.Info("session finished", zap.String("session_id", id), zap.String("status", string(target)))
		return nil
	}
	var terr *qa.TransitionError
	if errors.As(err, &terr) && terr.From == string(target) {
		m.logger.Debug("duplicate scrape outcome ignored", zap.String("session_id", id), zap.String("status", terr.From))
		return nil
	}
	return fmt.Errorf("finish scrape: %w", err)
}

// ValidateURL accepts absolute http(s) URLs and returns the trimmed form.
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &qa.ValidationError{Field: "url", Message: "URL is required"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &qa.ValidationError{Field: "url", Message: "URL is malformed"}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", &qa.ValidationError{Field: "url", Message: "URL must be an absolute http or https URL"}
	}
	return trimmed, nil
}
