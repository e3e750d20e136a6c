// Package qa defines the core types shared by the session and question pipeline.
package qa

import (
	"fmt"
	"net/http"
	"time"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

// Session status values persisted in the store.
const (
	SessionScraping SessionStatus = "scraping"
	SessionReady    SessionStatus = "ready"
	SessionFailed   SessionStatus = "failed"
)

// ParseSessionStatus converts a stored value back into a SessionStatus.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch s := SessionStatus(raw); s {
	case SessionScraping, SessionReady, SessionFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown session status %q", raw)
	}
}

// Terminal reports whether no further transition may leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionReady, SessionFailed:
		return true
	case SessionScraping:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionScraping:
		return next == SessionReady || next == SessionFailed
	case SessionReady, SessionFailed:
		return false
	default:
		return false
	}
}

// QuestionStatus is the lifecycle state of a Question.
type QuestionStatus string

// Question status values persisted in the store.
const (
	QuestionPending    QuestionStatus = "pending"
	QuestionProcessing QuestionStatus = "processing"
	QuestionCompleted  QuestionStatus = "completed"
	QuestionFailed     QuestionStatus = "failed"
)

// ParseQuestionStatus converts a stored value back into a QuestionStatus.
func ParseQuestionStatus(raw string) (QuestionStatus, error) {
	switch s := QuestionStatus(raw); s {
	case QuestionPending, QuestionProcessing, QuestionCompleted, QuestionFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown question status %q", raw)
	}
}

// Terminal reports whether no further transition may leave s.
func (s QuestionStatus) Terminal() bool {
	switch s {
	case QuestionCompleted, QuestionFailed:
		return true
	case QuestionPending, QuestionProcessing:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// processing is entered exactly once and only from pending.
func (s QuestionStatus) CanTransitionTo(next QuestionStatus) bool {
	switch s {
	case QuestionPending:
		return next == QuestionProcessing
	case QuestionProcessing:
		return next == QuestionCompleted || next == QuestionFailed
	case QuestionCompleted, QuestionFailed:
		return false
	default:
		return false
	}
}

// Session is a URL-bound unit of scraped context.
type Session struct {
	ID        string
	URL       string
	Content   *string
	Status    SessionStatus
	Error     *string
	CreatedAt time.Time
}

// Question is a user query scoped to one ready Session.
type Question struct {
	ID        string
	SessionID string
	Question  string
	Status    QuestionStatus
	Result    *AnswerResult
	CreatedAt time.Time
}

// ScrapeOutcome carries either extracted content or a failure reason.
type ScrapeOutcome struct {
	content string
	reason  string
	ok      bool
}

// ScrapeSucceeded builds a successful outcome.
func ScrapeSucceeded(content string) ScrapeOutcome {
	return ScrapeOutcome{content: content, ok: true}
}

// ScrapeFailed builds a failed outcome.
func ScrapeFailed(reason string) ScrapeOutcome {
	return ScrapeOutcome{reason: reason}
}

// Status returns the terminal status this outcome moves a session into.
func (o ScrapeOutcome) Status() SessionStatus {
	if o.ok {
		return SessionReady
	}
	return SessionFailed
}

// Content returns the extracted text when the scrape succeeded.
func (o ScrapeOutcome) Content() (string, bool) {
	return o.content, o.ok
}

// Reason returns the failure message when the scrape failed.
func (o ScrapeOutcome) Reason() (string, bool) {
	return o.reason, !o.ok
}

// Apply writes the outcome onto s, keeping status and payload consistent.
func (o ScrapeOutcome) Apply(s *Session) {
	s.Status = o.Status()
	if o.ok {
		content := o.content
		s.Content = &content
		s.Error = nil
		return
	}
	reason := o.reason
	s.Error = &reason
	s.Content = nil
}

// AnswerResult is Ok(text) or Err(message).
type AnswerResult struct {
	text string
	err  string
	ok   bool
}

// AnswerOK builds a successful result.
func AnswerOK(text string) AnswerResult {
	return AnswerResult{text: text, ok: true}
}

// AnswerErr builds a failed result.
func AnswerErr(message string) AnswerResult {
	return AnswerResult{err: message}
}

// Status returns the terminal status this result moves a question into.
func (r AnswerResult) Status() QuestionStatus {
	if r.ok {
		return QuestionCompleted
	}
	return QuestionFailed
}

// Answer returns the generated text when the result is Ok.
func (r AnswerResult) Answer() (string, bool) {
	return r.text, r.ok
}

// Failure returns the error message when the result is Err.
func (r AnswerResult) Failure() (string, bool) {
	return r.err, !r.ok
}

// FetchRequest captures everything a PageFetcher needs to retrieve a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result returned by a PageFetcher.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Content is the bounded plain-text excerpt of a page plus the markup it came from.
type Content struct {
	URL          string
	Text         string
	HTML         []byte
	UsedHeadless bool
}
