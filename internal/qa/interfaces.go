package qa

import (
	"context"
	"io"
	"time"
)

// SessionStore persists sessions. FinishScrape is a guarded update: it only
// succeeds while the session is still scraping and otherwise returns a
// *TransitionError (or *NotFoundError).
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	FinishScrape(ctx context.Context, id string, outcome ScrapeOutcome) error
}

// QuestionStore persists questions with the same guarded-update contract.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, question Question) error
	GetQuestion(ctx context.Context, id string) (Question, error)
	ListQuestions(ctx context.Context, sessionID string) ([]Question, error)
	MarkProcessing(ctx context.Context, id string) error
	FinishAnswer(ctx context.Context, id string, result AnswerResult) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	SessionStore
	QuestionStore
	Ping(ctx context.Context) error
	Close()
}

// Delivery is one at-least-once delivery of a Job. Ack after the terminal
// write; Nack to have the job redelivered.
type Delivery interface {
	Job() Job
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Queue carries jobs from producers to workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

// PageFetcher retrieves raw markup for a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ContentFetcher reduces a URL to a bounded plain-text excerpt.
type ContentFetcher interface {
	FetchContent(ctx context.Context, url string) (Content, error)
}

// Generator answers a question from text context.
type Generator interface {
	Answer(ctx context.Context, content, question string) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests used to name archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() (string, error)
}
