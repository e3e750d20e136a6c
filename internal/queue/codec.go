// Package queue holds the wire format shared by every queue backend.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/sukta/internal/qa"
)

// Default queue names, one per job kind.
const (
	DefaultScrapeQueue = "sukta-scrape"
	DefaultAnswerQueue = "sukta-questions"
)

// Envelope is the serialized form of a job plus its delivery attempt.
type Envelope struct {
	Attempt int    `json:"attempt"`
	Job     qa.Job `json:"job"`
}

// Encode validates job and serializes it with attempt.
func Encode(job qa.Job, attempt int) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	if attempt < 1 {
		attempt = 1
	}
	data, err := json.Marshal(Envelope{Attempt: attempt, Job: job})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if err := env.Job.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid job: %w", err)
	}
	if env.Attempt < 1 {
		env.Attempt = 1
	}
	return env, nil
}
