package qa

import (
	"errors"
	"fmt"
)

// JobKind names one of the two asynchronous job types.
type JobKind string

// Supported job kinds.
const (
	JobScrape JobKind = "scrape"
	JobAnswer JobKind = "answer"
)

// ScrapeJob asks a worker to fetch a session's URL.
type ScrapeJob struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// AnswerJob asks a worker to answer a question. Content is captured by value
// when the question is created.
type AnswerJob struct {
	QuestionID string `json:"questionId"`
	Content    string `json:"content"`
	Question   string `json:"question"`
}

// Job is the envelope carried by queues. Exactly one payload is set and it
// matches Kind.
type Job struct {
	Kind   JobKind    `json:"kind"`
	Scrape *ScrapeJob `json:"scrape,omitempty"`
	Answer *AnswerJob `json:"answer,omitempty"`
}

// NewScrapeJob wraps a scrape payload.
func NewScrapeJob(p ScrapeJob) Job {
	return Job{Kind: JobScrape, Scrape: &p}
}

// NewAnswerJob wraps an answer payload.
func NewAnswerJob(p AnswerJob) Job {
	return Job{Kind: JobAnswer, Answer: &p}
}

// Validate checks the envelope shape.
func (j Job) Validate() error {
	switch j.Kind {
	case JobScrape:
		if j.Scrape == nil || j.Answer != nil {
			return errors.New("scrape job requires only a scrape payload")
		}
		if j.Scrape.SessionID == "" || j.Scrape.URL == "" {
			return errors.New("scrape job requires sessionId and url")
		}
	case JobAnswer:
		if j.Answer == nil || j.Scrape != nil {
			return errors.New("answer job requires only an answer payload")
		}
		if j.Answer.QuestionID == "" {
			return errors.New("answer job requires questionId")
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return nil
}

// EntityID returns the id of the session or question the job mutates.
func (j Job) EntityID() string {
	switch j.Kind {
	case JobScrape:
		if j.Scrape != nil {
			return j.Scrape.SessionID
		}
	case JobAnswer:
		if j.Answer != nil {
			return j.Answer.QuestionID
		}
	}
	return ""
}
