package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/logging"
	"github.com/JakeFAU/sukta/internal/qa"
)

type createSessionRequest struct {
	URL string `json:"url"`
}

type createQuestionRequest struct {
	Question string `json:"question"`
}

type sessionResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Content   *string   `json:"content"`
	Status    string    `json:"status"`
	Error     *string   `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}

type questionResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Question  string    `json:"question"`
	Answer    *string   `json:"answer"`
	Error     *string   `json:"error"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func toSessionResponse(s qa.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		URL:       s.URL,
		Content:   s.Content,
		Status:    string(s.Status),
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
	}
}

// toQuestionResponse renders the result union. Failed questions keep the
// "Error: " prefixed answer the web client displays, plus a separate error.
func toQuestionResponse(q qa.Question) questionResponse {
	resp := questionResponse{
		ID:        q.ID,
		SessionID: q.SessionID,
		Question:  q.Question,
		Status:    string(q.Status),
		CreatedAt: q.CreatedAt,
	}
	if q.Result == nil {
		return resp
	}
	if answer, ok := q.Result.Answer(); ok {
		resp.Answer = &answer
	}
	if msg, failed := q.Result.Failure(); failed {
		display := "Error: " + msg
		resp.Answer = &display
		resp.Error = &msg
	}
	return resp
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	session, err := s.sessions.CreateSession(r.Context(), req.URL)
	if err != nil {
		s.writeDomainError(w, r, err, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": session.ID})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err, "Failed to fetch session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) createQuestion(w http.ResponseWriter, r *http.Request) {
	var req createQuestionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	question, err := s.questions.CreateQuestion(r.Context(), chi.URLParam(r, "sessionId"), req.Question)
	if err != nil {
		s.writeDomainError(w, r, err, "Failed to create question")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"questionId": question.ID})
}

func (s *Server) getQuestion(w http.ResponseWriter, r *http.Request) {
	question, err := s.questions.GetQuestion(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "questionId"))
	if err != nil {
		s.writeDomainError(w, r, err, "Failed to fetch question")
		return
	}
	writeJSON(w, http.StatusOK, toQuestionResponse(question))
}

func (s *Server) listQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.questions.ListQuestions(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeDomainError(w, r, err, "Failed to fetch questions")
		return
	}
	out := make([]questionResponse, 0, len(questions))
	for _, q := range questions {
		out = append(out, toQuestionResponse(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": out})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return nil
}

// writeDomainError maps typed lifecycle errors onto status codes. Anything
// unrecognized is a 500 carrying fallback plus the error text as details.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var (
		validation *qa.ValidationError
		notFound   *qa.NotFoundError
		notReady   *qa.SessionNotReadyError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Message)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, entityLabel(notFound.Entity)+" not found")
	case errors.As(err, &notReady):
		writeError(w, http.StatusBadRequest, "Session not ready yet")
	default:
		logging.FromContext(r.Context(), s.logger).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback, "details": err.Error()})
	}
}

func entityLabel(entity string) string {
	if entity == "" {
		return "Resource"
	}
	return strings.ToUpper(entity[:1]) + entity[1:]
}
