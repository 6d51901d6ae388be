// Package api exposes the interview backend over HTTP: session lifecycle,
// message append with idempotent retries, transcript reads, and a
// server-sent-events stream of per-session notifications.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avress/interviewd/internal/evaluate"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/limits"
	"github.com/avress/interviewd/internal/message"
	"github.com/avress/interviewd/internal/session"
	"github.com/avress/interviewd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Sessions  *session.Service
	Messages  *message.Service
	Evaluator *evaluate.Service
	Hub       *events.Hub
	Token     string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireUser)

		r.Post("/v1/sessions", handleCreateSession(deps))
		r.Get("/v1/sessions", handleListSessions(deps))
		r.Get("/v1/sessions/{id}", handleGetSession(deps))
		r.Post("/v1/sessions/{id}/complete", handleCompleteSession(deps))
		r.Post("/v1/sessions/{id}/abort", handleAbortSession(deps))
		r.Post("/v1/sessions/{id}/evaluate", handleEvaluateSession(deps))
		r.Get("/v1/sessions/{id}/messages", handleListMessages(deps))
		r.Post("/v1/sessions/{id}/messages", handleAppendMessage(deps))
		r.Get("/v1/sessions/{id}/events", handleSessionEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// domainError maps service-layer failures onto the HTTP error taxonomy.
func domainError(w http.ResponseWriter, err error) {
	var limitErr *limits.LimitExceededError
	switch {
	case errors.As(err, &limitErr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message":      limitErr.Error(),
				"type":         "message_limit_exceeded",
				"messageLimit": limitErr.Limit,
				"messageCount": limitErr.Count,
				"tier":         limitErr.Tier,
			},
		})
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrInvalidState):
		httpError(w, http.StatusConflict, "invalid_state", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// sessionResponse is the wire shape for a session.
type sessionResponse struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	InterviewType   string              `json:"interviewType"`
	ExperienceYears int                 `json:"experienceYears"`
	JobDescription  string              `json:"jobDescription,omitempty"`
	Status          string              `json:"status"`
	CreatedAt       time.Time           `json:"createdAt"`
	EndedAt         *time.Time          `json:"endedAt,omitempty"`
	Evaluation      *evaluationResponse `json:"evaluation,omitempty"`
}

type evaluationResponse struct {
	OverallScore   float64   `json:"overallScore"`
	Knowledge      int       `json:"knowledge"`
	Communication  int       `json:"communication"`
	ProblemSolving int       `json:"problemSolving"`
	TechnicalDepth int       `json:"technicalDepth"`
	Feedback       string    `json:"feedback"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func toSessionResponse(sess storage.Session) sessionResponse {
	resp := sessionResponse{
		ID:              sess.ID,
		Title:           sess.Title,
		InterviewType:   sess.InterviewType,
		ExperienceYears: sess.ExperienceYears,
		JobDescription:  sess.JobDescription,
		Status:          sess.Status,
		CreatedAt:       sess.CreatedAt,
		EndedAt:         sess.EndedAt,
	}
	if sess.Evaluation != nil {
		resp.Evaluation = toEvaluationResponse(*sess.Evaluation)
	}
	return resp
}

func toEvaluationResponse(ev storage.Evaluation) *evaluationResponse {
	return &evaluationResponse{
		OverallScore:   ev.Score,
		Knowledge:      ev.Knowledge,
		Communication:  ev.Communication,
		ProblemSolving: ev.ProblemSolving,
		TechnicalDepth: ev.TechnicalDepth,
		Feedback:       ev.Feedback,
		EvaluatedAt:    ev.EvaluatedAt,
	}
}

func toMessageResponse(m storage.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		Role:      m.Role,
		Status:    m.Status,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
