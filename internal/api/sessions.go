package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/avress/interviewd/internal/session"
)

type createSessionRequest struct {
	Title           string `json:"title"`
	InterviewType   string `json:"interviewType"`
	ExperienceYears int    `json:"experienceYears"`
	JobDescription  string `json:"jobDescription"`
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.InterviewType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "interviewType is required")
			return
		}

		sess, err := deps.Sessions.Create(requestUserID(r), session.CreateParams{
			Title:           req.Title,
			InterviewType:   req.InterviewType,
			ExperienceYears: req.ExperienceYears,
			JobDescription:  req.JobDescription,
		})
		if err != nil {
			domainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSessionResponse(sess))
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		sessions, err := deps.Sessions.List(requestUserID(r), limit)
		if err != nil {
			domainError(w, err)
			return
		}

		resp := make([]sessionResponse, 0, len(sessions))
		for _, sess := range sessions {
			resp = append(resp, toSessionResponse(sess))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Get(chi.URLParam(r, "id"), requestUserID(r))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
	}
}

func handleCompleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Complete(chi.URLParam(r, "id"), requestUserID(r))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
	}
}

func handleAbortSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Abort(chi.URLParam(r, "id"), requestUserID(r))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponse(sess))
	}
}

func handleEvaluateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := deps.Evaluator.Evaluate(r.Context(), chi.URLParam(r, "id"), requestUserID(r))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toEvaluationResponse(ev))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
