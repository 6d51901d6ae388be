package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

type appendMessageRequest struct {
	Content string `json:"content"`
}

type appendMessageResponse struct {
	UserMessageID        string `json:"userMessageId"`
	InterviewerMessageID string `json:"interviewerMessageId"`
	Status               string `json:"status"`
}

// handleAppendMessage accepts a user turn. The optional Idempotency-Key
// header makes retries safe: a replayed request returns the original pair of
// message ids with 200 instead of 202.
func handleAppendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req appendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		sessionID := chi.URLParam(r, "id")
		result, err := deps.Messages.Append(r.Context(), sessionID, requestUserID(r), req.Content, r.Header.Get("Idempotency-Key"))
		if err != nil {
			domainError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, appendMessageResponse{
			UserMessageID:        result.UserMessageID,
			InterviewerMessageID: result.InterviewerMessageID,
			Status:               "accepted",
		})
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 0, 500)

		var afterSeq int64
		if s := r.URL.Query().Get("after_seq"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "after_seq must be a non-negative integer")
				return
			}
			afterSeq = v
		}

		messages, err := deps.Messages.History(sessionID, requestUserID(r), afterSeq, limit)
		if err != nil {
			domainError(w, err)
			return
		}

		resp := make([]messageResponse, 0, len(messages))
		for _, m := range messages {
			resp = append(resp, toMessageResponse(m))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
