// Package evaluate scores a finished interview. It builds a transcript from
// the session's messages, asks the generation backend for structured scores,
// and persists them on the session.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avress/interviewd/internal/session"
	"github.com/avress/interviewd/internal/storage"
)

// Completer is a single-shot prompt/response call against the generation
// backend. Implemented by *openrouter.Client.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Store is the slice of the storage layer the evaluator needs.
// Implemented by *storage.Store.
type Store interface {
	GetUserSession(id, userID string) (storage.Session, error)
	MessagesBySession(sessionID string) ([]storage.Message, error)
	UpdateSessionEvaluation(id string, ev storage.Evaluation) error
}

type Service struct {
	store     Store
	completer Completer
	logger    *slog.Logger
}

func NewService(store Store, completer Completer) *Service {
	return &Service{store: store, completer: completer, logger: slog.Default()}
}

// scores is the JSON shape the model is asked to return.
type scores struct {
	OverallScore   float64 `json:"overallScore"`
	Knowledge      int     `json:"knowledge"`
	Communication  int     `json:"communication"`
	ProblemSolving int     `json:"problemSolving"`
	TechnicalDepth int     `json:"technicalDepth"`
	Feedback       string  `json:"feedback"`
}

// Evaluate scores the session and persists the result. Only finished
// sessions can be evaluated; a session that already carries scores returns
// them unchanged, so retried requests are harmless.
func (s *Service) Evaluate(ctx context.Context, sessionID, userID string) (storage.Evaluation, error) {
	sess, err := s.store.GetUserSession(sessionID, userID)
	if err != nil {
		return storage.Evaluation{}, err
	}
	if !sess.Terminal() {
		return storage.Evaluation{}, fmt.Errorf("%w: session is %s, finish it before evaluating", session.ErrInvalidState, sess.Status)
	}
	if sess.Evaluation != nil {
		return *sess.Evaluation, nil
	}

	messages, err := s.store.MessagesBySession(sessionID)
	if err != nil {
		return storage.Evaluation{}, err
	}

	var ev storage.Evaluation
	if transcript := buildTranscript(messages); transcript == "" {
		ev = storage.Evaluation{Feedback: "No conversation to evaluate."}
	} else {
		response, err := s.completer.Complete(ctx, systemPrompt(sess), userPrompt(sess, transcript))
		if err != nil {
			return storage.Evaluation{}, fmt.Errorf("requesting evaluation: %w", err)
		}
		parsed, err := parseScores(response)
		if err != nil {
			s.logger.Error("unparseable evaluation response", "session_id", sessionID, "error", err)
			return storage.Evaluation{}, fmt.Errorf("parsing evaluation: %w", err)
		}
		ev = storage.Evaluation{
			Score:          parsed.OverallScore,
			Knowledge:      parsed.Knowledge,
			Communication:  parsed.Communication,
			ProblemSolving: parsed.ProblemSolving,
			TechnicalDepth: parsed.TechnicalDepth,
			Feedback:       parsed.Feedback,
		}
	}
	ev.EvaluatedAt = time.Now().UTC()

	if err := s.store.UpdateSessionEvaluation(sessionID, ev); err != nil {
		return storage.Evaluation{}, fmt.Errorf("persisting evaluation: %w", err)
	}
	s.logger.Info("session evaluated", "session_id", sessionID, "score", ev.Score)
	return ev, nil
}

// buildTranscript renders non-empty messages as alternating labeled lines.
func buildTranscript(messages []storage.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		label := "Interviewer"
		if m.Role == storage.RoleUser {
			label = "Candidate"
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func experienceLevel(years int) string {
	switch {
	case years <= 1:
		return "junior"
	case years <= 3:
		return "mid-level"
	case years <= 6:
		return "senior"
	default:
		return "staff/principal"
	}
}

func systemPrompt(sess storage.Session) string {
	return fmt.Sprintf(`You are an expert technical interviewer evaluating a %s interview.
The candidate has %d years of experience (%s level).

Evaluate their responses considering their experience level.
Be fair but thorough. A junior should not be expected to answer like a senior.

Scoring guidelines:
- 0-30: Poor - Major gaps, incorrect answers
- 31-50: Below Average - Some understanding but significant gaps
- 51-70: Average - Adequate for experience level
- 71-85: Good - Strong understanding
- 86-100: Excellent - Exceptional performance

Provide actionable, specific feedback.`, sess.InterviewType, sess.ExperienceYears, experienceLevel(sess.ExperienceYears))
}

func userPrompt(sess storage.Session, transcript string) string {
	return fmt.Sprintf(`Please evaluate the following interview transcript and provide scores and feedback.

Interview Type: %s
Candidate Experience Level: %d years

Transcript:
%s

Provide your evaluation in the following JSON format:
{
    "overallScore": <number 0-10 with one decimal>,
    "knowledge": <integer 0-100>,
    "communication": <integer 0-100>,
    "problemSolving": <integer 0-100>,
    "technicalDepth": <integer 0-100>,
    "feedback": "<detailed feedback paragraph>"
}

Return ONLY the JSON, no other text.`, sess.InterviewType, sess.ExperienceYears, transcript)
}

// parseScores tolerates markdown code fences around the JSON body.
func parseScores(response string) (scores, error) {
	body := strings.TrimSpace(response)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var parsed scores
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return scores{}, err
	}
	return parsed, nil
}
