package generate

import (
	"fmt"
	"strings"
)

// maxHistoryTurns caps how much conversation history is replayed to the
// provider per request.
const maxHistoryTurns = 20

var interviewFocus = map[string]string{
	"behavioral": `You are an expert behavioral interviewer.
Ask questions about past experiences, problem-solving approaches, team
collaboration, and leadership. Use the STAR method to guide responses.`,

	"system_design": `You are an expert system design interviewer.
Ask the candidate to design realistic systems. Probe scalability, data
modeling, consistency trade-offs, failure handling, and capacity estimates.`,

	"oop": `You are an expert object-oriented programming interviewer.
Ask about design principles, composition versus inheritance, common patterns,
and refactoring of concrete code examples.`,

	"backend": `You are an expert backend engineering interviewer.
Ask about API design, persistence, transactions, caching, concurrency, and
operating services in production.`,

	"javascript_react": `You are an expert frontend interviewer for JavaScript and React.
Ask about language semantics, component design, state management, rendering
behavior, and performance.`,

	"fullstack": `You are an expert fullstack interviewer.
Alternate between frontend and backend topics: API contracts, data flow,
state management, persistence, and deployment.`,
}

const defaultFocus = `You are an expert technical interviewer.
Ask relevant questions and provide constructive feedback.`

// SystemPrompt builds the interviewer's system prompt for the given request.
// The focus section varies per interview type; level guidance and job
// context are shared.
func SystemPrompt(req Request) string {
	focus, ok := interviewFocus[normalizeType(req.InterviewType)]
	if !ok {
		focus = defaultFocus
	}

	var b strings.Builder
	b.WriteString(focus)
	b.WriteString("\n\n")
	b.WriteString(levelGuidance(req.ExperienceYears))

	if jd := strings.TrimSpace(req.JobDescription); jd != "" {
		fmt.Fprintf(&b, "\nThe candidate is interviewing for the following role. Anchor your questions in it:\n%s\n", jd)
	}

	b.WriteString(`
Vary your topics: ask no more than two questions on the same area before
moving on, so the interview assesses breadth as well as depth.
Ask ONE main question at a time.`)

	return b.String()
}

// normalizeType folds known interview-type aliases onto canonical focus
// keys. Framework-specific types share the broader focus they belong to.
func normalizeType(interviewType string) string {
	t := strings.ToLower(strings.TrimSpace(interviewType))
	switch t {
	case "springboot", "spring_boot":
		return "backend"
	}
	return t
}

func levelGuidance(years int) string {
	level := "staff/principal (8+ years)"
	switch {
	case years <= 2:
		level = "junior (0-2 years)"
	case years <= 4:
		level = "mid-level (2-4 years)"
	case years <= 8:
		level = "senior (5-8 years)"
	}
	return fmt.Sprintf(`The candidate has %d years of experience (%s).
Calibrate question difficulty to that level: fundamentals for juniors,
practical trade-offs for mid-level, architecture and reliability for seniors,
system-wide and organizational thinking for staff. Use follow-ups to go
deeper only when the candidate demonstrates readiness; if they struggle,
simplify or hint, then continue at the right level.`, years, level)
}

// HistoryWindow returns the most recent turns, capped at maxHistoryTurns.
func HistoryWindow(history []Turn) []Turn {
	if len(history) > maxHistoryTurns {
		return history[len(history)-maxHistoryTurns:]
	}
	return history
}
