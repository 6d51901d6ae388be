// Package generate defines the text-generation capability the worker and
// evaluator consume. Concrete providers are selected by configuration at
// process start; the rest of the system depends only on this interface.
package generate

import "context"

// Turn is one prior exchange in the conversation history, in ascending order.
type Turn struct {
	Role    string // "user" or "interviewer"
	Content string
}

// Request carries everything a provider needs to produce the next
// interviewer reply.
type Request struct {
	InterviewType   string
	ExperienceYears int
	JobDescription  string
	History         []Turn
	LatestMessage   string
}

// Generator produces interviewer replies.
type Generator interface {
	// Generate returns the full reply in one blocking call.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream invokes onDelta for each text fragment as it arrives
	// and returns the accumulated reply. The stream is finite and not
	// restartable; a mid-stream error abandons the partial output.
	GenerateStream(ctx context.Context, req Request, onDelta func(delta string)) (string, error)
}
