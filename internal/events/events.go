// Package events fans session-scoped lifecycle notifications out to live
// subscribers. Delivery is best-effort: nothing is persisted and a subscriber
// that attaches after an event was published never sees it.
package events

// Event types published to a session's topic.
const (
	TypeAccepted      = "accepted"
	TypeAIDelta       = "ai_delta"
	TypeAIComplete    = "ai_complete"
	TypeAIFailed      = "ai_failed"
	TypeLimitExceeded = "message_limit_exceeded"
)

// Event is the wire payload delivered to session subscribers.
type Event struct {
	Type                 string `json:"type"`
	SessionID            string `json:"sessionId"`
	UserMessageID        string `json:"userMessageId,omitempty"`
	InterviewerMessageID string `json:"interviewerMessageId,omitempty"`
	Delta                string `json:"delta,omitempty"`
	Content              string `json:"content,omitempty"`
	MessageStatus        string `json:"messageStatus,omitempty"`
	Error                string `json:"error,omitempty"`
	MessageLimit         int    `json:"messageLimit,omitempty"`
	MessageCount         int    `json:"messageCount,omitempty"`
	Tier                 string `json:"tier,omitempty"`
}

// Publisher delivers events to whoever is subscribed to the session's topic.
type Publisher interface {
	Publish(sessionID string, event Event)
}

func Accepted(sessionID, userMessageID, interviewerMessageID string) Event {
	return Event{
		Type:                 TypeAccepted,
		SessionID:            sessionID,
		UserMessageID:        userMessageID,
		InterviewerMessageID: interviewerMessageID,
	}
}

func AIDelta(sessionID, interviewerMessageID, delta string) Event {
	return Event{
		Type:                 TypeAIDelta,
		SessionID:            sessionID,
		InterviewerMessageID: interviewerMessageID,
		Delta:                delta,
		MessageStatus:        "streaming",
	}
}

func AIComplete(sessionID, interviewerMessageID, content string) Event {
	return Event{
		Type:                 TypeAIComplete,
		SessionID:            sessionID,
		InterviewerMessageID: interviewerMessageID,
		Content:              content,
		MessageStatus:        "completed",
	}
}

func AIFailed(sessionID, interviewerMessageID, errText string) Event {
	return Event{
		Type:                 TypeAIFailed,
		SessionID:            sessionID,
		InterviewerMessageID: interviewerMessageID,
		Error:                errText,
		MessageStatus:        "failed",
	}
}

func LimitExceeded(sessionID string, limit, count int, tier string) Event {
	return Event{
		Type:         TypeLimitExceeded,
		SessionID:    sessionID,
		MessageLimit: limit,
		MessageCount: count,
		Tier:         tier,
	}
}
