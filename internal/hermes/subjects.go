package hermes

import "strings"

const (
	// SubjectFeedbackSubmit carries feedback submitted outside the HTTP API.
	SubjectFeedbackSubmit = "casesmith.feedback.submit"

	SubjectConversationStarted   = "casesmith.conversation.started"
	SubjectConversationCompleted = "casesmith.conversation.completed"
	SubjectConversationFailed    = "casesmith.conversation.failed"
	SubjectRegistered            = "casesmith.service.registered"

	eventSubjectPrefix = "casesmith.conversation."
	eventSubjectSuffix = ".event"
)

// EventSubject is where every collector event of a conversation is mirrored.
func EventSubject(conversationID string) string {
	return eventSubjectPrefix + sanitizeToken(conversationID) + eventSubjectSuffix
}

// EventSubjectWildcard matches the event subjects of all conversations.
const EventSubjectWildcard = eventSubjectPrefix + "*" + eventSubjectSuffix

// LifecycleEvent is published when a round starts and when a conversation
// completes or fails.
type LifecycleEvent struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
	Round          int    `json:"round"`
	Stage          string `json:"stage,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
	Result         string `json:"result,omitempty"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// sanitizeToken keeps a conversation id usable as a single subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
