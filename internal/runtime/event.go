package runtime

import "time"

// MessageType tags what an Event carries.
type MessageType string

const (
	TypeStreamingChunk      MessageType = "streaming_chunk"
	TypeRequirementAnalysis MessageType = "requirement_analysis"
	TypeGeneration          MessageType = "testcase_generation"
	TypeOptimization        MessageType = "testcase_optimization"
	TypeResult              MessageType = "testcase_result"
	TypeUserEcho            MessageType = "user_requirement_echo"
	TypeChat                MessageType = "chat_message"
	TypeError               MessageType = "error"
)

// Stage agent identifiers used as Event sources.
const (
	SourceAnalyst   = "requirement_analyst"
	SourceGenerator = "testcase_generator"
	SourceOptimizer = "testcase_optimizer"
	SourceFinalizer = "testcase_finalizer"
	SourceUser      = "user"
	SourceChat      = "chat_assistant"
)

// StageSources lists the identifiers of the four stage agents.
var StageSources = []string{SourceAnalyst, SourceGenerator, SourceOptimizer, SourceFinalizer}

// Event is one unit of progress published into a conversation's result topic.
type Event struct {
	Seq         int         `json:"seq"`
	Source      string      `json:"source"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	IsFinal     bool        `json:"is_final"`
	Degraded    bool        `json:"degraded,omitempty"`
	Round       int         `json:"round,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// IsChunk reports whether the event is a partial streaming fragment.
func (e Event) IsChunk() bool {
	return e.MessageType == TypeStreamingChunk
}

// IsError reports whether the event reports a failure.
func (e Event) IsError() bool {
	return e.MessageType == TypeError
}
