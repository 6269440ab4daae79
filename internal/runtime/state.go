package runtime

import (
	"fmt"
	"sync"
	"time"
)

// Stage is the pipeline position of a conversation.
type Stage string

const (
	StageCreated              Stage = "created"
	StageAnalyzingRequirement Stage = "analyzing_requirement"
	StageGeneratingTestcases  Stage = "generating_testcases"
	StageAwaitingFeedback     Stage = "awaiting_feedback"
	StageOptimizing           Stage = "optimizing"
	StageFinalizing           Stage = "finalizing"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// Status is the coarse outcome reported to clients.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allowedTransitions = map[Stage]map[Stage]bool{
	StageCreated: {
		StageAnalyzingRequirement: true,
	},
	StageAnalyzingRequirement: {
		StageGeneratingTestcases: true,
	},
	StageGeneratingTestcases: {
		StageAwaitingFeedback: true,
	},
	StageAwaitingFeedback: {
		StageOptimizing:           true,
		StageFinalizing:           true,
		StageAnalyzingRequirement: true,
	},
	StageOptimizing: {
		StageAwaitingFeedback: true,
	},
	StageFinalizing: {
		StageCompleted: true,
	},
	StageCompleted: {
		StageAnalyzingRequirement: true,
	},
	StageFailed: {
		StageAnalyzingRequirement: true,
	},
}

// ValidateTransition reports whether a conversation may move from current to next.
// Failed is reachable from every stage except itself.
func ValidateTransition(current, next Stage) error {
	if next == StageFailed {
		if current == StageFailed {
			return fmt.Errorf("invalid stage transition: %s -> %s", current, next)
		}
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("unsupported current stage %q", current)
	}
	if !allowed[next] {
		return fmt.Errorf("invalid stage transition: %s -> %s", current, next)
	}
	return nil
}

// HistoryEntry is one append-only record of what happened in a conversation.
type HistoryEntry struct {
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}

// History entry kinds.
const (
	HistoryRequirement = "requirement"
	HistoryAnalysis    = "analysis"
	HistoryArtifact    = "artifact"
	HistoryFeedback    = "feedback"
	HistoryFinal       = "final"
	HistoryError       = "error"

	HistoryChatUser      = "chat_user"
	HistoryChatAssistant = "chat_assistant"
)

// Snapshot is a point-in-time copy of a conversation's state.
type Snapshot struct {
	ConversationID string         `json:"conversation_id"`
	Stage          Stage          `json:"stage"`
	Status         Status         `json:"status"`
	Round          int            `json:"round"`
	MaxRounds      int            `json:"max_rounds"`
	Requirement    string         `json:"requirement,omitempty"`
	Analysis       string         `json:"analysis,omitempty"`
	LastArtifact   string         `json:"last_artifact,omitempty"`
	FinalResult    string         `json:"final_result,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	Error          string         `json:"error,omitempty"`
	History        []HistoryEntry `json:"history"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// State is the mutable per-conversation record. Stage agents write it, HTTP
// readers take snapshots concurrently.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewState(conversationID string, maxRounds int) *State {
	now := time.Now().UTC()
	return &State{snap: Snapshot{
		ConversationID: conversationID,
		Stage:          StageCreated,
		Status:         StatusProcessing,
		Round:          1,
		MaxRounds:      maxRounds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
}

// Transition moves the conversation to next if the move is allowed.
func (s *State) Transition(next Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *State) transitionLocked(next Stage) error {
	if err := ValidateTransition(s.snap.Stage, next); err != nil {
		return err
	}
	s.snap.Stage = next
	s.snap.UpdatedAt = time.Now().UTC()
	return nil
}

// Begin starts a fresh round 1 for requirement.
func (s *State) Begin(requirement string) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StageAnalyzingRequirement); err != nil {
		return HistoryEntry{}, err
	}
	s.snap.Status = StatusProcessing
	s.snap.Round = 1
	s.snap.Requirement = requirement
	s.snap.Analysis = ""
	s.snap.LastArtifact = ""
	s.snap.FinalResult = ""
	s.snap.Degraded = false
	s.snap.Error = ""
	return s.appendLocked(HistoryRequirement, requirement), nil
}

// SetAnalysis records the requirement analysis text.
func (s *State) SetAnalysis(text string) HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Analysis = text
	return s.appendLocked(HistoryAnalysis, text)
}

// SetArtifact replaces the latest test-case artifact and moves to round.
// Rounds never move backwards.
func (s *State) SetArtifact(text string, round int) HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round > s.snap.Round {
		s.snap.Round = round
	}
	s.snap.LastArtifact = text
	return s.appendLocked(HistoryArtifact, text)
}

// RecordFeedback appends the user's feedback for round.
func (s *State) RecordFeedback(text string, round int) HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round > s.snap.Round {
		s.snap.Round = round
	}
	return s.appendLocked(HistoryFeedback, text)
}

// Complete stores the structured result and marks the conversation done.
func (s *State) Complete(result string, degraded bool) (HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StageCompleted); err != nil {
		return HistoryEntry{}, err
	}
	s.snap.Status = StatusCompleted
	s.snap.FinalResult = result
	s.snap.Degraded = degraded
	return s.appendLocked(HistoryFinal, result), nil
}

// Fail marks the conversation failed. Failing twice is a no-op.
func (s *State) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Stage == StageFailed {
		return
	}
	s.snap.Stage = StageFailed
	s.snap.Status = StatusFailed
	if err != nil {
		s.snap.Error = err.Error()
		s.appendLocked(HistoryError, err.Error())
	}
	s.snap.UpdatedAt = time.Now().UTC()
}

func (s *State) appendLocked(kind, content string) HistoryEntry {
	entry := HistoryEntry{
		Kind:      kind,
		Content:   content,
		Round:     s.snap.Round,
		Timestamp: time.Now().UTC(),
	}
	s.snap.History = append(s.snap.History, entry)
	s.snap.UpdatedAt = entry.Timestamp
	return entry
}

// RecordChat appends one chat turn. The stage is left alone: chat
// conversations do not walk the test-case pipeline.
func (s *State) RecordChat(kind, text string) HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(kind, text)
}

// ChatTranscript returns the chat turns recorded so far, oldest first.
func (s *State) ChatTranscript() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryEntry
	for _, e := range s.snap.History {
		if e.Kind == HistoryChatUser || e.Kind == HistoryChatAssistant {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.History = append([]HistoryEntry(nil), s.snap.History...)
	return out
}

func (s *State) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Stage
}

func (s *State) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Round
}

func (s *State) MaxRounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.MaxRounds
}

func (s *State) LastArtifact() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.LastArtifact
}
