package feedback

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Submission is the feedback payload received over NATS or HTTP.
type Submission struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"feedback"`
	Round          int    `json:"round_number"`
}

// Verdict is the routing decision for a piece of user feedback.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictRevise  Verdict = "revise"
)

var approvalTokens = []string{"同意", "APPROVE"}

// Classify maps free-form feedback text to a verdict. Any approval token
// appearing anywhere in the text, case-insensitively, wins.
func Classify(text string) Verdict {
	upper := strings.ToUpper(text)
	for _, tok := range approvalTokens {
		if strings.Contains(upper, strings.ToUpper(tok)) {
			return VerdictApprove
		}
	}
	return VerdictRevise
}

// ParseSubmission decodes a feedback payload. Some publishers wrap the fields
// in a metadata map, so both shapes are accepted.
func ParseSubmission(data []byte) (*Submission, error) {
	var wrapper struct {
		Submission
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse feedback submission: %w", err)
	}

	sub := wrapper.Submission
	if sub.ConversationID == "" && wrapper.Metadata != nil {
		sub.ConversationID = wrapper.Metadata["conversation_id"]
		sub.Content = wrapper.Metadata["feedback"]
		if raw := strings.TrimSpace(wrapper.Metadata["round_number"]); raw != "" {
			round, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("parse feedback submission: round_number %q: %w", raw, err)
			}
			sub.Round = round
		}
	}
	if sub.ConversationID == "" {
		return nil, fmt.Errorf("parse feedback submission: missing conversation_id")
	}
	if sub.Round < 1 {
		sub.Round = 1
	}
	return &sub, nil
}
