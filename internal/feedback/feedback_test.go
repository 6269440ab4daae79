package feedback

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"chinese approval", "同意", VerdictApprove},
		{"approval inside sentence", "我同意这些用例", VerdictApprove},
		{"upper approve", "APPROVE", VerdictApprove},
		{"lower approve", "approve", VerdictApprove},
		{"mixed case approve", "I Approve this", VerdictApprove},
		{"approved contains token", "approved", VerdictApprove},
		{"revision request", "please add boundary cases", VerdictRevise},
		{"chinese revision", "请补充异常场景", VerdictRevise},
		{"empty", "", VerdictRevise},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text)
			if got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseSubmission(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]any
		wantID    string
		wantText  string
		wantRound int
	}{
		{
			name:      "flat payload",
			payload:   map[string]any{"conversation_id": "c1", "feedback": "同意", "round_number": 2},
			wantID:    "c1",
			wantText:  "同意",
			wantRound: 2,
		},
		{
			name: "metadata wrapper",
			payload: map[string]any{"metadata": map[string]string{
				"conversation_id": "c2",
				"feedback":        "add more cases",
			}},
			wantID:    "c2",
			wantText:  "add more cases",
			wantRound: 1,
		},
		{
			name: "metadata wrapper with round",
			payload: map[string]any{"metadata": map[string]string{
				"conversation_id": "c3",
				"feedback":        "同意",
				"round_number":    "3",
			}},
			wantID:    "c3",
			wantText:  "同意",
			wantRound: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.payload)
			sub, err := ParseSubmission(data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sub.ConversationID != tt.wantID {
				t.Errorf("ConversationID = %q, want %q", sub.ConversationID, tt.wantID)
			}
			if sub.Content != tt.wantText {
				t.Errorf("Content = %q, want %q", sub.Content, tt.wantText)
			}
			if sub.Round != tt.wantRound {
				t.Errorf("Round = %d, want %d", sub.Round, tt.wantRound)
			}
		})
	}
}

func TestParseSubmission_Invalid(t *testing.T) {
	if _, err := ParseSubmission([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
	if _, err := ParseSubmission([]byte(`{"feedback":"x"}`)); err == nil {
		t.Error("expected error for missing conversation id")
	}
	if _, err := ParseSubmission([]byte(`{"metadata":{"conversation_id":"c","feedback":"x","round_number":"three"}}`)); err == nil {
		t.Error("expected error for non-numeric metadata round")
	}
}
