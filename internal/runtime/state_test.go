package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Stage
		to      Stage
		wantErr bool
	}{
		{"created to analyzing", StageCreated, StageAnalyzingRequirement, false},
		{"analyzing to generating", StageAnalyzingRequirement, StageGeneratingTestcases, false},
		{"generating to awaiting", StageGeneratingTestcases, StageAwaitingFeedback, false},
		{"awaiting to optimizing", StageAwaitingFeedback, StageOptimizing, false},
		{"awaiting to finalizing", StageAwaitingFeedback, StageFinalizing, false},
		{"optimizing back to awaiting", StageOptimizing, StageAwaitingFeedback, false},
		{"finalizing to completed", StageFinalizing, StageCompleted, false},
		{"completed restart", StageCompleted, StageAnalyzingRequirement, false},
		{"any to failed", StageOptimizing, StageFailed, false},
		{"created to finalizing", StageCreated, StageFinalizing, true},
		{"completed to optimizing", StageCompleted, StageOptimizing, true},
		{"failed to failed", StageFailed, StageFailed, true},
		{"unknown stage", Stage("bogus"), StageCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestState_Lifecycle(t *testing.T) {
	s := NewState("c1", 3)
	assert.Equal(t, StageCreated, s.Stage())
	assert.Equal(t, 1, s.Round())

	_, err := s.Begin("login page")
	require.NoError(t, err)
	s.SetAnalysis("analysis")
	require.NoError(t, s.Transition(StageGeneratingTestcases))
	s.SetArtifact("v1", 1)
	require.NoError(t, s.Transition(StageAwaitingFeedback))

	s.RecordFeedback("more cases", 2)
	require.NoError(t, s.Transition(StageOptimizing))
	s.SetArtifact("v2", 2)
	require.NoError(t, s.Transition(StageAwaitingFeedback))
	require.NoError(t, s.Transition(StageFinalizing))
	_, err = s.Complete(`[{"title":"t"}]`, false)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, StageCompleted, snap.Stage)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Round)
	assert.Equal(t, "v2", snap.LastArtifact)
	assert.Equal(t, 3, snap.MaxRounds)

	kinds := make([]string, 0, len(snap.History))
	for _, h := range snap.History {
		kinds = append(kinds, h.Kind)
	}
	assert.Equal(t, []string{
		HistoryRequirement, HistoryAnalysis, HistoryArtifact,
		HistoryFeedback, HistoryArtifact, HistoryFinal,
	}, kinds)
}

func TestState_RoundNeverDecreases(t *testing.T) {
	s := NewState("c1", 3)
	s.SetArtifact("v3", 3)
	s.SetArtifact("stale", 2)
	assert.Equal(t, 3, s.Round())
	assert.Equal(t, "stale", s.LastArtifact())
}

func TestState_FailIsIdempotent(t *testing.T) {
	s := NewState("c1", 3)
	s.Fail(errors.New("first"))
	s.Fail(errors.New("second"))

	snap := s.Snapshot()
	assert.Equal(t, StageFailed, snap.Stage)
	assert.Equal(t, "first", snap.Error)
	assert.Len(t, snap.History, 1)
}

func TestState_BeginResetsAfterFailure(t *testing.T) {
	s := NewState("c1", 3)
	s.SetArtifact("v2", 2)
	s.Fail(errors.New("gateway down"))

	_, err := s.Begin("retry")
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, 1, snap.Round)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.LastArtifact)
}

func TestState_SnapshotIsCopy(t *testing.T) {
	s := NewState("c1", 3)
	s.SetAnalysis("a")
	snap := s.Snapshot()
	snap.History[0].Content = "changed"
	assert.Equal(t, "a", s.Snapshot().History[0].Content)
}
