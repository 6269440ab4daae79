//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestIntegration_HistoryAndFinalArtifact(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := "integration-" + uuid.NewString()[:8]

	base := time.Now().UTC()
	entries := []runtime.HistoryEntry{
		{Kind: runtime.HistoryRequirement, Content: "登录功能", Round: 1, Timestamp: base},
		{Kind: runtime.HistoryArtifact, Content: "| 用例 |", Round: 1, Timestamp: base.Add(time.Millisecond)},
		{Kind: runtime.HistoryFeedback, Content: "同意", Round: 2, Timestamp: base.Add(2 * time.Millisecond)},
	}
	for _, e := range entries {
		if err := s.AppendHistory(ctx, id, e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	got, err := s.History(ctx, id)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].Kind != entries[i].Kind || got[i].Content != entries[i].Content {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], entries[i])
		}
	}

	final := `[{"title":"登录成功"}]`
	if err := s.SaveFinalArtifact(ctx, id, final); err != nil {
		t.Fatalf("SaveFinalArtifact failed: %v", err)
	}

	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv == nil || conv.CompletedAt == nil {
		t.Fatalf("expected completed conversation, got %+v", conv)
	}
	var cases []map[string]any
	if err := json.Unmarshal([]byte(conv.FinalResult), &cases); err != nil {
		t.Fatalf("final result is not JSON: %v", err)
	}
	if cases[0]["title"] != "登录成功" {
		t.Errorf("unexpected final result: %s", conv.FinalResult)
	}
}

func TestIntegration_GetConversationMissing(t *testing.T) {
	s := setupTestStore(t)
	conv, err := s.GetConversation(context.Background(), "missing-"+uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv != nil {
		t.Errorf("expected nil, got %+v", conv)
	}
}
