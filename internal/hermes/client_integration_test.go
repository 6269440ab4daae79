//go:build integration

package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/casesmith/internal/feedback"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_EventMirror(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()
	logger := slog.Default()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	received := make(chan map[string]any, 1)

	err = client.Subscribe(EventSubjectWildcard, func(subject string, data []byte) {
		var msg map[string]any
		json.Unmarshal(data, &msg)
		received <- msg
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	err = client.Publish(EventSubject("integration-conv"), map[string]any{
		"source":  "testcase_generator",
		"content": "hello from integration test",
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg["content"] != "hello from integration test" {
			t.Errorf("expected hello message, got %v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestIntegration_TypedRoundTrip(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), slog.Default())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	events := make(chan runtime.Event, 1)
	if err := client.Subscribe(EventSubject("typed-conv"), func(_ string, data []byte) {
		var ev runtime.Event
		json.Unmarshal(data, &ev)
		events <- ev
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	submissions := make(chan *feedback.Submission, 1)
	if err := client.SubscribeFeedback(func(sub *feedback.Submission) {
		submissions <- sub
	}); err != nil {
		t.Fatalf("subscribe feedback failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := client.PublishEvent("typed-conv", runtime.Event{Source: runtime.SourceGenerator, Content: "| a |"}); err != nil {
		t.Fatalf("publish event failed: %v", err)
	}
	if err := client.Publish(SubjectFeedbackSubmit, map[string]any{
		"conversation_id": "typed-conv",
		"feedback":        "同意",
		"round_number":    2,
	}); err != nil {
		t.Fatalf("publish feedback failed: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Content != "| a |" || ev.Source != runtime.SourceGenerator {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case sub := <-submissions:
		if sub.ConversationID != "typed-conv" || sub.Round != 2 {
			t.Errorf("unexpected submission: %+v", sub)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submission")
	}
}
