package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/casesmith/internal/llm"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Conversation-scoped topics the stage agents subscribe to.
const (
	TopicRequirement  = "requirement_analysis"
	TopicGeneration   = "testcase_generation"
	TopicOptimization = "user_feedback"
	TopicFinalization = "testcase_finalize"
)

// AnalysisRequest starts a conversation from a user requirement.
type AnalysisRequest struct {
	Content string
	Files   []FileRef
}

// GenerationRequest carries the analysed requirements to the generator.
type GenerationRequest struct {
	Requirements string
	Round        int
}

// OptimizationRequest asks for a revised artifact.
type OptimizationRequest struct {
	Feedback         string
	PreviousArtifact string
	Round            int
}

// FinalizationRequest asks for the structured final result.
type FinalizationRequest struct {
	Artifact string
	Feedback string
	Round    int
}

// Persister stores conversation results outside the process.
type Persister interface {
	SaveFinalArtifact(ctx context.Context, conversationID, structuredJSON string) error
	AppendHistory(ctx context.Context, conversationID string, entry runtime.HistoryEntry) error
}

// StageRecorder observes how long each stage's completion took.
type StageRecorder interface {
	RecordStage(ctx context.Context, stage string, d time.Duration, err error)
}

// Deps are shared by all stage agents of every conversation.
type Deps struct {
	Gateway   llm.Gateway
	Persister Persister
	Recorder  StageRecorder
	Logger    *slog.Logger

	// PersistTimeout bounds each fire-and-forget persistence call.
	PersistTimeout time.Duration
}

// Install returns a runtime.Installer that subscribes the four stage agents.
func Install(d Deps) runtime.Installer {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PersistTimeout == 0 {
		d.PersistTimeout = 10 * time.Second
	}
	return func(rt *runtime.Runtime) {
		r := rt.Router()
		r.Subscribe(TopicRequirement, &RequirementAnalyst{deps: &d})
		r.Subscribe(TopicGeneration, &Generator{deps: &d})
		r.Subscribe(TopicOptimization, &Optimizer{deps: &d})
		r.Subscribe(TopicFinalization, &Finalizer{deps: &d})
	}
}

// complete streams one completion, emitting every fragment as a
// streaming_chunk event from source, and returns the full text.
func (d *Deps) complete(ctx context.Context, rt *runtime.Runtime, source, systemPrompt, task string) (string, error) {
	start := time.Now()
	text, err := d.stream(ctx, rt, source, systemPrompt, task)
	if d.Recorder != nil {
		d.Recorder.RecordStage(ctx, source, time.Since(start), err)
	}
	if err != nil {
		return "", err
	}
	rt.Logger().Debug("stage completion finished", "stage", source, "len", len(text), "elapsed", time.Since(start))
	return text, nil
}

func (d *Deps) stream(ctx context.Context, rt *runtime.Runtime, source, systemPrompt, task string) (string, error) {
	deltas, err := d.Gateway.StreamComplete(ctx, systemPrompt, task)
	if err != nil {
		return "", fmt.Errorf("stream completion: %w", err)
	}
	text, err := llm.Drain(ctx, deltas, func(chunk string) {
		rt.Emit(ctx, runtime.Event{
			Source:      source,
			Content:     chunk,
			MessageType: runtime.TypeStreamingChunk,
		})
	})
	if err != nil {
		return "", fmt.Errorf("stream completion: %w", err)
	}
	return text, nil
}

// status publishes a short progress notice for a stage.
func status(ctx context.Context, rt *runtime.Runtime, source string, typ runtime.MessageType, text string) {
	rt.Emit(ctx, runtime.Event{Source: source, Content: text, MessageType: typ})
}

// persistHistory appends entry in the background. Failures are logged only.
func (d *Deps) persistHistory(rt *runtime.Runtime, entry runtime.HistoryEntry) {
	if d.Persister == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.PersistTimeout)
		defer cancel()
		if err := d.Persister.AppendHistory(ctx, rt.ID(), entry); err != nil {
			rt.Logger().Warn("failed to persist history entry", "kind", entry.Kind, "error", err)
		}
	}()
}

func (d *Deps) persistFinal(rt *runtime.Runtime, structuredJSON string, entry runtime.HistoryEntry) {
	if d.Persister == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.PersistTimeout)
		defer cancel()
		if err := d.Persister.SaveFinalArtifact(ctx, rt.ID(), structuredJSON); err != nil {
			rt.Logger().Error("failed to persist final artifact", "error", err)
		}
		if err := d.Persister.AppendHistory(ctx, rt.ID(), entry); err != nil {
			rt.Logger().Warn("failed to persist history entry", "kind", entry.Kind, "error", err)
		}
	}()
}
