package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Finalizer converts the approved artifact into structured test cases.
// Unparseable model output falls back to wrapping the artifact itself and
// the result is flagged degraded.
type Finalizer struct {
	deps *Deps
}

func (f *Finalizer) Name() string { return runtime.SourceFinalizer }

func (f *Finalizer) Handle(ctx context.Context, rt *runtime.Runtime, payload any) ([]runtime.Message, error) {
	req, ok := payload.(FinalizationRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}

	st := rt.State()
	if err := st.Transition(runtime.StageFinalizing); err != nil {
		return nil, err
	}
	f.deps.persistHistory(rt, st.RecordFeedback(req.Feedback, req.Round))

	artifact := req.Artifact
	if artifact == "" {
		artifact = st.LastArtifact()
	}

	status(ctx, rt, f.Name(), runtime.TypeResult, statusFinalizing)

	raw, err := f.deps.complete(ctx, rt, f.Name(), finalizationSystemPrompt, fmt.Sprintf(finalizationTask, req.Feedback, artifact))
	if err != nil {
		return nil, err
	}

	degraded := false
	cases, err := ParseTestCases(raw)
	if err != nil {
		if strings.TrimSpace(artifact) == "" {
			return nil, err
		}
		rt.Logger().Warn("final output not parseable, wrapping artifact", "error", err)
		cases = FallbackTestCases(artifact)
		degraded = true
	}

	data, err := json.Marshal(cases)
	if err != nil {
		return nil, fmt.Errorf("marshal test cases: %w", err)
	}
	structured := string(data)

	entry, err := st.Complete(structured, degraded)
	if err != nil {
		return nil, err
	}

	rt.Logger().Info("test cases finalized", "cases", len(cases), "degraded", degraded)
	rt.Emit(ctx, runtime.Event{
		Source:      f.Name(),
		Content:     structured,
		MessageType: runtime.TypeResult,
		IsFinal:     true,
		Degraded:    degraded,
		Round:       req.Round,
	})

	f.deps.persistFinal(rt, structured, entry)
	return nil, nil
}
