package agents

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Optimizer revises the latest artifact according to user feedback.
type Optimizer struct {
	deps *Deps
}

func (o *Optimizer) Name() string { return runtime.SourceOptimizer }

func (o *Optimizer) Handle(ctx context.Context, rt *runtime.Runtime, payload any) ([]runtime.Message, error) {
	req, ok := payload.(OptimizationRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}

	st := rt.State()
	if err := st.Transition(runtime.StageOptimizing); err != nil {
		return nil, err
	}
	o.deps.persistHistory(rt, st.RecordFeedback(req.Feedback, req.Round))

	previous := req.PreviousArtifact
	if previous == "" {
		previous = st.LastArtifact()
	}

	status(ctx, rt, o.Name(), runtime.TypeOptimization, statusOptimizing)

	artifact, err := o.deps.complete(ctx, rt, o.Name(), optimizationSystemPrompt, fmt.Sprintf(optimizationTask, req.Feedback, previous))
	if err != nil {
		return nil, err
	}

	o.deps.persistHistory(rt, st.SetArtifact(artifact, req.Round))
	if err := st.Transition(runtime.StageAwaitingFeedback); err != nil {
		return nil, err
	}

	rt.Logger().Info("test cases optimized", "round", req.Round, "len", len(artifact))
	rt.Emit(ctx, runtime.Event{
		Source:      o.Name(),
		Content:     artifact,
		MessageType: runtime.TypeOptimization,
		IsFinal:     true,
		Round:       req.Round,
	})
	return nil, nil
}
