package agents

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Generator produces the first test-case artifact from analysed requirements.
type Generator struct {
	deps *Deps
}

func (g *Generator) Name() string { return runtime.SourceGenerator }

func (g *Generator) Handle(ctx context.Context, rt *runtime.Runtime, payload any) ([]runtime.Message, error) {
	req, ok := payload.(GenerationRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}
	if err := rt.State().Transition(runtime.StageGeneratingTestcases); err != nil {
		return nil, err
	}

	status(ctx, rt, g.Name(), runtime.TypeGeneration, statusGenerating)

	artifact, err := g.deps.complete(ctx, rt, g.Name(), generationSystemPrompt, fmt.Sprintf(generationTask, req.Requirements))
	if err != nil {
		return nil, err
	}

	g.deps.persistHistory(rt, rt.State().SetArtifact(artifact, req.Round))
	if err := rt.State().Transition(runtime.StageAwaitingFeedback); err != nil {
		return nil, err
	}

	rt.Logger().Info("test cases generated", "round", req.Round, "len", len(artifact))
	rt.Emit(ctx, runtime.Event{
		Source:      g.Name(),
		Content:     artifact,
		MessageType: runtime.TypeGeneration,
		IsFinal:     true,
		Round:       req.Round,
	})
	return nil, nil
}
