package agents

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// RequirementAnalyst turns a raw requirement into an analysis and hands it
// to the generator.
type RequirementAnalyst struct {
	deps *Deps
}

func (a *RequirementAnalyst) Name() string { return runtime.SourceAnalyst }

func (a *RequirementAnalyst) Handle(ctx context.Context, rt *runtime.Runtime, payload any) ([]runtime.Message, error) {
	req, ok := payload.(AnalysisRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}

	entry, err := rt.State().Begin(req.Content)
	if err != nil {
		return nil, fmt.Errorf("begin analysis: %w", err)
	}
	a.deps.persistHistory(rt, entry)

	rt.Logger().Info("requirement analysis started", "files", len(req.Files))

	rt.Emit(ctx, runtime.Event{
		Source:      runtime.SourceUser,
		Content:     req.Content,
		MessageType: runtime.TypeUserEcho,
	})
	status(ctx, rt, a.Name(), runtime.TypeRequirementAnalysis, statusAnalyzing)

	task := fmt.Sprintf(analysisTask, req.Content) + describeFiles(req.Files)
	analysis, err := a.deps.complete(ctx, rt, a.Name(), analysisSystemPrompt, task)
	if err != nil {
		return nil, err
	}

	a.deps.persistHistory(rt, rt.State().SetAnalysis(analysis))
	rt.Emit(ctx, runtime.Event{
		Source:      a.Name(),
		Content:     analysis,
		MessageType: runtime.TypeRequirementAnalysis,
		IsFinal:     true,
	})

	return []runtime.Message{{
		Topic:   TopicGeneration,
		Payload: GenerationRequest{Requirements: analysis, Round: 1},
	}}, nil
}
