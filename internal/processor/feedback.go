package processor

import (
	"context"

	"github.com/MikeSquared-Agency/casesmith/internal/feedback"
)

// HandleFeedback routes a submission received on casesmith.feedback.submit.
// The resulting events are already mirrored to NATS, so the stream is drained.
func (p *Processor) HandleFeedback(sub *feedback.Submission) {
	res, err := p.SubmitFeedback(context.Background(), sub.ConversationID, sub.Content, sub.Round)
	if err != nil {
		p.logger.Error("failed to submit feedback",
			"conversation_id", sub.ConversationID,
			"round", sub.Round,
			"error", err,
		)
		return
	}
	if res.MaxRoundsReached {
		return
	}

	for range res.Events {
	}
	p.logger.Info("feedback processed",
		"conversation_id", sub.ConversationID,
		"verdict", res.Verdict,
		"round", res.Round,
	)
}
