package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("casesmith-metrics")

// ConversationMetrics records pipeline activity. A nil *ConversationMetrics
// is valid and records nothing.
type ConversationMetrics struct {
	roundsStarted    metric.Int64Counter
	resultsCompleted metric.Int64Counter
	chainsFailed     metric.Int64Counter
	feedbackRejected metric.Int64Counter
	streamTimeouts   metric.Int64Counter
	stageDuration    metric.Float64Histogram
	runtimesLive     metric.Int64UpDownCounter
}

func NewConversationMetrics() (*ConversationMetrics, error) {
	roundsStarted, err := meter.Int64Counter(
		"casesmith.rounds.started",
		metric.WithDescription("Rounds dispatched, by entry point"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}

	resultsCompleted, err := meter.Int64Counter(
		"casesmith.results.completed",
		metric.WithDescription("Conversations that produced a final structured result"),
		metric.WithUnit("{conversation}"),
	)
	if err != nil {
		return nil, err
	}

	chainsFailed, err := meter.Int64Counter(
		"casesmith.chains.failed",
		metric.WithDescription("Publish chains that ended in an error event"),
		metric.WithUnit("{chain}"),
	)
	if err != nil {
		return nil, err
	}

	feedbackRejected, err := meter.Int64Counter(
		"casesmith.feedback.rejected",
		metric.WithDescription("Feedback submissions rejected before dispatch"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, err
	}

	streamTimeouts, err := meter.Int64Counter(
		"casesmith.stream.timeouts",
		metric.WithDescription("Client streams that gave up waiting for a result"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"casesmith.stage.duration",
		metric.WithDescription("Duration of a stage completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runtimesLive, err := meter.Int64UpDownCounter(
		"casesmith.runtimes.live",
		metric.WithDescription("Number of conversation runtimes held in memory"),
		metric.WithUnit("{runtime}"),
	)
	if err != nil {
		return nil, err
	}

	return &ConversationMetrics{
		roundsStarted:    roundsStarted,
		resultsCompleted: resultsCompleted,
		chainsFailed:     chainsFailed,
		feedbackRejected: feedbackRejected,
		streamTimeouts:   streamTimeouts,
		stageDuration:    stageDuration,
		runtimesLive:     runtimesLive,
	}, nil
}

// RecordRoundStarted counts a dispatched round. kind is "generate",
// "optimize" or "finalize".
func (m *ConversationMetrics) RecordRoundStarted(ctx context.Context, kind string, round int) {
	if m == nil {
		return
	}
	m.roundsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("round.kind", kind),
			attribute.Int("round.number", round),
		),
	)
}

func (m *ConversationMetrics) RecordCompleted(ctx context.Context, degraded bool) {
	if m == nil {
		return
	}
	m.resultsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("degraded", degraded)),
	)
}

func (m *ConversationMetrics) RecordChainFailed(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.chainsFailed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordFeedbackRejected counts feedback refused with reason
// "max_rounds", "not_found" or "busy".
func (m *ConversationMetrics) RecordFeedbackRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.feedbackRejected.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

func (m *ConversationMetrics) RecordStreamTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamTimeouts.Add(ctx, 1)
}

// RecordStage implements agents.StageRecorder.
func (m *ConversationMetrics) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.stageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

func (m *ConversationMetrics) RuntimeCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.runtimesLive.Add(ctx, 1)
}

func (m *ConversationMetrics) RuntimeEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runtimesLive.Add(ctx, -1)
}
