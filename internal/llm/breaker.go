package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BreakerSettings tunes the circuit breaker in front of a gateway.
type BreakerSettings struct {
	Name             string
	MaxFailures      uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// BreakerGateway guards a Gateway with a circuit breaker and traces every call.
// Connection failures count against the breaker; while it is open calls fail
// fast with ErrGatewayUnavailable.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewBreakerGateway(next Gateway, s BreakerSettings, logger *slog.Logger) *BreakerGateway {
	if s.Name == "" {
		s.Name = "llm-gateway"
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Interval:    60 * time.Second,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
		tracer:  otel.Tracer("casesmith-llm"),
		logger:  logger,
	}
}

func (g *BreakerGateway) StreamComplete(ctx context.Context, systemPrompt, task string) (<-chan Delta, error) {
	ctx, span := g.tracer.Start(ctx, "llm.stream_complete")
	span.SetAttributes(
		attribute.Int("system_prompt_len", len(systemPrompt)),
		attribute.Int("task_len", len(task)),
	)

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.StreamComplete(ctx, systemPrompt, task)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	in := result.(<-chan Delta)
	out := make(chan Delta, cap(in))
	go func() {
		defer close(out)
		defer span.End()
		chunks := 0
		for d := range in {
			if d.Err != nil {
				span.RecordError(d.Err)
				span.SetStatus(codes.Error, d.Err.Error())
			}
			if !d.Done && d.Err == nil {
				chunks++
			}
			if d.Done {
				span.SetAttributes(attribute.Int("chunks", chunks))
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Open reports whether the breaker is currently rejecting calls.
func (g *BreakerGateway) Open() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
