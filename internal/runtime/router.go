package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// TopicResult is the topic every conversation's collector listens on.
const TopicResult = "result_collection"

// Message is an outbound publication returned by a handler.
type Message struct {
	Topic   string
	Payload any
}

// Handler consumes messages from one or more topics. Name doubles as the
// Event source used when the handler fails.
type Handler interface {
	Name() string
	Handle(ctx context.Context, rt *Runtime, payload any) ([]Message, error)
}

// StageError wraps a handler failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Router is a per-conversation dispatch table from topic to handlers.
// Publish is synchronous and depth-first: a handler's outbound messages are
// fully dispatched before the next subscriber of the original topic runs.
type Router struct {
	rt     *Runtime
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]Handler
}

func newRouter(rt *Runtime, logger *slog.Logger) *Router {
	return &Router{
		rt:     rt,
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Subscribe registers h for topic. Handlers run in registration order.
func (r *Router) Subscribe(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = append(r.subs[topic], h)
}

// Topics returns how many handlers are bound to each topic.
func (r *Router) Topics() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.subs))
	for topic, hs := range r.subs {
		out[topic] = len(hs)
	}
	return out
}

// Publish dispatches payload to every handler of topic. A failing handler is
// converted into an error Event and does not stop its sibling subscribers.
// The first failure is returned.
func (r *Router) Publish(ctx context.Context, topic string, payload any) error {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.subs[topic]...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("no subscribers", "topic", topic)
		return nil
	}

	var first error
	for _, h := range handlers {
		if topic != TopicResult {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		out, err := r.invoke(ctx, h, payload)
		if err != nil {
			stageErr := &StageError{Stage: h.Name(), Err: err}
			r.logger.Error("handler failed", "topic", topic, "handler", h.Name(), "error", err)
			r.rt.fail(ctx, stageErr)
			if first == nil {
				first = stageErr
			}
			continue
		}

		for _, m := range out {
			if err := r.Publish(ctx, m.Topic, m.Payload); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Router) invoke(ctx context.Context, h Handler, payload any) (out []Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h.Handle(ctx, r.rt, payload)
}

// collectorHandler appends published Events to the conversation's collector.
type collectorHandler struct {
	collector *Collector
}

func (collectorHandler) Name() string { return "result_collector" }

func (h collectorHandler) Handle(_ context.Context, _ *Runtime, payload any) ([]Message, error) {
	ev, ok := payload.(Event)
	if !ok {
		return nil, errors.New("result topic accepts only Event payloads")
	}
	h.collector.Append(ev)
	return nil, nil
}
