package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	// ErrConversationBusy is returned when a chain is already running for a conversation.
	ErrConversationBusy = errors.New("conversation has a request in flight")
	// ErrNotAwaitingFeedback is returned when feedback arrives for a
	// conversation that is not waiting for it.
	ErrNotAwaitingFeedback = errors.New("conversation is not awaiting feedback")
)

// Runtime bundles the router, collector and state of one conversation.
type Runtime struct {
	id        string
	router    *Router
	collector *Collector
	state     *State
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inflight atomic.Bool
	lastUsed atomic.Int64
}

func newRuntime(id string, maxRounds int, sink Sink, logger *slog.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		id:        id,
		collector: NewCollector(id, sink),
		state:     NewState(id, maxRounds),
		logger:    logger.With("conversation_id", id),
		ctx:       ctx,
		cancel:    cancel,
	}
	rt.router = newRouter(rt, rt.logger)
	rt.router.Subscribe(TopicResult, collectorHandler{collector: rt.collector})
	rt.touch()
	return rt
}

func (rt *Runtime) ID() string            { return rt.id }
func (rt *Runtime) Router() *Router       { return rt.router }
func (rt *Runtime) Collector() *Collector { return rt.collector }
func (rt *Runtime) State() *State         { return rt.state }
func (rt *Runtime) Logger() *slog.Logger  { return rt.logger }

// Done is closed once the runtime has been cleaned up.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// Emit publishes ev into the result topic.
func (rt *Runtime) Emit(ctx context.Context, ev Event) {
	if ev.Round == 0 {
		ev.Round = rt.state.Round()
	}
	if err := rt.router.Publish(ctx, TopicResult, ev); err != nil {
		rt.logger.Warn("emit failed", "error", err)
	}
}

// Dispatch starts a chain for payload on topic in the background. It returns
// the collector length observed before dispatch, so a reader can pick up
// exactly the events of this chain, and a channel carrying the chain's
// outcome. Only one chain may run at a time.
func (rt *Runtime) Dispatch(topic string, payload any) (int, <-chan error, error) {
	return rt.dispatch(topic, payload, "")
}

// DispatchFeedback is Dispatch for a feedback round. The stage is checked
// after the busy flag is claimed; unless the conversation is awaiting feedback
// nothing is dispatched and its state is left alone.
func (rt *Runtime) DispatchFeedback(topic string, payload any) (int, <-chan error, error) {
	return rt.dispatch(topic, payload, StageAwaitingFeedback)
}

func (rt *Runtime) dispatch(topic string, payload any, want Stage) (int, <-chan error, error) {
	if rt.ctx.Err() != nil {
		return 0, nil, rt.ctx.Err()
	}
	if !rt.inflight.CompareAndSwap(false, true) {
		return 0, nil, ErrConversationBusy
	}
	if want != "" {
		if stage := rt.state.Stage(); stage != want {
			rt.inflight.Store(false)
			return 0, nil, fmt.Errorf("%w: stage is %s", ErrNotAwaitingFeedback, stage)
		}
	}
	rt.touch()
	cursor := rt.collector.Len()

	done := make(chan error, 1)
	go func() {
		err := rt.router.Publish(rt.ctx, topic, payload)
		rt.touch()
		// Released before the outcome is delivered so a receiver can dispatch again.
		rt.inflight.Store(false)
		done <- err
		close(done)
	}()
	return cursor, done, nil
}

// Busy reports whether a chain is currently running.
func (rt *Runtime) Busy() bool {
	return rt.inflight.Load()
}

// Abort marks the conversation failed and cancels the in-flight chain.
func (rt *Runtime) Abort(err error) {
	rt.state.Fail(err)
	rt.cancel()
}

// LastUsed returns the time of the most recent dispatch or chain completion.
func (rt *Runtime) LastUsed() time.Time {
	return time.Unix(0, rt.lastUsed.Load())
}

func (rt *Runtime) touch() {
	rt.lastUsed.Store(time.Now().UnixNano())
}

func (rt *Runtime) fail(ctx context.Context, err *StageError) {
	rt.state.Fail(err)
	rt.Emit(ctx, Event{
		Source:      err.Stage,
		Content:     err.Err.Error(),
		MessageType: TypeError,
		IsFinal:     true,
	})
}
