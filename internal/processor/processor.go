package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/casesmith/internal/agents"
	"github.com/MikeSquared-Agency/casesmith/internal/feedback"
	"github.com/MikeSquared-Agency/casesmith/internal/hermes"
	"github.com/MikeSquared-Agency/casesmith/internal/metrics"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
	"github.com/MikeSquared-Agency/casesmith/internal/stream"
)

var (
	// ErrEmptyRequirement is returned when generation is requested with no content.
	ErrEmptyRequirement = errors.New("requirement content is empty")
	// ErrStreamTimeout marks a conversation whose stream gave up waiting.
	ErrStreamTimeout = errors.New("stream timed out waiting for a result")
	// ErrEmptyMessage is returned when a chat turn carries no message.
	ErrEmptyMessage = errors.New("chat message is empty")
)

// Publisher is the subset of hermes.Client the processor needs.
type Publisher interface {
	PublishEvent(conversationID string, ev runtime.Event) error
	PublishLifecycle(subject string, evt hermes.LifecycleEvent) error
}

// Options configures a Processor.
type Options struct {
	MaxRounds     int
	StreamMaxWait time.Duration
	PollInterval  time.Duration
	IdleTTL       time.Duration
	MaxRuntimes   int
}

// Processor is the entry point of the pipeline: it owns the runtime registry
// and turns start and feedback requests into client event streams.
type Processor struct {
	registry   *runtime.Registry
	aggregator *stream.Aggregator
	chats      *runtime.Registry
	chatStream *stream.Aggregator
	publisher  Publisher
	metrics    *metrics.ConversationMetrics
	logger     *slog.Logger
	maxRounds  int
}

// New wires a processor. publisher and m may be nil.
func New(opts Options, deps agents.Deps, publisher Publisher, m *metrics.ConversationMetrics, logger *slog.Logger) *Processor {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 3
	}
	if deps.Recorder == nil && m != nil {
		deps.Recorder = m
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	p := &Processor{
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		maxRounds: opts.MaxRounds,
	}

	p.registry = runtime.NewRegistry(runtime.Options{
		MaxRounds:   opts.MaxRounds,
		IdleTTL:     opts.IdleTTL,
		MaxRuntimes: opts.MaxRuntimes,
		Install:     agents.Install(deps),
		Sink:        p.mirror,
		OnCreate:    func(string) { m.RuntimeCreated(context.Background()) },
		OnEvict:     func(string) { m.RuntimeEvicted(context.Background()) },
		Logger:      logger,
	})
	p.chats = runtime.NewRegistry(runtime.Options{
		IdleTTL:     opts.IdleTTL,
		MaxRuntimes: opts.MaxRuntimes,
		Install:     agents.InstallChat(deps),
		Sink:        p.mirror,
		OnCreate:    func(string) { m.RuntimeCreated(context.Background()) },
		OnEvict:     func(string) { m.RuntimeEvicted(context.Background()) },
		Logger:      logger.With("registry", "chat"),
	})

	onTimeout := func(rt *runtime.Runtime) {
		m.RecordStreamTimeout(context.Background())
		rt.Abort(ErrStreamTimeout)
	}
	p.aggregator = stream.NewAggregator(stream.Options{
		MaxWait:      opts.StreamMaxWait,
		PollInterval: opts.PollInterval,
		Sources:      runtime.StageSources,
		NoisePhrases: agents.NoisePhrases(),
		OnTimeout:    onTimeout,
		Logger:       logger,
	})
	p.chatStream = stream.NewAggregator(stream.Options{
		MaxWait:      opts.StreamMaxWait,
		PollInterval: opts.PollInterval,
		Sources:      []string{runtime.SourceChat},
		OnTimeout:    onTimeout,
		Logger:       logger,
	})
	return p
}

// GenerationRequest starts round 1 of a conversation.
type GenerationRequest struct {
	ConversationID string
	Content        string
	Files          []agents.FileRef
}

// Session is a running round and the events it produces.
type Session struct {
	ConversationID string
	Round          int
	Events         <-chan stream.ClientEvent
}

// FeedbackResult is the outcome of a feedback submission. When
// MaxRoundsReached is set nothing was dispatched and Events is nil.
type FeedbackResult struct {
	ConversationID   string
	Round            int
	Verdict          feedback.Verdict
	MaxRoundsReached bool
	Events           <-chan stream.ClientEvent
}

// StartGeneration creates or reuses the conversation's runtime and begins
// round 1. A missing conversation id is generated.
func (p *Processor) StartGeneration(ctx context.Context, req GenerationRequest) (*Session, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return nil, ErrEmptyRequirement
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	rt, _ := p.registry.GetOrCreate(id)
	cursor, done, err := rt.Dispatch(agents.TopicRequirement, agents.AnalysisRequest{
		Content: req.Content,
		Files:   req.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}

	p.logger.Info("generation started", "conversation_id", id, "files", len(req.Files))
	p.metrics.RecordRoundStarted(ctx, "generate", 1)
	p.publishLifecycle(hermes.SubjectConversationStarted, hermes.LifecycleEvent{
		ConversationID: id,
		Kind:           "generate",
		Round:          1,
	})

	return &Session{
		ConversationID: id,
		Round:          1,
		Events:         p.relay(ctx, p.aggregator, rt, cursor, p.watch(rt, "generate", done)),
	}, nil
}

// ChatRequest is one turn of a free-form chat.
type ChatRequest struct {
	ConversationID string
	Message        string
	SystemMessage  string
}

// Chat sends one turn to the chat assistant of a conversation, creating it on
// first use. A missing conversation id is generated. Chat conversations are
// kept apart from test-case conversations.
func (p *Processor) Chat(ctx context.Context, req ChatRequest) (*Session, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	rt, _ := p.chats.GetOrCreate(id)
	turn := len(rt.State().ChatTranscript())/2 + 1
	cursor, done, err := rt.Dispatch(agents.TopicChat, agents.ChatRequest{
		Message:       req.Message,
		SystemMessage: req.SystemMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	p.logger.Info("chat turn started", "conversation_id", id, "turn", turn)
	p.metrics.RecordRoundStarted(ctx, "chat", turn)

	return &Session{
		ConversationID: id,
		Round:          turn,
		Events:         p.relay(ctx, p.chatStream, rt, cursor, p.watch(rt, "chat", done)),
	}, nil
}

// ClearChat drops a chat conversation. Unknown ids are ignored.
func (p *Processor) ClearChat(conversationID string) {
	p.chats.Cleanup(conversationID)
}

// SubmitFeedback routes feedback for round to optimization or finalization.
// The round limit is checked before the conversation is looked up.
func (p *Processor) SubmitFeedback(ctx context.Context, conversationID, text string, round int) (*FeedbackResult, error) {
	if round < 1 {
		round = 1
	}
	if round >= p.maxRounds {
		p.logger.Info("feedback rejected, max rounds reached",
			"conversation_id", conversationID, "round", round, "max_rounds", p.maxRounds)
		p.metrics.RecordFeedbackRejected(ctx, "max_rounds")
		return &FeedbackResult{ConversationID: conversationID, Round: round, MaxRoundsReached: true}, nil
	}

	rt, err := p.registry.Get(conversationID)
	if err != nil {
		p.metrics.RecordFeedbackRejected(ctx, "not_found")
		return nil, err
	}

	next := round + 1
	verdict := feedback.Classify(text)

	var (
		topic   string
		payload any
		kind    string
	)
	switch verdict {
	case feedback.VerdictApprove:
		topic, kind = agents.TopicFinalization, "finalize"
		payload = agents.FinalizationRequest{Feedback: text, Round: next}
	default:
		topic, kind = agents.TopicOptimization, "optimize"
		payload = agents.OptimizationRequest{Feedback: text, Round: next}
	}

	cursor, done, err := rt.DispatchFeedback(topic, payload)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrConversationBusy):
			p.metrics.RecordFeedbackRejected(ctx, "busy")
		case errors.Is(err, runtime.ErrNotAwaitingFeedback):
			p.logger.Info("feedback rejected, conversation not awaiting feedback",
				"conversation_id", conversationID, "stage", rt.State().Stage())
			p.metrics.RecordFeedbackRejected(ctx, "not_awaiting")
		}
		return nil, fmt.Errorf("submit feedback: %w", err)
	}

	p.logger.Info("feedback dispatched",
		"conversation_id", conversationID, "verdict", verdict, "round", next)
	p.metrics.RecordRoundStarted(ctx, kind, next)
	p.publishLifecycle(hermes.SubjectConversationStarted, hermes.LifecycleEvent{
		ConversationID: conversationID,
		Kind:           kind,
		Round:          next,
	})

	return &FeedbackResult{
		ConversationID: conversationID,
		Round:          next,
		Verdict:        verdict,
		Events:         p.relay(ctx, p.aggregator, rt, cursor, p.watch(rt, kind, done)),
	}, nil
}

// Clear drops a conversation and cancels anything it has in flight.
func (p *Processor) Clear(conversationID string) {
	p.registry.Cleanup(conversationID)
}

// Conversation returns a snapshot of a conversation's state.
func (p *Processor) Conversation(conversationID string) (runtime.Snapshot, error) {
	rt, err := p.registry.Get(conversationID)
	if err != nil {
		return runtime.Snapshot{}, err
	}
	return rt.State().Snapshot(), nil
}

// Live returns the number of conversations held in memory.
func (p *Processor) Live() int {
	return p.registry.Len() + p.chats.Len()
}

// Stats describes both registries.
type Stats struct {
	TestCase runtime.Stats `json:"testcase"`
	Chat     runtime.Stats `json:"chat"`
}

// Stats reports the registries as of now.
func (p *Processor) Stats() Stats {
	now := time.Now()
	return Stats{
		TestCase: p.registry.Stats(now),
		Chat:     p.chats.Stats(now),
	}
}

// Cleanup sweeps both registries immediately and returns how many
// conversations were evicted.
func (p *Processor) Cleanup() int {
	now := time.Now()
	n := p.registry.Sweep(now) + p.chats.Sweep(now)
	p.logger.Info("forced cleanup", "evicted", n)
	return n
}

// RunJanitor evicts idle and excess conversations until ctx ends.
func (p *Processor) RunJanitor(ctx context.Context, interval time.Duration) {
	go p.chats.Run(ctx, interval)
	p.registry.Run(ctx, interval)
}

// watch waits for a chain to finish, reports its outcome and closes the
// returned channel.
func (p *Processor) watch(rt *runtime.Runtime, kind string, done <-chan error) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		err := <-done
		snap := rt.State().Snapshot()

		if err != nil {
			stage := "unknown"
			var stageErr *runtime.StageError
			if errors.As(err, &stageErr) {
				stage = stageErr.Stage
			}
			p.logger.Error("chain failed", "conversation_id", rt.ID(), "stage", stage, "error", err)
			p.metrics.RecordChainFailed(context.Background(), stage)
			p.publishLifecycle(hermes.SubjectConversationFailed, hermes.LifecycleEvent{
				ConversationID: rt.ID(),
				Kind:           kind,
				Round:          snap.Round,
				Stage:          stage,
				Error:          err.Error(),
			})
			return
		}

		if kind == "finalize" && snap.Stage == runtime.StageCompleted {
			p.metrics.RecordCompleted(context.Background(), snap.Degraded)
			p.publishLifecycle(hermes.SubjectConversationCompleted, hermes.LifecycleEvent{
				ConversationID: rt.ID(),
				Kind:           kind,
				Round:          snap.Round,
				Stage:          string(snap.Stage),
				Degraded:       snap.Degraded,
				Result:         snap.FinalResult,
			})
		}
	}()
	return finished
}

// relay forwards the aggregated stream and, once it ends, waits for the
// chain itself to return so a follow-up request never races the busy flag.
func (p *Processor) relay(ctx context.Context, agg *stream.Aggregator, rt *runtime.Runtime, cursor int, finished <-chan struct{}) <-chan stream.ClientEvent {
	in := agg.Stream(ctx, rt, cursor)
	out := make(chan stream.ClientEvent, 32)
	go func() {
		defer close(out)
		for ce := range in {
			select {
			case out <- ce:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-finished:
		case <-ctx.Done():
		}
	}()
	return out
}

func (p *Processor) mirror(conversationID string, ev runtime.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishEvent(conversationID, ev); err != nil {
		p.logger.Warn("failed to mirror event", "conversation_id", conversationID, "error", err)
	}
}

func (p *Processor) publishLifecycle(subject string, evt hermes.LifecycleEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishLifecycle(subject, evt); err != nil {
		p.logger.Warn("failed to publish lifecycle event", "subject", subject, "error", err)
	}
}
