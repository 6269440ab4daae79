package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Client event types.
const (
	TypeChunk   = "streaming_chunk"
	TypeMessage = "text_message"
	TypeResult  = "task_result"
	TypeError   = "error"
)

// ClientEvent is what a streaming client receives.
type ClientEvent struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversation_id"`
	Source         string              `json:"source,omitempty"`
	Content        string              `json:"content"`
	MessageType    runtime.MessageType `json:"message_type,omitempty"`
	IsComplete     bool                `json:"is_complete"`
	Degraded       bool                `json:"degraded,omitempty"`
	Round          int                 `json:"round,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
	Messages       []ClientEvent       `json:"messages,omitempty"`
}

// Options configures an Aggregator.
type Options struct {
	MaxWait      time.Duration
	PollInterval time.Duration
	// Sources are the event sources forwarded to clients.
	Sources []string
	// NoisePhrases drop complete messages whose content contains any of them.
	NoisePhrases []string
	// OnTimeout runs when a stream gives up waiting for a terminal event.
	OnTimeout func(rt *runtime.Runtime)
	Logger    *slog.Logger
}

// Aggregator turns a conversation's collector into a filtered client stream.
type Aggregator struct {
	opts    Options
	sources map[string]bool
	logger  *slog.Logger
}

func NewAggregator(opts Options) *Aggregator {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 120 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if len(opts.Sources) == 0 {
		opts.Sources = runtime.StageSources
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sources := make(map[string]bool, len(opts.Sources))
	for _, s := range opts.Sources {
		sources[s] = true
	}
	return &Aggregator{opts: opts, sources: sources, logger: opts.Logger}
}

// Stream forwards events appended to rt's collector from cursor on. The
// channel is closed after a task_result, an error, or when ctx ends.
func (a *Aggregator) Stream(ctx context.Context, rt *runtime.Runtime, from int) <-chan ClientEvent {
	out := make(chan ClientEvent, 32)
	go a.run(ctx, rt, from, out)
	return out
}

func (a *Aggregator) run(ctx context.Context, rt *runtime.Runtime, cursor int, out chan<- ClientEvent) {
	defer close(out)

	deadline := time.NewTimer(a.opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	id := rt.ID()
	collector := rt.Collector()
	var forwarded []ClientEvent

	send := func(ce ClientEvent) bool {
		select {
		case out <- ce:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		changed := collector.Changed()
		events := collector.Since(cursor)
		cursor += len(events)

		for _, ev := range events {
			if !a.pass(ev) {
				continue
			}
			ce := toClient(id, ev)
			if !send(ce) {
				return
			}
			forwarded = append(forwarded, ce)

			if ev.IsError() {
				return
			}
			if ev.IsFinal && ev.Source != runtime.SourceAnalyst {
				send(ClientEvent{
					Type:           TypeResult,
					ConversationID: id,
					Source:         ev.Source,
					Content:        ev.Content,
					MessageType:    ev.MessageType,
					IsComplete:     true,
					Degraded:       ev.Degraded,
					Round:          ev.Round,
					Timestamp:      time.Now().UTC(),
					Messages:       forwarded,
				})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		case <-deadline.C:
			a.logger.Warn("stream timed out", "conversation_id", id, "max_wait", a.opts.MaxWait)
			if a.opts.OnTimeout != nil {
				a.opts.OnTimeout(rt)
			}
			send(ClientEvent{
				Type:           TypeError,
				ConversationID: id,
				Content:        fmt.Sprintf("no result within %s", a.opts.MaxWait),
				IsComplete:     true,
				Timestamp:      time.Now().UTC(),
			})
			return
		}
	}
}

// pass applies the source and noise filters. Errors always pass so a
// failing chain is never silent.
func (a *Aggregator) pass(ev runtime.Event) bool {
	if ev.IsError() {
		return true
	}
	if !a.sources[ev.Source] {
		return false
	}
	if ev.IsChunk() {
		return true
	}
	for _, phrase := range a.opts.NoisePhrases {
		if phrase != "" && strings.Contains(ev.Content, phrase) {
			return false
		}
	}
	return true
}

func toClient(id string, ev runtime.Event) ClientEvent {
	ce := ClientEvent{
		ConversationID: id,
		Source:         ev.Source,
		Content:        ev.Content,
		MessageType:    ev.MessageType,
		Degraded:       ev.Degraded,
		Round:          ev.Round,
		Timestamp:      ev.Timestamp,
	}
	switch {
	case ev.IsError():
		ce.Type = TypeError
		ce.IsComplete = true
	case ev.IsChunk():
		ce.Type = TypeChunk
	default:
		ce.Type = TypeMessage
		ce.IsComplete = true
	}
	return ce
}
