// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/MikeSquared-Agency/casesmith/internal/llm"
)

// Script describes one scripted completion.
type Script struct {
	Chunks []string
	// Final is sent as the canonical text on the Done delta. Empty means the
	// consumer must fall back to concatenating Chunks.
	Final string
	// ConnectErr is returned from StreamComplete itself.
	ConnectErr error
	// StreamErr is sent after Chunks instead of a Done delta.
	StreamErr error
	// Block keeps the stream open after Chunks until the context ends.
	Block bool
}

// Call records the arguments of one StreamComplete invocation.
type Call struct {
	SystemPrompt string
	Task         string
}

// Gateway replays scripts in order. When the queue is empty it uses Default.
type Gateway struct {
	Default Script

	mu      sync.Mutex
	scripts []Script
	calls   []Call
}

func New(scripts ...Script) *Gateway {
	return &Gateway{scripts: scripts}
}

// Push appends scripts to the queue.
func (g *Gateway) Push(scripts ...Script) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts = append(g.scripts, scripts...)
}

// Calls returns a copy of the recorded invocations.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

func (g *Gateway) StreamComplete(ctx context.Context, systemPrompt, task string) (<-chan llm.Delta, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Call{SystemPrompt: systemPrompt, Task: task})
	s := g.Default
	if len(g.scripts) > 0 {
		s = g.scripts[0]
		g.scripts = g.scripts[1:]
	}
	g.mu.Unlock()

	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}

	out := make(chan llm.Delta)
	go func() {
		defer close(out)
		for _, c := range s.Chunks {
			select {
			case out <- llm.Delta{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		var last llm.Delta
		switch {
		case s.Block:
			<-ctx.Done()
			last = llm.Delta{Err: ctx.Err()}
		case s.StreamErr != nil:
			last = llm.Delta{Err: s.StreamErr}
		default:
			last = llm.Delta{Text: s.Final, Done: true}
		}
		select {
		case out <- last:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// ErrUnavailable is a convenience connect error wrapping llm.ErrGatewayUnavailable.
var ErrUnavailable = errors.Join(llm.ErrGatewayUnavailable, errors.New("connection refused"))
