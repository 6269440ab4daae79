package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrGatewayUnavailable is returned when the model backend cannot be reached.
var ErrGatewayUnavailable = errors.New("llm gateway unavailable")

// Delta is one item of a streamed completion. Partial deltas carry a text
// fragment. The last delta has Done set and, when the backend provides one,
// the canonical full text. A delta with Err set ends the stream.
type Delta struct {
	Text string
	Done bool
	Err  error
}

// Gateway streams a completion for a system prompt and a task.
// The returned channel is closed after the final or error delta.
type Gateway interface {
	StreamComplete(ctx context.Context, systemPrompt, task string) (<-chan Delta, error)
}

// Drain reads a delta stream to the end. onChunk, if set, sees every partial
// fragment. The returned text is the canonical final text when present,
// otherwise the concatenation of the fragments. A stream that closes without
// a final or error delta is an error, never a result.
func Drain(ctx context.Context, deltas <-chan Delta, onChunk func(string)) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				return "", fmt.Errorf("stream closed before final delta: %w", io.ErrUnexpectedEOF)
			}
			if d.Err != nil {
				return "", d.Err
			}
			if d.Done {
				if d.Text != "" {
					return d.Text, nil
				}
				return sb.String(), nil
			}
			if d.Text == "" {
				continue
			}
			sb.WriteString(d.Text)
			if onChunk != nil {
				onChunk(d.Text)
			}
		}
	}
}
