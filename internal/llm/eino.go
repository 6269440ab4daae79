package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoGateway adapts an eino chat model to Gateway.
type EinoGateway struct {
	model model.BaseChatModel
}

func NewEinoGateway(m model.BaseChatModel) *EinoGateway {
	return &EinoGateway{model: m}
}

func (g *EinoGateway) StreamComplete(ctx context.Context, systemPrompt, task string) (<-chan Delta, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(task),
	}

	sr, err := g.model.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	out := make(chan Delta, 16)
	go func() {
		defer close(out)
		defer sr.Close()

		var chunks []*schema.Message
		for {
			msg, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(ctx, out, Delta{Err: fmt.Errorf("stream recv: %w", err)})
				return
			}
			if msg == nil {
				continue
			}
			chunks = append(chunks, msg)
			if msg.Content == "" {
				continue
			}
			if !send(ctx, out, Delta{Text: msg.Content}) {
				return
			}
		}

		final := Delta{Done: true}
		if len(chunks) > 0 {
			merged, err := schema.ConcatMessages(chunks)
			if err == nil && merged != nil {
				final.Text = merged.Content
			}
		}
		send(ctx, out, final)
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
