package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/casesmith/internal/llm"
)

// stubChatModel streams a fixed list of assistant chunks.
type stubChatModel struct {
	chunks    []string
	streamErr error
	got       []*schema.Message
}

func (m *stubChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.got = input
	var content string
	for _, c := range m.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *stubChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.got = input
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestEinoGateway_StreamsChunksAndFinal(t *testing.T) {
	cm := &stubChatModel{chunks: []string{"用例", "一", "二"}}
	gw := llm.NewEinoGateway(cm)

	deltas, err := gw.StreamComplete(context.Background(), "system prompt", "the task")
	require.NoError(t, err)

	var parts []string
	text, err := llm.Drain(context.Background(), deltas, func(s string) { parts = append(parts, s) })
	require.NoError(t, err)
	assert.Equal(t, "用例一二", text)
	assert.Equal(t, []string{"用例", "一", "二"}, parts)

	require.Len(t, cm.got, 2)
	assert.Equal(t, schema.System, cm.got[0].Role)
	assert.Equal(t, "system prompt", cm.got[0].Content)
	assert.Equal(t, schema.User, cm.got[1].Role)
	assert.Equal(t, "the task", cm.got[1].Content)
}

func TestEinoGateway_ConnectFailure(t *testing.T) {
	gw := llm.NewEinoGateway(&stubChatModel{streamErr: errors.New("no route to host")})
	_, err := gw.StreamComplete(context.Background(), "s", "t")
	assert.ErrorIs(t, err, llm.ErrGatewayUnavailable)
}

func TestEinoGateway_EmptyStream(t *testing.T) {
	gw := llm.NewEinoGateway(&stubChatModel{})
	deltas, err := gw.StreamComplete(context.Background(), "s", "t")
	require.NoError(t, err)

	text, err := llm.Drain(context.Background(), deltas, nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}
