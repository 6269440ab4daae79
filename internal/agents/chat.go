package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// TopicChat is the topic the chat assistant subscribes to.
const TopicChat = "chat"

// defaultChatSystemPrompt is used when a request carries no system message.
const defaultChatSystemPrompt = "你是一个有用的AI助手"

// chatContextTurns bounds how many earlier turns are replayed to the model.
const chatContextTurns = 20

// ChatRequest is one user turn of a free-form chat.
type ChatRequest struct {
	Message       string
	SystemMessage string
}

// ChatAssistant answers free-form questions, replaying the recent transcript
// of its conversation with every turn.
type ChatAssistant struct {
	deps *Deps
}

func (c *ChatAssistant) Name() string { return runtime.SourceChat }

func (c *ChatAssistant) Handle(ctx context.Context, rt *runtime.Runtime, payload any) ([]runtime.Message, error) {
	req, ok := payload.(ChatRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", payload)
	}

	st := rt.State()
	task := chatTask(st.ChatTranscript(), req.Message)
	c.deps.persistHistory(rt, st.RecordChat(runtime.HistoryChatUser, req.Message))

	system := req.SystemMessage
	if system == "" {
		system = defaultChatSystemPrompt
	}

	reply, err := c.deps.complete(ctx, rt, c.Name(), system, task)
	if err != nil {
		return nil, err
	}
	c.deps.persistHistory(rt, st.RecordChat(runtime.HistoryChatAssistant, reply))

	rt.Emit(ctx, runtime.Event{
		Source:      c.Name(),
		Content:     reply,
		MessageType: runtime.TypeChat,
		IsFinal:     true,
	})
	return nil, nil
}

// chatTask renders the earlier turns followed by the new message. Without
// history the message is sent as is.
func chatTask(history []runtime.HistoryEntry, message string) string {
	if len(history) == 0 {
		return message
	}
	if len(history) > chatContextTurns {
		history = history[len(history)-chatContextTurns:]
	}
	var b strings.Builder
	b.WriteString("以下是之前的对话：\n\n")
	for _, e := range history {
		role := "用户"
		if e.Kind == runtime.HistoryChatAssistant {
			role = "助手"
		}
		fmt.Fprintf(&b, "%s：%s\n\n", role, e.Content)
	}
	b.WriteString("用户：")
	b.WriteString(message)
	return b.String()
}

// InstallChat returns a runtime.Installer that subscribes the chat assistant.
func InstallChat(d Deps) runtime.Installer {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PersistTimeout == 0 {
		d.PersistTimeout = 10 * time.Second
	}
	return func(rt *runtime.Runtime) {
		rt.Router().Subscribe(TopicChat, &ChatAssistant{deps: &d})
	}
}
