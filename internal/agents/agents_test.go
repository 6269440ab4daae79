package agents

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/casesmith/internal/llm/llmtest"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memPersister struct {
	mu      sync.Mutex
	finals  map[string]string
	history []runtime.HistoryEntry
	failAll bool
}

func newMemPersister() *memPersister {
	return &memPersister{finals: make(map[string]string)}
}

func (p *memPersister) SaveFinalArtifact(_ context.Context, id, structured string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errors.New("db down")
	}
	p.finals[id] = structured
	return nil
}

func (p *memPersister) AppendHistory(_ context.Context, _ string, entry runtime.HistoryEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return errors.New("db down")
	}
	p.history = append(p.history, entry)
	return nil
}

func (p *memPersister) final(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.finals[id]
	return s, ok
}

type stageCall struct {
	stage string
	err   error
}

type memRecorder struct {
	mu    sync.Mutex
	calls []stageCall
}

func (r *memRecorder) RecordStage(_ context.Context, stage string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, stageCall{stage: stage, err: err})
}

type fixture struct {
	gw        *llmtest.Gateway
	persister *memPersister
	recorder  *memRecorder
	rt        *runtime.Runtime
}

func newFixture(t *testing.T, scripts ...llmtest.Script) *fixture {
	t.Helper()
	f := &fixture{
		gw:        llmtest.New(scripts...),
		persister: newMemPersister(),
		recorder:  &memRecorder{},
	}
	reg := runtime.NewRegistry(runtime.Options{
		MaxRounds: 3,
		Logger:    discardLogger(),
		Install: Install(Deps{
			Gateway:   f.gw,
			Persister: f.persister,
			Recorder:  f.recorder,
			Logger:    discardLogger(),
		}),
	})
	f.rt, _ = reg.GetOrCreate("conv-1")
	return f
}

func (f *fixture) run(t *testing.T, topic string, payload any) ([]runtime.Event, error) {
	t.Helper()
	cursor, done, err := f.rt.Dispatch(topic, payload)
	require.NoError(t, err)
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chain did not finish")
	}
	return f.rt.Collector().Since(cursor), err
}

func finals(events []runtime.Event) []runtime.Event {
	var out []runtime.Event
	for _, ev := range events {
		if ev.IsFinal {
			out = append(out, ev)
		}
	}
	return out
}

func TestRoundOne_AnalysisThenGeneration(t *testing.T) {
	f := newFixture(t,
		llmtest.Script{Chunks: []string{"需求", "分析"}, Final: "需求分析"},
		llmtest.Script{Chunks: []string{"| 用例 |"}, Final: "| 用例 |"},
	)

	events, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "登录功能"})
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, runtime.SourceUser, events[0].Source)
	assert.Equal(t, runtime.TypeUserEcho, events[0].MessageType)

	fin := finals(events)
	require.Len(t, fin, 2)
	assert.Equal(t, runtime.SourceAnalyst, fin[0].Source)
	assert.Equal(t, "需求分析", fin[0].Content)
	assert.Equal(t, runtime.SourceGenerator, fin[1].Source)
	assert.Equal(t, "| 用例 |", fin[1].Content)
	assert.Equal(t, 1, fin[1].Round)

	var chunks []string
	for _, ev := range events {
		if ev.IsChunk() && ev.Source == runtime.SourceAnalyst {
			chunks = append(chunks, ev.Content)
		}
	}
	assert.Equal(t, []string{"需求", "分析"}, chunks)

	snap := f.rt.State().Snapshot()
	assert.Equal(t, runtime.StageAwaitingFeedback, snap.Stage)
	assert.Equal(t, "| 用例 |", snap.LastArtifact)
	assert.Equal(t, "需求分析", snap.Analysis)
	assert.Equal(t, 1, snap.Round)

	calls := f.gw.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Task, "登录功能")
	assert.Contains(t, calls[1].Task, "需求分析")

	assert.Len(t, f.recorder.calls, 2)
}

func TestAnalysis_ListsFiles(t *testing.T) {
	f := newFixture(t, llmtest.Script{Final: "a"}, llmtest.Script{Final: "b"})
	files := []FileRef{
		{Filename: "reset.txt", ContentType: "text/plain", Content: base64.StdEncoding.EncodeToString([]byte("用户可以重置密码"))},
		{Filename: "mock.png", ContentType: "image/png", Content: "iVBORw0KGgo="},
		{Filename: "bad.txt", ContentType: "text/plain", Content: "%%%not-base64"},
	}

	_, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "需求", Files: files})
	require.NoError(t, err)

	task := f.gw.Calls()[0].Task
	assert.Contains(t, task, "reset.txt: 用户可以重置密码")
	assert.Contains(t, task, "mock.png: 二进制文件")
	assert.Contains(t, task, "bad.txt: 无法解码的文件内容")
}

func TestFilePreview_Truncates(t *testing.T) {
	long := strings.Repeat("测", filePreviewLen+10)
	got := filePreview(FileRef{ContentType: "text/markdown", Content: base64.StdEncoding.EncodeToString([]byte(long))})
	assert.Equal(t, filePreviewLen+3, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestOptimization_RevisesArtifact(t *testing.T) {
	f := newFixture(t,
		llmtest.Script{Final: "analysis"},
		llmtest.Script{Final: "v1"},
		llmtest.Script{Chunks: []string{"v", "2"}},
	)
	_, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "req"})
	require.NoError(t, err)

	events, err := f.run(t, TopicOptimization, OptimizationRequest{Feedback: "add edge cases", Round: 2})
	require.NoError(t, err)

	fin := finals(events)
	require.Len(t, fin, 1)
	assert.Equal(t, runtime.SourceOptimizer, fin[0].Source)
	assert.Equal(t, "v2", fin[0].Content)
	assert.Equal(t, 2, fin[0].Round)

	task := f.gw.Calls()[2].Task
	assert.Contains(t, task, "add edge cases")
	assert.Contains(t, task, "v1")

	snap := f.rt.State().Snapshot()
	assert.Equal(t, runtime.StageAwaitingFeedback, snap.Stage)
	assert.Equal(t, 2, snap.Round)
	assert.Equal(t, "v2", snap.LastArtifact)
}

func TestFinalization_StructuredResult(t *testing.T) {
	structured := "```json\n[{\"title\":\"登录成功\",\"priority\":\"高\",\"tags\":\"功能测试\",\"steps\":[{\"description\":\"输入正确密码\",\"expected_result\":\"进入首页\"}]}]\n```"
	f := newFixture(t,
		llmtest.Script{Final: "analysis"},
		llmtest.Script{Final: "v1"},
		llmtest.Script{Final: structured},
	)
	_, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "req"})
	require.NoError(t, err)

	events, err := f.run(t, TopicFinalization, FinalizationRequest{Feedback: "同意", Round: 2})
	require.NoError(t, err)

	fin := finals(events)
	require.Len(t, fin, 1)
	assert.Equal(t, runtime.SourceFinalizer, fin[0].Source)
	assert.Equal(t, runtime.TypeResult, fin[0].MessageType)
	assert.False(t, fin[0].Degraded)

	var cases []TestCase
	require.NoError(t, json.Unmarshal([]byte(fin[0].Content), &cases))
	require.Len(t, cases, 1)
	assert.Equal(t, "登录成功", cases[0].Title)
	assert.Equal(t, "未开始", cases[0].Status)
	require.Len(t, cases[0].Steps, 1)

	snap := f.rt.State().Snapshot()
	assert.Equal(t, runtime.StageCompleted, snap.Stage)
	assert.Equal(t, runtime.StatusCompleted, snap.Status)
	assert.Equal(t, fin[0].Content, snap.FinalResult)

	assert.Eventually(t, func() bool {
		got, ok := f.persister.final("conv-1")
		return ok && got == fin[0].Content
	}, time.Second, 10*time.Millisecond)
}

func TestFinalization_DegradesOnMalformedOutput(t *testing.T) {
	f := newFixture(t,
		llmtest.Script{Final: "analysis"},
		llmtest.Script{Final: "| case table |"},
		llmtest.Script{Final: "sorry, here are your cases: not json"},
	)
	_, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "req"})
	require.NoError(t, err)

	events, err := f.run(t, TopicFinalization, FinalizationRequest{Feedback: "APPROVE", Round: 2})
	require.NoError(t, err)

	fin := finals(events)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].Degraded)

	var cases []TestCase
	require.NoError(t, json.Unmarshal([]byte(fin[0].Content), &cases))
	require.Len(t, cases, 1)
	assert.Equal(t, "| case table |", cases[0].Desc)
	assert.True(t, f.rt.State().Snapshot().Degraded)
}

func TestFinalization_MalformedWithoutArtifactFails(t *testing.T) {
	f := newFixture(t, llmtest.Script{Final: "not json"})
	// Drive the state to AwaitingFeedback without an artifact.
	st := f.rt.State()
	_, err := st.Begin("req")
	require.NoError(t, err)
	require.NoError(t, st.Transition(runtime.StageGeneratingTestcases))
	require.NoError(t, st.Transition(runtime.StageAwaitingFeedback))

	events, err := f.run(t, TopicFinalization, FinalizationRequest{Feedback: "同意", Round: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedFinalOutput)

	fin := finals(events)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].IsError())
	assert.Equal(t, runtime.SourceFinalizer, fin[0].Source)
	assert.Equal(t, runtime.StageFailed, st.Stage())
}

func TestGatewayUnavailable_FailsStage(t *testing.T) {
	f := newFixture(t, llmtest.Script{ConnectErr: llmtest.ErrUnavailable})

	events, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "req"})
	require.Error(t, err)

	fin := finals(events)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].IsError())
	assert.Equal(t, runtime.SourceAnalyst, fin[0].Source)
	assert.Equal(t, runtime.StageFailed, f.rt.State().Stage())
	assert.Len(t, f.gw.Calls(), 1)

	require.Len(t, f.recorder.calls, 1)
	assert.Error(t, f.recorder.calls[0].err)
}

func TestOptimization_RejectedOutsideFeedbackStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, TopicOptimization, OptimizationRequest{Feedback: "x", Round: 2})
	require.Error(t, err)
	assert.Empty(t, f.gw.Calls())
}

func TestPersistenceFailureDoesNotAffectState(t *testing.T) {
	f := newFixture(t,
		llmtest.Script{Final: "analysis"},
		llmtest.Script{Final: "v1"},
		llmtest.Script{Final: `[{"title":"t"}]`},
	)
	f.persister.failAll = true

	_, err := f.run(t, TopicRequirement, AnalysisRequest{Content: "req"})
	require.NoError(t, err)
	_, err = f.run(t, TopicFinalization, FinalizationRequest{Feedback: "同意", Round: 2})
	require.NoError(t, err)

	assert.Equal(t, runtime.StageCompleted, f.rt.State().Stage())
}

func TestInstall_SubscribesAllTopics(t *testing.T) {
	f := newFixture(t)
	topics := f.rt.Router().Topics()
	for _, topic := range []string{TopicRequirement, TopicGeneration, TopicOptimization, TopicFinalization} {
		assert.Equal(t, 1, topics[topic], topic)
	}
}

func TestNoisePhrases_MatchStatusNotices(t *testing.T) {
	phrases := NoisePhrases()
	assert.Len(t, phrases, 4)
	for _, p := range phrases {
		assert.True(t, strings.HasPrefix(p, "正在"))
	}
}

func newChatRuntime(t *testing.T, gw *llmtest.Gateway, p *memPersister) *runtime.Runtime {
	t.Helper()
	reg := runtime.NewRegistry(runtime.Options{
		Logger:  discardLogger(),
		Install: InstallChat(Deps{Gateway: gw, Persister: p, Logger: discardLogger()}),
	})
	rt, _ := reg.GetOrCreate("chat-1")
	return rt
}

func runChat(t *testing.T, rt *runtime.Runtime, req ChatRequest) ([]runtime.Event, error) {
	t.Helper()
	cursor, done, err := rt.Dispatch(TopicChat, req)
	require.NoError(t, err)
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not finish")
	}
	return rt.Collector().Since(cursor), err
}

func TestChat_ReplaysTranscript(t *testing.T) {
	gw := llmtest.New(
		llmtest.Script{Chunks: []string{"你好", "！"}, Final: "你好！"},
		llmtest.Script{Final: "42"},
	)
	rt := newChatRuntime(t, gw, newMemPersister())

	events, err := runChat(t, rt, ChatRequest{Message: "你好"})
	require.NoError(t, err)
	fin := finals(events)
	require.Len(t, fin, 1)
	assert.Equal(t, runtime.TypeChat, fin[0].MessageType)
	assert.Equal(t, runtime.SourceChat, fin[0].Source)
	assert.Equal(t, "你好！", fin[0].Content)

	_, err = runChat(t, rt, ChatRequest{Message: "答案是什么", SystemMessage: "简短回答"})
	require.NoError(t, err)

	calls := gw.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, defaultChatSystemPrompt, calls[0].SystemPrompt)
	assert.Equal(t, "你好", calls[0].Task)
	assert.Equal(t, "简短回答", calls[1].SystemPrompt)
	assert.Contains(t, calls[1].Task, "用户：你好")
	assert.Contains(t, calls[1].Task, "助手：你好！")
	assert.True(t, strings.HasSuffix(calls[1].Task, "用户：答案是什么"))

	transcript := rt.State().ChatTranscript()
	require.Len(t, transcript, 4)
	assert.Equal(t, runtime.HistoryChatUser, transcript[2].Kind)
	assert.Equal(t, runtime.HistoryChatAssistant, transcript[3].Kind)
	assert.Equal(t, "42", transcript[3].Content)
	assert.Equal(t, runtime.StageCreated, rt.State().Stage())
}

func TestChat_GatewayFailureEmitsError(t *testing.T) {
	gw := llmtest.New(llmtest.Script{ConnectErr: llmtest.ErrUnavailable})
	rt := newChatRuntime(t, gw, newMemPersister())

	events, err := runChat(t, rt, ChatRequest{Message: "hi"})
	require.Error(t, err)
	fin := finals(events)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].IsError())
	assert.Equal(t, runtime.SourceChat, fin[0].Source)

	// Only the user turn was recorded.
	require.Len(t, rt.State().ChatTranscript(), 1)
}

func TestChatTask_KeepsRecentTurns(t *testing.T) {
	var history []runtime.HistoryEntry
	for i := 0; i < chatContextTurns+6; i++ {
		history = append(history, runtime.HistoryEntry{Kind: runtime.HistoryChatUser, Content: "turn-" + string(rune('a'+i))})
	}
	task := chatTask(history, "now")
	assert.NotContains(t, task, "turn-a\n")
	assert.Contains(t, task, history[len(history)-1].Content)
	assert.Equal(t, chatContextTurns+1, strings.Count(task, "用户："))
}

func TestInstallChat_SubscribesChatTopic(t *testing.T) {
	rt := newChatRuntime(t, llmtest.New(), newMemPersister())
	topics := rt.Router().Topics()
	assert.Equal(t, 1, topics[TopicChat])
	assert.Zero(t, topics[TopicRequirement])
}
