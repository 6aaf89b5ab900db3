package agent

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/hooks"
	"github.com/mkohler/cadence/llm"
	"github.com/mkohler/cadence/session"
	"github.com/mkohler/cadence/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (s *stubTool) Name() string                        { return s.name }
func (s *stubTool) Description() string                 { return "stub" }
func (s *stubTool) Parameters() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if s.execute != nil {
		return s.execute(ctx, args)
	}
	return "ok", nil
}

type recordingListener struct {
	texts   []string
	calls   []session.ToolCall
	results []session.ToolResult
}

func (r *recordingListener) OnAssistantText(text string)           { r.texts = append(r.texts, text) }
func (r *recordingListener) OnToolCall(call session.ToolCall)      { r.calls = append(r.calls, call) }
func (r *recordingListener) OnToolResult(res session.ToolResult)   { r.results = append(r.results, res) }

type staticTracker bool

func (s staticTracker) TaskPending() bool { return bool(s) }

func testConfig() *config.Config {
	return &config.Config{
		Toolsets:         []config.Toolset{{Name: "default", Tools: []string{"probe", "mutate"}}},
		MaxTurns:         50,
		MaxContinuations: 2,
		ParallelTools:    4,
		Hooks:            config.Hooks{CriticalPriority: 10},
	}
}

func testEngine(t *testing.T, cfg *config.Config, client llm.LLMClient, extra ...tools.Tool) (*Engine, *recordingListener) {
	t.Helper()
	t.Chdir(t.TempDir())

	registry := tools.NewRegistry(cfg, ".")
	registry.Register(&stubTool{name: "probe"})
	registry.MarkReadOnly("probe")
	registry.Register(&stubTool{name: "mutate"})
	for _, tool := range extra {
		registry.Register(tool)
	}

	sess, err := session.New("test")
	require.NoError(t, err)

	e, err := New(cfg, sess, client, registry, "default", ModeAuto)
	require.NoError(t, err)
	listener := &recordingListener{}
	e.Listener = listener
	return e, listener
}

// requireCompleted runs one input and asserts the turn finished normally.
func requireCompleted(t *testing.T, e *Engine, input string) {
	t.Helper()
	outcome, err := e.ProcessInput(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
}

func toolCall(id, name string) session.ToolCall {
	return session.ToolCall{ToolCallID: id, Name: name, Args: map[string]interface{}{}}
}

func TestTextOnlyInput(t *testing.T) {
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", Content: "hi there"}, 12, 3)
	e, listener := testEngine(t, testConfig(), client)

	requireCompleted(t, e, "hello")

	require.Len(t, client.Calls, 1)
	assert.Equal(t, []string{"hi there"}, listener.texts)
	require.Len(t, e.Session.Messages, 2)
	assert.Equal(t, "user", e.Session.Messages[0].Role)
	assert.Equal(t, "assistant", e.Session.Messages[1].Role)
	assert.Equal(t, 12, e.Session.Usage.PromptTokens)
	assert.Equal(t, 3, e.Session.Usage.CompletionTokens)
	assert.Equal(t, StateIdle, e.State())
}

func TestToolRoundTrip(t *testing.T) {
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "probe"),
			toolCall("c2", "mutate"),
		}}, 10, 5).
		Reply(session.Message{Role: "assistant", Content: "all done"}, 20, 4)
	e, listener := testEngine(t, testConfig(), client)

	requireCompleted(t, e, "do the thing")

	require.Len(t, client.Calls, 2)
	// The second model call must see the settled tool results.
	secondHistory := client.Calls[1]
	last := secondHistory[len(secondHistory)-1]
	assert.Equal(t, "tool", last.Role)
	require.Len(t, last.ToolResults, 2)
	assert.Equal(t, "c1", last.ToolResults[0].ToolCallID)
	assert.False(t, last.ToolResults[0].IsError)

	assert.Equal(t, 2, e.Session.Usage.ToolCalls)
	assert.Len(t, listener.calls, 2)
	assert.Len(t, listener.results, 2)
	assert.Equal(t, []string{"all done"}, listener.texts)
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "no_such_tool"),
		}}, 1, 1).
		Reply(session.Message{Role: "assistant", Content: "noted"}, 1, 1)
	e, _ := testEngine(t, testConfig(), client)

	requireCompleted(t, e, "go")

	history := client.Calls[1]
	last := history[len(history)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Contains(t, last.ToolResults[0].Content, "no_such_tool")
}

func TestMaxTurnsIsTerminalButNotAnError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 2
	client := llm.NewScriptedClient()
	for i := 0; i < 3; i++ {
		client.Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c", "probe"),
		}}, 1, 1)
	}
	e, listener := testEngine(t, cfg, client)

	requireCompleted(t, e, "loop forever")

	assert.Len(t, client.Calls, 2)
	require.NotEmpty(t, listener.texts)
	assert.Contains(t, listener.texts[len(listener.texts)-1], "Stopped after 2 turns")
}

func TestContinuationNudgeIsBounded(t *testing.T) {
	cfg := testConfig()
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", Content: "partial"}, 1, 1).
		Reply(session.Message{Role: "assistant", Content: "more"}, 1, 1).
		Reply(session.Message{Role: "assistant", Content: "stopping here"}, 1, 1)
	e, _ := testEngine(t, cfg, client)
	e.Tracker = staticTracker(true) // always claims work remains

	requireCompleted(t, e, "big task")

	// Two nudges, then the ceiling holds even though the tracker still
	// reports pending work.
	require.Len(t, client.Calls, 3)
	var nudges int
	for _, msg := range e.Session.Messages {
		if msg.Role == "user" && msg.Content == continueNudge {
			nudges++
		}
	}
	assert.Equal(t, 2, nudges)
}

func TestCancelDuringToolExecution(t *testing.T) {
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "trigger"),
		}}, 1, 1)

	var e *Engine
	var fired atomic.Bool
	trigger := &stubTool{name: "trigger", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		fired.Store(true)
		e.Cancel()
		return "done before cancel landed", nil
	}}

	cfg := testConfig()
	cfg.Toolsets[0].Tools = append(cfg.Toolsets[0].Tools, "trigger")
	var listener *recordingListener
	e, listener = testEngine(t, cfg, client, trigger)

	outcome, err := e.ProcessInput(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	assert.True(t, fired.Load())
	// No further model call happens after cancellation.
	assert.Len(t, client.Calls, 1)
	// The completed call's result is still recorded.
	require.Len(t, listener.results, 1)
	assert.Equal(t, "done before cancel landed", listener.results[0].Content)
	last := e.Session.Messages[len(e.Session.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, StateIdle, e.State())
}

// cancellingClient aborts the turn from inside the model wait.
type cancellingClient struct {
	e *Engine
}

func (c *cancellingClient) Chat(ctx context.Context, messages []session.Message, available []tools.Tool) (*llm.Reply, error) {
	c.e.Cancel()
	return nil, ctx.Err()
}

func TestCancelDuringModelWaitPersistsSession(t *testing.T) {
	client := &cancellingClient{}
	e, _ := testEngine(t, testConfig(), client)
	client.e = e

	outcome, err := e.ProcessInput(context.Background(), "save me")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	// The user message survives the aborted turn on disk, the same as when
	// the cancel lands during tool execution.
	reloaded, err := session.Load(e.Session.Name)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.Messages)
	assert.Equal(t, "save me", reloaded.Messages[len(reloaded.Messages)-1].Content)
}

func TestPromptModeDecline(t *testing.T) {
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "mutate"),
		}}, 1, 1).
		Reply(session.Message{Role: "assistant", Content: "fine, skipping"}, 1, 1)
	e, _ := testEngine(t, testConfig(), client)
	e.Mode = ModePrompt
	e.Approve = func(calls []session.ToolCall) bool { return false }

	requireCompleted(t, e, "change stuff")

	history := client.Calls[1]
	last := history[len(history)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Contains(t, last.ToolResults[0].Content, "declined")
}

func TestBudgetWarningNearTurnCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 3
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "probe"),
		}}, 1, 1).
		Reply(session.Message{Role: "assistant", Content: "done"}, 1, 1)
	e, listener := testEngine(t, cfg, client)

	requireCompleted(t, e, "quick")

	history := client.Calls[1]
	last := history[len(history)-1]
	require.Len(t, last.ToolResults, 1)
	assert.Contains(t, last.ToolResults[0].Content, "turns remain")
	// Listeners see the same result that goes into the history.
	require.Len(t, listener.results, 1)
	assert.Contains(t, listener.results[0].Content, "turns remain")
}

func TestBudgetWarningSkipsCancelledResults(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 3
	cfg.Toolsets[0].Tools = append(cfg.Toolsets[0].Tools, "trigger")
	client := llm.NewScriptedClient().
		Reply(session.Message{Role: "assistant", ToolCalls: []session.ToolCall{
			toolCall("c1", "trigger"),
			toolCall("c2", "mutate"),
		}}, 1, 1)

	var e *Engine
	trigger := &stubTool{name: "trigger", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		e.Cancel()
		return "done", nil
	}}
	var listener *recordingListener
	e, listener = testEngine(t, cfg, client, trigger)

	outcome, err := e.ProcessInput(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	// The skipped trailing result carries no budget note.
	require.Len(t, listener.results, 2)
	skipped := listener.results[1]
	assert.True(t, skipped.Skipped)
	assert.NotContains(t, skipped.Content, "turns remain")
}

func hooksVeto() hooks.Hook {
	return hooks.Hook{
		Name:       "gatekeeper",
		Lifecycles: []hooks.Lifecycle{hooks.BeforeModelTurn},
		Handler: func(hc hooks.Context) (hooks.Result, error) {
			return hooks.Result{Continue: false}, nil
		},
	}
}

func TestBeforeModelTurnVeto(t *testing.T) {
	client := llm.NewScriptedClient()
	e, _ := testEngine(t, testConfig(), client)
	e.Hooks.Register(hooksVeto())

	_, err := e.ProcessInput(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by hook")
	assert.Empty(t, client.Calls)
}
