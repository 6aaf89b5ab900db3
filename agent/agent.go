// Package agent drives the conversation: it feeds the session history to the
// model, schedules requested tool calls, and loops until the model settles on
// a text answer, the turn limit is hit, or the user cancels.
package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"sync"

	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/dispatch"
	"github.com/mkohler/cadence/errors"
	"github.com/mkohler/cadence/hooks"
	"github.com/mkohler/cadence/llm"
	"github.com/mkohler/cadence/session"
	"github.com/mkohler/cadence/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// State is the engine's position in the turn loop.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateExecutingTools
	StateCancelled
)

// Outcome is how a processed input ended. Callers use it to tell a finished
// turn from an aborted one after the engine has gone back to idle.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// TaskTracker reports whether the current task still has unfinished work.
// When the model stops calling tools but the tracker says work remains, the
// engine nudges it to continue, up to the configured continuation ceiling.
type TaskTracker interface {
	TaskPending() bool
}

// Listener receives conversation events as they happen. Implementations back
// the terminal UI and the editor protocol server. All methods are optional;
// a nil Listener is valid.
type Listener interface {
	OnAssistantText(text string)
	OnToolCall(call session.ToolCall)
	OnToolResult(result session.ToolResult)
}

// Approver decides whether a batch of tool calls may run. Prompt mode wires
// this to an interactive confirmation.
type Approver func(calls []session.ToolCall) bool

// budgetWarnAt is how many turns may remain before the engine starts warning
// the model to wrap up.
const budgetWarnAt = 5

const continueNudge = "The task is not finished. Continue working on it."

// Engine owns one session's turn loop.
type Engine struct {
	Config    *config.Config
	Session   *session.Session
	Client    llm.LLMClient
	Registry  *tools.Registry
	Active    []tools.Tool
	Hooks     *hooks.Registry
	Scheduler *dispatch.Scheduler
	Tracker   TaskTracker
	Listener  Listener
	Approve   Approver
	Mode      Mode

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	byName map[string]tools.Tool
}

// New assembles an engine from its parts. The toolset name selects which
// registered tools the model may see.
func New(cfg *config.Config, sess *session.Session, client llm.LLMClient, registry *tools.Registry, toolset string, mode Mode) (*Engine, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}
	active, err := registry.ActiveTools(ts)
	if err != nil {
		return nil, err
	}

	hookReg := hooks.NewRegistry(cfg.Hooks.CriticalPriority)
	e := &Engine{
		Config:    cfg,
		Session:   sess,
		Client:    client,
		Registry:  registry,
		Active:    active,
		Hooks:     hookReg,
		Scheduler: dispatch.NewScheduler(hookReg, cfg.ParallelTools),
		Mode:      mode,
		byName:    make(map[string]tools.Tool, len(active)),
	}
	for _, t := range active {
		e.byName[t.Name()] = t
	}
	return e, nil
}

// State returns the engine's current position in the turn loop.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Cancel aborts the in-flight turn, if any. The engine stops at the next
// boundary: an awaited model reply is abandoned, remaining tool groups are
// recorded as skipped. Prior history is untouched and the session stays
// usable for the next input.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessInput runs one user input to completion: model turns and tool
// batches alternate until the model answers in text, the turn ceiling is
// reached, or the turn is cancelled. Cancellation is not an error; it is
// reported as OutcomeCancelled. The session is saved on every exit path.
func (e *Engine) ProcessInput(ctx context.Context, input string) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		e.setState(StateIdle)
		e.save()
	}()

	e.Session.AddMessage(session.Message{Role: "user", Content: input})

	continuations := 0
	for turn := 0; ; turn++ {
		if turn >= e.Config.MaxTurns {
			// Hitting the ceiling ends the turn cleanly; the session holds
			// whatever progress was made.
			e.notifyText(fmt.Sprintf("Stopped after %d turns without a final answer.", turn))
			break
		}

		if res := e.Hooks.Run(hooks.BeforeModelTurn, hooks.Context{
			Lifecycle: hooks.BeforeModelTurn,
			Message:   input,
		}); !res.Continue {
			return OutcomeCompleted, errors.New("model turn blocked by hook '%v'", res.Metadata["vetoed_by"])
		}

		e.setState(StateAwaitingModel)
		var reply *llm.Reply
		var chatErr error
		for ev := range llm.Stream(ctx, e.Client, e.Session.Messages, e.Active) {
			switch ev.Kind {
			case llm.EventTextDelta:
				e.notifyText(ev.Text)
			case llm.EventToolCall:
				e.notifyToolCall(*ev.ToolCall)
			case llm.EventDone:
				reply, chatErr = ev.Reply, ev.Err
			}
		}
		if chatErr != nil {
			if stderrors.Is(chatErr, context.Canceled) {
				e.setState(StateCancelled)
				return OutcomeCancelled, nil
			}
			return OutcomeCompleted, errors.Wrapf(chatErr, "model request failed")
		}
		e.Session.AddUsage(reply.PromptTokens, reply.CompletionTokens)

		e.Hooks.Run(hooks.AfterModelTurn, hooks.Context{
			Lifecycle: hooks.AfterModelTurn,
			Message:   reply.Message.Content,
		})

		e.Session.AddMessage(reply.Message)

		if len(reply.Message.ToolCalls) == 0 {
			if e.Tracker != nil && e.Tracker.TaskPending() && continuations < e.Config.MaxContinuations {
				continuations++
				e.Session.AddMessage(session.Message{Role: "user", Content: continueNudge})
				continue
			}
			break
		}

		if e.Mode == ModePrompt && e.Approve != nil && !e.Approve(reply.Message.ToolCalls) {
			e.Session.AddMessage(e.declinedResults(reply.Message.ToolCalls))
			continue
		}

		e.setState(StateExecutingTools)
		results := e.Scheduler.Schedule(ctx, reply.Message.ToolCalls, e.Registry.IsReadOnly, e.executeCall)
		e.Session.Usage.ToolCalls += len(results)

		if remaining := e.Config.MaxTurns - turn - 1; remaining <= budgetWarnAt && len(results) > 0 {
			if last := &results[len(results)-1]; !last.Skipped {
				last.Content += fmt.Sprintf("\n\nNote: only %d turns remain. Wrap up and answer.", remaining)
			}
		}

		for _, r := range results {
			e.notifyToolResult(r)
		}

		e.Session.AddMessage(session.Message{Role: "tool", ToolResults: results})

		if ctx.Err() != nil {
			e.setState(StateCancelled)
			return OutcomeCancelled, nil
		}
	}

	return OutcomeCompleted, nil
}

// executeCall resolves a tool by name and runs it. Unknown names are an
// error the model can read and correct.
func (e *Engine) executeCall(ctx context.Context, call session.ToolCall) (string, error) {
	t, ok := e.byName[call.Name]
	if !ok {
		return "", errors.New("tool '%s' is not available", call.Name)
	}
	return t.Execute(ctx, call.Args)
}

// declinedResults settles every call of a rejected batch so the history
// stays balanced.
func (e *Engine) declinedResults(calls []session.ToolCall) session.Message {
	results := make([]session.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = session.ToolResult{
			ToolCallID: call.ToolCallID,
			Content:    "The user declined to run this tool.",
			IsError:    true,
		}
	}
	return session.Message{Role: "tool", ToolResults: results}
}

func (e *Engine) save() {
	if err := e.Session.Save(); err != nil {
		log.Printf("Warning: failed to save session: %v", err)
	}
}

func (e *Engine) notifyText(text string) {
	if e.Listener != nil {
		e.Listener.OnAssistantText(text)
	}
}

func (e *Engine) notifyToolCall(call session.ToolCall) {
	if e.Listener != nil {
		e.Listener.OnToolCall(call)
	}
}

func (e *Engine) notifyToolResult(result session.ToolResult) {
	if e.Listener != nil {
		e.Listener.OnToolResult(result)
	}
}
