package llm

import (
	"context"

	"github.com/mkohler/cadence/errors"
	"github.com/mkohler/cadence/session"
	"github.com/mkohler/cadence/tools"
)

// Reply is one model response together with its token accounting.
type Reply struct {
	Message          session.Message
	PromptTokens     int
	CompletionTokens int
}

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*Reply, error)
}

// EventKind discriminates the entries of a model event stream.
type EventKind string

const (
	EventTextDelta EventKind = "text-delta"
	EventToolCall  EventKind = "tool-call"
	EventDone      EventKind = "done"
)

// Event is one entry in a model event stream. Text is set for text-delta,
// ToolCall for tool-call. Done carries the full Reply, or Err if the request
// failed; it is always the final event.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *session.ToolCall
	Reply    *Reply
	Err      error
}

// Stream runs Chat and decomposes the reply into an event stream: a text
// delta for the assistant text, one tool-call event per requested call, then
// a terminal done event. The channel is closed after done. Consumers that
// only care about the final message can wait for done and ignore the rest.
func Stream(ctx context.Context, c LLMClient, messages []session.Message, availableTools []tools.Tool) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		reply, err := c.Chat(ctx, messages, availableTools)
		if err != nil {
			ch <- Event{Kind: EventDone, Err: err}
			return
		}
		if reply.Message.Content != "" {
			ch <- Event{Kind: EventTextDelta, Text: reply.Message.Content}
		}
		for i := range reply.Message.ToolCalls {
			ch <- Event{Kind: EventToolCall, ToolCall: &reply.Message.ToolCalls[i]}
		}
		ch <- Event{Kind: EventDone, Reply: reply}
	}()
	return ch
}

type scriptedStep struct {
	reply *Reply
	err   error
}

// ScriptedClient is an LLMClient that replays canned replies. Tests use it
// to drive the turn loop without a real provider.
type ScriptedClient struct {
	steps []scriptedStep
	next  int

	// Calls records the message history passed to each Chat invocation.
	Calls [][]session.Message
}

// NewScriptedClient builds an empty script; add steps with Reply and Fail.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Reply appends a successful step returning msg with the given token counts.
func (s *ScriptedClient) Reply(msg session.Message, prompt, completion int) *ScriptedClient {
	s.steps = append(s.steps, scriptedStep{reply: &Reply{
		Message:          msg,
		PromptTokens:     prompt,
		CompletionTokens: completion,
	}})
	return s
}

// Fail appends a failing step.
func (s *ScriptedClient) Fail(err error) *ScriptedClient {
	s.steps = append(s.steps, scriptedStep{err: err})
	return s
}

func (s *ScriptedClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	history := make([]session.Message, len(messages))
	copy(history, messages)
	s.Calls = append(s.Calls, history)

	if s.next >= len(s.steps) {
		return nil, errors.New("scripted client exhausted after %d replies", len(s.steps))
	}
	step := s.steps[s.next]
	s.next++
	if step.err != nil {
		return nil, step.err
	}
	return step.reply, nil
}
