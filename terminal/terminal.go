// Package terminal implements the interactive CLI surface: it reads user
// input line by line, streams engine events back as text, and handles the
// small set of slash commands. Editor integration lives in the acp package.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mkohler/cadence/agent"
	"github.com/mkohler/cadence/session"
)

// Verbosity controls how much tool activity is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ctrlCWindow is how long a second interrupt counts as "quit" rather than
// "cancel again".
const ctrlCWindow = 2 * time.Second

// Terminal is the CLI loop around an engine.
type Terminal struct {
	engine    *agent.Engine
	verbosity Verbosity

	in  io.Reader
	out io.Writer
}

// New creates a terminal bound to stdin/stdout.
func New(e *agent.Engine, verbosity Verbosity) *Terminal {
	return &Terminal{engine: e, verbosity: verbosity, in: os.Stdin, out: os.Stdout}
}

// NewWithStreams creates a terminal over explicit streams. Used by tests.
func NewWithStreams(e *agent.Engine, verbosity Verbosity, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{engine: e, verbosity: verbosity, in: in, out: out}
}

// OnAssistantText implements agent.Listener.
func (t *Terminal) OnAssistantText(text string) {
	fmt.Fprintf(t.out, "Cadence: %s\n", text)
}

// OnToolCall implements agent.Listener.
func (t *Terminal) OnToolCall(call session.ToolCall) {
	switch t.verbosity {
	case VerbosityAll:
		fmt.Fprintf(t.out, "Calling tool `%s` with args: %v\n", call.Name, call.Args)
	case VerbosityInfo:
		fmt.Fprintf(t.out, "Calling tool `%s`\n", call.Name)
	}
}

// OnToolResult implements agent.Listener.
func (t *Terminal) OnToolResult(result session.ToolResult) {
	if t.verbosity != VerbosityAll {
		return
	}
	switch {
	case result.Skipped:
		fmt.Fprintf(t.out, "Tool call %s skipped\n", result.ToolCallID)
	case result.IsError:
		fmt.Fprintf(t.out, "Tool call %s failed: %s\n", result.ToolCallID, result.Content)
	default:
		fmt.Fprintf(t.out, "Tool output: %s\n", result.Content)
	}
}

// Run starts the interactive loop. An initial prompt from the command line
// is processed before the first read. The loop ends on EOF or /quit.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	t.engine.Listener = t
	t.engine.Approve = t.confirm

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)
	done := make(chan struct{})
	defer close(done)
	go t.watchInterrupts(interrupts, done)

	if initialPrompt != "" {
		if _, err := t.engine.ProcessInput(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if t.command(input) {
				return scanner.Err()
			}
			continue
		}

		if _, err := t.engine.ProcessInput(ctx, input); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// command handles a slash command. It reports whether the loop should exit.
func (t *Terminal) command(input string) bool {
	if name, ok := strings.CutPrefix(input, "/model "); ok {
		name = strings.TrimSpace(name)
		if name != "" {
			t.engine.Config.Model = name
			if m, ok := t.engine.Client.(interface{ SetModel(string) }); ok {
				m.SetModel(name)
			}
			fmt.Fprintf(t.out, "Model set to %s.\n", name)
			return false
		}
	}
	switch input {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(t.out, "Commands:")
		fmt.Fprintln(t.out, "  /help   show this help")
		fmt.Fprintln(t.out, "  /cost   show token usage for this session")
		fmt.Fprintln(t.out, "  /clear  forget the conversation so far")
		fmt.Fprintln(t.out, "  /model  show or change the model (/model <name>)")
		fmt.Fprintln(t.out, "  /quit   exit")
	case "/cost":
		u := t.engine.Session.Usage
		fmt.Fprintf(t.out, "Tokens: %d prompt, %d completion. Tool calls: %d\n",
			u.PromptTokens, u.CompletionTokens, u.ToolCalls)
	case "/clear":
		t.engine.Session.Messages = nil
		fmt.Fprintln(t.out, "Conversation cleared.")
	case "/model":
		fmt.Fprintf(t.out, "Model: %s (%s)\n", t.engine.Config.Model, t.engine.Config.LLMClient)
	default:
		fmt.Fprintf(t.out, "Unknown command %s. Try /help.\n", input)
	}
	return false
}

// confirm asks the user before a batch of tool calls runs. Only used in
// prompt mode.
func (t *Terminal) confirm(calls []session.ToolCall) bool {
	for _, call := range calls {
		fmt.Fprintf(t.out, "Wants to call `%s`\n", call.Name)
	}
	fmt.Fprint(t.out, "Allow? (y/n): ")
	reader := bufio.NewReader(t.in)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(answer)) == "y"
}

// watchInterrupts maps the first Ctrl-C to cancelling the in-flight turn and
// a quick second one to exiting the process.
func (t *Terminal) watchInterrupts(interrupts <-chan os.Signal, done <-chan struct{}) {
	var lastInterrupt time.Time
	for {
		select {
		case <-done:
			return
		case <-interrupts:
			now := time.Now()
			if now.Sub(lastInterrupt) < ctrlCWindow {
				fmt.Fprintln(t.out, "\nExiting.")
				os.Exit(0)
			}
			lastInterrupt = now
			t.engine.Cancel()
			fmt.Fprintln(t.out, "\nCancelled. Press Ctrl-C again to quit.")
		}
	}
}
