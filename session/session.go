package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ToolCall is a tool invocation requested by the model. It is immutable once
// dispatched; the ToolCallID uniquely references it within the conversation.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// ToolResult is produced exactly once per ToolCall. Skipped marks a call that
// was never started because the turn was cancelled; it is distinct from a
// failed execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// Message is one entry in the conversation history.
type Message struct {
	Role        string       `json:"role"` // "system", "user", "assistant", "tool"
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Usage accumulates token accounting across a session.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ToolCalls        int `json:"tool_calls"`
}

// Session is the append-only conversation state plus the metadata needed to
// resume it. Prior messages are never mutated, only appended to.
type Session struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
	Mode     string    `json:"mode,omitempty"`
	Toolset  string    `json:"toolset,omitempty"`
	Usage    Usage     `json:"usage"`
	path     string
}

// New creates a new session. An empty name gets a generated one.
func New(name string) (*Session, error) {
	if name == "" {
		name = uuid.NewString()
	}
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load loads an existing session from disk.
func Load(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// AddUsage folds one turn's token counts into the running totals.
func (s *Session) AddUsage(prompt, completion int) {
	s.Usage.PromptTokens += prompt
	s.Usage.CompletionTokens += completion
}

func getSessionPath(name string) (string, error) {
	sessionDir := filepath.Join(".cadence", "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return filepath.Join(sessionDir, fmt.Sprintf("%s.json", name)), nil
}
