// Package acp exposes the engine to editors over the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 on stdio. The subset implemented is
// initialize, session/new, session/load, session/prompt and the
// session/cancel notification; progress flows back to the client as
// session/update notifications.
//
// Nothing but JSON-RPC messages may be written to stdout; diagnostics go to
// the trace file when tracing is enabled.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mkohler/cadence/agent"
	"github.com/mkohler/cadence/session"
)

// Run serves the protocol until stdin closes. A broken frame is fatal; a
// malformed JSON payload gets a parse error response and the loop continues.
func Run(ctx context.Context, engine *agent.Engine, in *bufio.Reader, out *bufio.Writer, traceEnabled bool) error {
	trace := func(string) {}
	if traceEnabled {
		traceFile, err := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer traceFile.Close()
			trace = func(msg string) {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	server := &acpServer{
		ctx:      ctx,
		engine:   engine,
		sessions: make(map[string]*session.Session),
		in:       in,
		out:      out,
		trace:    trace,
	}
	server.trace("Run: starting server")
	// In-flight prompts finish (and answer) before Run returns.
	defer server.prompts.Wait()

	for {
		line, _, err := in.ReadLine()
		if err != nil {
			if err == io.EOF {
				server.trace("Run: EOF, exiting")
				return nil
			}
			return fmt.Errorf("acp: read error: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		server.trace(fmt.Sprintf("<- %s", string(line)))

		var req jsonrpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = server.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}
		server.dispatch(&req)
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type acpServer struct {
	ctx    context.Context
	engine *agent.Engine

	sessionsMu   sync.Mutex
	sessions     map[string]*session.Session
	sessionIDSeq int64

	in      *bufio.Reader
	out     *bufio.Writer
	writeMu sync.Mutex

	// promptMu serializes prompt turns on the single engine; prompts tracks
	// them so Run can drain before returning.
	promptMu sync.Mutex
	prompts  sync.WaitGroup

	trace func(string)
}

func (s *acpServer) dispatch(req *jsonrpcRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "session/new":
		s.handleSessionNew(req)
	case "session/load":
		s.handleSessionLoad(req)
	case "session/prompt":
		// Prompts run off the read loop so a session/cancel arriving while
		// the engine works can still be delivered. Responses stay serialized
		// through writeMu.
		s.prompts.Add(1)
		go func() {
			defer s.prompts.Done()
			s.handleSessionPrompt(req)
		}()
	case "session/cancel":
		// A notification; aborts the in-flight prompt at the next boundary.
		s.engine.Cancel()
	default:
		_ = s.writeResponseError(req.ID, -32601, "Method not found", nil)
	}
}

func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	s.trace(fmt.Sprintf("-> %s", string(data)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if _, err := s.out.WriteString("\n"); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *acpServer) writeResponseOK(id any, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	sid := s.nextSessionID()
	sess, err := session.New(sid)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}
	sess.Mode = string(s.engine.Mode)

	s.sessionsMu.Lock()
	s.sessions[sid] = sess
	s.sessionsMu.Unlock()

	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad loads a session from disk and replays its history as
// session/update notifications before answering.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	sess, err := session.Load(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}

	s.sessionsMu.Lock()
	s.sessions[p.SessionID] = sess
	s.sessionsMu.Unlock()

	for _, msg := range sess.Messages {
		switch msg.Role {
		case "user":
			_ = s.sendMessageChunk(p.SessionID, "user_message_chunk", msg.Content)
		case "assistant":
			if msg.Content != "" {
				_ = s.sendMessageChunk(p.SessionID, "agent_message_chunk", msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				_ = s.sendToolCall(p.SessionID, tc)
			}
		case "tool":
			for _, tr := range msg.ToolResults {
				_ = s.sendToolResult(p.SessionID, tr)
			}
		}
	}

	_ = s.writeResponseOK(req.ID, nil)
}

// promptListener forwards engine events to the client as notifications.
type promptListener struct {
	server    *acpServer
	sessionID string
}

func (l *promptListener) OnAssistantText(text string) {
	_ = l.server.sendMessageChunk(l.sessionID, "agent_message_chunk", text)
}

func (l *promptListener) OnToolCall(call session.ToolCall) {
	_ = l.server.sendToolCall(l.sessionID, call)
}

func (l *promptListener) OnToolResult(result session.ToolResult) {
	_ = l.server.sendToolResult(l.sessionID, result)
}

func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	s.sessionsMu.Lock()
	sess, ok := s.sessions[p.SessionID]
	s.sessionsMu.Unlock()
	if !ok {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	userText := extractUserText(p.Prompt)
	s.trace(fmt.Sprintf("prompt: session=%s text=%q", p.SessionID, userText))

	s.promptMu.Lock()
	defer s.promptMu.Unlock()
	s.engine.Session = sess
	s.engine.Listener = &promptListener{server: s, sessionID: p.SessionID}
	outcome, err := s.engine.ProcessInput(s.ctx, userText)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32603, "Internal error", err.Error())
		return
	}

	stopReason := "end_turn"
	if outcome == agent.OutcomeCancelled {
		stopReason = "cancelled"
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": stopReason})
}

func (s *acpServer) sendMessageChunk(sessionID, kind, text string) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": kind,
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

func (s *acpServer) sendToolCall(sessionID string, call session.ToolCall) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":   call.ToolCallID,
				"name": call.Name,
				"args": call.Args,
			},
		},
	})
}

func (s *acpServer) sendToolResult(sessionID string, result session.ToolResult) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": result.ToolCallID,
				"result":     result.Content,
				"isError":    result.IsError,
				"skipped":    result.Skipped,
			},
		},
	})
}

func (s *acpServer) nextSessionID() string {
	s.sessionIDSeq++
	return fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.sessionIDSeq)
}

// contentBlock is a prompt fragment from the client. Text blocks carry the
// prompt itself; resource links are inlined when they point at local files.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// maxInlineResource bounds how much of a linked file is inlined into the
// prompt.
const maxInlineResource = 50_000

func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, renderResourceLink(b))
		}
	}
	return strings.Join(parts, "\n")
}

func renderResourceLink(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		case len(content) > maxInlineResource:
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n\n[... truncated ...]\n--- End of File ---\n", content[:maxInlineResource])
		default:
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}
