// Package mcp implements the client side of the external-tool protocol:
// newline-framed JSON-RPC 2.0 spoken with a tool server spawned as a child
// process. Tools discovered from a server are adapted to the tools.Tool
// interface so the dispatcher can schedule them like builtins.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/errors"
	"github.com/mkohler/cadence/tools"
	"github.com/mkohler/cadence/transport"
)

const protocolVersion = "2025-03-26"

// rpc is the slice of the transport the client needs; tests substitute a
// scripted implementation.
type rpc interface {
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Notify(method string, params interface{}) error
	IsConnected() bool
	Shutdown(grace time.Duration) error
}

// Capabilities is the server's advertised feature set from the handshake.
type Capabilities struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDescriptor describes one tool advertised by the server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations struct {
		ReadOnlyHint bool `json:"readOnlyHint"`
	} `json:"annotations"`
}

// Client manages the connection to a single tool server. Typed calls are not
// usable until Initialize has completed.
type Client struct {
	name string
	rpc  rpc

	mu          sync.Mutex
	initialized bool
}

// Dial spawns the configured server process and returns an uninitialized
// client. A process that dies before the handshake surfaces as an error from
// Initialize.
func Dial(cfg config.MCPServer, timeout time.Duration) (*Client, error) {
	t, err := transport.Connect(transport.Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
	}, transport.FramingNewline, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to tool server '%s'", cfg.Name)
	}
	return &Client{name: cfg.Name, rpc: t}, nil
}

// NewClient wraps an existing rpc. Used by tests.
func NewClient(name string, r rpc) *Client {
	return &Client{name: name, rpc: r}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Initialize performs the protocol handshake followed by the initialized
// notification. No other call is valid before this completes.
func (c *Client) Initialize(ctx context.Context) (*Capabilities, error) {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      Implementation{Name: "cadence", Version: "dev"},
		"capabilities":    map[string]interface{}{},
	}
	raw, err := c.rpc.Request(ctx, "initialize", params)
	if err != nil {
		return nil, errors.Wrapf(err, "handshake with tool server '%s' failed", c.name)
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil, errors.Wrapf(err, "invalid handshake response from '%s'", c.name)
	}
	if err := c.rpc.Notify("notifications/initialized", struct{}{}); err != nil {
		return nil, errors.Wrapf(err, "failed to acknowledge handshake with '%s'", c.name)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return &caps, nil
}

// IsReady reports whether the handshake has completed and the server process
// is still alive.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.rpc.IsConnected()
}

func (c *Client) ensureInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errors.New("tool server '%s' is not initialized", c.name)
	}
	return nil
}

// ListTools fetches the server's full tool list, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	var all []ToolDescriptor
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.rpc.Request(ctx, "tools/list", params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from '%s'", c.name)
		}
		var page struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, errors.Wrapf(err, "invalid tools/list response from '%s'", c.name)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool and flattens the result envelope's text content
// into a plain string. A result flagged isError comes back as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if err := c.ensureInitialized(); err != nil {
		return "", err
	}

	raw, err := c.rpc.Request(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on '%s'", name, c.name)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.Wrapf(err, "invalid tools/call response from '%s'", c.name)
	}

	var b strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", name, b.String())
	}
	return b.String(), nil
}

// Stop shuts the client down: the transport gets a short grace period to
// drain before the server process is terminated.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.rpc.Shutdown(2 * time.Second)
}

// ServerTool adapts one discovered tool to the tools.Tool interface. Its
// registered name is "<server>.<tool>" so toolsets can select a whole server
// with "<server>.*".
type ServerTool struct {
	client *Client
	desc   ToolDescriptor
}

// Tools returns adapters for every tool the server advertises.
func (c *Client) Tools(ctx context.Context) ([]*ServerTool, error) {
	descs, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	adapted := make([]*ServerTool, 0, len(descs))
	for _, d := range descs {
		adapted = append(adapted, &ServerTool{client: c, desc: d})
	}
	return adapted, nil
}

func (t *ServerTool) Name() string {
	return fmt.Sprintf("%s.%s", t.client.name, t.desc.Name)
}

func (t *ServerTool) Description() string { return t.desc.Description }

// ReadOnly reports the server's own classification of the tool.
func (t *ServerTool) ReadOnly() bool { return t.desc.Annotations.ReadOnlyHint }

func (t *ServerTool) Parameters() map[string]interface{} {
	var schema map[string]interface{}
	if len(t.desc.InputSchema) > 0 {
		if err := json.Unmarshal(t.desc.InputSchema, &schema); err == nil {
			return schema
		}
	}
	return map[string]interface{}{"type": "object"}
}

func (t *ServerTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return t.client.CallTool(ctx, t.desc.Name, args)
}

var _ tools.Tool = (*ServerTool)(nil)
