// Package lsp implements a minimal language-server client used to answer
// code-navigation questions (definitions, hover text) for the assistant.
// The wire format is JSON-RPC 2.0 with Content-Length header framing.
package lsp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/errors"
	"github.com/mkohler/cadence/transport"
)

// Position is a zero-based line/character pair, as the protocol counts.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location points into a document by URI.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Hover is the rendered hover content for a position.
type Hover struct {
	Contents string
	Range    *Range
}

type rpc interface {
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Notify(method string, params interface{}) error
	IsConnected() bool
	Shutdown(grace time.Duration) error
}

// Client speaks to one language server process.
type Client struct {
	name string
	rpc  rpc

	mu          sync.Mutex
	initialized bool
}

// Dial spawns the configured language server.
func Dial(cfg config.LSPServer, timeout time.Duration) (*Client, error) {
	t, err := transport.Connect(transport.Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
	}, transport.FramingHeader, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start language server '%s'", cfg.Name)
	}
	return &Client{name: cfg.Name, rpc: t}, nil
}

// NewClient wraps an existing rpc. Used by tests.
func NewClient(name string, r rpc) *Client {
	return &Client{name: name, rpc: r}
}

func (c *Client) Name() string { return c.name }

// Initialize runs the initialize request and the initialized notification.
// rootURI should be a file:// URI for the workspace root.
func (c *Client) Initialize(ctx context.Context, rootURI string) error {
	params := map[string]interface{}{
		"processId": nil,
		"rootUri":   rootURI,
		"capabilities": map[string]interface{}{
			"textDocument": map[string]interface{}{
				"definition": map[string]interface{}{},
				"hover": map[string]interface{}{
					"contentFormat": []string{"plaintext", "markdown"},
				},
			},
		},
	}
	if _, err := c.rpc.Request(ctx, "initialize", params); err != nil {
		return errors.Wrapf(err, "initialize failed for language server '%s'", c.name)
	}
	if err := c.rpc.Notify("initialized", struct{}{}); err != nil {
		return errors.Wrapf(err, "failed to acknowledge initialize for '%s'", c.name)
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Client) ensureInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return errors.New("language server '%s' is not initialized", c.name)
	}
	return nil
}

// Definition resolves the definition locations for a position. Servers may
// answer with a single Location, an array, or null; all three normalize to a
// slice.
func (c *Client) Definition(ctx context.Context, uri string, pos Position) ([]Location, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	raw, err := c.rpc.Request(ctx, "textDocument/definition", map[string]interface{}{
		"textDocument": map[string]string{"uri": uri},
		"position":     pos,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "definition lookup failed on '%s'", c.name)
	}
	return normalizeLocations(raw)
}

func normalizeLocations(raw json.RawMessage) ([]Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var many []Location
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one Location
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, errors.Wrapf(err, "unrecognized definition response")
	}
	return []Location{one}, nil
}

// Hover fetches hover content for a position. A null response returns nil.
func (c *Client) Hover(ctx context.Context, uri string, pos Position) (*Hover, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	raw, err := c.rpc.Request(ctx, "textDocument/hover", map[string]interface{}{
		"textDocument": map[string]string{"uri": uri},
		"position":     pos,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "hover lookup failed on '%s'", c.name)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var resp struct {
		Contents json.RawMessage `json:"contents"`
		Range    *Range          `json:"range"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrapf(err, "unrecognized hover response")
	}
	return &Hover{Contents: flattenContents(resp.Contents), Range: resp.Range}, nil
}

// flattenContents copes with the protocol's three hover content shapes:
// a bare string, a MarkupContent object, or an array of either.
func flattenContents(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := ""
		for _, p := range parts {
			if out != "" {
				out += "\n"
			}
			out += flattenContents(p)
		}
		return out
	}
	return ""
}

// Shutdown performs the orderly exit sequence: a shutdown request, an exit
// notification, then a grace period before the process is killed.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	if _, err := c.rpc.Request(ctx, "shutdown", nil); err != nil {
		// The server may already be gone; force the teardown regardless.
		return c.rpc.Shutdown(0)
	}
	if err := c.rpc.Notify("exit", nil); err != nil {
		return c.rpc.Shutdown(0)
	}
	return c.rpc.Shutdown(2 * time.Second)
}
