package lsp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkohler/cadence/errors"
)

// DefinitionTool exposes go-to-definition as a model-callable tool.
type DefinitionTool struct {
	Client *Client
}

func (t *DefinitionTool) Name() string {
	return fmt.Sprintf("%s_definition", t.Client.Name())
}

func (t *DefinitionTool) Description() string {
	return "Find where a symbol is defined. Takes a file URI and a zero-based line/character position."
}

func (t *DefinitionTool) Parameters() map[string]interface{} {
	return positionParams()
}

func (t *DefinitionTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	uri, pos, err := positionArgs(args)
	if err != nil {
		return "", err
	}
	locs, err := t.Client.Definition(ctx, uri, pos)
	if err != nil {
		return "", err
	}
	if len(locs) == 0 {
		return "No definition found.", nil
	}
	out, err := json.MarshalIndent(locs, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to render definition locations")
	}
	return string(out), nil
}

// HoverTool exposes hover documentation as a model-callable tool.
type HoverTool struct {
	Client *Client
}

func (t *HoverTool) Name() string {
	return fmt.Sprintf("%s_hover", t.Client.Name())
}

func (t *HoverTool) Description() string {
	return "Show type and documentation for the symbol at a position. Takes a file URI and a zero-based line/character position."
}

func (t *HoverTool) Parameters() map[string]interface{} {
	return positionParams()
}

func (t *HoverTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	uri, pos, err := positionArgs(args)
	if err != nil {
		return "", err
	}
	h, err := t.Client.Hover(ctx, uri, pos)
	if err != nil {
		return "", err
	}
	if h == nil || h.Contents == "" {
		return "No hover information available.", nil
	}
	return h.Contents, nil
}

func positionParams() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"uri": map[string]interface{}{
				"type":        "string",
				"description": "file:// URI of the document",
			},
			"line": map[string]interface{}{
				"type":        "integer",
				"description": "Zero-based line number",
			},
			"character": map[string]interface{}{
				"type":        "integer",
				"description": "Zero-based character offset",
			},
		},
		"required": []string{"uri", "line", "character"},
	}
}

func positionArgs(args map[string]interface{}) (string, Position, error) {
	uri, ok := args["uri"].(string)
	if !ok || uri == "" {
		return "", Position{}, errors.New("missing required argument 'uri'")
	}
	pos := Position{}
	pos.Line = intFromArg(args["line"])
	pos.Character = intFromArg(args["character"])
	return uri, pos, nil
}

// intFromArg copes with JSON numbers arriving as float64.
func intFromArg(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
