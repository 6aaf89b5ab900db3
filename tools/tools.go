package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/errors"
)

// Tool defines the interface for any action the agent can take. Every tool,
// local or discovered from an external server, is adapted to this shape
// before the dispatcher can schedule it.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// TruncateChars caps tool output fed back to the model.
const TruncateChars = 30_000

// Truncate keeps the head (25%) and tail (75%) of oversized output; errors
// usually show up at the end.
func Truncate(text string) string {
	if len(text) <= TruncateChars {
		return text
	}
	head := TruncateChars / 4
	tail := TruncateChars - head
	return fmt.Sprintf("%s\n\n... [%d chars truncated] ...\n\n%s",
		text[:head], len(text)-TruncateChars, text[len(text)-tail:])
}

// Registry holds all available tools plus the read-only classification used
// by the batching scheduler.
type Registry struct {
	root     string
	tools    map[string]Tool
	readOnly map[string]bool
}

// builtin tools that can never mutate external state.
var defaultReadOnly = []string{"read_file", "find", "grep"}

// NewRegistry builds a registry rooted at root with the builtin tools
// registered. MCP- and LSP-backed tools are added later by the engine.
func NewRegistry(cfg *config.Config, root string) *Registry {
	r := &Registry{
		root:     root,
		tools:    make(map[string]Tool),
		readOnly: make(map[string]bool),
	}

	r.Register(&ReadFileTool{root: root, fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{root: root, fsAccess: &cfg.FilesystemAccess})
	r.Register(&PatchTool{root: root, fsAccess: &cfg.FilesystemAccess})
	r.Register(&FindTool{root: root, fsAccess: &cfg.FilesystemAccess})
	r.Register(&GrepTool{root: root, fsAccess: &cfg.FilesystemAccess})
	r.Register(&ShellTool{root: root, allowedCommands: cfg.AllowedCommands})

	for _, name := range defaultReadOnly {
		r.readOnly[name] = true
	}
	for _, name := range cfg.ReadOnlyTools {
		r.readOnly[name] = true
	}
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// MarkReadOnly classifies a tool as incapable of mutating external state,
// which makes it eligible for concurrent batching.
func (r *Registry) MarkReadOnly(name string) {
	r.readOnly[name] = true
}

// IsReadOnly is the predicate the scheduler partitions tool calls with.
// Unknown names are treated as mutating.
func (r *Registry) IsReadOnly(name string) bool {
	return r.readOnly[name]
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveTools returns the tool instances for a toolset. An entry ending in
// ".*" selects every registered tool sharing the prefix, which is how
// server-provided tools are pulled in wholesale.
func (r *Registry) ActiveTools(ts *config.Toolset) ([]Tool, error) {
	var active []Tool
	for _, entry := range ts.Tools {
		if suffix, ok := strings.CutSuffix(entry, ".*"); ok {
			matched := false
			for _, name := range r.Names() {
				if strings.HasPrefix(name, suffix+".") || strings.HasPrefix(name, suffix+"_") {
					active = append(active, r.tools[name])
					matched = true
				}
			}
			if !matched {
				return nil, errors.New("wildcard '%s' in toolset '%s' matched no tools", entry, ts.Name)
			}
			continue
		}
		t, ok := r.Get(entry)
		if !ok {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", entry, ts.Name)
		}
		active = append(active, t)
	}
	return active, nil
}

// safePath resolves path inside root and refuses traversal outside it.
func safePath(root, path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path outside workspace: %s", path)
	}
	return abs, nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support); an invalid regex falls back to exact string comparison.
func isCommandAllowed(command string, allowed []string) (bool, error) {
	if len(strings.Fields(command)) == 0 {
		return false, nil
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
