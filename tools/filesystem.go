package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/errors"
)

// ReadFileTool reads a file, optionally a line range, with line numbers.
type ReadFileTool struct {
	root     string
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads file contents with line numbers. Args: path (string), start (int, optional), end (int, optional)."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":  map[string]interface{}{"type": "string", "description": "File path"},
			"start": map[string]interface{}{"type": "integer", "description": "Start line (1-indexed)"},
			"end":   map[string]interface{}{"type": "integer", "description": "End line"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	abs, err := checkReadable(t.root, path, t.fsAccess)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	start, end := 1, len(lines)
	if v, ok := intArg(args, "start"); ok && v > 0 {
		start = v
	}
	if v, ok := intArg(args, "end"); ok && v > 0 && v < end {
		end = v
	}
	if start > end {
		return "", errors.New("start line %d is past end line %d", start, end)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%4d| %s\n", i, lines[i-1])
	}
	return Truncate(b.String()), nil
}

// WriteFileTool creates or overwrites a file, creating parent directories.
type WriteFileTool struct {
	root     string
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "File path"},
			"content": map[string]interface{}{"type": "string", "description": "File content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	abs, err := checkWritable(t.root, path, t.fsAccess)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create parent directory for '%s'", path)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// PatchTool replaces exact text in a file. The search text must match exactly
// once; anything else is reported back so the model can re-read and retry.
type PatchTool struct {
	root     string
	fsAccess *config.FilesystemAccess
}

func (t *PatchTool) Name() string { return "patch" }
func (t *PatchTool) Description() string {
	return "Replace exact text in a file. Search must match exactly once; if it fails, read the file first. Args: path (string), search (string), replace (string)."
}

func (t *PatchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "File path"},
			"search":  map[string]interface{}{"type": "string", "description": "Exact text to find (including whitespace)"},
			"replace": map[string]interface{}{"type": "string", "description": "Text to replace with"},
		},
		"required": []string{"path", "search", "replace"},
	}
}

func (t *PatchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	search, searchOk := args["search"].(string)
	replace, replaceOk := args["replace"].(string)
	if !pathOk || !searchOk || !replaceOk {
		return "", errors.New("missing or invalid 'path', 'search' or 'replace' arguments")
	}
	abs, err := checkWritable(t.root, path, t.fsAccess)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	content := string(data)

	switch count := strings.Count(content, search); count {
	case 0:
		return "Search text not found. Use 'read_file' to see exact content.", nil
	case 1:
		// fall through to apply
	default:
		return fmt.Sprintf("Found %d matches. Add more context to make the search unique.", count), nil
	}

	patched := strings.Replace(content, search, replace, 1)
	if err := os.WriteFile(abs, []byte(patched), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write patched file '%s'", path)
	}
	return "Patch applied", nil
}

// FindTool lists files under a directory, optionally filtered by glob.
type FindTool struct {
	root     string
	fsAccess *config.FilesystemAccess
}

const findLimit = 100

func (t *FindTool) Name() string { return "find" }
func (t *FindTool) Description() string {
	return "List files in a directory with an optional glob pattern. Args: path (string, default '.'), pattern (string, e.g. '**/*.go')."
}

func (t *FindTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Directory (default: .)"},
			"pattern": map[string]interface{}{"type": "string", "description": "Glob pattern (e.g. **/*.go)"},
		},
	}
}

func (t *FindTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	dir := "."
	if v, ok := args["path"].(string); ok && v != "" {
		dir = v
	}
	abs, err := checkReadable(t.root, dir, t.fsAccess)
	if err != nil {
		return "", err
	}

	var matches []string
	if pattern, ok := args["pattern"].(string); ok && pattern != "" {
		matches, err = doublestar.Glob(os.DirFS(abs), pattern)
		if err != nil {
			return "", errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
	} else {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return "", errors.Wrapf(err, "failed to list '%s'", dir)
		}
		for _, e := range entries {
			matches = append(matches, e.Name())
		}
	}
	sort.Strings(matches)

	var b strings.Builder
	shown := 0
	for _, m := range matches {
		full := filepath.Join(abs, m)
		if hidden, _ := isPathRestricted(relToRoot(t.root, full), t.fsAccess.Hidden); hidden {
			continue
		}
		if shown == findLimit {
			fmt.Fprintf(&b, "... and %d more\n", len(matches)-findLimit)
			break
		}
		prefix := "F "
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			prefix = "D "
		}
		fmt.Fprintf(&b, "%s%s\n", prefix, relToRoot(t.root, full))
		shown++
	}
	if b.Len() == 0 {
		return "No files found", nil
	}
	return b.String(), nil
}

func relToRoot(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return rel
}

func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// checkReadable resolves path inside root and enforces the hidden globs.
func checkReadable(root, path string, fs *config.FilesystemAccess) (string, error) {
	abs, err := safePath(root, path)
	if err != nil {
		return "", err
	}
	hidden, err := isPathRestricted(path, fs.Hidden)
	if err != nil {
		return "", err
	}
	if !hidden {
		hidden, err = isPathRestricted(relToRoot(root, abs), fs.Hidden)
		if err != nil {
			return "", err
		}
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}
	return abs, nil
}

// checkWritable additionally enforces the read-only globs.
func checkWritable(root, path string, fs *config.FilesystemAccess) (string, error) {
	abs, err := checkReadable(root, path, fs)
	if err != nil {
		return "", err
	}
	readOnly, err := isPathRestricted(path, fs.ReadOnly)
	if err != nil {
		return "", err
	}
	if !readOnly {
		readOnly, err = isPathRestricted(relToRoot(root, abs), fs.ReadOnly)
		if err != nil {
			return "", err
		}
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}
	return abs, nil
}
