package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mkohler/cadence/config"
)

func testRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		AllowedCommands: []string{"^echo .*"},
		FilesystemAccess: config.FilesystemAccess{
			Hidden:   []string{".cadence", ".cadence/**", "secrets/**"},
			ReadOnly: []string{"frozen/**"},
		},
	}
	return NewRegistry(cfg, root), root
}

func mustExecute(t *testing.T, r *Registry, name string, args map[string]interface{}) string {
	t.Helper()
	tool, ok := r.Get(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	return out
}

func TestReadWriteRoundTrip(t *testing.T) {
	r, root := testRegistry(t)

	mustExecute(t, r, "write_file", map[string]interface{}{
		"path": "sub/dir/a.txt", "content": "one\ntwo\nthree\n",
	})
	if _, err := os.Stat(filepath.Join(root, "sub/dir/a.txt")); err != nil {
		t.Fatalf("file was not created: %v", err)
	}

	out := mustExecute(t, r, "read_file", map[string]interface{}{"path": "sub/dir/a.txt"})
	if !strings.Contains(out, "   1| one") || !strings.Contains(out, "   3| three") {
		t.Errorf("read output missing numbered lines:\n%s", out)
	}

	// Line ranges come back 1-indexed. JSON numbers arrive as float64.
	out = mustExecute(t, r, "read_file", map[string]interface{}{
		"path": "sub/dir/a.txt", "start": float64(2), "end": float64(2),
	})
	if strings.Contains(out, "one") || !strings.Contains(out, "   2| two") {
		t.Errorf("line range not honored:\n%s", out)
	}
}

func TestPathTraversalBlocked(t *testing.T) {
	r, _ := testRegistry(t)
	tool, _ := r.Get("read_file")
	if _, err := tool.Execute(context.Background(), map[string]interface{}{"path": "../outside.txt"}); err == nil {
		t.Fatal("expected traversal outside the workspace to be rejected")
	}
}

func TestHiddenAndReadOnlyGlobs(t *testing.T) {
	r, root := testRegistry(t)

	if err := os.MkdirAll(filepath.Join(root, "secrets"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secrets", "key.pem"), []byte("k"), 0644); err != nil {
		t.Fatal(err)
	}

	readTool, _ := r.Get("read_file")
	if _, err := readTool.Execute(context.Background(), map[string]interface{}{"path": "secrets/key.pem"}); err == nil {
		t.Error("hidden path should not be readable")
	}

	writeTool, _ := r.Get("write_file")
	if _, err := writeTool.Execute(context.Background(), map[string]interface{}{
		"path": "frozen/locked.txt", "content": "x",
	}); err == nil {
		t.Error("read-only path should not be writable")
	}
}

func TestPatchExactlyOnce(t *testing.T) {
	r, _ := testRegistry(t)
	mustExecute(t, r, "write_file", map[string]interface{}{
		"path": "p.txt", "content": "alpha beta alpha",
	})

	out := mustExecute(t, r, "patch", map[string]interface{}{
		"path": "p.txt", "search": "alpha", "replace": "gamma",
	})
	if !strings.Contains(out, "2 matches") {
		t.Errorf("ambiguous patch should report the match count, got: %s", out)
	}

	out = mustExecute(t, r, "patch", map[string]interface{}{
		"path": "p.txt", "search": "missing", "replace": "x",
	})
	if !strings.Contains(out, "not found") {
		t.Errorf("missing search should be reported, got: %s", out)
	}

	out = mustExecute(t, r, "patch", map[string]interface{}{
		"path": "p.txt", "search": "beta", "replace": "delta",
	})
	if out != "Patch applied" {
		t.Errorf("unexpected patch result: %s", out)
	}
	content := mustExecute(t, r, "read_file", map[string]interface{}{"path": "p.txt"})
	if !strings.Contains(content, "alpha delta alpha") {
		t.Errorf("patch not applied:\n%s", content)
	}
}

func TestFindWithGlob(t *testing.T) {
	r, _ := testRegistry(t)
	mustExecute(t, r, "write_file", map[string]interface{}{"path": "a/x.go", "content": "x"})
	mustExecute(t, r, "write_file", map[string]interface{}{"path": "a/b/y.go", "content": "y"})
	mustExecute(t, r, "write_file", map[string]interface{}{"path": "a/z.txt", "content": "z"})

	out := mustExecute(t, r, "find", map[string]interface{}{"path": "a", "pattern": "**/*.go"})
	if !strings.Contains(out, "x.go") || !strings.Contains(out, "y.go") {
		t.Errorf("glob did not match expected files:\n%s", out)
	}
	if strings.Contains(out, "z.txt") {
		t.Errorf("glob matched unexpected file:\n%s", out)
	}
}

func TestGrep(t *testing.T) {
	r, _ := testRegistry(t)
	mustExecute(t, r, "write_file", map[string]interface{}{
		"path": "src/main.go", "content": "package main\nfunc main() {}\n",
	})
	mustExecute(t, r, "write_file", map[string]interface{}{
		"path": "src/readme.md", "content": "func in prose\n",
	})

	out := mustExecute(t, r, "grep", map[string]interface{}{
		"pattern": `^func `, "include": "*.go",
	})
	if !strings.Contains(out, "main.go:2") {
		t.Errorf("expected match with file:line prefix:\n%s", out)
	}
	if strings.Contains(out, "readme.md") {
		t.Errorf("include glob not honored:\n%s", out)
	}
}

func TestShellAllowlist(t *testing.T) {
	r, _ := testRegistry(t)

	out := mustExecute(t, r, "shell", map[string]interface{}{"command": "echo hello"})
	if !strings.Contains(out, "hello") {
		t.Errorf("unexpected shell output: %s", out)
	}

	tool, _ := r.Get("shell")
	if _, err := tool.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /"}); err == nil {
		t.Fatal("command outside the allowlist must be rejected")
	}
}

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	text := strings.Repeat("a", 10_000) + strings.Repeat("z", 40_000)
	out := Truncate(text)
	if len(out) >= len(text) {
		t.Fatal("oversized text was not truncated")
	}
	if !strings.HasPrefix(out, "aaaa") {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, "zzzz") {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "chars truncated") {
		t.Error("truncation marker missing")
	}
}

func TestIsReadOnlyClassification(t *testing.T) {
	r, _ := testRegistry(t)
	for _, name := range []string{"read_file", "find", "grep"} {
		if !r.IsReadOnly(name) {
			t.Errorf("%s should be read-only by default", name)
		}
	}
	for _, name := range []string{"write_file", "patch", "shell", "unknown_tool"} {
		if r.IsReadOnly(name) {
			t.Errorf("%s should be treated as mutating", name)
		}
	}
	r.MarkReadOnly("docs.lookup")
	if !r.IsReadOnly("docs.lookup") {
		t.Error("MarkReadOnly did not take effect")
	}
}

func TestActiveToolsWildcard(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(&staticTool{name: "docs.search"})
	r.Register(&staticTool{name: "docs.fetch"})

	ts := &config.Toolset{Name: "t", Tools: []string{"read_file", "docs.*"}}
	active, err := r.ActiveTools(ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active tools, got %d", len(active))
	}

	if _, err := r.ActiveTools(&config.Toolset{Name: "t", Tools: []string{"nope"}}); err == nil {
		t.Error("unknown tool name should error")
	}
}

type staticTool struct{ name string }

func (s *staticTool) Name() string                       { return s.name }
func (s *staticTool) Description() string                { return "static" }
func (s *staticTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (s *staticTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return "", nil
}
