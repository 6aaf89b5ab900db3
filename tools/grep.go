package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mkohler/cadence/config"
	"github.com/mkohler/cadence/errors"
)

// GrepTool searches file contents for a regex pattern.
type GrepTool struct {
	root     string
	fsAccess *config.FilesystemAccess
}

const grepMatchLimit = 500

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Search for a regex pattern in files, returning matching lines. Args: pattern (string), path (string, default '.'), include (string, file glob)."
}

func (t *GrepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{"type": "string", "description": "Regex pattern"},
			"path":    map[string]interface{}{"type": "string", "description": "Directory to search (default: .)"},
			"include": map[string]interface{}{"type": "string", "description": "File glob (e.g. *.go)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	pattern, ok := args["pattern"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'pattern' argument")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errors.Wrapf(err, "invalid regex '%s'", pattern)
	}

	dir := "."
	if v, ok := args["path"].(string); ok && v != "" {
		dir = v
	}
	abs, err := checkReadable(t.root, dir, t.fsAccess)
	if err != nil {
		return "", err
	}
	include, _ := args["include"].(string)

	var b strings.Builder
	matches := 0
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := relToRoot(t.root, path)
		if hidden, _ := isPathRestricted(rel, t.fsAccess.Hidden); hidden {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, d.Name()); !ok {
				return nil
			}
		}
		matches += grepFile(path, rel, re, grepMatchLimit-matches, &b)
		if matches >= grepMatchLimit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}

	if b.Len() == 0 {
		return "No matches", nil
	}
	return Truncate(b.String()), nil
}

func grepFile(path, rel string, re *regexp.Regexp, budget int, out *strings.Builder) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		fmt.Fprintf(out, "%s:%d: %s\n", rel, lineNum, line)
		found++
		if found >= budget {
			break
		}
	}
	return found
}
