package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mkohler/cadence/config"
)

// Project context files, checked in order. The first one that exists wins.
var projectContextFiles = []string{"AGENT.md", ".agent.md", "CADENCE.md"}

// ProjectContext reads the project's context file from root, if one exists.
// Returns the empty string when none is present or readable.
func ProjectContext(root string) string {
	for _, name := range projectContextFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			return text
		}
	}
	return ""
}

// SystemPrompt assembles the system message for a fresh session: the
// configured system prompt file, if any, followed by the project context.
func SystemPrompt(cfg *config.Config, root string) string {
	var parts []string
	if cfg.SystemPromptFile != "" {
		path := cfg.SystemPromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		if data, err := os.ReadFile(path); err == nil {
			if text := strings.TrimSpace(string(data)); text != "" {
				parts = append(parts, text)
			}
		}
	}
	if ctx := ProjectContext(root); ctx != "" {
		parts = append(parts, ctx)
	}
	return strings.Join(parts, "\n\n")
}
