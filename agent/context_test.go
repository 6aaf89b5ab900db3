package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mkohler/cadence/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectContextPrefersAgentMD(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "AGENT.md"), []byte("Use tabs.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "CADENCE.md"), []byte("ignored"), 0644))

	assert.Equal(t, "Use tabs.", ProjectContext(root))
}

func TestProjectContextFallsBack(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "CADENCE.md"), []byte("Run make lint.\n"), 0644))

	assert.Equal(t, "Run make lint.", ProjectContext(root))
	assert.Empty(t, ProjectContext(t.TempDir()))
}

func TestSystemPromptCombinesFileAndContext(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "prompt.txt"), []byte("You are terse.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".agent.md"), []byte("Project uses Go 1.25.\n"), 0644))

	cfg := &config.Config{SystemPromptFile: "prompt.txt"}
	got := SystemPrompt(cfg, root)
	assert.Equal(t, "You are terse.\n\nProject uses Go 1.25.", got)

	cfg = &config.Config{}
	assert.Equal(t, "Project uses Go 1.25.", SystemPrompt(cfg, root))
}
