package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mkohler/cadence/errors"
)

// ShellTool runs a shell command through the configured allowlist. Output is
// combined stdout+stderr, truncated.
type ShellTool struct {
	root            string
	allowedCommands []string
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command. No commands are currently allowed. Args: command (string)."
	}

	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}
	return fmt.Sprintf("Executes a shell command. Use for git, tests, builds. Args: command (string).\n%s", allowedList)
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string", "description": "Command to execute"},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}

	allowed, err := isCommandAllowed(command, t.allowedCommands)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.root

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if text == "" {
			return fmt.Sprintf("Command failed: %v", err), nil
		}
		return Truncate(fmt.Sprintf("Command failed (%v). Output:\n%s", err, text)), nil
	}
	if text == "" {
		return "Command completed (no output)", nil
	}
	return Truncate(text), nil
}
