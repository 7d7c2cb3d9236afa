// Package execagent is a model backend that shells out to a coding agent CLI.
package execagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/metalagman/ainvoke"
	"github.com/metalagman/appforge/internal/llm"
)

// Config describes how to invoke the agent.
type Config struct {
	// Type is one of codex, opencode, gemini, claude or exec.
	Type  string
	Cmd   []string
	Model string
	// WorkDir is where per-call run directories are created. Empty uses the OS temp dir.
	WorkDir string
	UseTTY  bool
}

type agentSpec struct {
	defaultSubcommand string
	extraFlags        []string
}

var agentSpecs = map[string]agentSpec{
	"codex": {
		defaultSubcommand: "exec",
		extraFlags:        []string{"--skip-git-repo-check"},
	},
	"opencode": {
		defaultSubcommand: "run",
	},
	"gemini": {
		extraFlags: []string{"--output-format", "text"},
	},
	"claude": {
		extraFlags: []string{"--output-format", "text", "--print"},
	},
}

const inputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "stage": { "type": "string" },
    "prompt": { "type": "string" }
  },
  "required": ["stage", "prompt"]
}`

const anyObjectSchema = `{"$schema": "http://json-schema.org/draft-07/schema#"}`

type invocationInput struct {
	Stage  string `json:"stage"`
	Prompt string `json:"prompt"`
}

// Client runs one agent process per prompt.
type Client struct {
	cfg    Config
	runner ainvoke.Runner
}

var _ llm.Generator = (*Client)(nil)

// NewClient validates the agent config and prepares the runner.
func NewClient(cfg Config) (*Client, error) {
	var cmd []string
	switch spec, known := agentSpecs[cfg.Type]; {
	case cfg.Type == "exec":
		if len(cfg.Cmd) == 0 {
			return nil, fmt.Errorf("exec agent requires cmd")
		}
		cmd = cfg.Cmd
	case known:
		cmd = prepareCmd(cfg.Type, spec, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}

	runner, err := ainvoke.NewRunner(ainvoke.AgentConfig{
		Cmd:    cmd,
		UseTTY: cfg.UseTTY,
	})
	if err != nil {
		return nil, fmt.Errorf("create agent runner: %w", err)
	}
	cfg.Cmd = cmd
	return &Client{cfg: cfg, runner: runner}, nil
}

func prepareCmd(baseCmd string, spec agentSpec, model string) []string {
	out := []string{baseCmd}
	if spec.defaultSubcommand != "" {
		out = append(out, spec.defaultSubcommand)
	}
	if model != "" {
		out = append(out, "--model", model)
	}
	return append(out, spec.extraFlags...)
}

// Command returns the resolved command line.
func (c *Client) Command() []string { return c.cfg.Cmd }

// Generate runs the agent in a fresh directory and returns its output.
// output.json is preferred over stdout when the agent writes it.
func (c *Client) Generate(ctx context.Context, p llm.Prompt) (string, error) {
	runDir, err := os.MkdirTemp(c.cfg.WorkDir, "appforge-agent-*")
	if err != nil {
		return "", fmt.Errorf("create agent run dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(runDir) }()

	outputSchema := p.Schema
	if outputSchema == "" {
		outputSchema = anyObjectSchema
	}

	var stderr bytes.Buffer
	out, _, exitCode, err := c.runner.Run(ctx, ainvoke.Invocation{
		RunDir:       runDir,
		SystemPrompt: p.System,
		Input:        invocationInput{Stage: p.Stage.String(), Prompt: p.User},
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}, ainvoke.WithStderr(&stderr))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: agent %s: %w", llm.ErrModelTimeout, c.cfg.Type, err)
		}
		return "", fmt.Errorf("%w: agent %s: %w", llm.ErrModelUnavailable, c.cfg.Type, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%w: agent %s exited with code %d: %s",
			llm.ErrModelUnavailable, c.cfg.Type, exitCode, strings.TrimSpace(stderr.String()))
	}

	if data, readErr := os.ReadFile(filepath.Join(runDir, "output.json")); readErr == nil && len(bytes.TrimSpace(data)) > 0 {
		return string(data), nil
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", fmt.Errorf("%w: agent %s produced no output", llm.ErrModelUnavailable, c.cfg.Type)
	}
	return text, nil
}
