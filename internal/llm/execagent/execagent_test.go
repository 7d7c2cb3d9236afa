package execagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Type: "codex", Model: "gpt-5-codex"})
	require.NoError(t, err)
	assert.Equal(t, []string{"codex", "exec", "--model", "gpt-5-codex", "--skip-git-repo-check"}, c.Command())

	_, err = NewClient(Config{Type: "exec"})
	require.Error(t, err)

	_, err = NewClient(Config{Type: "unknown"})
	require.Error(t, err)
}

func TestGenerate_ReadsOutputFile(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `cat > /dev/null
RESP='{"classification":"HOMEWORK","confidence":0.9,"reasoning":"small app"}'
echo "$RESP" > output.json
echo "$RESP"
`)
	c, err := NewClient(Config{Type: "exec", Cmd: []string{script}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), llm.Prompt{Stage: model.StageScope, System: "classify", User: "todo app"})
	require.NoError(t, err)
	assert.Contains(t, out, `"classification":"HOMEWORK"`)
}

func TestGenerate_NonZeroExitIsUnavailable(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "boom" 1>&2
exit 1
`)
	c, err := NewClient(Config{Type: "exec", Cmd: []string{script}, WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), llm.Prompt{Stage: model.StageScope, User: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrModelUnavailable)
}
