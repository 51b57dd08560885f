package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const soloTopology = `federation: demo
relay:
  host: "127.0.0.1"
  port: 0
federates:
  - name: alpha
    program: alpha.cue
`

func writeTopology(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(soloTopology), 0o644))
	return path
}

func TestRelayTopologyNotFound(t *testing.T) {
	cmd := NewRelayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"/nonexistent/fed.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load topology")
}

func TestRelayInvalidTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("federation: demo\nfederates: []\n"), 0o644))

	cmd := NewRelayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "at least one federate")
}

func TestRelayServesUntilCancelled(t *testing.T) {
	path := writeTopology(t)

	buf := &bytes.Buffer{}
	cmd := NewRelayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path, "--listen", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	cmd.SetContext(ctx)
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	err := cmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Relay listening on 127.0.0.1:")
	assert.Contains(t, output, "(1 federates)")
	assert.Contains(t, output, "Federation complete.")
}

func TestRelayMetricsEndpoint(t *testing.T) {
	path := writeTopology(t)

	buf := &bytes.Buffer{}
	cmd := NewRelayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path, "--listen", "127.0.0.1:0", "--metrics-addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	cmd.SetContext(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	// The metrics listener binds an ephemeral port we cannot see, so
	// only exercise the relay's own lifecycle here.
	time.Sleep(100 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Contains(t, buf.String(), "Federation complete.")
}
