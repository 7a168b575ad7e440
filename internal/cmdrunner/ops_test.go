//go:build unix

package cmdrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

func TestRunAndTrimmedOutput(t *testing.T) {
	r := NewCommandsRunner(logger.Discard())

	out, err := r.RunAndTrimmedOutput(context.Background(), "sh", "-c", "echo '  hi  '")
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = r.RunAndTrimmedOutput(context.Background(), "sh", "-c", "echo inactive; exit 3")
	require.Error(t, err)
	assert.Empty(t, out)
	assert.Contains(t, err.Error(), "inactive")

	err = r.Run(context.Background(), "sh", "-c", "echo nope >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestStartDetached(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started")
	script := filepath.Join(t.TempDir(), "app.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$1\" > "+marker+"\n"), 0o755))

	r := NewCommandsRunner(logger.Discard())
	pid, err := r.Start(Spec{Path: script, Args: []string{"relaunched"}, Credential: &Credential{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}})
	require.NoError(t, err)
	assert.Positive(t, pid)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && string(data) == "relaunched\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := NewCommandsRunner(logger.Discard()).Start(Spec{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}
