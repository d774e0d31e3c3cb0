package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sig  os.Signal
		want int
	}{
		{name: "success", want: 0},
		{name: "error", err: errors.New("boom"), want: 1},
		{name: "interrupt", err: errors.New("interrupted"), sig: syscall.SIGINT, want: 130},
		{name: "terminate", sig: syscall.SIGTERM, want: 128 + int(syscall.SIGTERM)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err, tt.sig))
		})
	}
}

func TestConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(configDirEnv, dir)

	out, err := execute(t, "make-config")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "eas.conf"))
	assert.FileExists(t, filepath.Join(dir, "eas.conf"))
}

func TestCLIExitCodes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("helper process exit codes differ on windows")
	}
	dir := t.TempDir()

	out, code := runCLI(t, nil, "--config-dir", dir, "version")
	assert.Equal(t, 0, code, out)

	out, code = runCLI(t, nil, "--config-dir", dir, "get-key")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, masterPasswordEnv)

	_, code = runCLI(t, nil, "--config-dir", dir, "no-such-command")
	assert.Equal(t, 1, code)
}
