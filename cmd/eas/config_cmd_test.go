package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/eas/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeConfigWritesLoadableSample(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--config-dir", dir, "make-config")
	require.NoError(t, err)

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Folders)
	assert.NotEmpty(t, cfg.Targets)

	info, err := os.Stat(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	if filepath.Separator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestMakeConfigRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("n_workers: 1\n"), 0o644))

	_, err := execute(t, "--config-dir", dir, "make-config")
	require.ErrorContains(t, err, "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "n_workers: 1\n", string(data))

	_, err = execute(t, "--config-dir", dir, "make-config", "--force")
	require.NoError(t, err)
}

func TestMakeConfigStdout(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--config-dir", dir, "make-config", "--stdout")
	require.NoError(t, err)
	assert.Contains(t, out, "folders:")
	assert.NoFileExists(t, filepath.Join(dir, config.FileName))
}
