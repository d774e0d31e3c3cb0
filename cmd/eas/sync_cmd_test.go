package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/eas/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse"

type cliEnv struct {
	dir string
	src string
	dst string
}

// newCLIEnv writes a config syncing a plain folder into an encrypted one and
// creates the master data.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	e := &cliEnv{dir: t.TempDir(), src: t.TempDir(), dst: t.TempDir()}

	conf := fmt.Sprintf(`
n_workers: 2
retry_interval: 0.01
temp_dir: '%s'
folders:
  - name: docs
    url: '%s'
  - name: vault
    url: '%s'
    encrypted: true
    filename_encoding: base41
targets:
  - src: docs
    dst: vault
`, t.TempDir(), e.src, e.dst)
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, config.FileName), []byte(conf), 0o600))

	t.Setenv(newMasterPasswordEnv, testPassword)
	_, err := execute(t, "--config-dir", e.dir, "set-master-password")
	require.NoError(t, err)
	t.Setenv(masterPasswordEnv, testPassword)
	return e
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config-dir", e.dir}, args...)...)
}

func (e *cliEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.src, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSyncDiffsAndDownload(t *testing.T) {
	e := newCLIEnv(t)
	e.write(t, "report.txt", "quarterly numbers")
	e.write(t, "photos/cat.jpg", "meow")

	out, err := e.run(t, "diffs")
	require.NoError(t, err)
	assert.Contains(t, out, "+ new      report.txt")
	assert.Contains(t, out, "photos/cat.jpg")

	entries, err := os.ReadDir(e.dst)
	require.NoError(t, err)
	assert.Empty(t, entries, "diffs must not change the destination")

	out, err = e.run(t, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "finished docs -> vault")

	entries, err = os.ReadDir(e.dst)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.NotEqual(t, "report.txt", entry.Name())
		assert.NotEqual(t, "photos", entry.Name())
	}

	out, err = e.run(t, "diffs")
	require.NoError(t, err)
	assert.Contains(t, out, "0 differences")

	restore := t.TempDir()
	out, err = e.run(t, "download", "vault", "/", restore)
	require.NoError(t, err, out)
	assert.Contains(t, out, "downloaded 2 files")

	data, err := os.ReadFile(filepath.Join(restore, "photos", "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "meow", string(data))
	data, err = os.ReadFile(filepath.Join(restore, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestSyncNoRemoveFlag(t *testing.T) {
	e := newCLIEnv(t)
	e.write(t, "keep.txt", "v1")

	_, err := e.run(t, "sync")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(e.src, "keep.txt")))

	out, err := e.run(t, "sync", "--no-remove")
	require.NoError(t, err, out)

	entries, err := os.ReadDir(e.dst)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = e.run(t, "sync")
	require.NoError(t, err)
	entries, err = os.ReadDir(e.dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSyncUnknownTargetIsAnError(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "sync", "nope")
	require.ErrorContains(t, err, "no targets")
}

func TestScanAndDuplicates(t *testing.T) {
	e := newCLIEnv(t)
	e.write(t, "a.txt", "a")

	out, err := e.run(t, "scan", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned docs: 2 nodes")

	out, err = e.run(t, "duplicates")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	out, err = e.run(t, "rmdup")
	require.NoError(t, err)
	assert.Contains(t, out, "vault: 0 removed, 0 failed")
}

func TestKeyCommands(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "get-key")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	raw, err := hex.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	replacement := strings.Repeat("ab", 32)
	_, err = e.run(t, "set-key", replacement)
	require.NoError(t, err)
	out, err = e.run(t, "get-key")
	require.NoError(t, err)
	assert.Equal(t, replacement, strings.TrimSpace(out))

	_, err = e.run(t, "set-key", "abcd")
	require.Error(t, err)

	_, err = e.run(t, "set-token", "s3", "AK:SK")
	require.NoError(t, err)
}

func TestNameAndPathEncryption(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "encrypt", "--encoding", "base32", "secret.txt")
	require.NoError(t, err)
	enc := strings.TrimSpace(out)
	assert.NotEqual(t, "secret.txt", enc)

	out, err = e.run(t, "decrypt", "--encoding", "base32", enc)
	require.NoError(t, err)
	assert.Equal(t, "secret.txt", strings.TrimSpace(out))

	out, err = e.run(t, "encrypt-path", "--prefix", "/backup", "/backup/a/b.txt")
	require.NoError(t, err)
	encPath := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(encPath, "/backup/"))

	out, err = e.run(t, "decrypt-path", "--prefix", "/backup", encPath)
	require.NoError(t, err)
	assert.Equal(t, "/backup/a/b.txt", strings.TrimSpace(out))

	_, err = e.run(t, "decrypt", "not-encrypted")
	require.Error(t, err)
}

func TestSetMasterPassword(t *testing.T) {
	e := newCLIEnv(t)
	before, err := e.run(t, "get-key")
	require.NoError(t, err)

	// wrong current password
	t.Setenv(masterPasswordEnv, "guess")
	_, err = e.run(t, "set-master-password")
	require.Error(t, err)

	// new password from stdin
	t.Setenv(masterPasswordEnv, testPassword)
	os.Unsetenv(newMasterPasswordEnv)
	_, err = executeWithInput(t, "rotated\n", "--config-dir", e.dir, "set-master-password")
	require.NoError(t, err)

	t.Setenv(masterPasswordEnv, "rotated")
	after, err := e.run(t, "get-key")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	t.Setenv(masterPasswordEnv, testPassword)
	_, err = e.run(t, "get-key")
	require.Error(t, err)
}
