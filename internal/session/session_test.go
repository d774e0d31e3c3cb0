package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/eas/internal/config"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/synchronizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, src, dst string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Dir:              t.TempDir(),
		NWorkers:         2,
		NScanWorkers:     2,
		RetryInterval:    0.01,
		SyncModified:     true,
		PreserveModified: true,
		TempDir:          t.TempDir(),
		Folders: []*config.Folder{
			{Name: "plain", URL: src},
			{Name: "vault", URL: dst, Encrypted: true, FilenameEncoding: "base32"},
		},
		Targets: []*config.Target{{Src: "plain", Dst: "vault"}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSessionLockingSingleInstance(t *testing.T) {
	cfg := newConfig(t, t.TempDir(), t.TempDir())

	s1, err := Open(cfg)
	require.NoError(t, err)

	_, err = Open(cfg)
	require.ErrorIs(t, err, ErrLocked)

	lockPath := filepath.Join(s1.Dir, lockFile)
	assert.FileExists(t, lockPath)
	assert.DirExists(t, s1.DatabasesDir)
	assert.DirExists(t, s1.LogsDir)

	require.NoError(t, s1.Close())
	_, statErr := os.Stat(lockPath)
	require.ErrorIs(t, statErr, os.ErrNotExist)

	s2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
}

func TestSessionMasterData(t *testing.T) {
	cfg := newConfig(t, t.TempDir(), t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Key()
	require.ErrorIs(t, err, ErrMasterLocked)
	require.ErrorIs(t, s.UnlockMaster("secret"), ErrNoMasterData)

	require.NoError(t, s.SetMasterPassword("secret"))
	key, err := s.Key()
	require.NoError(t, err)
	assert.Len(t, key, encryption.KeySize)
	require.NoError(t, s.SetToken("s3", "AK:SK"))

	other, err := New(cfg)
	require.NoError(t, err)
	require.ErrorIs(t, other.UnlockMaster("wrong"), encryption.ErrWrongMasterKey)
	require.ErrorIs(t, other.SetMasterPassword("new"), ErrMasterLocked)

	require.NoError(t, other.UnlockMaster("secret"))
	got, err := other.Key()
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, "AK:SK", other.token("s3"))

	// rotating the password keeps the content key
	require.NoError(t, other.SetMasterPassword("new"))
	third, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, third.UnlockMaster("new"))
	got, err = third.Key()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestSessionStoreLayout(t *testing.T) {
	cfg := newConfig(t, t.TempDir(), t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	inv, err := s.Inventory("plain")
	require.NoError(t, err)
	again, err := s.Inventory("plain")
	require.NoError(t, err)
	assert.Same(t, inv, again)

	_, err = s.Duplicates("local")
	require.NoError(t, err)
	_, err = s.Diffs()
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(s.DatabasesDir, "plain-filelist.db"))
	assert.FileExists(t, filepath.Join(s.DatabasesDir, "local-duplicates.db"))
	assert.FileExists(t, filepath.Join(s.DatabasesDir, "eas_diffs.db"))
}

func TestSessionEncryptedFolderNeedsMasterData(t *testing.T) {
	cfg := newConfig(t, t.TempDir(), t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Folder(context.Background(), "vault")
	require.ErrorIs(t, err, ErrMasterLocked)

	_, err = s.Folder(context.Background(), "missing")
	require.ErrorIs(t, err, config.ErrUnknownFolder)
}

func TestSessionRunsConfiguredTarget(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes", "todo.txt"), []byte("buy milk"), 0o644))

	cfg := newConfig(t, src, dst)
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SetMasterPassword("secret"))

	emitter := events.NewEmitter()
	targets, err := s.Targets(context.Background(), emitter)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "plain -> vault", targets[0].Name)

	status, err := targets[0].Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, synchronizer.StatusFinished, status)

	// one encrypted directory holding one encrypted file
	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir())
	assert.NotEqual(t, "notes", entries[0].Name())

	files, err := os.ReadDir(filepath.Join(dst, entries[0].Name()))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := files[0].Info()
	require.NoError(t, err)
	assert.Equal(t, encryption.EncryptedSize(int64(len("buy milk"))), info.Size())

	filtered, err := s.Targets(context.Background(), emitter, "nothing")
	require.NoError(t, err)
	assert.Empty(t, filtered)
}
