package folder

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = encryption.DeriveMasterKey("secret")

// remoteLocal makes a memory filesystem look like a remote backend and fails
// the first upload with a temporary error.
type remoteLocal struct {
	*storage.Local
	uploads atomic.Int32
}

func (r *remoteLocal) Capabilities() storage.Capabilities {
	caps := r.Local.Capabilities()
	caps.Type = storage.KindRemote
	return caps
}

func (r *remoteLocal) Upload(ctx context.Context, rd io.Reader, p string, size int64) error {
	if r.uploads.Add(1) == 1 {
		// consume part of the body before failing
		_, _ = io.CopyN(io.Discard, rd, 10)
		return &storage.PathError{Op: "upload", Path: p, Err: storage.ErrTemporary}
	}
	return r.Local.Upload(ctx, rd, p, size)
}

func openInventory(t *testing.T) *store.Inventory {
	t.Helper()
	inv, err := store.OpenInventory(filepath.Join(t.TempDir(), "filelist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })
	return inv
}

func newFolder(t *testing.T, st storage.Storage, encrypted bool, inv *store.Inventory) *Folder {
	t.Helper()
	f, err := New(Options{
		Name:        "test",
		Storage:     st,
		Root:        "/data",
		Encrypted:   encrypted,
		Codec:       codec.MustGet(codec.Base41),
		Key:         testKey,
		Inventory:   inv,
		NRetries:    3,
		TempFs:      afero.NewMemMapFs(),
		TempDir:     "/spool",
		BufferLimit: 16,
	})
	require.NoError(t, err)
	return f
}

func upload(t *testing.T, f *Folder, path string, content string, ivs encryption.IVChain) encryption.IVChain {
	t.Helper()
	ctrl, chain, err := f.Upload(strings.NewReader(content), int64(len(content)), path, ivs, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Work(context.Background()))
	return chain
}

func readAll(t *testing.T, file *File) []byte {
	t.Helper()
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	return data
}

func TestPlainFolderRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	f := newFolder(t, storage.NewLocal(fs), false, nil)

	chain := upload(t, f, "/data/note.txt", "hi there", nil)
	assert.Nil(t, chain)

	raw, err := afero.ReadFile(fs, "/data/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(raw))

	require.NoError(t, f.Mkdir(ctx, "/data/sub", nil))
	entries, err := f.ListDir(ctx, "/data", nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "note.txt", entries[0].Name)
	assert.Equal(t, "note.txt", entries[0].WireName)
	assert.True(t, entries[1].IsDir())

	file, err := f.GetFile(ctx, "/data/note.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), file.Size)
	assert.Equal(t, "hi there", string(readAll(t, file)))

	var buf bytes.Buffer
	ctrl, err := f.Download("/data/note.txt", &buf, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Work(ctx))
	assert.Equal(t, "hi there", buf.String())

	enc, err := f.GetEncryptedFile(ctx, "/data/note.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, encryption.EncryptedSize(8), enc.Size)
	plain, err := encryption.DecryptData(readAll(t, enc), testKey)
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(plain))

	_, _, err = f.WirePath("/elsewhere/x", nil)
	assert.Error(t, err)
}

func TestEncryptedFolderRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	inv := openInventory(t)
	f := newFolder(t, storage.NewLocal(fs), true, inv)

	dirIVs, err := inv.CreateVirtualNodes("/data/docs/", "/data/")
	require.NoError(t, err)
	require.NoError(t, f.Mkdir(ctx, "/data/docs/", dirIVs))

	ivs, err := inv.CreateVirtualNodes("/data/docs/note.txt", "/data/")
	require.NoError(t, err)
	assert.Equal(t, 2, ivs.Len())
	assert.Equal(t, dirIVs.At(0), ivs.At(0))

	content := strings.Repeat("secret ", 50)
	chain := upload(t, f, "/data/docs/note.txt", content, ivs)
	assert.Equal(t, ivs, chain)

	// nothing readable on the wire
	raw, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.NotEqual(t, "docs", raw[0].Name())

	entries, err := f.ListDir(ctx, "/data/docs", nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "note.txt", entries[0].Name)
	assert.Equal(t, ivs.At(1), entries[0].IV)
	assert.Equal(t, encryption.EncryptedSize(int64(len(content))), entries[0].Size)

	wire, _, err := f.WirePath("/data/docs/note.txt", nil)
	require.NoError(t, err)
	plainPath, back, err := f.PlainPath(wire)
	require.NoError(t, err)
	assert.Equal(t, "/data/docs/note.txt", plainPath)
	assert.Equal(t, ivs, back)

	meta, err := f.GetMeta(ctx, "/data/docs/note.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", meta.Name)

	file, err := f.GetFile(ctx, "/data/docs/note.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), file.Size)
	assert.Equal(t, content, string(readAll(t, file)))

	var buf bytes.Buffer
	ctrl, err := f.Download("/data/docs/note.txt", &buf, nil, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Work(ctx))
	assert.Equal(t, content, buf.String())

	assert.ErrorIs(t, f.CreateSymlink(ctx, "/data/link", ivs, "x"), storage.ErrNotSupported)
	assert.False(t, f.Capabilities().Symlinks)

	require.NoError(t, f.Remove(ctx, "/data/docs/", nil))
	ok, err := f.Exists(ctx, "/data/docs/", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptedFolderUnknownPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := newFolder(t, storage.NewLocal(fs), true, openInventory(t))

	_, err := f.GetMeta(context.Background(), "/data/ghost", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, ErrNoIVs)

	ok, err := f.Exists(context.Background(), "/data/ghost", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncryptedFolderSkipsForeignNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/data/README", []byte("x"), 0o644))
	f := newFolder(t, storage.NewLocal(fs), true, openInventory(t))

	entries, err := f.ListDir(context.Background(), "/data/", nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoteFolderSpoolsAndRetries(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	st := &remoteLocal{Local: storage.NewLocal(fs)}
	inv := openInventory(t)
	f := newFolder(t, st, true, inv)

	ivs, err := inv.CreateVirtualNodes("/data/big.bin", "/data/")
	require.NoError(t, err)
	content := strings.Repeat("0123456789", 100)
	upload(t, f, "/data/big.bin", content, ivs)
	assert.Equal(t, int32(2), st.uploads.Load())

	file, err := f.GetFile(ctx, "/data/big.bin", ivs, nil)
	require.NoError(t, err)
	assert.Equal(t, content, string(readAll(t, file)))

	var buf bytes.Buffer
	ctrl, err := f.Download("/data/big.bin", &buf, ivs, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Work(ctx))
	assert.Equal(t, content, buf.String())

	// every spool file was removed
	leftovers, err := afero.ReadDir(f.tempFs, "/spool")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSpool(t *testing.T) {
	fs := afero.NewMemMapFs()

	small := NewSpool(fs, "/tmp", 8)
	_, err := small.Write([]byte("1234"))
	require.NoError(t, err)
	assert.False(t, small.OnDisk())

	big := NewSpool(fs, "/tmp", 8)
	for range 3 {
		_, err := big.Write([]byte("12345"))
		require.NoError(t, err)
	}
	assert.True(t, big.OnDisk())
	assert.Equal(t, int64(15), big.Size())

	for range 2 {
		r, err := big.Reader()
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "123451234512345", string(data))
	}

	require.NoError(t, big.Reset())
	assert.Zero(t, big.Size())
	_, err = big.Write([]byte("ab"))
	require.NoError(t, err)
	r, err := big.Reader()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))

	require.NoError(t, big.Close())
	require.NoError(t, small.Close())
	files, err := afero.ReadDir(fs, "/tmp")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = big.Write([]byte("x"))
	assert.Error(t, err)
}
