package synchronizer

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = encryption.DeriveMasterKey("correct horse")

// env is a source tree at /a and a destination tree at /b, each on its own
// memory filesystem, with on-disk stores.
type env struct {
	t       *testing.T
	srcFs   afero.Fs
	dstFs   afero.Fs
	src     *folder.Folder
	dst     *folder.Folder
	diffs   *store.DiffStore
	srcDups *store.DuplicateStore
	dstDups *store.DuplicateStore
	emitter *events.Emitter
	dir     string

	mu    sync.Mutex
	tasks []string
}

func newEnv(t *testing.T, encryptDst bool) *env {
	t.Helper()
	e := &env{
		t:       t,
		srcFs:   afero.NewMemMapFs(),
		dstFs:   afero.NewMemMapFs(),
		emitter: events.NewEmitter(),
		dir:     t.TempDir(),
	}

	var err error
	e.diffs, err = store.OpenDiffStore(filepath.Join(e.dir, "eas_diffs.db"))
	require.NoError(t, err)
	e.srcDups, err = store.OpenDuplicateStore(filepath.Join(e.dir, "src-duplicates.db"))
	require.NoError(t, err)
	e.dstDups, err = store.OpenDuplicateStore(filepath.Join(e.dir, "dst-duplicates.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		e.diffs.Close()
		e.srcDups.Close()
		e.dstDups.Close()
	})

	e.src = e.folder("src", e.srcFs, "/a", false)
	e.dst = e.folder("dst", e.dstFs, "/b", encryptDst)

	e.emitter.On(events.TaskFinished, func(ev events.Event) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.tasks = append(e.tasks, ev.Task)
	})
	return e
}

func (e *env) folder(name string, fs afero.Fs, root string, encrypted bool) *folder.Folder {
	inv, err := store.OpenInventory(filepath.Join(e.dir, name+"-filelist.db"))
	require.NoError(e.t, err)
	e.t.Cleanup(func() { inv.Close() })

	f, err := folder.New(folder.Options{
		Name:      name,
		Storage:   storage.NewLocal(fs),
		Root:      root,
		Encrypted: encrypted,
		Codec:     codec.MustGet(codec.Base41),
		Key:       testKey,
		Inventory: inv,
		NRetries:  2,
	})
	require.NoError(e.t, err)
	return f
}

func (e *env) mkroots() {
	require.NoError(e.t, e.srcFs.MkdirAll("/a", 0o755))
	require.NoError(e.t, e.dstFs.MkdirAll("/b", 0o755))
	require.NoError(e.t, e.srcFs.Chtimes("/a", time.Unix(1000, 0), time.Unix(1000, 0)))
	require.NoError(e.t, e.dstFs.Chtimes("/b", time.Unix(2000, 0), time.Unix(2000, 0)))
}

func (e *env) target(opts Options) *Target {
	tg, err := NewTarget(TargetConfig{
		Name:          "a-to-b",
		Src:           e.src,
		Dst:           e.dst,
		Diffs:         e.diffs,
		Emitter:       e.emitter,
		Options:       opts,
		SrcDuplicates: e.srcDups,
		DstDuplicates: e.dstDups,
		SnapshotPath:  filepath.Join(e.dir, "duplist_copy.db"),
	})
	require.NoError(e.t, err)
	return tg
}

func (e *env) finishedTasks(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, task := range e.tasks {
		if strings.HasPrefix(task, prefix) {
			out = append(out, task)
		}
	}
	return out
}

func writeFile(t *testing.T, fs afero.Fs, path, content string, mtime int64) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	require.NoError(t, fs.Chtimes(path, time.Unix(mtime, 0), time.Unix(mtime, 0)))
}

func run(t *testing.T, tg *Target) Status {
	t.Helper()
	status, err := tg.Run(context.Background())
	if status == StatusFinished {
		require.NoError(t, err)
	}
	return status
}

func TestSyncIdentity(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()

	tg := e.target(DefaultOptions())
	assert.Equal(t, StatusFinished, run(t, tg))
	assert.Equal(t, StatusFinished, tg.Status())
	assert.Equal(t, int64(0), tg.Counts().Failed)

	n, err := e.diffs.Count(e.src.Location(), e.dst.Location())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.finishedTasks("upload"))
}

func TestSyncNewFile(t *testing.T) {
	for _, syncModified := range []bool{true, false} {
		t.Run(map[bool]string{true: "sync modified", false: "keep modified"}[syncModified], func(t *testing.T) {
			e := newEnv(t, false)
			e.mkroots()
			writeFile(t, e.srcFs, "/a/note.txt", "hi", 100)

			opts := DefaultOptions()
			opts.SyncModified = syncModified
			assert.Equal(t, StatusFinished, run(t, e.target(opts)))

			data, err := afero.ReadFile(e.dstFs, "/b/note.txt")
			require.NoError(t, err)
			assert.Equal(t, "hi", string(data))

			fi, err := e.dstFs.Stat("/b/note.txt")
			require.NoError(t, err)
			assert.Equal(t, syncModified, fi.ModTime().Unix() == 100)
			assert.Equal(t, []string{"upload note.txt"}, e.finishedTasks("upload"))

			n, err := e.dst.Inventory().Find("/b/note.txt")
			require.NoError(t, err)
			require.NotNil(t, n)
			assert.Equal(t, encryption.PadSize(2), n.PaddedSize)
		})
	}
}

func TestSyncUpdateByModified(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/note.txt", "hey", 200)
	writeFile(t, e.dstFs, "/b/note.txt", "hi", 100)

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))

	data, err := afero.ReadFile(e.dstFs, "/b/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hey", string(data))
	assert.Equal(t, []string{"upload note.txt"}, e.finishedTasks("upload"))
}

func TestSyncRemovePropagation(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.dstFs, "/b/obsolete/x", "old", 100)

	// the directory removal covers its content
	for _, f := range []*folder.Folder{e.src, e.dst} {
		_, err := (&Scanner{Folder: f, Emitter: e.emitter, NWorkers: 2}).Run(context.Background())
		require.NoError(t, err)
	}
	var rows []row
	seq := Compare(e.src.Inventory().Iter("/a/", false), e.dst.Inventory().Iter("/b/", false), "/a/", "/b/",
		CompareOptions{Structure: true})
	for d, err := range seq {
		require.NoError(t, err)
		rows = append(rows, row{d.Type, d.NodeKind, d.Path})
	}
	assert.Equal(t, []row{{store.DiffRm, store.KindDir, "obsolete/"}}, rows)

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))

	entries, err := afero.ReadDir(e.dstFs, "/b")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{"rm obsolete/"}, e.finishedTasks("rm"))

	n, err := e.dst.Inventory().Count("/b/")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncNoRemove(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/keep", "k", 100)
	writeFile(t, e.dstFs, "/b/extra", "e", 100)

	opts := DefaultOptions()
	opts.NoRemove = true
	assert.Equal(t, StatusFinished, run(t, e.target(opts)))

	ok, err := afero.Exists(e.dstFs, "/b/extra")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = afero.Exists(e.dstFs, "/b/keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncNestedDirectories(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/x/y/z/deep.txt", "deep", 100)
	writeFile(t, e.srcFs, "/a/x/top.txt", "top", 100)
	require.NoError(t, e.srcFs.MkdirAll("/a/empty", 0o755))

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))

	for path, want := range map[string]string{"/b/x/y/z/deep.txt": "deep", "/b/x/top.txt": "top"} {
		data, err := afero.ReadFile(e.dstFs, path)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
	isDir, err := afero.IsDir(e.dstFs, "/b/empty")
	require.NoError(t, err)
	assert.True(t, isDir)

	mkdirs := e.finishedTasks("mkdir")
	assert.ElementsMatch(t, []string{"mkdir empty/", "mkdir x/", "mkdir x/y/", "mkdir x/y/z/"}, mkdirs)

	// a second run finds nothing to do
	e.tasks = nil
	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))
	assert.Empty(t, e.finishedTasks("upload"))
	assert.Empty(t, e.finishedTasks("mkdir"))
}

func TestSyncMissingSourceIsSkipped(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, e.dstFs.MkdirAll("/b", 0o755))
	writeFile(t, e.dstFs, "/b/precious", "p", 100)

	status, err := e.target(DefaultOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, status)

	ok, err := afero.Exists(e.dstFs, "/b/precious")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncEncryptedDestination(t *testing.T) {
	e := newEnv(t, true)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/docs/readme.md", strings.Repeat("read me ", 100), 100)
	writeFile(t, e.srcFs, "/a/top.txt", "top", 200)

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))

	entries, err := afero.ReadDir(e.dstFs, "/b")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, fi := range entries {
		assert.NotContains(t, []string{"docs", "top.txt"}, fi.Name())
	}

	file, err := e.dst.GetFile(context.Background(), "/b/docs/readme.md", nil, nil)
	require.NoError(t, err)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	assert.Equal(t, strings.Repeat("read me ", 100), string(data))

	n, err := e.dst.Inventory().Find("/b/docs/readme.md")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 2, n.Chain().Len())

	e.tasks = nil
	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))
	assert.Empty(t, e.finishedTasks("upload"))
}

func TestSyncEncryptedCollision(t *testing.T) {
	e := newEnv(t, true)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/note.txt", "hello", 200)

	c := codec.MustGet(codec.Base41)
	var wires []string
	for _, mtime := range []int64{100, 200} {
		iv, err := encryption.NewIV()
		require.NoError(t, err)
		wire, err := encryption.EncryptFilename("note.txt", testKey, iv, c)
		require.NoError(t, err)
		content, err := encryption.EncryptData([]byte("hello"), testKey)
		require.NoError(t, err)
		writeFile(t, e.dstFs, "/b/"+wire, string(content), mtime)
		wires = append(wires, wire)
	}

	// the newer object survives the scan, the older becomes a duplicate
	_, err := (&Scanner{Folder: e.dst, Duplicates: e.dstDups, Emitter: e.emitter}).Run(context.Background())
	require.NoError(t, err)
	n, err := e.dstDups.Count("/b/")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))

	n, err = e.dstDups.Count("/b/")
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := afero.ReadDir(e.dstFs, "/b")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, wires[1], entries[0].Name())
	assert.Empty(t, e.finishedTasks("upload"))
}

func TestSyncStopMidUpload(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	big := make([]byte, 1<<20)
	_, err := rand.Read(big)
	require.NoError(t, err)
	writeFile(t, e.srcFs, "/a/big.bin", string(big), 100)

	opts := DefaultOptions()
	opts.UploadLimit = 256 << 10
	tg := e.target(opts)

	var once sync.Once
	unsubscribe := e.emitter.On(events.Uploaded, func(ev events.Event) {
		once.Do(tg.Stop)
	})

	status, err := tg.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, status)
	unsubscribe()

	n, err := e.dst.Inventory().Find("/b/big.bin")
	require.NoError(t, err)
	assert.Nil(t, n)
	entries, err := afero.ReadDir(e.dstFs, "/b")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// a fresh run resumes
	opts.UploadLimit = 0
	assert.Equal(t, StatusFinished, run(t, e.target(opts)))
	data, err := afero.ReadFile(e.dstFs, "/b/big.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, data))
}

func TestStoppedTargetDoesNotRun(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/f", "f", 100)

	tg := e.target(DefaultOptions())
	tg.Stop()
	tg.Stop()
	status, err := tg.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, status)

	ok, err := afero.Exists(e.dstFs, "/b/f")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTargetEmitsStagesInOrder(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()

	var mu sync.Mutex
	var stages []Stage
	e.emitter.On(events.StageChanged, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, Stage(ev.Stage))
	})

	assert.Equal(t, StatusFinished, run(t, e.target(DefaultOptions())))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, slices.Equal(Stages, stages), "got %v", stages)
}

func TestNewTargetRejectsDoubleEncryption(t *testing.T) {
	e := newEnv(t, true)
	enc := e.folder("enc", afero.NewMemMapFs(), "/c", true)
	_, err := NewTarget(TargetConfig{Src: enc, Dst: e.dst, Diffs: e.diffs})
	assert.Error(t, err)
}

func TestPlanRecordsWithoutApplying(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/new.txt", "fresh", 100)
	writeFile(t, e.dstFs, "/b/old.txt", "stale", 100)

	tg := e.target(DefaultOptions())
	require.NoError(t, tg.Plan(context.Background()))

	got := map[string]store.DiffType{}
	for d, err := range tg.Pending() {
		require.NoError(t, err)
		got[d.Path] = d.Type
	}
	assert.Equal(t, store.DiffNew, got["new.txt"])
	assert.Equal(t, store.DiffRm, got["old.txt"])

	exists, err := afero.Exists(e.dstFs, "/b/old.txt")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = afero.Exists(e.dstFs, "/b/new.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, StatusPending, tg.Status())
}

func TestApplyFeedsTasksLazily(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	for i := range 300 {
		writeFile(t, e.srcFs, fmt.Sprintf("/a/f%03d.txt", i), "x", 100)
	}

	opts := DefaultOptions()
	opts.NWorkers = 2
	tg := e.target(opts)

	var peak atomic.Int64
	off := e.emitter.On(events.NextTask, func(events.Event) {
		tg.mu.Lock()
		pool := tg.pool
		tg.mu.Unlock()
		if pool == nil {
			return
		}
		for {
			cur, q := peak.Load(), int64(pool.Queued())
			if q <= cur || peak.CompareAndSwap(cur, q) {
				return
			}
		}
	})
	defer off()

	assert.Equal(t, StatusFinished, run(t, tg))
	assert.Len(t, e.finishedTasks("upload"), 300)
	assert.LessOrEqual(t, peak.Load(), int64(2*opts.NWorkers))
}

// renamedStorage reports another storage type so two folders can share a root.
type renamedStorage struct {
	storage.Storage
	name string
}

func (r renamedStorage) Name() string { return r.name }

func TestDiffRowsAreKeyedByStorage(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/new.txt", "fresh", 100)
	writeFile(t, e.dstFs, "/b/old.txt", "stale", 100)

	mirrorFs := afero.NewMemMapFs()
	require.NoError(t, mirrorFs.MkdirAll("/b", 0o755))
	inv, err := store.OpenInventory(filepath.Join(e.dir, "mirror-filelist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })
	mirror, err := folder.New(folder.Options{
		Name:      "mirror",
		Storage:   renamedStorage{Storage: storage.NewLocal(mirrorFs), name: "sftp"},
		Root:      "/b",
		Inventory: inv,
	})
	require.NoError(t, err)
	assert.Equal(t, "sftp:///b/", mirror.Location())
	assert.Equal(t, "local:///b/", e.dst.Location())

	first := e.target(DefaultOptions())
	second, err := NewTarget(TargetConfig{Src: e.src, Dst: mirror, Diffs: e.diffs, Emitter: e.emitter, Options: DefaultOptions()})
	require.NoError(t, err)

	require.NoError(t, first.Plan(context.Background()))
	require.NoError(t, second.Plan(context.Background()))

	pending := func(tg *Target) map[string]store.DiffType {
		got := map[string]store.DiffType{}
		for d, err := range tg.Pending() {
			require.NoError(t, err)
			if d.Type == store.DiffNew || d.Type == store.DiffRm {
				got[d.Path] = d.Type
			}
		}
		return got
	}
	assert.Equal(t, map[string]store.DiffType{"new.txt": store.DiffNew, "old.txt": store.DiffRm}, pending(first))
	assert.Equal(t, map[string]store.DiffType{"new.txt": store.DiffNew}, pending(second))
}
