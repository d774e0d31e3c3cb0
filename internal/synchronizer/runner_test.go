package synchronizer

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openmined/eas/internal/events"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunsTargetsInOrder(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/f", "f", 100)

	second := e.folder("second", e.dstFs, "/c", false)
	require.NoError(t, e.dstFs.MkdirAll("/c", 0o755))

	first := e.target(DefaultOptions())
	other, err := NewTarget(TargetConfig{
		Name:         "a-to-c",
		Src:          e.src,
		Dst:          second,
		Diffs:        e.diffs,
		Emitter:      e.emitter,
		Options:      DefaultOptions(),
		SnapshotPath: filepath.Join(e.dir, "duplist_copy.db"),
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	e.emitter.On(events.NextTarget, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, ev.Target)
	})

	r := NewRunner(e.emitter)
	require.NoError(t, r.Add(first))
	require.NoError(t, r.Add(other))
	assert.Equal(t, 2, r.Len())
	assert.NotEmpty(t, r.ID())

	results := r.Run(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a-to-b", "a-to-c"}, order)
	for _, res := range results {
		assert.Equal(t, StatusFinished, res.Status, res.Target)
		assert.NoError(t, res.Err)
		assert.Equal(t, int64(0), res.Counts.Failed)
	}
	assert.Nil(t, r.Current())

	for _, p := range []string{"/b/f", "/c/f"} {
		ok, err := afero.Exists(e.dstFs, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestRunnerContinuesAfterFailure(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()

	// the destination root cannot be created: its parent is a file
	writeFile(t, e.dstFs, "/blocked", "x", 100)
	broken := e.folder("broken", e.dstFs, "/blocked/dst", false)
	bad, err := NewTarget(TargetConfig{Name: "bad", Src: e.src, Dst: broken, Diffs: e.diffs, Emitter: e.emitter, Options: DefaultOptions()})
	require.NoError(t, err)

	r := NewRunner(e.emitter)
	require.NoError(t, r.Add(bad))
	require.NoError(t, r.Add(e.target(DefaultOptions())))

	var errs atomic.Int32
	e.emitter.On(events.Error, func(events.Event) { errs.Add(1) })

	results := r.Run(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Error(t, results[0].Err)
	assert.Equal(t, StatusFinished, results[1].Status)
	assert.Positive(t, errs.Load())
}

func TestRunnerStopSuspendsQueue(t *testing.T) {
	e := newEnv(t, false)
	e.mkroots()
	writeFile(t, e.srcFs, "/a/f", "f", 100)

	r := NewRunner(e.emitter)
	require.NoError(t, r.Add(e.target(DefaultOptions())))
	require.NoError(t, r.Add(e.target(DefaultOptions())))
	r.Stop()

	results := r.Run(context.Background())
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, StatusSuspended, res.Status)
	}
	ok, err := afero.Exists(e.dstFs, "/b/f")
	require.NoError(t, err)
	assert.False(t, ok)
}
