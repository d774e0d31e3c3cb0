package synchronizer

import (
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/openmined/eas/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(ns ...*store.Node) iter.Seq2[*store.Node, error] {
	return func(yield func(*store.Node, error) bool) {
		for _, n := range ns {
			if !yield(n, nil) {
				return
			}
		}
	}
}

func file(path string, modified float64, size int64) *store.Node {
	return &store.Node{Kind: store.KindFile, Path: path, Modified: modified, PaddedSize: size}
}

func dir(path string, modified float64) *store.Node {
	return &store.Node{Kind: store.KindDir, Path: path, Modified: modified}
}

type row struct {
	Type store.DiffType
	Kind store.Kind
	Path string
}

func compare(t *testing.T, src, dst []*store.Node, opts CompareOptions) []row {
	t.Helper()
	var out []row
	for d, err := range Compare(nodes(src...), nodes(dst...), "/src/", "/dst/", opts) {
		require.NoError(t, err)
		out = append(out, row{d.Type, d.NodeKind, d.Path})
	}
	return out
}

func TestCompareIdentical(t *testing.T) {
	tree := func(root string) []*store.Node {
		return []*store.Node{
			dir(root, 10),
			dir(root+"a/", 10),
			file(root+"a/x", 20, 16),
			file(root+"b", 30, 32),
		}
	}
	opts := CompareOptions{Structure: true, Modified: true, Chmod: true, Chown: true}
	assert.Empty(t, compare(t, tree("/src/"), tree("/dst/"), opts))
}

func TestCompareStructure(t *testing.T) {
	src := []*store.Node{
		dir("/src/", 1),
		file("/src/changed", 200, 16),
		file("/src/new", 1, 16),
		file("/src/older", 50, 16),
		file("/src/resized", 1, 32),
	}
	dst := []*store.Node{
		dir("/dst/", 1),
		file("/dst/changed", 100, 16),
		file("/dst/gone", 1, 16),
		file("/dst/older", 100, 16),
		file("/dst/resized", 1, 16),
	}

	got := compare(t, src, dst, CompareOptions{Structure: true})
	assert.Equal(t, []row{
		{store.DiffUpdate, store.KindFile, "changed"},
		{store.DiffRm, store.KindFile, "gone"},
		{store.DiffNew, store.KindFile, "new"},
		{store.DiffUpdate, store.KindFile, "resized"},
	}, got)
}

func TestCompareSuppressesRemovalBelowRemovedDir(t *testing.T) {
	src := []*store.Node{dir("/src/", 1)}
	dst := []*store.Node{
		dir("/dst/", 1),
		dir("/dst/obsolete/", 1),
		dir("/dst/obsolete/deep/", 1),
		file("/dst/obsolete/deep/y", 1, 16),
		file("/dst/obsolete/x", 1, 16),
		file("/dst/other", 1, 16),
	}

	got := compare(t, src, dst, CompareOptions{Structure: true})
	assert.Equal(t, []row{
		{store.DiffRm, store.KindDir, "obsolete/"},
		{store.DiffRm, store.KindFile, "other"},
	}, got)
}

func TestCompareKindTransition(t *testing.T) {
	link := file("/src/l", 1, 0)
	link.LinkPath = store.String("target")

	src := []*store.Node{dir("/src/", 1), link, file("/src/x/", 1, 16)}
	src[2].Kind = store.KindDir
	dst := []*store.Node{dir("/dst/", 1), file("/dst/l", 1, 0), file("/dst/x", 1, 16)}

	got := compare(t, src, dst, CompareOptions{Structure: true})
	assert.Equal(t, []row{
		{store.DiffRm, store.KindFile, "l"},
		{store.DiffNew, store.KindFile, "l"},
		{store.DiffRm, store.KindFile, "x"},
		{store.DiffNew, store.KindDir, "x/"},
	}, got)
}

func TestCompareLinkTargetChange(t *testing.T) {
	a := file("/src/l", 1, 0)
	a.LinkPath = store.String("one")
	b := file("/dst/l", 5, 0)
	b.LinkPath = store.String("two")

	got := compare(t, []*store.Node{a}, []*store.Node{b}, CompareOptions{Structure: true, Modified: true})
	assert.Equal(t, []row{
		{store.DiffRm, store.KindFile, "l"},
		{store.DiffNew, store.KindFile, "l"},
	}, got)

	// same target: links never get metadata rows
	b.LinkPath = store.String("one")
	assert.Empty(t, compare(t, []*store.Node{a}, []*store.Node{b}, CompareOptions{Structure: true, Modified: true}))
}

func TestCompareMetadata(t *testing.T) {
	src := file("/src/f", 100.5, 16)
	src.Mode = store.Int64(0o644)
	src.Owner, src.Group = store.Int64(1000), store.Int64(1000)

	dst := file("/dst/f", 100.5, 16)
	dst.Mode = store.Int64(0o600)
	dst.Owner, dst.Group = store.Int64(0), store.Int64(1000)

	tests := []struct {
		name string
		opts CompareOptions
		want []row
	}{
		{"all off", CompareOptions{}, nil},
		{"chmod", CompareOptions{Chmod: true}, []row{{store.DiffChmod, store.KindFile, "f"}}},
		{"chown", CompareOptions{Chown: true}, []row{{store.DiffChown, store.KindFile, "f"}}},
		{"modified equal", CompareOptions{Modified: true}, nil},
		{"all", CompareOptions{Modified: true, Chmod: true, Chown: true}, []row{
			{store.DiffChmod, store.KindFile, "f"},
			{store.DiffChown, store.KindFile, "f"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, compare(t, []*store.Node{src}, []*store.Node{dst}, tt.opts))
		})
	}
}

func TestCompareModifiedPrecision(t *testing.T) {
	src := []*store.Node{file("/src/f", 100.7, 16)}
	dst := []*store.Node{file("/dst/f", 100.2, 16)}

	fine := compare(t, src, dst, CompareOptions{Structure: true, Modified: true, Precision: time.Microsecond})
	assert.Equal(t, []row{
		{store.DiffUpdate, store.KindFile, "f"},
		{store.DiffModified, store.KindFile, "f"},
	}, fine)

	coarse := compare(t, src, dst, CompareOptions{Structure: true, Modified: true, Precision: time.Second})
	assert.Empty(t, coarse)
}

func TestCompareMissingModeNotReported(t *testing.T) {
	src := file("/src/f", 1, 16)
	dst := file("/dst/f", 1, 16)
	dst.Mode = store.Int64(0o600)
	assert.Empty(t, compare(t, []*store.Node{src}, []*store.Node{dst}, CompareOptions{Chmod: true, Chown: true}))
}

func TestCompareEmptyRoots(t *testing.T) {
	got := compare(t, []*store.Node{dir("/src/", 1)}, nil, CompareOptions{Structure: true})
	assert.Equal(t, []row{{store.DiffNew, store.KindDir, ""}}, got)
}

func TestCompareStopsEarly(t *testing.T) {
	src := []*store.Node{file("/src/a", 1, 1), file("/src/b", 1, 1), file("/src/c", 1, 1)}
	n := 0
	for range Compare(nodes(src...), nodes(), "/src/", "/dst/", CompareOptions{Structure: true}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestComparePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := func(yield func(*store.Node, error) bool) {
		if !yield(file("/src/a", 1, 1), nil) {
			return
		}
		yield(nil, boom)
	}

	var got error
	for _, err := range Compare(failing, nodes(), "/src/", "/dst/", CompareOptions{Structure: true}) {
		if err != nil {
			got = err
		}
	}
	assert.ErrorIs(t, got, boom)
}
