package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
)

// DuplicateRemover deletes superseded collisions of a folder from its
// storage.
type DuplicateRemover struct {
	Folder       *folder.Folder
	Duplicates   *store.DuplicateStore
	SnapshotPath string
	Emitter      *events.Emitter
	Name         string

	PreserveModified bool
}

// RemoveResult counts what happened to each duplicate.
type RemoveResult struct {
	Removed int
	Failed  int
}

// Run works on a snapshot of the duplicates under the folder root so the
// live store can shrink while it is being walked.
func (r *DuplicateRemover) Run(ctx context.Context) (RemoveResult, error) {
	var res RemoveResult
	root := r.Folder.Root()

	snapshot, err := store.OpenDuplicateStore(r.SnapshotPath)
	if err != nil {
		return res, err
	}
	defer func() {
		snapshot.Close()
		if err := os.Remove(r.SnapshotPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove duplicate snapshot", "path", r.SnapshotPath, "error", err)
		}
	}()

	n, err := r.Duplicates.CopyTo(snapshot, root)
	if err != nil {
		return res, err
	}
	if n == 0 {
		return res, nil
	}
	slog.Info("removing duplicates", "folder", r.Folder.Name(), "count", n)

	if err := r.Duplicates.Begin(); err != nil {
		return res, err
	}
	preserve := r.PreserveModified && r.Folder.Capabilities().SetModified
	parents := make(map[string]time.Time)

	for d, err := range snapshot.FindRecursively(root) {
		if err != nil {
			r.Duplicates.Rollback()
			return res, err
		}
		if err := ctx.Err(); err != nil {
			r.Duplicates.Commit()
			return res, err
		}

		if rmErr := r.remove(ctx, d, preserve, parents); rmErr != nil {
			res.Failed++
			slog.Error("failed to remove duplicate", "folder", r.Folder.Name(), "path", d.Path, "error", rmErr)
			r.Emitter.Emit(events.Event{Type: events.Error, Target: r.Name, Path: d.Path, Err: rmErr})
			continue
		}
		res.Removed++

		if _, err := r.Duplicates.AutoCommit(); err != nil {
			r.Duplicates.Rollback()
			return res, err
		}
	}

	if err := r.Duplicates.Commit(); err != nil {
		return res, err
	}
	if res.Failed > 0 {
		return res, fmt.Errorf("%d duplicates could not be removed", res.Failed)
	}
	return res, nil
}

func (r *DuplicateRemover) remove(ctx context.Context, d *store.Duplicate, preserve bool, parents map[string]time.Time) error {
	parent, _ := vpath.Split(d.Path)
	parent = vpath.DirNormalize(parent)

	var parentModified time.Time
	if preserve {
		var err error
		if parentModified, err = r.parentModified(ctx, parent, parents); err != nil {
			return err
		}
	}

	if err := r.Folder.Remove(ctx, d.Path, d.Chain()); err != nil && !storage.IsNotFound(err) {
		return err
	}
	if err := r.Duplicates.Remove(d.IVs, d.Path); err != nil {
		return err
	}

	if preserve && !parentModified.IsZero() {
		if err := r.Folder.SetModified(ctx, parent, d.Chain().Parent(), parentModified); err != nil {
			return fmt.Errorf("failed to restore modified of %s: %w", parent, err)
		}
	}
	r.Emitter.Emit(events.Event{Type: events.DuplicateGone, Target: r.Name, Path: d.Path})
	return nil
}

// parentModified prefers the inventory and falls back to the storage.
func (r *DuplicateRemover) parentModified(ctx context.Context, parent string, cache map[string]time.Time) (time.Time, error) {
	if t, ok := cache[parent]; ok {
		return t, nil
	}

	var t time.Time
	n, err := r.Folder.Inventory().Find(parent)
	switch {
	case err != nil:
		return t, err
	case n != nil && n.Kind == store.KindDir:
		t = n.ModTime()
	default:
		meta, err := r.Folder.GetMeta(ctx, parent, nil)
		if err != nil {
			return t, err
		}
		t = meta.Modified
	}
	cache[parent] = t
	return t, nil
}
