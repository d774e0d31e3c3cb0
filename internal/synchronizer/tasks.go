package synchronizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/events"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
	"github.com/openmined/eas/internal/worker"
)

// diffTask is the state shared by every task built from a diff row.
type diffTask struct {
	t    *Target
	diff *store.Diff
}

func (d diffTask) srcPath() string { return d.t.Src.Root() + d.diff.Path }
func (d diffTask) dstPath() string { return d.t.Dst.Root() + d.diff.Path }

// srcNode is the source inventory row the diff was computed from.
func (d diffTask) srcNode() (*store.Node, error) {
	n, err := d.t.Src.Inventory().Find(d.srcPath())
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, &storage.PathError{Op: "inventory", Path: d.srcPath(), Err: storage.ErrNotFound}
	}
	return n, nil
}

// record refreshes the destination row for path from the storage.
func (d diffTask) record(ctx context.Context, path string, ivs encryption.IVChain) error {
	dst := d.t.Dst
	meta, err := dst.GetMeta(ctx, path, ivs)
	if err != nil {
		return err
	}
	inv := dst.Inventory()
	if err := inv.Insert(newNode(dst, path, meta, ivs)); err != nil {
		return err
	}
	_, err = inv.AutoCommit()
	return err
}

// dstIVs returns the chain of a destination path about to be written,
// materialising virtual nodes for components that have none yet.
func (d diffTask) dstIVs(path string) (encryption.IVChain, error) {
	dst := d.t.Dst
	if !dst.Encrypted() {
		return nil, nil
	}
	return dst.Inventory().CreateVirtualNodes(path, dst.Root())
}

// UploadTask copies a new or changed file from the source to the destination.
type UploadTask struct {
	diffTask
}

func (u *UploadTask) String() string {
	return fmt.Sprintf("upload %s", u.diff.Path)
}

func (u *UploadTask) Run(ctx context.Context) error {
	t := u.t
	src, dstPath := u.srcPath(), u.dstPath()

	node, err := u.srcNode()
	if err != nil {
		return err
	}
	ivs, err := u.dstIVs(dstPath)
	if err != nil {
		return err
	}

	file, err := t.Src.GetFile(ctx, src, nil, t.downloadLimiter)
	if err != nil {
		return err
	}
	defer file.Close()

	ctrl, ivs, err := t.Dst.Upload(file, file.Size, dstPath, ivs, t.uploadLimiter)
	if err != nil {
		return err
	}
	ctrl.OnProgress(func(dir storage.Direction, transferred, total int64) {
		t.Emitter.Emit(events.Event{
			Type:   events.Uploaded,
			Target: t.Name,
			Path:   u.diff.Path,
			Bytes:  transferred,
			Total:  total,
		})
	})
	if err := ctrl.Work(ctx); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	if err := t.applyMetadata(ctx, dstPath, ivs, node); err != nil {
		return err
	}
	if err := u.record(ctx, dstPath, ivs); err != nil {
		return err
	}
	t.touch(dstPath)
	slog.Debug("uploaded", "target", t.Name, "path", u.diff.Path, "size", file.Size)
	return nil
}

// MkdirTask creates a destination directory. An existing one is adopted.
type MkdirTask struct {
	diffTask
}

func (m *MkdirTask) String() string {
	return fmt.Sprintf("mkdir %s", m.diff.Path)
}

func (m *MkdirTask) Run(ctx context.Context) error {
	t := m.t
	dstPath := vpath.DirNormalize(m.dstPath())

	node, err := m.srcNode()
	if err != nil {
		return err
	}
	ivs, err := m.dstIVs(dstPath)
	if err != nil {
		return err
	}
	if err := t.Dst.Mkdir(ctx, dstPath, ivs); err != nil && !storage.IsExists(err) {
		return err
	}
	if err := t.applyMetadata(ctx, dstPath, ivs, node); err != nil {
		return err
	}
	if err := m.record(ctx, dstPath, ivs); err != nil {
		return err
	}
	t.touch(dstPath)
	return nil
}

// RmTask removes a destination node, recursively for directories.
type RmTask struct {
	diffTask
}

func (r *RmTask) String() string {
	return fmt.Sprintf("rm %s", r.diff.Path)
}

func (r *RmTask) Run(ctx context.Context) error {
	t := r.t
	dstPath := r.dstPath()

	if err := t.Dst.Remove(ctx, dstPath, nil); err != nil && !storage.IsNotFound(err) {
		return err
	}

	inv := t.Dst.Inventory()
	var err error
	if r.diff.NodeKind == store.KindDir {
		err = inv.RemoveRecursively(dstPath)
	} else {
		err = inv.Remove(dstPath)
	}
	if err != nil {
		return err
	}
	if _, err := inv.AutoCommit(); err != nil {
		return err
	}
	t.touch(dstPath)
	return nil
}

// CreateSymlinkTask recreates a source symlink on the destination.
type CreateSymlinkTask struct {
	diffTask
}

func (c *CreateSymlinkTask) String() string {
	return fmt.Sprintf("symlink %s", c.diff.Path)
}

func (c *CreateSymlinkTask) Run(ctx context.Context) error {
	t := c.t
	if c.diff.LinkPath == nil {
		return fmt.Errorf("symlink %s has no target", c.diff.Path)
	}
	dstPath := c.dstPath()

	if err := t.Dst.CreateSymlink(ctx, dstPath, nil, *c.diff.LinkPath); err != nil {
		if !storage.IsExists(err) {
			return err
		}
		// a stale node of another kind is in the way
		if err := t.Dst.Remove(ctx, dstPath, nil); err != nil {
			return err
		}
		if err := t.Dst.CreateSymlink(ctx, dstPath, nil, *c.diff.LinkPath); err != nil {
			return err
		}
	}
	if err := c.record(ctx, dstPath, nil); err != nil {
		return err
	}
	t.touch(dstPath)
	return nil
}

// ModifiedTask copies the source modification time.
type ModifiedTask struct {
	diffTask
}

func (m *ModifiedTask) String() string {
	return fmt.Sprintf("set modified %s", m.diff.Path)
}

func (m *ModifiedTask) Run(ctx context.Context) error {
	node, err := m.srcNode()
	if err != nil {
		return err
	}
	dstPath := m.dstPath()
	if err := m.t.Dst.SetModified(ctx, dstPath, nil, node.ModTime()); err != nil {
		return err
	}
	return m.update(func(inv *store.Inventory) error {
		return inv.UpdateModified(dstPath, node.Modified)
	})
}

// ChmodTask copies the source permission bits.
type ChmodTask struct {
	diffTask
}

func (c *ChmodTask) String() string {
	return fmt.Sprintf("chmod %s", c.diff.Path)
}

func (c *ChmodTask) Run(ctx context.Context) error {
	node, err := c.srcNode()
	if err != nil {
		return err
	}
	if node.Mode == nil {
		return nil
	}
	dstPath := c.dstPath()
	if err := c.t.Dst.Chmod(ctx, dstPath, nil, uint32(*node.Mode)); err != nil {
		return err
	}
	return c.update(func(inv *store.Inventory) error {
		return inv.UpdateMode(dstPath, node.Mode)
	})
}

// ChownTask copies the source owner and group.
type ChownTask struct {
	diffTask
}

func (c *ChownTask) String() string {
	return fmt.Sprintf("chown %s", c.diff.Path)
}

func (c *ChownTask) Run(ctx context.Context) error {
	node, err := c.srcNode()
	if err != nil {
		return err
	}
	if node.Owner == nil || node.Group == nil {
		return nil
	}
	dstPath := c.dstPath()
	if err := c.t.Dst.Chown(ctx, dstPath, nil, int(*node.Owner), int(*node.Group)); err != nil {
		return err
	}
	return c.update(func(inv *store.Inventory) error {
		return inv.UpdateOwner(dstPath, node.Owner, node.Group)
	})
}

func (d diffTask) update(fn func(inv *store.Inventory) error) error {
	inv := d.t.Dst.Inventory()
	if err := fn(inv); err != nil {
		return err
	}
	_, err := inv.AutoCommit()
	return err
}

// newDiffTask maps a diff row onto the task that applies it. ok is false
// for rows the destination cannot represent.
func (t *Target) newDiffTask(d *store.Diff) (worker.Task, bool) {
	base := diffTask{t: t, diff: d}
	switch d.Type {
	case store.DiffRm:
		return &RmTask{base}, true
	case store.DiffNew, store.DiffUpdate:
		switch {
		case d.LinkPath != nil:
			if !t.Dst.Capabilities().Symlinks {
				return nil, false
			}
			return &CreateSymlinkTask{base}, true
		case d.NodeKind == store.KindDir:
			return &MkdirTask{base}, true
		default:
			return &UploadTask{base}, true
		}
	case store.DiffModified:
		return &ModifiedTask{base}, true
	case store.DiffChmod:
		return &ChmodTask{base}, true
	case store.DiffChown:
		return &ChownTask{base}, true
	}
	return nil, false
}
