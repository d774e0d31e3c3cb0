package synchronizer

import (
	"cmp"
	"context"
	"slices"

	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
)

// Scannable is a path being scanned. Plain folders and encrypted folders
// differ in how children are named and how collisions are handled.
type Scannable interface {
	Path() string
	IsDir() bool
	// Identify fetches the metadata of the path, reporting false when absent.
	Identify(ctx context.Context) (bool, error)
	// ListDir returns the children to keep and the superseded collisions.
	ListDir(ctx context.Context) ([]Scannable, []*store.Duplicate, error)
	ToNode() *store.Node
}

// NewScannable returns the scannable for the root of f.
func NewScannable(f *folder.Folder) Scannable {
	if f.Encrypted() {
		return &encryptedScannable{f: f, path: f.Root(), ivs: encryption.IVChain{}}
	}
	return &plainScannable{f: f, path: f.Root()}
}

type plainScannable struct {
	f    *folder.Folder
	path string
	meta *storage.Meta
}

func (s *plainScannable) Path() string { return s.path }
func (s *plainScannable) IsDir() bool  { return s.meta.IsDir() && !s.meta.IsLink() }

func (s *plainScannable) Identify(ctx context.Context) (bool, error) {
	meta, err := s.f.GetMeta(ctx, s.path, nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	s.meta = meta
	return true, nil
}

func (s *plainScannable) ListDir(ctx context.Context) ([]Scannable, []*store.Duplicate, error) {
	entries, err := s.f.ListDir(ctx, s.path, nil)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Scannable, 0, len(entries))
	for _, e := range entries {
		out = append(out, &plainScannable{f: s.f, path: childPath(s.path, e), meta: e.Meta})
	}
	return out, nil, nil
}

func (s *plainScannable) ToNode() *store.Node {
	return newNode(s.f, s.path, s.meta, nil)
}

type encryptedScannable struct {
	f        *folder.Folder
	path     string
	ivs      encryption.IVChain
	meta     *storage.Meta
	wireName string
}

func (s *encryptedScannable) Path() string { return s.path }
func (s *encryptedScannable) IsDir() bool  { return s.meta.IsDir() && !s.meta.IsLink() }

func (s *encryptedScannable) Identify(ctx context.Context) (bool, error) {
	meta, err := s.f.GetMeta(ctx, s.path, s.ivs)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	s.meta = meta
	return true, nil
}

// ListDir groups children by the path their plaintext name resolves to, so
// "x", "/x" and "x/" collide. The newest of a group survives; ties go to the
// greatest wire name. The rest are duplicates.
func (s *encryptedScannable) ListDir(ctx context.Context) ([]Scannable, []*store.Duplicate, error) {
	entries, err := s.f.ListDir(ctx, s.path, s.ivs)
	if err != nil {
		return nil, nil, err
	}

	groups := make(map[string][]*folder.Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		key := vpath.DirDenormalize(childPath(s.path, e))
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var children []Scannable
	var dups []*store.Duplicate
	for _, key := range order {
		group := groups[key]
		slices.SortFunc(group, func(a, b *folder.Entry) int {
			if c := a.Modified.Compare(b.Modified); c != 0 {
				return -c
			}
			return -cmp.Compare(a.WireName, b.WireName)
		})

		for i, e := range group {
			child := &encryptedScannable{
				f:        s.f,
				path:     childPath(s.path, e),
				ivs:      s.ivs.Append(e.IV),
				meta:     e.Meta,
				wireName: e.WireName,
			}
			if i == 0 {
				children = append(children, child)
				continue
			}
			dups = append(dups, &store.Duplicate{
				Kind: child.ToNode().Kind,
				IVs:  []byte(child.ivs),
				Path: child.path,
			})
		}
	}
	return children, dups, nil
}

func (s *encryptedScannable) ToNode() *store.Node {
	return newNode(s.f, s.path, s.meta, s.ivs)
}

func childPath(parent string, e *folder.Entry) string {
	p := vpath.Join(vpath.DirNormalize(parent), e.Name)
	if e.IsDir() && !e.IsLink() {
		return vpath.DirNormalize(p)
	}
	return vpath.DirDenormalize(p)
}
