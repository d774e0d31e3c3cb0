package synchronizer

import (
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/folder"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
)

// newNode builds the inventory row for path from its storage metadata.
func newNode(f *folder.Folder, path string, m *storage.Meta, ivs encryption.IVChain) *store.Node {
	n := &store.Node{
		Kind:     store.KindFile,
		Path:     path,
		Modified: store.Timestamp(m.Modified),
		IVs:      []byte(ivs),
	}
	if m.IsDir() && !m.IsLink() {
		n.Kind = store.KindDir
		n.Path = vpath.DirNormalize(path)
	}

	switch {
	case n.Kind == store.KindDir || m.IsLink():
	case f.Encrypted():
		n.PaddedSize = max(m.Size-encryption.MinEncSize, 0)
	default:
		n.PaddedSize = encryption.PadSize(m.Size)
	}

	if m.Mode != nil && f.Capabilities().PersistentMode {
		n.Mode = store.Int64(int64(*m.Mode))
	}
	if m.Owner != nil && m.Group != nil {
		n.Owner = store.Int64(int64(*m.Owner))
		n.Group = store.Int64(int64(*m.Group))
	}
	if m.Link != nil {
		n.LinkPath = store.String(*m.Link)
	}
	return n
}
