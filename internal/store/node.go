package store

import (
	"math"
	"time"

	"github.com/openmined/eas/internal/encryption"
)

// Kind is the node type stored in inventory and duplicate rows.
type Kind string

const (
	KindFile    Kind = "f"
	KindDir     Kind = "d"
	KindVirtual Kind = "v"
)

// Node is one inventory row. Directory paths end with a separator.
type Node struct {
	Kind       Kind    `db:"type"`
	Path       string  `db:"path"`
	Modified   float64 `db:"modified"`
	PaddedSize int64   `db:"padded_size"`
	Mode       *int64  `db:"mode"`
	Owner      *int64  `db:"owner"`
	Group      *int64  `db:"group"`
	LinkPath   *string `db:"link_path"`
	IVs        []byte  `db:"IVs"`
}

func (n *Node) IsDir() bool {
	return n.Kind == KindDir
}

func (n *Node) IsLink() bool {
	return n.LinkPath != nil
}

// Chain returns the typed view of the node's IV chain.
func (n *Node) Chain() encryption.IVChain {
	return encryption.IVChain(n.IVs)
}

// ModTime converts Modified to a time.
func (n *Node) ModTime() time.Time {
	return FromTimestamp(n.Modified)
}

// Timestamp converts t to fractional epoch seconds at microsecond precision,
// the resolution inventories compare at.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromTimestamp reverses Timestamp.
func FromTimestamp(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6))).UTC()
}

// Int64 returns a pointer to v, for nullable columns.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to v, for nullable columns.
func String(v string) *string {
	return &v
}
