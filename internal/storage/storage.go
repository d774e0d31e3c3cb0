// Package storage defines the contract between the sync engine and a storage
// backend, and ships the local, s3 and sftp drivers.
package storage

import (
	"context"
	"io"
	"time"
)

// Kind separates backends on the host filesystem from remote ones.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// FileType is the type reported in Meta. TypeNone means the path is absent.
type FileType string

const (
	TypeNone FileType = ""
	TypeFile FileType = "file"
	TypeDir  FileType = "dir"
)

// Capabilities describes what a backend can do. The engine consults it before
// issuing optional operations and when deciding how many workers to run.
type Capabilities struct {
	Type           Kind
	CaseSensitive  bool
	Parallelizable bool
	SetModified    bool
	Chmod          bool
	Chown          bool
	Symlinks       bool
	PersistentMode bool

	// TimePrecision is the resolution of modification times on this backend.
	TimePrecision time.Duration
}

// Meta is the metadata of a single path.
type Meta struct {
	Name     string
	Type     FileType
	Modified time.Time
	Size     int64
	Mode     *uint32
	Owner    *int
	Group    *int
	Link     *string
}

func (m *Meta) IsDir() bool {
	return m != nil && m.Type == TypeDir
}

func (m *Meta) IsFile() bool {
	return m != nil && m.Type == TypeFile
}

func (m *Meta) IsLink() bool {
	return m != nil && m.Link != nil
}

// Storage is a backend holding a POSIX-like tree. Paths are absolute virtual
// paths using "/" as separator.
//
// Drivers map their failures onto the sentinel errors of this package so
// callers can classify them with errors.Is.
type Storage interface {
	Name() string
	Capabilities() Capabilities

	GetMeta(ctx context.Context, path string) (*Meta, error)
	ListDir(ctx context.Context, path string) ([]*Meta, error)
	Mkdir(ctx context.Context, path string) error
	// Remove deletes a file, a link, or a directory with everything below it.
	Remove(ctx context.Context, path string) error

	// Upload stores size bytes read from r at path, replacing any file there.
	Upload(ctx context.Context, r io.Reader, path string, size int64) error
	// Download writes the content of path to w.
	Download(ctx context.Context, path string, w io.Writer) error

	IsFile(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	Exists(ctx context.Context, path string) (bool, error)

	SetModified(ctx context.Context, path string, modified time.Time) error
	Chmod(ctx context.Context, path string, mode uint32) error
	Chown(ctx context.Context, path string, owner, group int) error
	CreateSymlink(ctx context.Context, path, target string) error

	Close() error
}

// statIs implements IsFile, IsDir and Exists on top of GetMeta.
func statIs(ctx context.Context, s Storage, path string, want func(*Meta) bool) (bool, error) {
	meta, err := s.GetMeta(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return want(meta), nil
}

func isAny(*Meta) bool { return true }
