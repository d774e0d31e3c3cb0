// Package folder binds a storage driver to one configured root: its prefix,
// encryption flag and filename encoding. Callers work with plaintext paths;
// the folder turns them into wire paths and streams.
package folder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/matcher"
	"github.com/openmined/eas/internal/ratelimit"
	"github.com/openmined/eas/internal/storage"
	"github.com/openmined/eas/internal/store"
	"github.com/openmined/eas/internal/vpath"
	"github.com/spf13/afero"
)

const (
	DefaultBufferLimit = 64 << 20
	nameCacheSize      = 8192
)

var ErrNoIVs = errors.New("no IV chain recorded")

// Options configures a Folder.
type Options struct {
	Name      string
	Storage   storage.Storage
	Root      string
	Encrypted bool
	Codec     codec.Codec
	Key       []byte
	Inventory *store.Inventory
	Matcher   *matcher.Matcher

	// AvoidRescan trusts the inventory unless a scan is forced.
	AvoidRescan bool

	NRetries      int
	RetryInterval time.Duration

	// Spooling of remote transfers.
	TempFs      afero.Fs
	TempDir     string
	BufferLimit int64
}

// Folder is a storage driver scoped to a root directory.
type Folder struct {
	name      string
	st        storage.Storage
	root      string
	encrypted bool
	codec     codec.Codec
	key       []byte
	inv       *store.Inventory
	matcher   *matcher.Matcher
	avoidScan bool

	nRetries      int
	retryInterval time.Duration

	tempFs      afero.Fs
	tempDir     string
	bufferLimit int64

	names *lru.Cache[string, decodedName]
}

type decodedName struct {
	name string
	iv   encryption.IV
}

// Entry is a child returned by ListDir. Meta.Name is the plaintext name.
type Entry struct {
	*storage.Meta
	WireName string
	IV       encryption.IV
}

func New(opts Options) (*Folder, error) {
	if opts.Storage == nil {
		return nil, errors.New("folder: storage is required")
	}
	if opts.Encrypted {
		if len(opts.Key) != encryption.KeySize {
			return nil, encryption.ErrInvalidKey
		}
		if opts.Codec == nil {
			opts.Codec = codec.MustGet(codec.Base64)
		}
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = DefaultBufferLimit
	}

	names, err := lru.New[string, decodedName](nameCacheSize)
	if err != nil {
		return nil, err
	}

	return &Folder{
		name:          opts.Name,
		st:            opts.Storage,
		root:          vpath.DirNormalize(opts.Root),
		encrypted:     opts.Encrypted,
		codec:         opts.Codec,
		key:           opts.Key,
		inv:           opts.Inventory,
		matcher:       opts.Matcher,
		avoidScan:     opts.AvoidRescan,
		nRetries:      opts.NRetries,
		retryInterval: opts.RetryInterval,
		tempFs:        opts.TempFs,
		tempDir:       opts.TempDir,
		bufferLimit:   opts.BufferLimit,
		names:         names,
	}, nil
}

func (f *Folder) Name() string                 { return f.name }
func (f *Folder) Root() string                 { return f.root }
func (f *Folder) Encrypted() bool              { return f.encrypted }
func (f *Folder) Storage() storage.Storage     { return f.st }
func (f *Folder) Inventory() *store.Inventory  { return f.inv }
func (f *Folder) Matcher() *matcher.Matcher    { return f.matcher }
func (f *Folder) AvoidRescan() bool            { return f.avoidScan }

// Location qualifies the root with the storage type, e.g. s3:///bucket/dir/.
func (f *Folder) Location() string {
	return f.st.Name() + "://" + f.root
}
func (f *Folder) Codec() codec.Codec           { return f.codec }
func (f *Folder) NRetries() int                { return f.nRetries }
func (f *Folder) RetryInterval() time.Duration { return f.retryInterval }

// Capabilities are the driver's, narrowed by encryption: symlink targets
// would leak plaintext into an encrypted tree.
func (f *Folder) Capabilities() storage.Capabilities {
	caps := f.st.Capabilities()
	if f.encrypted {
		caps.Symlinks = false
	}
	return caps
}

func (f *Folder) remote() bool {
	return f.st.Capabilities().Type == storage.KindRemote
}

// IVs returns the chain recorded in the inventory for path. The root has an
// empty chain.
func (f *Folder) IVs(path string) (encryption.IVChain, error) {
	if !f.encrypted || vpath.DirNormalize(path) == f.root {
		return encryption.IVChain{}, nil
	}
	if f.inv == nil {
		return nil, fmt.Errorf("%w for %s: folder has no inventory", ErrNoIVs, path)
	}
	ivs, ok, err := f.inv.GetIVs(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &storage.PathError{Op: "get_ivs", Path: path, Err: fmt.Errorf("%w: %w", storage.ErrNotFound, ErrNoIVs)}
	}
	return ivs, nil
}

// WirePath maps a plaintext path under the root onto the storage path. A nil
// ivs is looked up in the inventory; a non-nil one is used verbatim.
func (f *Folder) WirePath(path string, ivs encryption.IVChain) (string, encryption.IVChain, error) {
	if !vpath.Contains(f.root, path) {
		return "", nil, fmt.Errorf("%s is outside folder root %s", path, f.root)
	}
	if !f.encrypted {
		return path, nil, nil
	}

	if ivs == nil {
		var err error
		if ivs, err = f.IVs(path); err != nil {
			return "", nil, err
		}
	}
	return encryption.EncryptPath(path, f.key, f.root, ivs, f.codec)
}

// PlainPath reverses WirePath.
func (f *Folder) PlainPath(wire string) (string, encryption.IVChain, error) {
	if !f.encrypted {
		return wire, nil, nil
	}
	return encryption.DecryptPath(wire, f.key, f.root, f.codec)
}

func (f *Folder) retry(ctx context.Context, attempt func() error) error {
	return storage.AutoRetry(ctx, f.nRetries, f.retryInterval, attempt)
}

// GetMeta returns the metadata of path. Name is the plaintext name.
func (f *Folder) GetMeta(ctx context.Context, path string, ivs encryption.IVChain) (*storage.Meta, error) {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return nil, err
	}
	meta, err := storage.AutoRetryValue(ctx, f.nRetries, f.retryInterval, func() (*storage.Meta, error) {
		return f.st.GetMeta(ctx, wire)
	})
	if err != nil {
		return nil, err
	}
	if f.encrypted && wire != f.root {
		_, meta.Name = vpath.Split(vpath.DirDenormalize(path))
	}
	return meta, nil
}

// ListDir lists path. In encrypted folders names that fail to decrypt are
// not ours and are skipped.
func (f *Folder) ListDir(ctx context.Context, path string, ivs encryption.IVChain) ([]*Entry, error) {
	wire, _, err := f.WirePath(vpath.DirNormalize(path), ivs)
	if err != nil {
		return nil, err
	}
	metas, err := storage.AutoRetryValue(ctx, f.nRetries, f.retryInterval, func() ([]*storage.Meta, error) {
		return f.st.ListDir(ctx, wire)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(metas))
	for _, m := range metas {
		e := &Entry{Meta: m, WireName: m.Name}
		if f.encrypted {
			dec, err := f.decryptName(m.Name)
			if err != nil {
				slog.Warn("skipping undecryptable name", "folder", f.name, "dir", path, "name", m.Name, "error", err)
				continue
			}
			e.Name, e.IV = dec.name, dec.iv
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *Folder) decryptName(enc string) (decodedName, error) {
	if d, ok := f.names.Get(enc); ok {
		return d, nil
	}
	name, iv, err := encryption.DecryptFilename(enc, f.key, f.codec)
	if err != nil {
		return decodedName{}, err
	}
	d := decodedName{name: name, iv: iv}
	f.names.Add(enc, d)
	return d, nil
}

func (f *Folder) Mkdir(ctx context.Context, path string, ivs encryption.IVChain) error {
	wire, _, err := f.WirePath(vpath.DirNormalize(path), ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.Mkdir(ctx, wire) })
}

func (f *Folder) Remove(ctx context.Context, path string, ivs encryption.IVChain) error {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.Remove(ctx, wire) })
}

func (f *Folder) Exists(ctx context.Context, path string, ivs encryption.IVChain) (bool, error) {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return storage.AutoRetryValue(ctx, f.nRetries, f.retryInterval, func() (bool, error) {
		return f.st.Exists(ctx, wire)
	})
}

func (f *Folder) IsDir(ctx context.Context, path string, ivs encryption.IVChain) (bool, error) {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return storage.AutoRetryValue(ctx, f.nRetries, f.retryInterval, func() (bool, error) {
		return f.st.IsDir(ctx, wire)
	})
}

func (f *Folder) SetModified(ctx context.Context, path string, ivs encryption.IVChain, modified time.Time) error {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.SetModified(ctx, wire, modified) })
}

func (f *Folder) Chmod(ctx context.Context, path string, ivs encryption.IVChain, mode uint32) error {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.Chmod(ctx, wire, mode) })
}

func (f *Folder) Chown(ctx context.Context, path string, ivs encryption.IVChain, owner, group int) error {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.Chown(ctx, wire, owner, group) })
}

func (f *Folder) CreateSymlink(ctx context.Context, path string, ivs encryption.IVChain, target string) error {
	if f.encrypted {
		return &storage.PathError{Op: "symlink", Path: path, Err: storage.ErrNotSupported}
	}
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return err
	}
	return f.retry(ctx, func() error { return f.st.CreateSymlink(ctx, wire, target) })
}

// Upload prepares the transfer of size plaintext bytes from r to path. The
// content is encrypted on the way in encrypted folders. It returns the
// controller that performs the transfer and the IV chain of the wire path.
func (f *Folder) Upload(r io.Reader, size int64, path string, ivs encryption.IVChain, limiter *ratelimit.SpeedLimiter) (*storage.Controller, encryption.IVChain, error) {
	wire, chain, err := f.WirePath(path, ivs)
	if err != nil {
		return nil, nil, err
	}

	wireSize := size
	body := r
	if f.encrypted {
		enc, err := encryption.NewEncryptReader(r, size, f.key)
		if err != nil {
			return nil, nil, err
		}
		body, wireSize = enc, encryption.EncryptedSize(size)
	}

	op := func(ctx context.Context, c *storage.Controller) error {
		return f.st.Upload(ctx, c.Reader(ctx, body), wire, wireSize)
	}
	if f.remote() {
		op = func(ctx context.Context, c *storage.Controller) error {
			spool := NewSpool(f.tempFs, f.tempDir, f.bufferLimit)
			defer spool.Close()

			if _, err := io.Copy(spool, contextReader{ctx, body}); err != nil {
				return err
			}
			return f.retry(ctx, func() error {
				rs, err := spool.Reader()
				if err != nil {
					return err
				}
				return f.st.Upload(ctx, c.Reader(ctx, rs), wire, spool.Size())
			})
		}
	}

	ctrl := storage.NewController(storage.Upload, wire, wireSize, op).WithLimiter(limiter)
	return ctrl, chain, nil
}

// Download prepares the transfer of path into w as plaintext.
func (f *Folder) Download(path string, w io.Writer, ivs encryption.IVChain, limiter *ratelimit.SpeedLimiter) (*storage.Controller, error) {
	wire, _, err := f.WirePath(path, ivs)
	if err != nil {
		return nil, err
	}

	var op func(ctx context.Context, c *storage.Controller) error
	switch {
	case f.remote():
		op = func(ctx context.Context, c *storage.Controller) error {
			spool := NewSpool(f.tempFs, f.tempDir, f.bufferLimit)
			defer spool.Close()

			if err := f.downloadToSpool(ctx, c, wire, spool); err != nil {
				return err
			}
			rs, err := spool.Reader()
			if err != nil {
				return err
			}
			return f.plaintextTo(w, rs)
		}
	case f.encrypted:
		op = func(ctx context.Context, c *storage.Controller) error {
			return f.decryptStream(ctx, w, func(ctx context.Context, pw io.Writer) error {
				return f.st.Download(ctx, wire, c.Writer(ctx, pw))
			})
		}
	default:
		op = func(ctx context.Context, c *storage.Controller) error {
			return f.st.Download(ctx, wire, c.Writer(ctx, w))
		}
	}

	return storage.NewController(storage.Download, wire, -1, op).WithLimiter(limiter), nil
}

// downloadToSpool retries from scratch into an emptied spool.
func (f *Folder) downloadToSpool(ctx context.Context, c *storage.Controller, wire string, spool *Spool) error {
	return f.retry(ctx, func() error {
		if spool.Size() > 0 {
			if err := spool.Reset(); err != nil {
				return err
			}
		}
		return f.st.Download(ctx, wire, c.Writer(ctx, spool))
	})
}

func (f *Folder) plaintextTo(w io.Writer, r io.Reader) error {
	if !f.encrypted {
		_, err := io.Copy(w, r)
		return err
	}
	dr, err := encryption.NewDecryptReader(r, f.key)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, dr)
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
