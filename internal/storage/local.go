package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/openmined/eas/internal/vpath"
	"github.com/spf13/afero"
)

const uploadTempPattern = ".eas-upload-*"

// Local is the host filesystem, reached through an afero.Fs so tests can run
// against memory.
type Local struct {
	fs   afero.Fs
	caps Capabilities
}

// NewLocal returns a driver over fs. A nil fs means the operating system.
func NewLocal(fsys afero.Fs) *Local {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	_, symlinks := fsys.(afero.Symlinker)
	posix := runtime.GOOS != "windows"

	return &Local{
		fs: fsys,
		caps: Capabilities{
			Type:           KindLocal,
			CaseSensitive:  runtime.GOOS != "windows" && runtime.GOOS != "darwin",
			Parallelizable: true,
			SetModified:    true,
			Chmod:          posix,
			Chown:          posix,
			Symlinks:       symlinks && posix,
			PersistentMode: posix,
			TimePrecision:  time.Microsecond,
		},
	}
}

func (l *Local) Name() string               { return "local" }
func (l *Local) Capabilities() Capabilities { return l.caps }
func (l *Local) Close() error               { return nil }

// Fs exposes the underlying filesystem.
func (l *Local) Fs() afero.Fs { return l.fs }

func (l *Local) GetMeta(_ context.Context, p string) (*Meta, error) {
	fi, err := l.lstat(p)
	if err != nil {
		return nil, localErr("stat", p, err)
	}
	return l.meta(p, fi)
}

func (l *Local) ListDir(ctx context.Context, p string) ([]*Meta, error) {
	fi, err := l.lstat(p)
	if err != nil {
		return nil, localErr("listdir", p, err)
	}
	if !fi.IsDir() {
		return nil, wrap("listdir", p, ErrNotDir, nil)
	}

	infos, err := afero.ReadDir(l.fs, vpath.ToSys(p))
	if err != nil {
		return nil, localErr("listdir", p, err)
	}

	out := make([]*Meta, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := l.meta(vpath.Join(p, info.Name()), info)
		if err != nil {
			// vanished between listing and readlink
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *Local) Mkdir(_ context.Context, p string) error {
	sys := vpath.ToSys(vpath.DirDenormalize(p))
	if parent := path.Dir(vpath.DirDenormalize(p)); parent != "/" && parent != "." {
		fi, err := l.lstat(parent)
		if err != nil {
			return localErr("mkdir", p, err)
		}
		if !fi.IsDir() {
			return wrap("mkdir", p, ErrNotDir, nil)
		}
	}
	if err := l.fs.Mkdir(sys, 0o755); err != nil {
		return localErr("mkdir", p, err)
	}
	return nil
}

func (l *Local) Remove(_ context.Context, p string) error {
	fi, err := l.lstat(p)
	if err != nil {
		return localErr("remove", p, err)
	}

	sys := vpath.ToSys(vpath.DirDenormalize(p))
	if fi.IsDir() {
		err = l.fs.RemoveAll(sys)
	} else {
		err = l.fs.Remove(sys)
	}
	if err != nil {
		return localErr("remove", p, err)
	}
	return nil
}

// Upload writes into a temporary file next to the destination and renames it
// into place, so readers never see a partial file.
func (l *Local) Upload(ctx context.Context, r io.Reader, p string, size int64) (err error) {
	if fi, serr := l.lstat(p); serr == nil && fi.IsDir() {
		return wrap("upload", p, ErrIsDir, nil)
	}

	dir := vpath.ToSys(path.Dir(p))
	tmp, err := afero.TempFile(l.fs, dir, uploadTempPattern)
	if err != nil {
		return localErr("upload", p, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = l.fs.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return localErr("upload", p, err)
	}
	if size >= 0 && n != size {
		return &PathError{Op: "upload", Path: p, Err: fmt.Errorf("wrote %d bytes, expected %d", n, size)}
	}
	if err = tmp.Sync(); err != nil {
		return localErr("upload", p, err)
	}
	if err = tmp.Close(); err != nil {
		return localErr("upload", p, err)
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = l.fs.Rename(tmp.Name(), vpath.ToSys(p)); err != nil {
		return localErr("upload", p, err)
	}
	return nil
}

func (l *Local) Download(_ context.Context, p string, w io.Writer) error {
	f, err := l.fs.Open(vpath.ToSys(p))
	if err != nil {
		return localErr("download", p, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return localErr("download", p, err)
	}
	if fi.IsDir() {
		return wrap("download", p, ErrIsDir, nil)
	}
	if _, err := io.Copy(w, f); err != nil {
		return localErr("download", p, err)
	}
	return nil
}

func (l *Local) IsFile(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, l, p, (*Meta).IsFile)
}

func (l *Local) IsDir(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, l, p, (*Meta).IsDir)
}

func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	return statIs(ctx, l, p, isAny)
}

func (l *Local) SetModified(_ context.Context, p string, modified time.Time) error {
	if err := l.fs.Chtimes(vpath.ToSys(vpath.DirDenormalize(p)), modified, modified); err != nil {
		return localErr("set_modified", p, err)
	}
	return nil
}

func (l *Local) Chmod(_ context.Context, p string, mode uint32) error {
	if !l.caps.Chmod {
		return wrap("chmod", p, ErrNotSupported, nil)
	}
	if err := l.fs.Chmod(vpath.ToSys(vpath.DirDenormalize(p)), fs.FileMode(mode)&fs.ModePerm); err != nil {
		return localErr("chmod", p, err)
	}
	return nil
}

func (l *Local) Chown(_ context.Context, p string, owner, group int) error {
	if !l.caps.Chown {
		return wrap("chown", p, ErrNotSupported, nil)
	}
	if err := l.fs.Chown(vpath.ToSys(vpath.DirDenormalize(p)), owner, group); err != nil {
		return localErr("chown", p, err)
	}
	return nil
}

func (l *Local) CreateSymlink(_ context.Context, p, target string) error {
	linker, ok := l.fs.(afero.Linker)
	if !ok || !l.caps.Symlinks {
		return wrap("symlink", p, ErrNotSupported, nil)
	}
	if err := linker.SymlinkIfPossible(target, vpath.ToSys(p)); err != nil {
		return localErr("symlink", p, err)
	}
	return nil
}

func (l *Local) lstat(p string) (os.FileInfo, error) {
	sys := vpath.ToSys(vpath.DirDenormalize(p))
	if sys == "" {
		sys = vpath.ToSys(vpath.Sep)
	}
	if lst, ok := l.fs.(afero.Lstater); ok {
		fi, _, err := lst.LstatIfPossible(sys)
		return fi, err
	}
	return l.fs.Stat(sys)
}

func (l *Local) meta(p string, fi os.FileInfo) (*Meta, error) {
	m := &Meta{
		Name:     fi.Name(),
		Type:     TypeFile,
		Modified: fi.ModTime().UTC(),
		Size:     fi.Size(),
	}
	if fi.IsDir() {
		m.Type = TypeDir
		m.Size = 0
	}
	if l.caps.PersistentMode {
		mode := uint32(fi.Mode().Perm())
		m.Mode = &mode
	}
	m.Owner, m.Group = ownerOf(fi)

	if fi.Mode()&fs.ModeSymlink != 0 {
		reader, ok := l.fs.(afero.LinkReader)
		if !ok {
			return nil, wrap("readlink", p, ErrNotSupported, nil)
		}
		target, err := reader.ReadlinkIfPossible(vpath.ToSys(vpath.DirDenormalize(p)))
		if err != nil {
			return nil, localErr("readlink", p, err)
		}
		m.Link = &target
		m.Type = TypeFile
		m.Size = 0
	}
	return m, nil
}

func localErr(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return wrap(op, p, ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return wrap(op, p, ErrExists, err)
	case errors.Is(err, fs.ErrPermission):
		return wrap(op, p, ErrPermission, err)
	case errors.Is(err, syscall.ENOTDIR):
		return wrap(op, p, ErrNotDir, err)
	case errors.Is(err, syscall.EISDIR):
		return wrap(op, p, ErrIsDir, err)
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EBUSY):
		return wrap(op, p, ErrTemporary, err)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrInterrupted):
		return err
	}
	return &PathError{Op: op, Path: p, Err: err}
}
