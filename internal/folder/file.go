package folder

import (
	"context"
	"io"
	"sync"

	"github.com/openmined/eas/internal/encryption"
	"github.com/openmined/eas/internal/ratelimit"
	"github.com/openmined/eas/internal/storage"
	"golang.org/x/sync/errgroup"
)

// File is an open stream on a folder file. Close must be called.
type File struct {
	io.Reader
	// Size is the number of bytes Reader yields.
	Size int64

	ctrl    *storage.Controller
	closeFn func() error
	once    sync.Once
	err     error
}

// Controller is the download behind the stream.
func (f *File) Controller() *storage.Controller {
	return f.ctrl
}

// Close stops the underlying download if still running and reports its
// error, if any.
func (f *File) Close() error {
	f.once.Do(func() {
		f.err = f.closeFn()
	})
	return f.err
}

// GetFile opens path for reading as plaintext.
func (f *Folder) GetFile(ctx context.Context, path string, ivs encryption.IVChain, limiter *ratelimit.SpeedLimiter) (*File, error) {
	return f.open(ctx, path, ivs, limiter, f.encrypted)
}

// GetEncryptedFile opens path for reading as ciphertext in the content
// format, encrypting on the fly when the folder holds plaintext.
func (f *Folder) GetEncryptedFile(ctx context.Context, path string, ivs encryption.IVChain, limiter *ratelimit.SpeedLimiter) (*File, error) {
	file, err := f.open(ctx, path, ivs, limiter, false)
	if err != nil || f.encrypted {
		return file, err
	}

	enc, err := encryption.NewEncryptReader(file.Reader, file.Size, f.key)
	if err != nil {
		file.Close()
		return nil, err
	}
	file.Reader = enc
	file.Size = encryption.EncryptedSize(file.Size)
	return file, nil
}

// open returns the raw wire content of path, decrypted when decrypt is set.
func (f *Folder) open(ctx context.Context, path string, ivs encryption.IVChain, limiter *ratelimit.SpeedLimiter, decrypt bool) (*File, error) {
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
	if meta.IsDir() {
		return nil, &storage.PathError{Op: "open", Path: path, Err: storage.ErrIsDir}
	}

	if f.remote() {
		return f.openSpooled(ctx, wire, meta.Size, limiter, decrypt)
	}
	return f.openPiped(ctx, wire, meta.Size, limiter, decrypt)
}

// openSpooled downloads the whole file first so retries never hand partial
// content to the reader.
func (f *Folder) openSpooled(ctx context.Context, wire string, size int64, limiter *ratelimit.SpeedLimiter, decrypt bool) (*File, error) {
	spool := NewSpool(f.tempFs, f.tempDir, f.bufferLimit)
	ctrl := storage.NewController(storage.Download, wire, size, func(ctx context.Context, c *storage.Controller) error {
		return f.downloadToSpool(ctx, c, wire, spool)
	}).WithLimiter(limiter)

	if err := ctrl.Work(ctx); err != nil {
		spool.Close()
		return nil, err
	}
	rs, err := spool.Reader()
	if err != nil {
		spool.Close()
		return nil, err
	}

	file := &File{Reader: rs, Size: spool.Size(), ctrl: ctrl, closeFn: spool.Close}
	if decrypt {
		dr, err := encryption.NewDecryptReader(rs, f.key)
		if err != nil {
			spool.Close()
			return nil, err
		}
		file.Reader, file.Size = dr, dr.Size()
	}
	return file, nil
}

// openPiped streams the file through a pipe fed by a background download.
func (f *Folder) openPiped(ctx context.Context, wire string, size int64, limiter *ratelimit.SpeedLimiter, decrypt bool) (*File, error) {
	pr, pw := io.Pipe()
	ctrl := storage.NewController(storage.Download, wire, size, func(ctx context.Context, c *storage.Controller) error {
		return f.st.Download(ctx, wire, c.Writer(ctx, pw))
	}).WithLimiter(limiter)
	if err := ctrl.Begin(ctx); err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.Go(func() error {
		err := ctrl.Run()
		pw.CloseWithError(err)
		return err
	})

	closeFn := func() error {
		ctrl.Stop()
		pr.CloseWithError(io.ErrClosedPipe)
		err := g.Wait()
		if storage.IsInterrupted(err) {
			return nil
		}
		return err
	}

	file := &File{Reader: pr, Size: size, ctrl: ctrl, closeFn: closeFn}
	if decrypt {
		dr, err := encryption.NewDecryptReader(pr, f.key)
		if err != nil {
			closeFn()
			return nil, err
		}
		file.Reader, file.Size = dr, dr.Size()
	}
	return file, nil
}

// decryptStream runs produce, which writes ciphertext, and decrypts its
// output into w concurrently.
func (f *Folder) decryptStream(ctx context.Context, w io.Writer, produce func(ctx context.Context, pw io.Writer) error) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := produce(gctx, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := f.plaintextTo(w, pr)
		if err == nil {
			// let the producer finish the stream
			_, err = io.Copy(io.Discard, pr)
		}
		pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}
