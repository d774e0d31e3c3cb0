package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/openmined/eas/internal/ratelimit"
)

// Direction tells uploads and downloads apart in progress reports.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// ProgressFunc receives the bytes moved so far and the expected total, or -1
// when the total is unknown.
type ProgressFunc func(dir Direction, transferred, total int64)

// Controller owns the bytes in flight for one transfer. Every chunk passing
// through it checks for Stop and is accounted against the speed limiter.
type Controller struct {
	dir   Direction
	path  string
	total int64
	op    func(ctx context.Context, c *Controller) error

	limiter     *ratelimit.SpeedLimiter
	progress    ProgressFunc
	transferred atomic.Int64
	stopped     atomic.Bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewController wraps a custom transfer. op should route the bytes it moves
// through Reader or Writer so they are accounted and can be interrupted.
func NewController(dir Direction, path string, total int64, op func(ctx context.Context, c *Controller) error) *Controller {
	return &Controller{dir: dir, path: path, total: total, op: op}
}

// NewUploadController prepares the upload of size bytes from r to path.
func NewUploadController(s Storage, r io.Reader, path string, size int64) *Controller {
	c := &Controller{dir: Upload, path: path, total: size}
	c.op = func(ctx context.Context, c *Controller) error {
		return s.Upload(ctx, c.Reader(ctx, r), path, size)
	}
	return c
}

// NewDownloadController prepares the download of path into w. size is only
// used for progress reports.
func NewDownloadController(s Storage, path string, w io.Writer, size int64) *Controller {
	c := &Controller{dir: Download, path: path, total: size}
	c.op = func(ctx context.Context, c *Controller) error {
		return s.Download(ctx, path, c.Writer(ctx, w))
	}
	return c
}

func (c *Controller) Direction() Direction { return c.dir }
func (c *Controller) Path() string         { return c.path }
func (c *Controller) Total() int64         { return c.total }

// Transferred is the number of bytes moved so far.
func (c *Controller) Transferred() int64 {
	return c.transferred.Load()
}

// WithLimiter shares limiter with other transfers. Must be called before Begin.
func (c *Controller) WithLimiter(limiter *ratelimit.SpeedLimiter) *Controller {
	c.limiter = limiter
	return c
}

// OnProgress registers fn for progress reports. Must be called before Begin.
func (c *Controller) OnProgress(fn ProgressFunc) *Controller {
	c.progress = fn
	return c
}

// Limit is the current cap in bytes per second, 0 when unlimited.
func (c *Controller) Limit() int64 {
	return c.limiter.Limit()
}

// SetLimit changes the cap of a running transfer. A controller without a
// shared limiter gets a private one.
func (c *Controller) SetLimit(bytesPerSec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiter == nil {
		c.limiter = ratelimit.NewSpeedLimiter(bytesPerSec)
		return
	}
	c.limiter.SetLimit(bytesPerSec)
}

// Begin binds the controller to ctx. It fails when Stop was already called.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		return &PathError{Op: string(c.dir), Path: c.path, Err: ErrInterrupted}
	}
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(ctx)
	}
	return nil
}

// Run performs the transfer. It returns an error wrapping ErrInterrupted when
// Stop is called while bytes are in flight.
func (c *Controller) Run() error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return errors.New("storage: Run called before Begin")
	}
	defer c.cancel()

	err := c.op(ctx, c)
	if err != nil && (c.stopped.Load() || errors.Is(err, context.Canceled)) && !errors.Is(err, ErrInterrupted) {
		return &PathError{Op: string(c.dir), Path: c.path, Err: errors.Join(ErrInterrupted, err)}
	}
	return err
}

// Work is Begin followed by Run.
func (c *Controller) Work(ctx context.Context) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	return c.Run()
}

// Stop interrupts the transfer at the next chunk. Idempotent.
func (c *Controller) Stop() {
	c.stopped.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

// account runs before each chunk reaches its destination.
func (c *Controller) account(ctx context.Context, n int) error {
	if c.stopped.Load() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrInterrupted, err)
	}

	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()
	if err := limiter.WaitN(ctx, n); err != nil {
		return errors.Join(ErrInterrupted, err)
	}

	done := c.transferred.Add(int64(n))
	if c.progress != nil {
		c.progress(c.dir, done, c.total)
	}
	return nil
}

// Reader wraps r so reads are accounted against this transfer. Seekable
// readers stay seekable.
func (c *Controller) Reader(ctx context.Context, r io.Reader) io.Reader {
	cr := &controlledReader{ctx: ctx, c: c, r: r}
	if s, ok := r.(io.Seeker); ok {
		return &controlledReadSeeker{controlledReader: cr, s: s}
	}
	return cr
}

// Writer wraps w so writes are accounted against this transfer.
func (c *Controller) Writer(ctx context.Context, w io.Writer) io.Writer {
	return &controlledWriter{ctx: ctx, c: c, w: w}
}

type controlledReader struct {
	ctx context.Context
	c   *Controller
	r   io.Reader
}

func (cr *controlledReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		if aerr := cr.c.account(cr.ctx, n); aerr != nil {
			return n, aerr
		}
	}
	return n, err
}

// controlledReadSeeker keeps the source seekable for backends that rewind
// request bodies. Progress follows the read position.
type controlledReadSeeker struct {
	*controlledReader
	s io.Seeker
}

func (crs *controlledReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := crs.s.Seek(offset, whence)
	if err == nil {
		crs.c.transferred.Store(pos)
	}
	return pos, err
}

type controlledWriter struct {
	ctx context.Context
	c   *Controller
	w   io.Writer
}

func (cw *controlledWriter) Write(p []byte) (int, error) {
	if err := cw.c.account(cw.ctx, len(p)); err != nil {
		return 0, err
	}
	return cw.w.Write(p)
}
