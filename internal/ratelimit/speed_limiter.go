// Package ratelimit caps transfer throughput in bytes per second.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MaxSleep bounds a single wait so cancellation stays observable.
const MaxSleep = 250 * time.Millisecond

// burstFraction of the limit may pass without waiting. Kept small so the rate
// over any one-second window stays within a few percent of the limit.
const burstFraction = 20

// SpeedLimiter keeps the measured transfer rate under a bytes/second cap.
// A zero or negative limit disables limiting. Safe for concurrent use.
type SpeedLimiter struct {
	mu      sync.Mutex
	limit   int64
	limiter *rate.Limiter
}

// NewSpeedLimiter returns a limiter for bytesPerSec.
func NewSpeedLimiter(bytesPerSec int64) *SpeedLimiter {
	l := &SpeedLimiter{}
	l.SetLimit(bytesPerSec)
	return l
}

// Limit returns the current cap.
func (l *SpeedLimiter) Limit() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// SetLimit changes the cap. The token bucket starts empty.
func (l *SpeedLimiter) SetLimit(bytesPerSec int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = bytesPerSec
	if bytesPerSec <= 0 {
		l.limiter = nil
		return
	}

	burst := int(max(bytesPerSec/burstFraction, 1))
	lim := rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	lim.AllowN(time.Now(), burst)
	l.limiter = lim
}

// WaitN records n transferred bytes and sleeps as needed. Each individual
// sleep is at most MaxSleep.
func (l *SpeedLimiter) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return ctx.Err()
	}
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if lim == nil {
		return ctx.Err()
	}

	chunk := min(lim.Burst(), max(int(float64(lim.Limit())*MaxSleep.Seconds()), 1))
	for n > 0 {
		take := min(n, chunk)
		if err := lim.WaitN(ctx, take); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		n -= take
	}
	return nil
}

// Reader returns r wrapped so every read is accounted against the limiter.
func (l *SpeedLimiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, r: r, l: l}
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	l   *SpeedLimiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.l.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
