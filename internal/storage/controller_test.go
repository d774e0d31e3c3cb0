package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endless yields zero bytes forever.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestControllerReportsProgress(t *testing.T) {
	l, fs := newMemLocal(t)
	data := bytes.Repeat([]byte{1}, 100_000)

	var last int64
	c := NewUploadController(l, bytes.NewReader(data), "/root/up", int64(len(data))).
		OnProgress(func(dir Direction, transferred, total int64) {
			assert.Equal(t, Upload, dir)
			assert.Equal(t, int64(len(data)), total)
			assert.GreaterOrEqual(t, transferred, last)
			last = transferred
		})

	require.NoError(t, c.Work(context.Background()))
	assert.Equal(t, int64(len(data)), last)
	assert.Equal(t, int64(len(data)), c.Transferred())

	got, err := afero.ReadFile(fs, "/root/up")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	var buf bytes.Buffer
	d := NewDownloadController(l, "/root/up", &buf, int64(len(data)))
	require.NoError(t, d.Work(context.Background()))
	assert.Equal(t, data, buf.Bytes())
	assert.Equal(t, int64(len(data)), d.Transferred())
}

func TestControllerStopInterruptsTransfer(t *testing.T) {
	l, fs := newMemLocal(t)

	var c *Controller
	c = NewUploadController(l, io.LimitReader(endless{}, 1<<30), "/root/big", 1<<30).
		OnProgress(func(_ Direction, transferred, _ int64) {
			if transferred > 1<<20 {
				c.Stop()
			}
		})

	err := c.Work(context.Background())
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
	assert.True(t, c.Stopped())

	ok, err := afero.Exists(fs, "/root/big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControllerStoppedBeforeBegin(t *testing.T) {
	l, _ := newMemLocal(t)
	c := NewUploadController(l, bytes.NewReader(nil), "/root/x", 0)
	c.Stop()
	c.Stop()

	err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestControllerContextCancel(t *testing.T) {
	l, _ := newMemLocal(t)
	ctx, cancel := context.WithCancel(context.Background())

	var c *Controller
	c = NewUploadController(l, io.LimitReader(endless{}, 1<<30), "/root/big", 1<<30).
		OnProgress(func(_ Direction, transferred, _ int64) {
			if transferred > 1<<20 {
				cancel()
			}
		})

	err := c.Work(ctx)
	require.Error(t, err)
	assert.True(t, IsInterrupted(err))
}

func TestControllerSetLimit(t *testing.T) {
	l, _ := newMemLocal(t)
	c := NewUploadController(l, bytes.NewReader(nil), "/root/x", 0)
	assert.Zero(t, c.Limit())

	c.SetLimit(1024)
	assert.Equal(t, int64(1024), c.Limit())
	c.SetLimit(0)
	assert.Zero(t, c.Limit())
}
