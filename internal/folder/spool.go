package folder

import (
	"bytes"
	"errors"
	"io"

	"github.com/spf13/afero"
)

const spoolPattern = "eas-spool-*"

var errSpoolClosed = errors.New("folder: spool closed")

// Spool buffers a stream in memory up to a limit and on disk beyond it, so
// the stream can be replayed.
type Spool struct {
	fs    afero.Fs
	dir   string
	limit int64

	mem    bytes.Buffer
	file   afero.File
	size   int64
	closed bool
}

// NewSpool returns an empty spool. Files go to dir on fs, or to the system
// temporary directory when dir is empty.
func NewSpool(fs afero.Fs, dir string, limit int64) *Spool {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Spool{fs: fs, dir: dir, limit: limit}
}

func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errSpoolClosed
	}
	if s.file == nil && int64(s.mem.Len()+len(p)) > s.limit {
		if err := s.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *Spool) spill() error {
	f, err := afero.TempFile(s.fs, s.dir, spoolPattern)
	if err != nil {
		return err
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		_ = s.fs.Remove(f.Name())
		return err
	}
	s.mem = bytes.Buffer{}
	s.file = f
	return nil
}

// Size is the number of bytes written.
func (s *Spool) Size() int64 {
	return s.size
}

// OnDisk reports whether the content overflowed to a file.
func (s *Spool) OnDisk() bool {
	return s.file != nil
}

// Reader rewinds the spool and returns its content from the start.
func (s *Spool) Reader() (io.ReadSeeker, error) {
	if s.closed {
		return nil, errSpoolClosed
	}
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.NewSectionReader(s.file, 0, s.size), nil
}

// Reset discards the content so the spool can be refilled.
func (s *Spool) Reset() error {
	if err := s.Close(); err != nil {
		return err
	}
	s.closed = false
	s.file = nil
	s.size = 0
	return nil
}

// Close releases memory and removes the backing file.
func (s *Spool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = bytes.Buffer{}
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if rerr := s.fs.Remove(name); err == nil {
		err = rerr
	}
	return err
}
