package encryption

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// chunkSize is the plaintext/ciphertext unit processed per read.
const chunkSize = 64 * 1024

// EncryptData encrypts a whole buffer into the encrypted file format.
func EncryptData(data []byte, key []byte) ([]byte, error) {
	r, err := NewEncryptReader(bytes.NewReader(data), int64(len(data)), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// DecryptData reverses EncryptData.
func DecryptData(data []byte, key []byte) ([]byte, error) {
	r, err := NewDecryptReader(bytes.NewReader(data), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// EncryptReader produces <u64 LE size><IV><ciphertext> from a plaintext stream
// of a known size. Reading more or fewer plaintext bytes than announced fails.
type EncryptReader struct {
	src  io.Reader
	mode cipher.BlockMode
	size int64
	read int64
	buf  []byte
	out  []byte
	done bool
}

// NewEncryptReader wraps src with a fresh random IV.
func NewEncryptReader(src io.Reader, size int64, key []byte) (*EncryptReader, error) {
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	return NewEncryptReaderIV(src, size, key, iv)
}

// NewEncryptReaderIV wraps src using the given IV.
func NewEncryptReaderIV(src io.Reader, size int64, key []byte, iv IV) (*EncryptReader, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrEncrypt, size)
	}
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, MinEncSize, MinEncSize+chunkSize)
	binary.LittleEndian.PutUint64(header[:8], uint64(size))
	copy(header[8:], iv[:])

	return &EncryptReader{
		src:  src,
		mode: cipher.NewCBCEncrypter(block, iv[:]),
		size: size,
		buf:  make([]byte, 0, chunkSize),
		out:  header,
	}, nil
}

func (e *EncryptReader) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.done {
			return 0, io.EOF
		}
		if err := e.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

func (e *EncryptReader) fill() error {
	start := len(e.buf)
	n, err := io.ReadFull(e.src, e.buf[start:cap(e.buf)])
	e.buf = e.buf[:start+n]
	e.read += int64(n)
	if e.read > e.size {
		return fmt.Errorf("%w: source is larger than announced %d bytes", ErrEncrypt, e.size)
	}

	switch {
	case err == nil:
		// full chunk, every byte is block aligned
		e.emit(e.buf)
		e.buf = e.buf[:0]
		return nil
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		if e.read != e.size {
			return fmt.Errorf("%w: source has %d bytes, announced %d", ErrEncrypt, e.read, e.size)
		}
		e.emit(pad(e.buf))
		e.buf = e.buf[:0]
		e.done = true
		return nil
	default:
		return err
	}
}

func (e *EncryptReader) emit(plain []byte) {
	if len(plain) == 0 {
		return
	}
	ct := make([]byte, len(plain))
	e.mode.CryptBlocks(ct, plain)
	e.out = append(e.out[:0], ct...)
}

// DecryptReader reverses EncryptReader, truncating the padding.
type DecryptReader struct {
	src       io.Reader
	mode      cipher.BlockMode
	size      int64
	remaining int64
	buf       []byte
	out       []byte
}

// NewDecryptReader reads the header from src. It fails with
// ErrInvalidEncryptedData when the header is truncated.
func NewDecryptReader(src io.Reader, key []byte) (*DecryptReader, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, MinEncSize)
	if _, err := io.ReadFull(src, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrInvalidEncryptedData)
		}
		return nil, err
	}

	size := int64(binary.LittleEndian.Uint64(header[:8]))
	if size < 0 {
		return nil, fmt.Errorf("%w: bad size header", ErrInvalidEncryptedData)
	}

	return &DecryptReader{
		src:       src,
		mode:      cipher.NewCBCDecrypter(block, header[8:]),
		size:      size,
		remaining: size,
		buf:       make([]byte, chunkSize),
	}, nil
}

// Size is the plaintext size announced by the header.
func (d *DecryptReader) Size() int64 {
	return d.size
}

func (d *DecryptReader) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		if d.remaining == 0 {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

func (d *DecryptReader) fill() error {
	want := min(PadSize(d.remaining), int64(len(d.buf)))
	n, err := io.ReadFull(d.src, d.buf[:want])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: ciphertext shorter than announced size %d", ErrInvalidEncryptedData, d.size)
		}
		return err
	}

	d.mode.CryptBlocks(d.buf[:n], d.buf[:n])
	keep := min(int64(n), d.remaining)
	d.remaining -= keep
	d.out = d.buf[:keep]
	return nil
}
