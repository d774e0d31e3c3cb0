// Package codec provides the reversible byte-to-filename encodings used for
// encrypted filenames.
package codec

import (
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrUnknownEncoding = errors.New("codec: unknown filename encoding")
	ErrInvalidInput    = errors.New("codec: invalid encoded input")
)

const (
	Base64 = "base64"
	Base32 = "base32"
	Base41 = "base41"
)

// Codec maps raw bytes to filename-safe ASCII and back.
type Codec interface {
	Name() string
	Encode(src []byte) string
	Decode(s string) ([]byte, error)
}

// Names lists every encoding accepted in folder configuration.
func Names() []string {
	return []string{Base64, Base41, Base32}
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	switch name {
	case Base64:
		return stdCodec{name: Base64, enc: base64.URLEncoding}, nil
	case Base32:
		return stdCodec{name: Base32, enc: base32.StdEncoding}, nil
	case Base41:
		return base41Codec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
}

// MustGet is Get for names validated at configuration load.
func MustGet(name string) Codec {
	c, err := Get(name)
	if err != nil {
		panic(err)
	}
	return c
}

type encoding interface {
	EncodeToString(src []byte) string
	DecodeString(s string) ([]byte, error)
}

type stdCodec struct {
	name string
	enc  encoding
}

func (c stdCodec) Name() string { return c.name }

func (c stdCodec) Encode(src []byte) string { return c.enc.EncodeToString(src) }

func (c stdCodec) Decode(s string) ([]byte, error) {
	b, err := c.enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, c.name, err)
	}
	return b, nil
}
