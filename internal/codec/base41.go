package codec

import (
	"fmt"
	"strings"
)

// base41 packs every 2 bytes into 3 digits over a 41-character alphabet that
// survives case-insensitive filesystems. A trailing odd byte is written as 2
// digits followed by the pad character.
const (
	base41Alphabet = "+,-.0123456789_abcdefghijklmnopqrstuvwxyz"
	base41Pad      = '='
	base41Base     = 41
)

var base41Index = func() [256]int16 {
	var idx [256]int16
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(base41Alphabet); i++ {
		idx[base41Alphabet[i]] = int16(i)
	}
	return idx
}()

type base41Codec struct{}

func (base41Codec) Name() string { return Base41 }

func (base41Codec) Encode(src []byte) string {
	var b strings.Builder
	b.Grow((len(src) + 1) / 2 * 3)

	for i := 0; i+1 < len(src); i += 2 {
		v := int(src[i])<<8 | int(src[i+1])
		b.WriteByte(base41Alphabet[v/(base41Base*base41Base)])
		b.WriteByte(base41Alphabet[(v/base41Base)%base41Base])
		b.WriteByte(base41Alphabet[v%base41Base])
	}
	if len(src)%2 == 1 {
		v := int(src[len(src)-1])
		b.WriteByte(base41Alphabet[v/base41Base])
		b.WriteByte(base41Alphabet[v%base41Base])
		b.WriteByte(base41Pad)
	}
	return b.String()
}

func (base41Codec) Decode(s string) ([]byte, error) {
	if len(s)%3 != 0 {
		return nil, fmt.Errorf("%w: base41 length %d is not a multiple of 3", ErrInvalidInput, len(s))
	}

	out := make([]byte, 0, len(s)/3*2)
	for i := 0; i < len(s); i += 3 {
		group := s[i : i+3]
		if group[2] == base41Pad {
			if i+3 != len(s) {
				return nil, fmt.Errorf("%w: base41 padding before end", ErrInvalidInput)
			}
			v, err := base41Value(group[:2])
			if err != nil {
				return nil, err
			}
			if v > 0xff {
				return nil, fmt.Errorf("%w: base41 group %q out of range", ErrInvalidInput, group)
			}
			out = append(out, byte(v))
			continue
		}

		v, err := base41Value(group)
		if err != nil {
			return nil, err
		}
		if v > 0xffff {
			return nil, fmt.Errorf("%w: base41 group %q out of range", ErrInvalidInput, group)
		}
		out = append(out, byte(v>>8), byte(v))
	}
	return out, nil
}

func base41Value(digits string) (int, error) {
	v := 0
	for i := 0; i < len(digits); i++ {
		d := base41Index[digits[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: invalid base41 character %q", ErrInvalidInput, digits[i])
		}
		v = v*base41Base + int(d)
	}
	return v, nil
}
