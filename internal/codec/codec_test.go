package codec

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase41AllPairs(t *testing.T) {
	c := MustGet(Base41)
	for hi := 0; hi < 256; hi++ {
		for lo := 0; lo < 256; lo++ {
			in := []byte{byte(hi), byte(lo)}
			enc := c.Encode(in)
			require.Len(t, enc, 3)
			out, err := c.Decode(enc)
			require.NoError(t, err)
			require.Equal(t, in, out)
		}
	}
}

func TestBase41LeadingZeros(t *testing.T) {
	c := MustGet(Base41)
	assert.Equal(t, "+++", c.Encode([]byte{0, 0}))
	assert.Equal(t, "+++++,", c.Encode([]byte{0, 0, 0, 1}))
	assert.Equal(t, "++=", c.Encode([]byte{0}))
}

func TestBase41Rejects(t *testing.T) {
	c := MustGet(Base41)

	tests := []struct {
		name string
		in   string
	}{
		{"bad length", "ab"},
		{"overflow", "zzz"},
		{"bad char", "AB+"},
		{"pad in middle", "++=+++"},
		{"pad overflow", "zz="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			c, err := Get(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			for _, n := range []int{0, 1, 17, 33, 48} {
				in := make([]byte, n)
				_, err := rand.Read(in)
				require.NoError(t, err)

				enc := c.Encode(in)
				assert.NotContains(t, enc, "/")
				out, err := c.Decode(enc)
				require.NoError(t, err)
				assert.Equal(t, in, out)
			}
		})
	}
}

func TestBase41CaseInsensitiveAlphabet(t *testing.T) {
	enc := MustGet(Base41).Encode([]byte("Hello, World"))
	assert.Equal(t, strings.ToLower(enc), enc)
}

func TestUnknownEncoding(t *testing.T) {
	_, err := Get("base85")
	assert.ErrorIs(t, err, ErrUnknownEncoding)
}
