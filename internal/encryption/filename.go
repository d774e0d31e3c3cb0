package encryption

import (
	"crypto/cipher"
	"fmt"
	"strings"

	"github.com/openmined/eas/internal/codec"
	"github.com/openmined/eas/internal/vpath"
)

// EncryptFilename encrypts a single path component as
// <u8 pad_diff><IV><ciphertext> through the filename codec.
// "." and ".." are returned unchanged with a zero IV.
func EncryptFilename(name string, key []byte, iv IV, c codec.Codec) (string, error) {
	if name == "." || name == ".." {
		return name, nil
	}

	block, err := newBlock(key)
	if err != nil {
		return "", err
	}

	padDiff := (BlockSize - len(name)%BlockSize) % BlockSize
	plain := pad([]byte(name))

	out := make([]byte, 1+IVSize+len(plain))
	out[0] = byte(padDiff)
	copy(out[1:], iv[:])
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out[1+IVSize:], plain)

	return c.Encode(out), nil
}

// EncryptFilenameFresh encrypts name under a newly generated IV.
func EncryptFilenameFresh(name string, key []byte, c codec.Codec) (string, IV, error) {
	iv, err := NewIV()
	if err != nil {
		return "", iv, err
	}
	enc, err := EncryptFilename(name, key, iv, c)
	return enc, iv, err
}

// DecryptFilename reverses EncryptFilename, returning the plaintext name and its IV.
func DecryptFilename(encName string, key []byte, c codec.Codec) (string, IV, error) {
	var iv IV
	if encName == "." || encName == ".." {
		return encName, iv, nil
	}

	block, err := newBlock(key)
	if err != nil {
		return "", iv, err
	}

	raw, err := c.Decode(encName)
	if err != nil {
		return "", iv, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < 1+IVSize || (len(raw)-1-IVSize)%BlockSize != 0 {
		return "", iv, fmt.Errorf("%w: bad encrypted filename length %d", ErrDecrypt, len(raw))
	}

	padDiff := int(raw[0])
	ct := raw[1+IVSize:]
	if padDiff >= BlockSize || padDiff > len(ct) {
		return "", iv, fmt.Errorf("%w: bad padding %d", ErrDecrypt, padDiff)
	}

	copy(iv[:], raw[1:1+IVSize])
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain, ct)

	return string(plain[:len(plain)-padDiff]), iv, nil
}

// EncryptPath encrypts every component of path below prefix. IVs are taken
// in order from ivs; components beyond the supplied chain get fresh IVs.
// The returned chain holds one IV per encrypted component.
func EncryptPath(path string, key []byte, prefix string, ivs IVChain, c codec.Codec) (string, IVChain, error) {
	prefix = vpath.DirNormalize(prefix)
	if !vpath.Contains(prefix, path) {
		return "", nil, fmt.Errorf("%w: %q is not under prefix %q", ErrEncrypt, path, prefix)
	}

	rel := vpath.CutPrefix(path, prefix)
	parts := make([]string, 0, vpath.Depth(rel))
	used := make(IVChain, 0, len(ivs))

	for _, comp := range vpath.Components(rel) {
		if comp == "." || comp == ".." {
			parts = append(parts, comp)
			continue
		}

		var iv IV
		var err error
		if i := used.Len(); i < ivs.Len() {
			iv = ivs.At(i)
		} else if iv, err = NewIV(); err != nil {
			return "", nil, err
		}

		enc, err := EncryptFilename(comp, key, iv, c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, enc)
		used = append(used, iv[:]...)
	}

	return joinUnder(prefix, parts, path), used, nil
}

// DecryptPath reverses EncryptPath.
func DecryptPath(path string, key []byte, prefix string, c codec.Codec) (string, IVChain, error) {
	prefix = vpath.DirNormalize(prefix)
	if !vpath.Contains(prefix, path) {
		return "", nil, fmt.Errorf("%w: %q is not under prefix %q", ErrDecrypt, path, prefix)
	}

	rel := vpath.CutPrefix(path, prefix)
	parts := make([]string, 0, vpath.Depth(rel))
	ivs := make(IVChain, 0, cap(parts)*IVSize)

	for _, comp := range vpath.Components(rel) {
		if comp == "." || comp == ".." {
			parts = append(parts, comp)
			continue
		}
		name, iv, err := DecryptFilename(comp, key, c)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decrypt %q: %w", comp, err)
		}
		parts = append(parts, name)
		ivs = append(ivs, iv[:]...)
	}

	return joinUnder(prefix, parts, path), ivs, nil
}

func joinUnder(prefix string, parts []string, orig string) string {
	if len(parts) == 0 {
		if vpath.IsDirNormalized(orig) {
			return prefix
		}
		return vpath.DirDenormalize(orig)
	}
	out := prefix + strings.Join(parts, vpath.Sep)
	if vpath.IsDirNormalized(orig) {
		out += vpath.Sep
	}
	return out
}
