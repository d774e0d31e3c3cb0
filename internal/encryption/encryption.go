// Package encryption implements content and filename encryption for
// encrypted folders: AES-CBC with per-file random IVs, per-component
// filename IVs chained along the path, and the master-data container.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// KeySize is the size of content and master keys (AES-256).
	KeySize = 32
	// BlockSize is the cipher block size.
	BlockSize = aes.BlockSize
	// IVSize is the size of a single initialization vector.
	IVSize = aes.BlockSize
	// MinEncSize is the fixed encrypted-file header: plaintext size and IV.
	MinEncSize = 8 + IVSize
	// padByte pads plaintext up to the block boundary.
	padByte = 0x20
)

var (
	ErrEncrypt              = errors.New("encryption: encryption failed")
	ErrDecrypt              = errors.New("encryption: decryption failed")
	ErrInvalidEncryptedData = errors.New("encryption: invalid encrypted data")
	ErrWrongMasterKey       = errors.New("encryption: wrong master key")
	ErrInvalidKey           = errors.New("encryption: invalid key")
)

// DeriveMasterKey turns a master password into a key with a single SHA-256.
func DeriveMasterKey(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return sum[:]
}

// PadSize rounds n up to a multiple of the block size.
func PadSize(n int64) int64 {
	if r := n % BlockSize; r != 0 {
		return n + BlockSize - r
	}
	return n
}

// EncryptedSize is the on-storage size of an n-byte plaintext.
func EncryptedSize(n int64) int64 {
	return MinEncSize + PadSize(n)
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return aes.NewCipher(key)
}

func pad(b []byte) []byte {
	n := PadSize(int64(len(b)))
	for int64(len(b)) < n {
		b = append(b, padByte)
	}
	return b
}
