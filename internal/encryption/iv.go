package encryption

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IV is a single initialization vector.
type IV [IVSize]byte

// NewIV returns a random IV from the system RNG.
func NewIV() (IV, error) {
	var iv IV
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}

func (iv IV) String() string {
	return hex.EncodeToString(iv[:])
}

// IVChain is the raw concatenation of per-component IVs as stored in
// inventory rows. Use At for a typed view.
type IVChain []byte

// ParseIVChain validates raw bytes as an IV chain.
func ParseIVChain(b []byte) (IVChain, error) {
	if len(b)%IVSize != 0 {
		return nil, fmt.Errorf("%w: IV chain length %d is not a multiple of %d", ErrInvalidEncryptedData, len(b), IVSize)
	}
	return IVChain(b), nil
}

// ChainOf concatenates ivs into a chain.
func ChainOf(ivs ...IV) IVChain {
	c := make(IVChain, 0, len(ivs)*IVSize)
	for _, iv := range ivs {
		c = append(c, iv[:]...)
	}
	return c
}

// Len is the number of IVs in the chain.
func (c IVChain) Len() int {
	return len(c) / IVSize
}

// At returns the i-th IV.
func (c IVChain) At(i int) IV {
	var iv IV
	copy(iv[:], c[i*IVSize:(i+1)*IVSize])
	return iv
}

// Append returns a new chain with iv appended. The receiver is not modified.
func (c IVChain) Append(iv IV) IVChain {
	out := make(IVChain, len(c), len(c)+IVSize)
	copy(out, c)
	return append(out, iv[:]...)
}

// Parent drops the last IV.
func (c IVChain) Parent() IVChain {
	if len(c) < IVSize {
		return IVChain{}
	}
	return c[:len(c)-IVSize]
}

func (c IVChain) String() string {
	return hex.EncodeToString(c)
}
