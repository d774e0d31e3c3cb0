package encryption

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/openmined/eas/internal/utils"
)

// testString prefixes the serialised master data so a wrong master key is
// detected before the JSON is parsed.
var testString = []byte("EAS MASTER DATA\n")

// MasterData holds the content key and per-storage tokens.
type MasterData struct {
	Key    []byte            `json:"key"`
	Tokens map[string]string `json:"tokens"`
}

// NewMasterData returns empty master data with a random content key.
func NewMasterData() (*MasterData, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &MasterData{Key: key, Tokens: map[string]string{}}, nil
}

// Token returns the token stored for a storage type.
func (m *MasterData) Token(storageType string) string {
	if m == nil || m.Tokens == nil {
		return ""
	}
	return m.Tokens[storageType]
}

// SetToken stores a token for a storage type.
func (m *MasterData) SetToken(storageType, token string) {
	if m.Tokens == nil {
		m.Tokens = map[string]string{}
	}
	m.Tokens[storageType] = token
}

// Encode serialises and encrypts the master data with masterKey.
func (m *MasterData) Encode(masterKey []byte) ([]byte, error) {
	body, err := jsonMarshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal master data: %w", err)
	}
	plain := append(append([]byte{}, testString...), body...)
	return EncryptData(plain, masterKey)
}

// DecodeMasterData decrypts and parses an encoded container.
func DecodeMasterData(data []byte, masterKey []byte) (*MasterData, error) {
	plain, err := DecryptData(data, masterKey)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncryptedData, err)
	}
	if !bytes.HasPrefix(plain, testString) {
		return nil, ErrWrongMasterKey
	}

	var m MasterData
	if err := jsonUnmarshal(plain[len(testString):], &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncryptedData, err)
	}
	if m.Tokens == nil {
		m.Tokens = map[string]string{}
	}
	return &m, nil
}

// SaveMasterData encrypts m and writes it atomically to path.
func SaveMasterData(path string, m *MasterData, masterKey []byte) error {
	data, err := m.Encode(masterKey)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(path, data, 0o600)
}

// LoadMasterData reads the container at path.
func LoadMasterData(path string, masterKey []byte) (*MasterData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master data: %w", err)
	}
	return DecodeMasterData(data, masterKey)
}
