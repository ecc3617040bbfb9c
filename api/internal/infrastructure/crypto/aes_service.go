// Package crypto seals env var values with AES-256-GCM before they are
// attached to audit trail metadata. The associated data binds each
// envelope to the runner the command was issued for, so a ciphertext
// lifted from one runner's audit row fails authentication against any
// other runner's.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// envelopePrefix versions the sealed wire format. A future key or cipher
// rotation bumps this so old rows stay decryptable during migration.
const envelopePrefix = "v1."

// AESCryptoService implements domain.CryptoService over a single
// process-lifetime AEAD built from ENCRYPTION_KEY.
type AESCryptoService struct {
	aead cipher.AEAD
}

// NewAESCryptoService builds the AEAD from a hex-encoded 256-bit key and
// zeroizes the decoded key material before returning.
func NewAESCryptoService(hexKey string) (*AESCryptoService, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("crypto: ENCRYPTION_KEY must decode to exactly 32 bytes")
	}

	block, err := aes.NewCipher(key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: init GCM: %w", err)
	}

	return &AESCryptoService{aead: aead}, nil
}

// Encrypt seals plaintext into a versioned envelope string. associatedData
// must be non-empty; the broker always passes the owning runner id, and an
// envelope sealed without a binding would be replayable across rows.
func (s *AESCryptoService) Encrypt(ctx context.Context, plaintext []byte, associatedData []byte) (string, error) {
	if len(associatedData) == 0 {
		return "", errors.New("crypto: associated data is required")
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plaintext, associatedData)
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a v1 envelope. Authentication fails when the ciphertext
// was tampered with or when associatedData differs from what Encrypt was
// given, and the two cases are deliberately indistinguishable to callers.
func (s *AESCryptoService) Decrypt(ctx context.Context, envelope string, associatedData []byte) ([]byte, error) {
	if len(associatedData) == 0 {
		return nil, errors.New("crypto: associated data is required")
	}

	encoded, ok := strings.CutPrefix(envelope, envelopePrefix)
	if !ok {
		return nil, errors.New("crypto: unrecognized envelope version")
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode envelope: %w", err)
	}

	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, errors.New("crypto: envelope too short")
	}

	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], associatedData)
	if err != nil {
		return nil, errors.New("crypto: envelope failed authentication")
	}
	return plaintext, nil
}
