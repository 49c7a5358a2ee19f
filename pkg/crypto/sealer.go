// Package crypto provides the deployment's machine-bound encryption for
// secrets at rest (API keys, OAuth tokens, encrypted tool config values).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

const (
	// KDFIterations is the PBKDF2 iteration count. Raising it changes the
	// derived key, so it is fixed for the life of a deployment.
	KDFIterations = 600_000

	// SaltSize is the size in bytes of the random encryption salt persisted
	// in the system config row.
	SaltSize = 32

	keySize = 32 // AES-256
)

// ErrDecryptionFailed is returned when a ciphertext cannot be opened: tag
// mismatch, corruption, or a key derived on a different machine/salt.
var ErrDecryptionFailed = apperrors.New(apperrors.KindCrypto, "decryption failed: invalid ciphertext or wrong key")

// Sealer provides AES-256-GCM authenticated encryption with a key derived
// from the host machine identifier and the deployment salt.
//
// The key is immutable after construction. Rotating the salt invalidates
// every ciphertext produced under the previous salt; rotation is therefore a
// deliberate operator action, not automated here.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives the deployment key from the machine identifier and the
// persisted salt, then constructs the AEAD.
func NewSealer(salt []byte) (*Sealer, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid encryption salt: got %d bytes, want %d", len(salt), SaltSize)
	}

	machineID, err := MachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve machine identifier: %w", err)
	}

	return NewSealerWithSecret(machineID, salt)
}

// NewSealerWithSecret derives a sealer from an explicit secret instead of the
// host machine identifier. Tests use this to get deterministic keys.
func NewSealerWithSecret(secret string, salt []byte) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("invalid key secret: must not be empty")
	}

	key := pbkdf2.Key([]byte(secret), salt, KDFIterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{gcm: gcm}, nil
}

// NewSalt generates a fresh random encryption salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext || tag).
// Every call uses a fresh random nonce, so repeated seals of the same
// plaintext produce distinct ciphertexts.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext and tag to nonce: nonce || ciphertext || tag
	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts base64(nonce || ciphertext || tag) and returns plaintext.
func (s *Sealer) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := s.gcm.NonceSize()
	if len(data) < nonceSize+s.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}
