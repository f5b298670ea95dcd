package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sentinel errors for credential sealing.
var (
	// ErrNoEncryptionKey is returned when a production deployment has no
	// encryption key configured. Production never falls back to the dev
	// encoding.
	ErrNoEncryptionKey = errors.New("hipaa: encryption key is required in production")

	// ErrDecryptFailed is returned on authentication-tag mismatch, truncated
	// input, or a wrong key.
	ErrDecryptFailed = errors.New("hipaa: decrypt failed")
)

// devPrefix tags the reversible development encoding so sealed blobs are
// visibly distinguishable from real ciphertext.
const devPrefix = "devenc:"

// TokenCipher provides AES-256-GCM encryption for OAuth credentials at rest.
// Ciphertext blobs are base64 with the random nonce prepended, so Open needs
// only the key. When constructed without a key outside production it instead
// emits the tagged reversible dev encoding, never used for real secrets.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a TokenCipher with the given 32-byte AES-256 key.
// A nil or empty key is an error in production; otherwise the cipher runs in
// dev-fallback mode.
func NewTokenCipher(key []byte, production bool) (*TokenCipher, error) {
	if len(key) == 0 {
		if production {
			return nil, ErrNoEncryptionKey
		}
		return &TokenCipher{}, nil
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("hipaa: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hipaa: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hipaa: create GCM: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Seal encrypts the plaintext and returns a base64-encoded blob with the
// nonce prepended. In dev-fallback mode it returns devPrefix + base64.
func (c *TokenCipher) Seal(plaintext string) (string, error) {
	if c.aead == nil {
		return devPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("hipaa: generate nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, so the result is nonce + ciphertext.
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Blobs carrying the dev prefix decode
// without a key; everything else requires the AEAD to open cleanly.
func (c *TokenCipher) Open(blob string) (string, error) {
	if strings.HasPrefix(blob, devPrefix) {
		plaintext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, devPrefix))
		if err != nil {
			return "", fmt.Errorf("%w: malformed dev encoding", ErrDecryptFailed)
		}
		return string(plaintext), nil
	}

	if c.aead == nil {
		return "", fmt.Errorf("%w: no key configured for real ciphertext", ErrDecryptFailed)
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", ErrDecryptFailed, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plaintext), nil
}
