package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// KeySize is the required size for AES-256
	KeySize = 32

	// NonceSize is the recommended size for GCM mode
	NonceSize = 12
)

var (
	ErrInvalidKeySize    = errors.New("encryption key must be 32 bytes (256 bits)")
	ErrInvalidCiphertext = errors.New("ciphertext is too short or invalid")
	ErrEncryptionFailed  = errors.New("encryption failed")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// TokenEncryption handles AES-256-GCM encryption of client tokens kept in Redis
type TokenEncryption struct {
	gcm     cipher.AEAD
	enabled bool
	logger  *logrus.Logger
}

// NewTokenEncryption creates a token encryption instance from a base64 key.
// An empty key disables encryption; values then pass through unchanged.
func NewTokenEncryption(keyB64 string, logger *logrus.Logger) (*TokenEncryption, error) {
	if keyB64 == "" {
		logger.Warn("Session encryption key not set - tokens are stored in Redis unencrypted")
		return &TokenEncryption{
			enabled: false,
			logger:  logger,
		}, nil
	}

	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key (must be base64): %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d bytes", ErrInvalidKeySize, len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	logger.Debug("Session encryption enabled with AES-256-GCM")

	return &TokenEncryption{
		gcm:     gcm,
		enabled: true,
		logger:  logger,
	}, nil
}

// IsEnabled returns whether encryption is enabled
func (te *TokenEncryption) IsEnabled() bool {
	return te.enabled
}

// Encrypt encrypts a plaintext token.
// Output format: base64(nonce || ciphertext || tag)
func (te *TokenEncryption) Encrypt(plaintext string) (string, error) {
	if !te.enabled || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailed, err)
	}

	sealed := te.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value produced by Encrypt
func (te *TokenEncryption) Decrypt(ciphertextB64 string) (string, error) {
	if !te.enabled || ciphertextB64 == "" {
		return ciphertextB64, nil
	}

	combined, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed: %v", ErrDecryptionFailed, err)
	}

	if len(combined) < NonceSize {
		return "", fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	plaintext, err := te.gcm.Open(nil, combined[:NonceSize], combined[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a random base64-encoded 256-bit key
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}
