// Package tokencrypt seals token material at rest with AES-256-GCM.
//
// Ciphertext format: base64url(nonce || ciphertext || tag), no padding.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	hkdfSalt = []byte("claudeauth/token-encryption/v1")
	hkdfInfo = []byte("aes-256-gcm")

	ErrMissingKey = errors.New("tokencrypt: encryption key is required in production")
)

// Codec encrypts and decrypts token strings.
type Codec struct {
	aead      cipher.AEAD
	ephemeral bool
}

// New builds a codec from a configured key. A 32-byte key encoded as
// base64 or hex is used directly; anything else is treated as a
// passphrase and stretched with HKDF-SHA256.
func New(key string) (*Codec, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("tokencrypt: key is empty")
	}
	raw, err := deriveKey(key)
	if err != nil {
		return nil, err
	}
	return newCodec(raw, false)
}

// NewEphemeral builds a codec with a random key. Anything it encrypts is
// unreadable after the process exits.
func NewEphemeral() (*Codec, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("tokencrypt: generate key: %w", err)
	}
	return newCodec(raw, true)
}

// NewFromConfig reads CLAUDE_TOKEN_ENCRYPTION_KEY. Without a key it falls
// back to an ephemeral one, except in production where it refuses to start.
func NewFromConfig(cfg config.Config, log *zap.Logger) (*Codec, error) {
	if cfg.Claude.EncryptionKey != "" {
		return New(cfg.Claude.EncryptionKey)
	}
	if cfg.IsProduction() {
		return nil, ErrMissingKey
	}
	if log != nil {
		log.Named("auth.tokencrypt").Warn("CLAUDE_TOKEN_ENCRYPTION_KEY not set; using an ephemeral key, stored tokens will not survive a restart")
	}
	return NewEphemeral()
}

// GenerateKey returns a fresh base64 key suitable for CLAUDE_TOKEN_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func newCodec(raw []byte, ephemeral bool) (*Codec, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencrypt: create gcm: %w", err)
	}
	return &Codec{aead: aead, ephemeral: ephemeral}, nil
}

func (c *Codec) Ephemeral() bool {
	return c.ephemeral
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokencrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt returns domain.ErrDecryption for any malformed, tampered, or
// foreign-key ciphertext.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", domain.ErrDecryption)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}
	return string(plaintext), nil
}

func deriveKey(key string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(key); err == nil && len(raw) == keySize {
			return raw, nil
		}
	}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == keySize {
		return raw, nil
	}

	raw := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), hkdfSalt, hkdfInfo), raw); err != nil {
		return nil, fmt.Errorf("tokencrypt: derive key: %w", err)
	}
	return raw, nil
}
