package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/omi/listen-server/internal/config"
)

const keyInfo = "user-data-encryption"

// ErrUnavailable is returned when no usable process secret is configured.
var ErrUnavailable = errors.New("enhanced encryption unavailable")

// Cipher encrypts user data with AES-256-GCM under a per-user key derived
// from the process secret.
type Cipher struct {
	secret []byte
}

// New returns a Cipher. A secret shorter than config.MinEncryptionSecretLen
// yields a Cipher that refuses to encrypt.
func New(secret string) *Cipher {
	if len(secret) < config.MinEncryptionSecretLen {
		return &Cipher{}
	}
	return &Cipher{secret: []byte(secret)}
}

func (c *Cipher) Available() bool {
	return c != nil && len(c.secret) > 0
}

func (c *Cipher) deriveKey(uid string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, c.secret, []byte(uid), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (c *Cipher) aead(uid string) (cipher.AEAD, error) {
	key, err := c.deriveKey(uid)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt returns base64(nonce || ciphertext) for the given user.
func (c *Cipher) Encrypt(plaintext, uid string) (string, error) {
	sealed, err := c.Seal([]byte(plaintext), uid)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Seal returns nonce || ciphertext for binary payloads such as audio chunks.
func (c *Cipher) Seal(plaintext []byte, uid string) ([]byte, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	gcm, err := c.aead(uid)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Input that cannot be decrypted for this user is
// returned unchanged.
func (c *Cipher) Decrypt(encoded, uid string) string {
	plaintext, err := c.decrypt(encoded, uid)
	if err != nil {
		return encoded
	}
	return plaintext
}

func (c *Cipher) decrypt(encoded, uid string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	plaintext, err := c.Open(ciphertext, uid)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte, uid string) ([]byte, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	gcm, err := c.aead(uid)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
