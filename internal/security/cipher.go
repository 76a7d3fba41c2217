package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	sealedPrefix = "enc:"
	saltSize     = 16
)

// ValueCipher seals values with AES-256-GCM under a key derived from a
// passphrase with Argon2id. The key lives only in memory; the salt must be
// persisted next to the data to reopen it later.
type ValueCipher struct {
	mu   sync.RWMutex
	key  []byte // 32 bytes
	salt []byte
}

// NewValueCipher derives a key from passphrase and salt. A nil salt
// generates a fresh random one.
func NewValueCipher(passphrase string, salt []byte) (*ValueCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", saltSize)
	}
	return &ValueCipher{
		key:  argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32),
		salt: append([]byte(nil), salt...),
	}, nil
}

// Salt returns the salt the key was derived with.
func (c *ValueCipher) Salt() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.salt...)
}

func (c *ValueCipher) aead() (cipher.AEAD, error) {
	c.mu.RLock()
	key := append([]byte(nil), c.key...)
	c.mu.RUnlock()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext and returns "enc:" + base64(nonce + ciphertext).
func (c *ValueCipher) Seal(plaintext []byte) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the "enc:" prefix
// are returned unchanged so data written before encryption was enabled
// stays readable.
func (c *ValueCipher) Open(value string) ([]byte, error) {
	if !IsSealed(value) {
		return []byte(value), nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(data) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// Zeroize clears the key. The cipher is unusable afterwards.
func (c *ValueCipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.key)
}
