package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ternarybob/handover/internal/models"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Cipher seals credential plaintext with a 32-byte symmetric key
type Cipher struct {
	key [keySize]byte
}

// NewCipher returns a Cipher for a key of exactly 32 bytes
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// CipherFromEnv reads the key from the named environment variable. The value
// may be url-safe or standard base64, hex, or a raw 32 character string.
func CipherFromEnv(name string) (*Cipher, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	key, err := decodeKey(value)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s: %w", name, err)
	}
	return NewCipher(key)
}

func decodeKey(value string) ([]byte, error) {
	decoders := []func(string) ([]byte, error){
		base64.URLEncoding.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		if key, err := decode(value); err == nil && len(key) == keySize {
			return key, nil
		}
	}
	if len(value) == keySize {
		return []byte(value), nil
	}
	return nil, fmt.Errorf("cannot decode a %d-byte key", keySize)
}

// Encrypt returns nonce || sealed box
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &c.key), nil
}

// Decrypt opens a value produced by Encrypt. A wrong key or tampered blob is
// an auth failure: the stored credential cannot be used.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, models.NewTaskError(models.KindAuth, "decrypt credential", fmt.Errorf("ciphertext too short"))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, models.NewTaskError(models.KindAuth, "decrypt credential", fmt.Errorf("authentication failed, wrong key or corrupted blob"))
	}
	return plaintext, nil
}
