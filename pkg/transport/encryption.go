package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Cipher encrypts/decrypts a connection's packet body with AES-256-GCM
// under a single per-connection key, adapted from the teacher's
// dual-segment Symphony encryption (public/private keyed segments with
// an offset header) down to naia's single undifferentiated packet body
// (spec.md's handshake explicitly scopes authentication to the 3-way
// challenge, not payload confidentiality, so this element stays
// optional and off by default — see connection.WithCipher).
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte AES-256 key. Keys should be
// derived per-session (e.g. from handshake.Authority material), never
// hardcoded, since a shared static key defeats the point of encrypting
// at all.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("transport: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("transport: new gcm: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning [nonce][ciphertext+tag]. A fresh
// random nonce is generated per call; GCM's security bound requires
// the nonce never repeat under the same key.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("transport: generate nonce: %w", err)
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+c.gcm.Overhead())
	copy(out, nonce)
	return c.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal, returning an error if the ciphertext is
// truncated or fails authentication.
func (c *Cipher) Open(encrypted []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(encrypted) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("transport: encrypted payload too short: %d bytes", len(encrypted))
	}
	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: decryption failed: %w", err)
	}
	return plaintext, nil
}
