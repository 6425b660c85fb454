package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// noteCipher seals account_meta notes at rest with AES-256-GCM under keys
// derived per auth index via scrypt. This is the only thing the store
// encrypts — credential bundles never pass through here. Ciphertext format
// is "{nonce_hex}:{sealed_hex}".
type noteCipher struct {
	secret string

	mu   sync.Mutex
	keys map[string][]byte // salt → derived key; scrypt is too slow to redo per row
}

func newNoteCipher(secret string) *noteCipher {
	return &noteCipher{secret: secret, keys: make(map[string][]byte)}
}

func (n *noteCipher) aead(salt string) (cipher.AEAD, error) {
	n.mu.Lock()
	key, ok := n.keys[salt]
	n.mu.Unlock()
	if !ok {
		var err error
		key, err = scrypt.Key([]byte(n.secret), []byte(salt), 32768, 8, 1, 32)
		if err != nil {
			return nil, fmt.Errorf("derive note key: %w", err)
		}
		n.mu.Lock()
		n.keys[salt] = key
		n.mu.Unlock()
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (n *noteCipher) encrypt(plaintext, salt string) (string, error) {
	aead, err := n.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

func (n *noteCipher) decrypt(encrypted, salt string) (string, error) {
	nonceHex, sealedHex, found := strings.Cut(encrypted, ":")
	if !found {
		return "", errors.New("missing nonce separator")
	}
	aead, err := n.aead(salt)
	if err != nil {
		return "", err
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != aead.NonceSize() {
		return "", errors.New("malformed nonce")
	}
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return "", errors.New("malformed ciphertext")
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
