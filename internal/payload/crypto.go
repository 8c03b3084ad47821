package payload

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

// WrapKey wraps a per-object key with the master key. Returns nonce|wrapped.
func WrapKey(master, kObj []byte) ([]byte, error) {
	if len(master) != KeySize || len(kObj) != KeySize {
		return nil, fmt.Errorf("keys must be %d bytes", KeySize)
	}
	wrapAead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}
	wrapNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
		return nil, err
	}
	wrapped := wrapAead.Seal(nil, wrapNonce, kObj, nil)
	return append(wrapNonce, wrapped...), nil
}

// SealWithKey encrypts plaintext with an existing per-object key and nonce,
// binding aad into the auth tag.
func SealWithKey(kObj, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(kObj) != KeySize || len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid key or nonce size")
	}
	aead, err := chacha20poly1305.NewX(kObj)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenWithMaster unwraps the per-object key with the master key, then opens
// the ciphertext.
func OpenWithMaster(master, nonce, ciphertext, wrappedKey, aad []byte) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", KeySize)
	}
	// Wrapped = nonce (24) + sealed key (32) + tag (16)
	if len(wrappedKey) < NonceSize+KeySize+16 {
		return nil, fmt.Errorf("wrapped key too short")
	}
	wrapNonce := wrappedKey[:NonceSize]
	wrapped := wrappedKey[NonceSize:]

	wrapAead, err := chacha20poly1305.NewX(master)
	if err != nil {
		return nil, err
	}
	kObj, err := wrapAead.Open(nil, wrapNonce, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	if len(kObj) != KeySize {
		return nil, fmt.Errorf("unwrapped key wrong size")
	}

	aead, err := chacha20poly1305.NewX(kObj)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
