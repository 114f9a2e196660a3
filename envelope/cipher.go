package envelope

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts a payload under a symmetric key with XChaCha20-Poly1305 and
// returns the ciphertext together with the cipher parameters (the nonce).
// Parameters are carried and stored separately from the ciphertext, matching
// the wire and on-disk layout.
func Seal(key, plaintext []byte) (ciphertext, params []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create payload cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate cipher nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a payload sealed by Seal. It fails on any tampering of the
// ciphertext, the parameters, or a wrong key.
func Open(key, ciphertext, params []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create payload cipher: %w", err)
	}
	if len(params) != aead.NonceSize() {
		return nil, fmt.Errorf("cipher params are %d bytes, want %d", len(params), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, params, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("payload decryption failed: %w", err)
	}
	return plaintext, nil
}
