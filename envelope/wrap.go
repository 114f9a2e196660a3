package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// wrappedKey is the serialized form of a key wrapped for one recipient:
// an ephemeral X25519 public key plus an XChaCha20-Poly1305 box over the
// symmetric key, keyed by the HKDF of the ECDH shared secret.
type wrappedKey struct {
	Ephemeral  []byte `cbor:"ephemeral"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

var wrapInfo = []byte("sentra domain key wrap v1")

// wrapAEADKey derives the AEAD key for a wrap operation from an ECDH shared
// secret.
func wrapAEADKey(shared []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, wrapInfo), key); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return key, nil
}

// WrapKey encrypts a symmetric key under a recipient's public wrap key.
// Each call uses a fresh ephemeral keypair, so wrapping the same key for
// two recipients (or twice for one) yields different blobs.
func WrapKey(recipient *Certificate, key []byte) ([]byte, error) {
	ephemeralPrivate := make([]byte, 32)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephemeralPrivate, recipient.WrapKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	aeadKey, err := wrapAEADKey(shared)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("create wrap cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	blob, err := cbor.Marshal(&wrappedKey{
		Ephemeral:  ephemeralPublic,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, key, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("encode wrapped key: %w", err)
	}
	return blob, nil
}

// UnwrapKey recovers a symmetric key wrapped for the holder of wrapPrivate.
// It fails for any other private key and for any tampered blob.
func UnwrapKey(wrapPrivate, blob []byte) ([]byte, error) {
	var wk wrappedKey
	if err := cbor.Unmarshal(blob, &wk); err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}

	shared, err := curve25519.X25519(wrapPrivate, wk.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	aeadKey, err := wrapAEADKey(shared)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("create wrap cipher: %w", err)
	}
	key, err := aead.Open(nil, wk.Nonce, wk.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("key unwrap failed: %w", err)
	}
	return key, nil
}
