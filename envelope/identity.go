// Package envelope implements the cryptographic core of sentra: identity
// keypairs and certificates, the nonce challenge signature scheme,
// password-based domain key derivation, the payload cipher with externally
// carried parameters, asymmetric key wrapping, and the keyed-hash integrity
// tags used by the persistence layer.
//
// The server only ever handles wrapped keys and ciphertext produced here;
// plaintext domain keys and payloads exist solely on clients.
package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
)

// Certificate is a user's public identity: an Ed25519 key for signature
// verification and an X25519 key for key wrapping. Immutable once issued.
type Certificate struct {
	UserID    string `cbor:"user_id"`
	VerifyKey []byte `cbor:"verify_key"`
	WrapKey   []byte `cbor:"wrap_key"`
	CreatedAt int64  `cbor:"created_at"`
}

// Keypair holds both private halves of an identity plus its certificate.
type Keypair struct {
	SigningKey  ed25519.PrivateKey `cbor:"signing_key"`
	WrapPrivate []byte             `cbor:"wrap_private"`
	Certificate Certificate        `cbor:"certificate"`
}

// GenerateKeypair creates a fresh identity for a user.
func GenerateKeypair(userID string) (*Keypair, error) {
	verifyKey, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	wrapPrivate := make([]byte, 32)
	if _, err := rand.Read(wrapPrivate); err != nil {
		return nil, fmt.Errorf("generate wrap key: %w", err)
	}
	wrapPublic, err := curve25519.X25519(wrapPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive wrap public key: %w", err)
	}

	return &Keypair{
		SigningKey:  signingKey,
		WrapPrivate: wrapPrivate,
		Certificate: Certificate{
			UserID:    userID,
			VerifyKey: verifyKey,
			WrapKey:   wrapPublic,
			CreatedAt: time.Now().Unix(),
		},
	}, nil
}

// Encode serializes a certificate for storage or transmission.
func (c *Certificate) Encode() ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return data, nil
}

// DecodeCertificate parses a serialized certificate and checks it carries
// usable key material.
func DecodeCertificate(data []byte) (*Certificate, error) {
	var cert Certificate
	if err := cbor.Unmarshal(data, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	if len(cert.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("certificate verify key is %d bytes, want %d", len(cert.VerifyKey), ed25519.PublicKeySize)
	}
	if len(cert.WrapKey) != 32 {
		return nil, fmt.Errorf("certificate wrap key is %d bytes, want 32", len(cert.WrapKey))
	}
	return &cert, nil
}

// SignNonce signs the fixed-width encoding of a challenge nonce.
func (kp *Keypair) SignNonce(nonce uint64) []byte {
	return ed25519.Sign(kp.SigningKey, NonceBytes(nonce))
}

// VerifyNonce checks a signature over the fixed-width nonce encoding
// against the certificate's verify key.
func (c *Certificate) VerifyNonce(nonce uint64, signature []byte) bool {
	if len(c.VerifyKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(c.VerifyKey), NonceBytes(nonce), signature)
}
