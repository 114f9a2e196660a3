package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

// GenerateNonce draws a fresh random 64-bit challenge nonce.
func GenerateNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// NonceBytes is the fixed-width big-endian encoding of a nonce. Signatures
// and attestation digests are computed over this encoding, never over a
// textual form.
func NonceBytes(nonce uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	return buf
}

// GenerateCode draws a 5-digit zero-padded one-time code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return "", fmt.Errorf("generate one-time code: %w", err)
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}

// GenerateSalt draws a random 16-byte derivation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
