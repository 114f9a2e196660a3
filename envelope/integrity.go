package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Tag computes an HMAC-SHA256 integrity tag over the exact bytes of each
// part, in order. Registry files feed one serialized line per part.
func Tag(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// TagHex is Tag hex-encoded, the form stored in registry files.
func TagHex(secret []byte, parts ...[]byte) string {
	return hex.EncodeToString(Tag(secret, parts...))
}

// VerifyTagHex recomputes the tag over parts and compares it in constant
// time with a stored hex tag.
func VerifyTagHex(secret []byte, storedHex string, parts ...[]byte) bool {
	stored, err := hex.DecodeString(storedHex)
	if err != nil {
		return false
	}
	return hmac.Equal(Tag(secret, parts...), stored)
}

// AttestDigest hashes a challenge nonce concatenated with an executable's
// bytes. Both sides of the attestation compute this independently.
func AttestDigest(nonce uint64, exe []byte) []byte {
	h := sha256.New()
	h.Write(NonceBytes(nonce))
	h.Write(exe)
	return h.Sum(nil)
}

// DigestsEqual compares two attestation digests in constant time.
func DigestsEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
