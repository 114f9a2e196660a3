package envelope

import (
	"bytes"
	"testing"
)

func TestSignVerifyNonce(t *testing.T) {
	kp, err := GenerateKeypair("alice")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce failed: %v", err)
	}

	sig := kp.SignNonce(nonce)
	if !kp.Certificate.VerifyNonce(nonce, sig) {
		t.Fatal("valid signature did not verify")
	}

	// Any bit flip in the signature must fail verification.
	flipped := append([]byte(nil), sig...)
	flipped[0] ^= 0x01
	if kp.Certificate.VerifyNonce(nonce, flipped) {
		t.Error("bit-flipped signature verified")
	}

	// A different nonce must fail verification.
	if kp.Certificate.VerifyNonce(nonce+1, sig) {
		t.Error("signature verified against wrong nonce")
	}
}

func TestCertificateRoundtrip(t *testing.T) {
	kp, err := GenerateKeypair("bob")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	data, err := kp.Certificate.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	cert, err := DecodeCertificate(data)
	if err != nil {
		t.Fatalf("DecodeCertificate failed: %v", err)
	}
	if cert.UserID != "bob" {
		t.Errorf("user id = %q, want bob", cert.UserID)
	}
	if !bytes.Equal(cert.VerifyKey, kp.Certificate.VerifyKey) {
		t.Error("verify key changed in roundtrip")
	}
	if !bytes.Equal(cert.WrapKey, kp.Certificate.WrapKey) {
		t.Error("wrap key changed in roundtrip")
	}
}

func TestDeriveKeyDeterminism(t *testing.T) {
	params, err := NewKeyParams()
	if err != nil {
		t.Fatalf("NewKeyParams failed: %v", err)
	}

	k1, err := DeriveKey("secret123", params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey("secret123", params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same password and params derived different keys")
	}
	if len(k1) != DerivedKeyLen {
		t.Errorf("derived key is %d bytes, want %d", len(k1), DerivedKeyLen)
	}

	k3, err := DeriveKey("secret124", params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Error("different passwords derived the same key")
	}
}

func TestWrapUnwrapRoundtrip(t *testing.T) {
	alice, err := GenerateKeypair("alice")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	bob, err := GenerateKeypair("bob")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	params, _ := NewKeyParams()
	key, err := DeriveKey("home-password", params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	forAlice, err := WrapKey(&alice.Certificate, key)
	if err != nil {
		t.Fatalf("WrapKey for alice failed: %v", err)
	}
	forBob, err := WrapKey(&bob.Certificate, key)
	if err != nil {
		t.Fatalf("WrapKey for bob failed: %v", err)
	}

	if bytes.Equal(forAlice, forBob) {
		t.Error("wrapping the same key for two users produced identical blobs")
	}

	gotAlice, err := UnwrapKey(alice.WrapPrivate, forAlice)
	if err != nil {
		t.Fatalf("alice could not unwrap her key: %v", err)
	}
	if !bytes.Equal(gotAlice, key) {
		t.Error("alice unwrapped different key material")
	}

	gotBob, err := UnwrapKey(bob.WrapPrivate, forBob)
	if err != nil {
		t.Fatalf("bob could not unwrap his key: %v", err)
	}
	if !bytes.Equal(gotBob, key) {
		t.Error("bob unwrapped different key material")
	}

	// Each user can unwrap only with their own private key.
	if _, err := UnwrapKey(bob.WrapPrivate, forAlice); err == nil {
		t.Error("bob unwrapped alice's blob")
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	params, _ := NewKeyParams()
	key, err := DeriveKey("pw", params)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	payloads := [][]byte{
		[]byte{0x01},
		[]byte("21.5"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, payload := range payloads {
		ct, cp, err := Seal(key, payload)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		got, err := Open(key, ct, cp)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("roundtrip changed payload of %d bytes", len(payload))
		}

		// Tampered ciphertext must not decrypt.
		bad := append([]byte(nil), ct...)
		bad[len(bad)/2] ^= 0x80
		if _, err := Open(key, bad, cp); err == nil {
			t.Error("tampered ciphertext decrypted")
		}
	}
}

func TestTagVerify(t *testing.T) {
	secret := []byte("operator-secret")
	lineA := []byte("home;alice;alice:phone1;bob")
	lineB := []byte("lab;bob;;alice")

	tag := TagHex(secret, lineA, lineB)
	if !VerifyTagHex(secret, tag, lineA, lineB) {
		t.Fatal("valid tag did not verify")
	}

	// One flipped byte in a covered line must break the tag.
	tampered := append([]byte(nil), lineA...)
	tampered[0] ^= 0x01
	if VerifyTagHex(secret, tag, tampered, lineB) {
		t.Error("tag verified over tampered line")
	}

	if VerifyTagHex([]byte("wrong-secret"), tag, lineA, lineB) {
		t.Error("tag verified under wrong secret")
	}

	if VerifyTagHex(secret, "zz-not-hex", lineA, lineB) {
		t.Error("malformed hex tag verified")
	}
}

func TestGenerateCodeFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("GenerateCode failed: %v", err)
		}
		if len(code) != 5 {
			t.Fatalf("code %q is not 5 digits", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q contains a non-digit", code)
			}
		}
	}
}

func TestAttestDigest(t *testing.T) {
	exe := bytes.Repeat([]byte{0x5A}, 1024)
	d1 := AttestDigest(42, exe)
	d2 := AttestDigest(42, exe)
	if !DigestsEqual(d1, d2) {
		t.Fatal("same inputs produced different digests")
	}
	if DigestsEqual(d1, AttestDigest(43, exe)) {
		t.Error("different nonces produced the same digest")
	}
	exe[0] ^= 0x01
	if DigestsEqual(d1, AttestDigest(42, exe)) {
		t.Error("modified executable produced the same digest")
	}
}
