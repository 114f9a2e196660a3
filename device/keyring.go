package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/sentra-io/sentra/envelope"
)

// Keyring is the device's local key material, kept under a single
// directory:
//
//	identity.bin       keypair, encrypted under the device password
//	identity.kparams   password derivation inputs for the keypair file
//	identity.cparams   cipher parameters for the keypair file
//	certs/<user>.cert  cached certificates of other users
//	domains/<name>.params
//	                   derivation inputs for a domain key, persisted so the
//	                   same passphrase re-derives the same key on any device
type Keyring struct {
	dir string
	key []byte
}

// OpenKeyring prepares the keyring directory and derives the file
// protection key from the device password.
func OpenKeyring(dir, password string) (*Keyring, error) {
	for _, d := range []string{dir, filepath.Join(dir, "certs"), filepath.Join(dir, "domains")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create keyring directory: %w", err)
		}
	}

	params, err := loadOrCreateParams(filepath.Join(dir, "identity.kparams"))
	if err != nil {
		return nil, err
	}
	key, err := envelope.DeriveKey(password, params)
	if err != nil {
		return nil, fmt.Errorf("derive keyring key: %w", err)
	}
	return &Keyring{dir: dir, key: key}, nil
}

func loadOrCreateParams(path string) (*envelope.KeyParams, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var params envelope.KeyParams
		if err := cbor.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("decode derivation parameters: %w", err)
		}
		return &params, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read derivation parameters: %w", err)
	}

	params, err := envelope.NewKeyParams()
	if err != nil {
		return nil, err
	}
	encoded, err := cbor.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode derivation parameters: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write derivation parameters: %w", err)
	}
	return params, nil
}

// LoadOrCreateIdentity returns the stored keypair, generating and storing a
// fresh one on first use. A keypair file that fails to decrypt means a
// wrong password and is a hard error.
func (k *Keyring) LoadOrCreateIdentity(userID string) (*envelope.Keypair, error) {
	binPath := filepath.Join(k.dir, "identity.bin")
	cparamsPath := filepath.Join(k.dir, "identity.cparams")

	ciphertext, err := os.ReadFile(binPath)
	if err == nil {
		cparams, err := os.ReadFile(cparamsPath)
		if err != nil {
			return nil, fmt.Errorf("read identity cipher parameters: %w", err)
		}
		plaintext, err := envelope.Open(k.key, ciphertext, cparams)
		if err != nil {
			return nil, fmt.Errorf("decrypt identity, wrong password?: %w", err)
		}
		var kp envelope.Keypair
		if err := cbor.Unmarshal(plaintext, &kp); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		return &kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	kp, err := envelope.GenerateKeypair(userID)
	if err != nil {
		return nil, err
	}
	plaintext, err := cbor.Marshal(kp)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	sealed, cparams, err := envelope.Seal(k.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt identity: %w", err)
	}
	if err := os.WriteFile(binPath, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	if err := os.WriteFile(cparamsPath, cparams, 0o600); err != nil {
		return nil, fmt.Errorf("write identity cipher parameters: %w", err)
	}
	return kp, nil
}

// CachedCertificate returns a locally cached certificate, or nil when the
// user has not been seen yet.
func (k *Keyring) CachedCertificate(userID string) (*envelope.Certificate, error) {
	data, err := os.ReadFile(filepath.Join(k.dir, "certs", userID+".cert"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached certificate: %w", err)
	}
	return envelope.DecodeCertificate(data)
}

// CacheCertificate stores a fetched certificate for later use.
func (k *Keyring) CacheCertificate(cert *envelope.Certificate) error {
	data, err := cert.Encode()
	if err != nil {
		return err
	}
	path := filepath.Join(k.dir, "certs", cert.UserID+".cert")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cache certificate: %w", err)
	}
	return nil
}

// DomainKey derives a domain's symmetric key from its passphrase. The
// derivation inputs are created once per domain and persisted, so the same
// passphrase yields the same key across sessions and devices sharing the
// keyring.
func (k *Keyring) DomainKey(domain, passphrase string) ([]byte, error) {
	params, err := loadOrCreateParams(filepath.Join(k.dir, "domains", domain+".params"))
	if err != nil {
		return nil, err
	}
	key, err := envelope.DeriveKey(passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("derive key for domain %s: %w", domain, err)
	}
	return key, nil
}
