package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sentra-io/sentra/envelope"
	"github.com/sentra-io/sentra/wire"
)

// Client is one device session against the server. Prompt functions are
// injected so the interactive parts stay out of the protocol logic.
type Client struct {
	conn     *wire.Conn
	keyring  *Keyring
	keypair  *envelope.Keypair
	userID   string
	deviceID string
	exePath  string

	// CodePrompt asks the user for the one-time code they received.
	CodePrompt func() (string, error)
	// RetryPrompt asks whether to restart after a code mismatch.
	RetryPrompt func() bool
}

// NewClient binds a framed connection to the device's identity.
func NewClient(conn *wire.Conn, keyring *Keyring, keypair *envelope.Keypair, userID, deviceID, exePath string) *Client {
	return &Client{
		conn:     conn,
		keyring:  keyring,
		keypair:  keypair,
		userID:   userID,
		deviceID: deviceID,
		exePath:  exePath,
	}
}

// Authenticate runs the client side of the three-phase handshake. A code
// mismatch restarts the identity and code phases when the user chooses to
// retry; every other failure is terminal.
func (c *Client) Authenticate() error {
	for {
		if err := c.identityPhase(); err != nil {
			return err
		}
		ok, err := c.codePhase()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		log.Info().Msg("Code rejected, restarting authentication")
	}
	return c.devicePhase()
}

func (c *Client) identityPhase() error {
	if err := c.conn.Write(wire.KindAuthHello, &wire.AuthHello{UserID: c.userID}); err != nil {
		return err
	}

	var challenge wire.IdentityChallenge
	if err := c.conn.ReadKind(wire.KindIdentityChallenge, &challenge); err != nil {
		return err
	}

	proof := wire.IdentityProof{Signature: c.keypair.SignNonce(challenge.Nonce)}
	if challenge.Code == wire.CodeOKNewUser {
		cert, err := c.keypair.Certificate.Encode()
		if err != nil {
			return err
		}
		proof.Nonce = challenge.Nonce
		proof.Certificate = cert
	}
	if err := c.conn.Write(wire.KindIdentityProof, &proof); err != nil {
		return err
	}

	var result wire.AuthResult
	if err := c.conn.ReadKind(wire.KindAuthResult, &result); err != nil {
		return err
	}
	if result.Code != wire.CodeOK {
		return fmt.Errorf("identity rejected: %s", result.Code)
	}
	return nil
}

func (c *Client) codePhase() (bool, error) {
	code, err := c.CodePrompt()
	if err != nil {
		return false, err
	}
	if err := c.conn.Write(wire.KindCodeSubmit, &wire.CodeSubmit{Code: code}); err != nil {
		return false, err
	}

	var result wire.CodeResult
	if err := c.conn.ReadKind(wire.KindCodeResult, &result); err != nil {
		return false, err
	}
	if result.Code == wire.CodeOK {
		return true, nil
	}

	retry := c.RetryPrompt()
	if err := c.conn.Write(wire.KindRetryDecision, &wire.RetryDecision{Exit: !retry}); err != nil {
		return false, err
	}
	if !retry {
		return false, errors.New("authentication abandoned after code mismatch")
	}
	return false, nil
}

func (c *Client) devicePhase() error {
	if err := c.conn.Write(wire.KindDeviceHello, &wire.DeviceHello{DeviceID: c.deviceID}); err != nil {
		return err
	}

	var challenge wire.DeviceChallenge
	if err := c.conn.ReadKind(wire.KindDeviceChallenge, &challenge); err != nil {
		return err
	}
	if challenge.Code != wire.CodeOKDevice {
		return fmt.Errorf("device rejected: %s", challenge.Code)
	}

	exe, err := os.ReadFile(c.exePath)
	if err != nil {
		return fmt.Errorf("read own executable: %w", err)
	}
	digest := envelope.AttestDigest(challenge.Nonce, exe)
	if err := c.conn.Write(wire.KindAttestDigest, &wire.AttestDigest{Digest: digest}); err != nil {
		return err
	}

	var result wire.AttestResult
	if err := c.conn.ReadKind(wire.KindAttestResult, &result); err != nil {
		return err
	}
	if result.Code != wire.CodeOKTested {
		// The ack lets the server tear down only after the result is seen.
		if err := c.conn.Write(wire.KindAttestAck, &wire.AttestAck{}); err != nil {
			return err
		}
		return fmt.Errorf("attestation rejected: %s", result.Code)
	}
	return nil
}

/* --------------------------------- commands -------------------------------- */

// CreateDomain asks the server to create a domain owned by this user.
func (c *Client) CreateDomain(name string) (wire.Code, error) {
	return c.statusCommand(wire.KindCreate, &wire.CreateRequest{Domain: name})
}

// AddUser wraps the domain key under the target user's public key and sends
// it. The server never sees the plaintext key.
func (c *Client) AddUser(domain, targetID, passphrase string) (wire.Code, error) {
	key, err := c.keyring.DomainKey(domain, passphrase)
	if err != nil {
		return wire.CodeNone, err
	}
	cert, code, err := c.fetchCertificate(targetID)
	if err != nil || code != wire.CodeOK {
		return code, err
	}
	wrapped, err := envelope.WrapKey(cert, key)
	if err != nil {
		return wire.CodeNone, err
	}
	return c.statusCommand(wire.KindAdd, &wire.AddRequest{
		Domain:     domain,
		UserID:     targetID,
		WrappedKey: wrapped,
	})
}

// RegisterDevice registers this device in a domain.
func (c *Client) RegisterDevice(domain string) (wire.Code, error) {
	return c.statusCommand(wire.KindRegisterDev, &wire.RegisterDeviceRequest{Domain: domain})
}

func (c *Client) statusCommand(kind wire.Kind, req any) (wire.Code, error) {
	if err := c.conn.Write(kind, req); err != nil {
		return wire.CodeNone, err
	}
	var reply wire.StatusReply
	if err := c.conn.ReadKind(wire.KindStatus, &reply); err != nil {
		return wire.CodeNone, err
	}
	return reply.Code, nil
}

// fetchCertificate returns another user's certificate, from the local cache
// when possible, otherwise from the server.
func (c *Client) fetchCertificate(userID string) (*envelope.Certificate, wire.Code, error) {
	if cert, err := c.keyring.CachedCertificate(userID); err != nil {
		return nil, wire.CodeNone, err
	} else if cert != nil {
		return cert, wire.CodeOK, nil
	}

	if err := c.conn.Write(wire.KindGetCert, &wire.CertificateRequest{UserID: userID}); err != nil {
		return nil, wire.CodeNone, err
	}
	var reply wire.CertificateReply
	if err := c.conn.ReadKind(wire.KindCertReply, &reply); err != nil {
		return nil, wire.CodeNone, err
	}
	if reply.Code != wire.CodeOK {
		return nil, reply.Code, nil
	}

	cert, err := envelope.DecodeCertificate(reply.Certificate)
	if err != nil {
		return nil, wire.CodeNone, err
	}
	if err := c.keyring.CacheCertificate(cert); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to cache certificate")
	}
	return cert, wire.CodeOK, nil
}

// Submit encrypts a payload once per domain this device is registered in
// and uploads the whole batch.
func (c *Client) Submit(kind wire.TelemetryKind, plaintext []byte) (wire.Code, error) {
	domains, code, err := c.domainKeys()
	if err != nil || code != wire.CodeOK {
		return code, err
	}

	entries := make([]wire.SubmitEntry, 0, len(domains))
	for _, d := range domains {
		key, err := envelope.UnwrapKey(c.keypair.WrapPrivate, d.WrappedKey)
		if err != nil {
			return wire.CodeNone, fmt.Errorf("unwrap key for domain %s: %w", d.Domain, err)
		}
		ciphertext, params, err := envelope.Seal(key, plaintext)
		if err != nil {
			return wire.CodeNone, fmt.Errorf("encrypt for domain %s: %w", d.Domain, err)
		}
		entries = append(entries, wire.SubmitEntry{
			Domain:     d.Domain,
			Ciphertext: ciphertext,
			Params:     params,
		})
	}
	return c.statusCommand(wire.KindSubmit, &wire.SubmitRequest{Kind: kind, Entries: entries})
}

func (c *Client) domainKeys() ([]wire.DomainKeyEntry, wire.Code, error) {
	if err := c.conn.Write(wire.KindMyDomains, &wire.MyDomainsRequest{}); err != nil {
		return nil, wire.CodeNone, err
	}
	var reply wire.MyDomainsReply
	if err := c.conn.ReadKind(wire.KindMyDomainsReply, &reply); err != nil {
		return nil, wire.CodeNone, err
	}
	if reply.Code != wire.CodeOK {
		return nil, reply.Code, nil
	}
	return reply.Domains, wire.CodeOK, nil
}

// MyDomains lists the domains this device is registered in.
func (c *Client) MyDomains() ([]string, wire.Code, error) {
	domains, code, err := c.domainKeys()
	if err != nil || code != wire.CodeOK {
		return nil, code, err
	}
	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.Domain
	}
	return names, wire.CodeOK, nil
}

// Reading is one device's decrypted temperature.
type Reading struct {
	Device string
	Value  string
}

// Temperatures fetches and decrypts the latest temperature of every device
// in a domain.
func (c *Client) Temperatures(domain string) ([]Reading, wire.Code, error) {
	if err := c.conn.Write(wire.KindTemps, &wire.TemperaturesRequest{Domain: domain}); err != nil {
		return nil, wire.CodeNone, err
	}
	var reply wire.TemperaturesReply
	if err := c.conn.ReadKind(wire.KindTempsReply, &reply); err != nil {
		return nil, wire.CodeNone, err
	}
	if reply.Code != wire.CodeOK {
		return nil, reply.Code, nil
	}

	key, err := envelope.UnwrapKey(c.keypair.WrapPrivate, reply.WrappedKey)
	if err != nil {
		return nil, wire.CodeNone, fmt.Errorf("unwrap key for domain %s: %w", domain, err)
	}

	readings := make([]Reading, 0, len(reply.Records))
	for _, r := range reply.Records {
		value, err := envelope.Open(key, r.Ciphertext, r.Params)
		if err != nil {
			return nil, wire.CodeNone, fmt.Errorf("decrypt reading from %s: %w", r.Device, err)
		}
		readings = append(readings, Reading{Device: r.Device, Value: string(value)})
	}
	return readings, wire.CodeOK, nil
}

// Image fetches and decrypts the latest image of a specific device.
func (c *Client) Image(userID, deviceID string) ([]byte, wire.Code, error) {
	if err := c.conn.Write(wire.KindImage, &wire.ImageRequest{UserID: userID, DeviceID: deviceID}); err != nil {
		return nil, wire.CodeNone, err
	}
	var reply wire.ImageReply
	if err := c.conn.ReadKind(wire.KindImageReply, &reply); err != nil {
		return nil, wire.CodeNone, err
	}
	if reply.Code != wire.CodeOK {
		return nil, reply.Code, nil
	}

	key, err := envelope.UnwrapKey(c.keypair.WrapPrivate, reply.WrappedKey)
	if err != nil {
		return nil, wire.CodeNone, fmt.Errorf("unwrap image key: %w", err)
	}
	image, err := envelope.Open(key, reply.Ciphertext, reply.Params)
	if err != nil {
		return nil, wire.CodeNone, fmt.Errorf("decrypt image: %w", err)
	}
	return image, wire.CodeOK, nil
}

// Exit ends the session cleanly.
func (c *Client) Exit() error {
	_, err := c.statusCommand(wire.KindExit, &wire.ExitRequest{})
	return err
}
