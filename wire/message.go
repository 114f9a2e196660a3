// Package wire defines the protocol spoken between the sentra server and
// device clients: result codes, one body type per protocol step, and the
// length-prefixed CBOR framing that carries them over the TLS stream.
package wire

// Code is a protocol result code.
type Code uint8

const (
	CodeNone Code = iota
	CodeOK
	CodeOKNewUser
	CodeOKUser
	CodeOKDevice
	CodeOKTested
	CodeNOK
	CodeNOKDevice
	CodeNOKTested
	CodeError
	CodeNoDomain
	CodeNoUser
	CodeNoPerm
	CodeNoID
	CodeNoData
)

var codeNames = map[Code]string{
	CodeNone:      "NONE",
	CodeOK:        "OK",
	CodeOKNewUser: "OK_NEW_USER",
	CodeOKUser:    "OK_USER",
	CodeOKDevice:  "OK_DEVID",
	CodeOKTested:  "OK_TESTED",
	CodeNOK:       "NOK",
	CodeNOKDevice: "NOK_DEVID",
	CodeNOKTested: "NOK_TESTED",
	CodeError:     "ERROR",
	CodeNoDomain:  "NO_DM",
	CodeNoUser:    "NO_USER",
	CodeNoPerm:    "NO_PERM",
	CodeNoID:      "NO_ID",
	CodeNoData:    "NO_DATA",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Kind identifies which protocol step a frame belongs to. Each kind has
// exactly one body type, so fields from one step cannot leak into another.
type Kind string

const (
	// Authentication phase 1: identity proof.
	KindAuthHello         Kind = "auth.hello"
	KindIdentityChallenge Kind = "auth.challenge"
	KindIdentityProof     Kind = "auth.proof"
	KindAuthResult        Kind = "auth.result"

	// Authentication phase 2: one-time code.
	KindCodeSubmit    Kind = "otp.submit"
	KindCodeResult    Kind = "otp.result"
	KindRetryDecision Kind = "otp.decision"

	// Authentication phase 3: device and executable attestation.
	KindDeviceHello     Kind = "device.hello"
	KindDeviceChallenge Kind = "device.challenge"
	KindAttestDigest    Kind = "attest.digest"
	KindAttestResult    Kind = "attest.result"
	KindAttestAck       Kind = "attest.ack"

	// Authenticated commands.
	KindCreate      Kind = "cmd.create"
	KindAdd         Kind = "cmd.add"
	KindRegisterDev Kind = "cmd.rd"
	KindSubmit      Kind = "cmd.submit"
	KindTemps       Kind = "cmd.rt"
	KindImage       Kind = "cmd.ri"
	KindMyDomains   Kind = "cmd.mydomains"
	KindGetCert     Kind = "cmd.getcert"
	KindExit        Kind = "cmd.exit"

	// Generic replies.
	KindStatus         Kind = "reply.status"
	KindTempsReply     Kind = "reply.rt"
	KindImageReply     Kind = "reply.ri"
	KindMyDomainsReply Kind = "reply.mydomains"
	KindCertReply      Kind = "reply.cert"
)

// TelemetryKind selects which DeviceData slot a submission targets.
type TelemetryKind string

const (
	TelemetryTemperature TelemetryKind = "temperature"
	TelemetryImage       TelemetryKind = "image"
)

// AuthHello opens the handshake with the claimed user identity.
type AuthHello struct {
	UserID string `cbor:"user_id"`
}

// IdentityChallenge carries the fresh nonce and whether the server already
// knows the user.
type IdentityChallenge struct {
	Code  Code   `cbor:"code"`
	Nonce uint64 `cbor:"nonce"`
}

// IdentityProof is the client's signature over the challenge nonce. New
// users echo the nonce and attach their certificate; the server must check
// the echo against the nonce it issued.
type IdentityProof struct {
	Signature   []byte `cbor:"signature"`
	Nonce       uint64 `cbor:"nonce,omitempty"`
	Certificate []byte `cbor:"certificate,omitempty"`
}

// AuthResult closes phase 1.
type AuthResult struct {
	Code Code `cbor:"code"`
}

// CodeSubmit carries the one-time code the user received out of band.
type CodeSubmit struct {
	Code string `cbor:"code"`
}

// CodeResult reports whether the submitted code matched.
type CodeResult struct {
	Code Code `cbor:"code"`
}

// RetryDecision is the client's choice after a code mismatch: give up, or
// restart the whole identity+code block.
type RetryDecision struct {
	Exit bool `cbor:"exit"`
}

// DeviceHello carries the device identifier for session registration.
type DeviceHello struct {
	DeviceID string `cbor:"device_id"`
}

// DeviceChallenge accepts or rejects the device id; on acceptance it carries
// the attestation nonce.
type DeviceChallenge struct {
	Code  Code   `cbor:"code"`
	Nonce uint64 `cbor:"nonce,omitempty"`
}

// AttestDigest is the client's hash over nonce||executable.
type AttestDigest struct {
	Digest []byte `cbor:"digest"`
}

// AttestResult closes phase 3.
type AttestResult struct {
	Code Code `cbor:"code"`
}

// AttestAck is the final client message after a failed attestation.
type AttestAck struct{}

// CreateRequest asks the server to create a domain owned by the caller.
type CreateRequest struct {
	Domain string `cbor:"domain"`
}

// AddRequest adds a user to a domain. The wrapped key was produced on the
// caller's side under the target user's public key; the server stores it
// opaquely.
type AddRequest struct {
	Domain     string `cbor:"domain"`
	UserID     string `cbor:"user_id"`
	WrappedKey []byte `cbor:"wrapped_key"`
}

// RegisterDeviceRequest registers the caller's device in a domain.
type RegisterDeviceRequest struct {
	Domain string `cbor:"domain"`
}

// SubmitEntry is one per-domain re-encryption of the same payload.
type SubmitEntry struct {
	Domain     string `cbor:"domain"`
	Ciphertext []byte `cbor:"ciphertext"`
	Params     []byte `cbor:"params"`
}

// SubmitRequest uploads the caller device's latest reading, once per domain
// membership, in a single batch.
type SubmitRequest struct {
	Kind    TelemetryKind `cbor:"kind"`
	Entries []SubmitEntry `cbor:"entries"`
}

// StatusReply is the generic result-code-only reply.
type StatusReply struct {
	Code Code `cbor:"code"`
}

// TemperaturesRequest fetches every device's latest temperature in a domain.
type TemperaturesRequest struct {
	Domain string `cbor:"domain"`
}

// TemperatureRecord keeps device, ciphertext and cipher parameters together
// so the association never depends on positional correspondence.
type TemperatureRecord struct {
	Device     string `cbor:"device"`
	Ciphertext []byte `cbor:"ciphertext"`
	Params     []byte `cbor:"params"`
}

// TemperaturesReply carries the ordered records plus the caller's wrapped
// domain key.
type TemperaturesReply struct {
	Code       Code                `cbor:"code"`
	WrappedKey []byte              `cbor:"wrapped_key,omitempty"`
	Records    []TemperatureRecord `cbor:"records,omitempty"`
}

// ImageRequest fetches the latest image of a specific user:device pair.
type ImageRequest struct {
	UserID   string `cbor:"user_id"`
	DeviceID string `cbor:"device_id"`
}

// ImageReply carries the image ciphertext, its cipher parameters and the
// caller's wrapped key for the domain it was found in.
type ImageReply struct {
	Code       Code   `cbor:"code"`
	Ciphertext []byte `cbor:"ciphertext,omitempty"`
	Params     []byte `cbor:"params,omitempty"`
	WrappedKey []byte `cbor:"wrapped_key,omitempty"`
}

// MyDomainsRequest lists the domains containing the caller's user:device
// pair. The identity comes from the authenticated session.
type MyDomainsRequest struct{}

// DomainKeyEntry pairs a domain name with the caller's wrapped key in it.
type DomainKeyEntry struct {
	Domain     string `cbor:"domain"`
	WrappedKey []byte `cbor:"wrapped_key"`
}

// MyDomainsReply lists the caller's domain memberships.
type MyDomainsReply struct {
	Code    Code             `cbor:"code"`
	Domains []DomainKeyEntry `cbor:"domains,omitempty"`
}

// CertificateRequest fetches another user's certificate.
type CertificateRequest struct {
	UserID string `cbor:"user_id"`
}

// CertificateReply returns the CBOR-encoded certificate, or NO_USER.
type CertificateReply struct {
	Code        Code   `cbor:"code"`
	Certificate []byte `cbor:"certificate,omitempty"`
}

// ExitRequest ends the command cycle cleanly.
type ExitRequest struct{}
