package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentra-io/sentra/envelope"
	"github.com/sentra-io/sentra/server/store"
	"github.com/sentra-io/sentra/wire"
)

// Session drives one client connection: the three authentication phases,
// then the command cycle. A session holds its user:device marker for its
// whole lifetime; teardown releases it unconditionally.
type Session struct {
	id      string
	conn    *wire.Conn
	ids     *store.IdentityStore
	domains *store.DomainStore
	local   *store.LocalInfo
	audit   *store.AuditLog
	sender  CodeSender
	log     zerolog.Logger

	user   *store.User
	marker string
}

// NewSession prepares a session for a freshly accepted connection.
func NewSession(conn *wire.Conn, ids *store.IdentityStore, domains *store.DomainStore, local *store.LocalInfo, audit *store.AuditLog, sender CodeSender) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		ids:     ids,
		domains: domains,
		local:   local,
		audit:   audit,
		sender:  sender,
		log:     log.With().Str("conn_id", id).Logger(),
	}
}

// Run authenticates the client and serves commands until the client exits
// or the connection fails.
func (s *Session) Run(ctx context.Context) error {
	defer s.release()

	if err := s.authenticate(ctx); err != nil {
		return err
	}
	return s.commandLoop()
}

func (s *Session) release() {
	if s.marker != "" {
		s.ids.ReleaseDevice(s.marker)
	}
}

func (s *Session) record(event, detail string) {
	userID := ""
	if s.user != nil {
		userID = s.user.ID
	}
	if err := s.audit.Record(s.id, userID, event, detail); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("Failed to record audit event")
	}
}

/* ------------------------------ authentication ----------------------------- */

// authenticate runs the three phases. A one-time-code mismatch restarts
// phases 1 and 2 together with a fresh nonce; identity, device and
// attestation failures are terminal.
func (s *Session) authenticate(ctx context.Context) error {
	for {
		user, err := s.identityPhase()
		if err != nil {
			return err
		}
		ok, err := s.codePhase(ctx, user)
		if err != nil {
			return err
		}
		if ok {
			s.user = user
			break
		}
		s.log.Info().Str("user_id", user.ID).Msg("Restarting authentication after code mismatch")
	}
	return s.devicePhase()
}

// identityPhase issues the nonce challenge and verifies the signature. New
// users must echo the nonce beside their certificate; the echo is checked
// against the nonce the server issued, not trusted.
func (s *Session) identityPhase() (*store.User, error) {
	var hello wire.AuthHello
	if err := s.conn.ReadKind(wire.KindAuthHello, &hello); err != nil {
		return nil, err
	}

	nonce, err := envelope.GenerateNonce()
	if err != nil {
		return nil, err
	}

	user, known := s.ids.GetUser(hello.UserID)
	status := wire.CodeOKNewUser
	if known {
		status = wire.CodeOKUser
	}
	if err := s.conn.Write(wire.KindIdentityChallenge, &wire.IdentityChallenge{Code: status, Nonce: nonce}); err != nil {
		return nil, err
	}

	var proof wire.IdentityProof
	if err := s.conn.ReadKind(wire.KindIdentityProof, &proof); err != nil {
		return nil, err
	}

	if !known {
		user, err = s.registerUser(hello.UserID, nonce, &proof)
		if err != nil {
			return nil, s.failIdentity(hello.UserID, err)
		}
		s.log.Info().Str("user_id", user.ID).Msg("Registered new user")
	} else if !user.Certificate.VerifyNonce(nonce, proof.Signature) {
		return nil, s.failIdentity(hello.UserID, errors.New("nonce signature verification failed"))
	}

	if err := s.conn.Write(wire.KindAuthResult, &wire.AuthResult{Code: wire.CodeOK}); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Session) registerUser(userID string, nonce uint64, proof *wire.IdentityProof) (*store.User, error) {
	if proof.Nonce != nonce {
		return nil, errors.New("nonce echo mismatch")
	}
	cert, err := envelope.DecodeCertificate(proof.Certificate)
	if err != nil {
		return nil, err
	}
	if cert.UserID != userID {
		return nil, fmt.Errorf("certificate issued for %q, claimed %q", cert.UserID, userID)
	}
	if !cert.VerifyNonce(nonce, proof.Signature) {
		return nil, errors.New("nonce signature verification failed")
	}

	user := &store.User{ID: userID, Certificate: cert}
	if err := s.ids.AddUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Session) failIdentity(userID string, cause error) error {
	s.record(store.AuditAuthFailure, cause.Error())
	s.log.Warn().Err(cause).Str("user_id", userID).Msg("Identity verification failed")
	if err := s.conn.Write(wire.KindAuthResult, &wire.AuthResult{Code: wire.CodeError}); err != nil {
		return err
	}
	return fmt.Errorf("identity verification for %s: %w", userID, cause)
}

// codePhase delivers a one-time code out of band and checks the client's
// submission. On mismatch the client chooses between giving up and
// restarting; restarting reports ok=false to the caller.
func (s *Session) codePhase(ctx context.Context, user *store.User) (bool, error) {
	code, err := envelope.GenerateCode()
	if err != nil {
		return false, err
	}
	if err := s.sender.Send(ctx, user.ID, code); err != nil {
		return false, fmt.Errorf("deliver one-time code: %w", err)
	}

	var submit wire.CodeSubmit
	if err := s.conn.ReadKind(wire.KindCodeSubmit, &submit); err != nil {
		return false, err
	}

	if subtle.ConstantTimeCompare([]byte(submit.Code), []byte(code)) == 1 {
		if err := s.conn.Write(wire.KindCodeResult, &wire.CodeResult{Code: wire.CodeOK}); err != nil {
			return false, err
		}
		return true, nil
	}

	s.record(store.AuditCodeMismatch, user.ID)
	if err := s.conn.Write(wire.KindCodeResult, &wire.CodeResult{Code: wire.CodeError}); err != nil {
		return false, err
	}

	var decision wire.RetryDecision
	if err := s.conn.ReadKind(wire.KindRetryDecision, &decision); err != nil {
		return false, err
	}
	if decision.Exit {
		return false, fmt.Errorf("client abandoned authentication for %s after code mismatch", user.ID)
	}
	return false, nil
}

// devicePhase claims the user:device session marker, then verifies the
// client binary via the nonce digest against the sealed reference record.
func (s *Session) devicePhase() error {
	var hello wire.DeviceHello
	if err := s.conn.ReadKind(wire.KindDeviceHello, &hello); err != nil {
		return err
	}

	marker := s.user.ID + ":" + hello.DeviceID
	// Separator characters would corrupt registry lines and data paths.
	if hello.DeviceID == "" || strings.ContainsAny(hello.DeviceID, ";,:/\\\n") || s.ids.AcquireDevice(marker) != nil {
		s.record(store.AuditDeviceReject, marker)
		s.log.Warn().Str("marker", marker).Msg("Device rejected, session already active")
		if err := s.conn.Write(wire.KindDeviceChallenge, &wire.DeviceChallenge{Code: wire.CodeNOKDevice}); err != nil {
			return err
		}
		return fmt.Errorf("device session %s already active", marker)
	}
	s.marker = marker

	nonce, err := envelope.GenerateNonce()
	if err != nil {
		return err
	}
	if err := s.conn.Write(wire.KindDeviceChallenge, &wire.DeviceChallenge{Code: wire.CodeOKDevice, Nonce: nonce}); err != nil {
		return err
	}

	var digest wire.AttestDigest
	if err := s.conn.ReadKind(wire.KindAttestDigest, &digest); err != nil {
		return err
	}

	if err := s.local.Verify(); err != nil {
		return s.failAttestation(fmt.Errorf("reference record verification: %w", err))
	}
	ref, err := s.local.ReferenceBytes()
	if err != nil {
		return s.failAttestation(fmt.Errorf("load reference artifact: %w", err))
	}
	if !envelope.DigestsEqual(digest.Digest, envelope.AttestDigest(nonce, ref)) {
		return s.failAttestation(errors.New("executable digest mismatch"))
	}

	if err := s.conn.Write(wire.KindAttestResult, &wire.AttestResult{Code: wire.CodeOKTested}); err != nil {
		return err
	}
	s.record(store.AuditAuthSuccess, marker)
	s.log.Info().Str("marker", marker).Msg("Authentication complete")
	return nil
}

// failAttestation reports the failure and waits for the client's final ack
// so the result is not lost in a reset when the server closes first.
func (s *Session) failAttestation(cause error) error {
	s.record(store.AuditAttestFailure, cause.Error())
	s.log.Warn().Err(cause).Str("marker", s.marker).Msg("Attestation failed")
	if err := s.conn.Write(wire.KindAttestResult, &wire.AttestResult{Code: wire.CodeNOKTested}); err != nil {
		return err
	}
	var ack wire.AttestAck
	if err := s.conn.ReadKind(wire.KindAttestAck, &ack); err != nil {
		return err
	}
	return fmt.Errorf("attestation for %s: %w", s.marker, cause)
}

/* ------------------------------- command cycle ----------------------------- */

func (s *Session) commandLoop() error {
	for {
		env, err := s.conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		done, err := s.dispatch(env)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Session) dispatch(env *wire.Envelope) (done bool, err error) {
	switch env.Kind {
	case wire.KindExit:
		err = s.conn.Write(wire.KindStatus, &wire.StatusReply{Code: wire.CodeOK})
		return true, err
	case wire.KindCreate:
		err = decodeAnd(env, s.handleCreate)
	case wire.KindAdd:
		err = decodeAnd(env, s.handleAdd)
	case wire.KindRegisterDev:
		err = decodeAnd(env, s.handleRegisterDevice)
	case wire.KindSubmit:
		err = decodeAnd(env, s.handleSubmit)
	case wire.KindTemps:
		err = decodeAnd(env, s.handleTemperatures)
	case wire.KindImage:
		err = decodeAnd(env, s.handleImage)
	case wire.KindMyDomains:
		err = decodeAnd(env, s.handleMyDomains)
	case wire.KindGetCert:
		err = decodeAnd(env, s.handleGetCertificate)
	default:
		s.log.Warn().Str("kind", string(env.Kind)).Msg("Unknown command kind")
		err = s.conn.Write(wire.KindStatus, &wire.StatusReply{Code: wire.CodeError})
	}
	return false, err
}

// decodeAnd decodes the envelope body into a fresh request and runs the
// handler. Malformed bodies are protocol violations and end the session.
func decodeAnd[T any](env *wire.Envelope, handle func(*T) error) error {
	var req T
	if err := env.Decode(&req); err != nil {
		return err
	}
	return handle(&req)
}
