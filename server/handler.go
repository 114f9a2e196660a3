package main

import (
	"errors"
	"fmt"

	"github.com/sentra-io/sentra/server/store"
	"github.com/sentra-io/sentra/wire"
)

// codeFor maps store failures to protocol result codes.
func codeFor(err error) wire.Code {
	switch {
	case err == nil:
		return wire.CodeOK
	case errors.Is(err, store.ErrDomainNotFound):
		return wire.CodeNoDomain
	case errors.Is(err, store.ErrUserNotFound):
		return wire.CodeNoUser
	case errors.Is(err, store.ErrPermission):
		return wire.CodeNoPerm
	case errors.Is(err, store.ErrDeviceUnknown):
		return wire.CodeNoID
	case errors.Is(err, store.ErrNoData):
		return wire.CodeNoData
	case errors.Is(err, store.ErrDomainExists), errors.Is(err, store.ErrInvalidName):
		return wire.CodeNOK
	default:
		return wire.CodeError
	}
}

func (s *Session) status(err error) error {
	return s.conn.Write(wire.KindStatus, &wire.StatusReply{Code: codeFor(err)})
}

func (s *Session) handleCreate(req *wire.CreateRequest) error {
	err := s.domains.Create(req.Domain, s.user.ID)
	if err == nil {
		s.record(store.AuditDomainCreate, req.Domain)
		s.log.Info().Str("domain", req.Domain).Str("owner", s.user.ID).Msg("Domain created")
	}
	return s.status(err)
}

// handleAdd checks domain existence before target existence so a missing
// domain is reported even when the target user is also unknown.
func (s *Session) handleAdd(req *wire.AddRequest) error {
	if !s.domains.Exists(req.Domain) {
		return s.status(store.ErrDomainNotFound)
	}
	if _, ok := s.ids.GetUser(req.UserID); !ok {
		return s.status(store.ErrUserNotFound)
	}

	err := s.domains.AddMember(req.Domain, s.user.ID, req.UserID, req.WrappedKey)
	if err == nil {
		s.record(store.AuditDomainAdd, req.Domain+" "+req.UserID)
	}
	return s.status(err)
}

func (s *Session) handleRegisterDevice(req *wire.RegisterDeviceRequest) error {
	err := s.domains.RegisterDevice(req.Domain, s.user.ID, s.marker)
	if err == nil {
		s.record(store.AuditDomainDevice, req.Domain+" "+s.marker)
	}
	return s.status(err)
}

func (s *Session) handleSubmit(req *wire.SubmitRequest) error {
	entries := make([]store.TelemetryEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = store.TelemetryEntry{
			Domain:     e.Domain,
			Ciphertext: e.Ciphertext,
			Params:     e.Params,
		}
	}

	var err error
	switch req.Kind {
	case wire.TelemetryTemperature:
		err = s.domains.StoreTemperatures(s.marker, entries)
	case wire.TelemetryImage:
		err = s.domains.StoreImages(s.marker, entries)
	default:
		err = fmt.Errorf("unknown telemetry kind %q", req.Kind)
	}
	if err == nil {
		s.record(store.AuditSubmit, string(req.Kind))
	}
	return s.status(err)
}

func (s *Session) handleTemperatures(req *wire.TemperaturesRequest) error {
	entries, wrappedKey, err := s.domains.Temperatures(req.Domain, s.user.ID)
	if err != nil {
		return s.conn.Write(wire.KindTempsReply, &wire.TemperaturesReply{Code: codeFor(err)})
	}

	records := make([]wire.TemperatureRecord, len(entries))
	for i, e := range entries {
		records[i] = wire.TemperatureRecord{
			Device:     e.Device,
			Ciphertext: e.Ciphertext,
			Params:     e.Params,
		}
	}
	s.record(store.AuditRetrieve, "temperatures "+req.Domain)
	return s.conn.Write(wire.KindTempsReply, &wire.TemperaturesReply{
		Code:       wire.CodeOK,
		WrappedKey: wrappedKey,
		Records:    records,
	})
}

func (s *Session) handleImage(req *wire.ImageRequest) error {
	marker := req.UserID + ":" + req.DeviceID
	ciphertext, params, wrappedKey, err := s.domains.Image(s.user.ID, marker)
	if err != nil {
		return s.conn.Write(wire.KindImageReply, &wire.ImageReply{Code: codeFor(err)})
	}

	s.record(store.AuditRetrieve, "image "+marker)
	return s.conn.Write(wire.KindImageReply, &wire.ImageReply{
		Code:       wire.CodeOK,
		Ciphertext: ciphertext,
		Params:     params,
		WrappedKey: wrappedKey,
	})
}

func (s *Session) handleMyDomains(_ *wire.MyDomainsRequest) error {
	keys, err := s.domains.DomainsForDevice(s.user.ID, s.marker)
	if err != nil {
		return s.conn.Write(wire.KindMyDomainsReply, &wire.MyDomainsReply{Code: codeFor(err)})
	}

	out := make([]wire.DomainKeyEntry, len(keys))
	for i, k := range keys {
		out[i] = wire.DomainKeyEntry{Domain: k.Name, WrappedKey: k.WrappedKey}
	}
	return s.conn.Write(wire.KindMyDomainsReply, &wire.MyDomainsReply{Code: wire.CodeOK, Domains: out})
}

func (s *Session) handleGetCertificate(req *wire.CertificateRequest) error {
	user, ok := s.ids.GetUser(req.UserID)
	if !ok {
		return s.conn.Write(wire.KindCertReply, &wire.CertificateReply{Code: wire.CodeNoUser})
	}
	data, err := user.Certificate.Encode()
	if err != nil {
		return s.conn.Write(wire.KindCertReply, &wire.CertificateReply{Code: wire.CodeError})
	}
	return s.conn.Write(wire.KindCertReply, &wire.CertificateReply{Code: wire.CodeOK, Certificate: data})
}
