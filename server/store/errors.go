// Package store owns the server's shared mutable state: the user registry,
// the active-device session set, the domain registry, and their
// tamper-evident persistence. All access is serialized per store by a
// mutex; locks are never held across network I/O.
package store

import "errors"

// Typed failures. Handlers map these to wire result codes; nothing in this
// package knows about the wire format.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrDomainNotFound = errors.New("domain not found")
	ErrDomainExists   = errors.New("domain already exists")
	ErrDeviceUnknown  = errors.New("device not registered in any domain")
	ErrNoData         = errors.New("no data recorded")
	ErrPermission     = errors.New("permission denied")
	ErrAlreadyActive  = errors.New("device session already active")
	ErrIntegrity      = errors.New("integrity verification failed")
	ErrInvalidName    = errors.New("invalid name")
)
