package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/sentra-io/sentra/envelope"
)

// User is a registered identity: a stable id bound to the certificate that
// proved it. Immutable after creation.
type User struct {
	ID          string
	Certificate *envelope.Certificate
}

// IdentityStore holds registered users and the set of currently active
// device session markers (user:device pairs).
type IdentityStore struct {
	mu     sync.Mutex
	users  map[string]*User
	active map[string]struct{}
}

// NewIdentityStore creates an empty identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		users:  make(map[string]*User),
		active: make(map[string]struct{}),
	}
}

// validID rejects identifiers that would corrupt registry lines or escape
// the data directory layout. The persisted registries use ";" between
// fields, "," inside member/device lists, ":" in session markers and " : "
// in user registry lines, so none of those may appear in an id.
func validID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, ";,:/\\\n")
}

// GetUser looks a user up by id.
func (s *IdentityStore) GetUser(id string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// AddUser registers a new user. Fails if the id is taken; users are
// immutable once created.
func (s *IdentityStore) AddUser(u *User) error {
	if !validID(u.ID) {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrUserExists
	}
	s.users[u.ID] = u
	return nil
}

// Users returns all registered users in a stable order.
func (s *IdentityStore) Users() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AcquireDevice atomically test-and-sets the session marker for a
// user:device pair. At most one connection may hold a marker at a time.
func (s *IdentityStore) AcquireDevice(marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[marker]; ok {
		return ErrAlreadyActive
	}
	s.active[marker] = struct{}{}
	return nil
}

// ReleaseDevice removes a session marker. Safe to call for a marker that
// was never acquired; connection teardown calls it unconditionally.
func (s *IdentityStore) ReleaseDevice(marker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, marker)
}

// DeviceActive reports whether a session marker is currently held.
func (s *IdentityStore) DeviceActive(marker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[marker]
	return ok
}
