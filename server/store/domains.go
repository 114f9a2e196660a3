package store

import "sync"

// DeviceData is a device's latest state within one domain. Each
// ciphertext/params pair is independently optional; only the latest value
// is kept.
type DeviceData struct {
	Temperature       []byte
	TemperatureParams []byte
	Image             []byte
	ImageParams       []byte
}

// Domain is a named sharing group: one immutable owner, members each
// holding an opaque wrapped copy of the domain key, and registered devices
// with their latest encrypted readings. Maps carry the data; the order
// slices keep iteration deterministic for persistence and retrieval.
type Domain struct {
	Name  string
	Owner string

	members     map[string][]byte
	memberOrder []string

	devices     map[string]*DeviceData
	deviceOrder []string
}

func newDomain(name, owner string) *Domain {
	return &Domain{
		Name:    name,
		Owner:   owner,
		members: make(map[string][]byte),
		devices: make(map[string]*DeviceData),
	}
}

func (d *Domain) setMember(userID string, wrappedKey []byte) {
	if _, ok := d.members[userID]; !ok {
		d.memberOrder = append(d.memberOrder, userID)
	}
	d.members[userID] = wrappedKey
}

func (d *Domain) registerDevice(marker string) {
	if _, ok := d.devices[marker]; ok {
		return
	}
	d.devices[marker] = &DeviceData{}
	d.deviceOrder = append(d.deviceOrder, marker)
}

func (d *Domain) hasMember(userID string) bool {
	_, ok := d.members[userID]
	return ok
}

func (d *Domain) hasDevice(marker string) bool {
	_, ok := d.devices[marker]
	return ok
}

// TemperatureEntry is one device's latest temperature within a domain,
// kept together with its cipher parameters so the association never relies
// on positional correspondence.
type TemperatureEntry struct {
	Device     string
	Ciphertext []byte
	Params     []byte
}

// DomainKey names a domain together with one member's wrapped key in it.
type DomainKey struct {
	Name       string
	WrappedKey []byte
}

// TelemetryEntry is one per-domain submission from a device.
type TelemetryEntry struct {
	Domain     string
	Ciphertext []byte
	Params     []byte
}

// DomainStore holds all domains. Every operation runs under the store
// mutex, mirroring the per-operation monitor discipline of the protocol.
type DomainStore struct {
	mu      sync.Mutex
	domains map[string]*Domain
	order   []string
}

// NewDomainStore creates an empty domain store.
func NewDomainStore() *DomainStore {
	return &DomainStore{domains: make(map[string]*Domain)}
}

func (s *DomainStore) add(d *Domain) {
	s.domains[d.Name] = d
	s.order = append(s.order, d.Name)
}

// Create creates a domain owned by ownerID. No membership is granted
// implicitly, not even to the owner.
func (s *DomainStore) Create(name, ownerID string) error {
	if !validID(name) {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[name]; ok {
		return ErrDomainExists
	}
	s.add(newDomain(name, ownerID))
	return nil
}

// AddMember stores targetID's wrapped domain key. Only the owner may add
// members; the wrapped bytes are opaque to the server.
func (s *DomainStore) AddMember(domain, callerID, targetID string, wrappedKey []byte) error {
	if !validID(targetID) {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domain]
	if !ok {
		return ErrDomainNotFound
	}
	if d.Owner != callerID {
		return ErrPermission
	}
	d.setMember(targetID, wrappedKey)
	return nil
}

// RegisterDevice adds the caller's device to a domain with empty data.
// The caller must already be a member.
func (s *DomainStore) RegisterDevice(domain, callerID, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domain]
	if !ok {
		return ErrDomainNotFound
	}
	if !d.hasMember(callerID) {
		return ErrPermission
	}
	d.registerDevice(marker)
	return nil
}

// StoreTemperatures records a device's latest temperature ciphertext in
// each named domain, overwriting prior data. Every named domain must exist
// and hold the device; partial batches are not applied.
func (s *DomainStore) StoreTemperatures(marker string, entries []TelemetryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets, err := s.submitTargets(marker, entries)
	if err != nil {
		return err
	}
	for i, d := range targets {
		data := d.devices[marker]
		data.Temperature = entries[i].Ciphertext
		data.TemperatureParams = entries[i].Params
	}
	return nil
}

// StoreImages records a device's latest image ciphertext per domain, with
// the same semantics as StoreTemperatures.
func (s *DomainStore) StoreImages(marker string, entries []TelemetryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets, err := s.submitTargets(marker, entries)
	if err != nil {
		return err
	}
	for i, d := range targets {
		data := d.devices[marker]
		data.Image = entries[i].Ciphertext
		data.ImageParams = entries[i].Params
	}
	return nil
}

// submitTargets resolves and validates the domains of a submission batch.
// Caller holds the lock.
func (s *DomainStore) submitTargets(marker string, entries []TelemetryEntry) ([]*Domain, error) {
	targets := make([]*Domain, len(entries))
	for i, e := range entries {
		d, ok := s.domains[e.Domain]
		if !ok {
			return nil, ErrDomainNotFound
		}
		if !d.hasDevice(marker) {
			return nil, ErrDeviceUnknown
		}
		targets[i] = d
	}
	return targets, nil
}

// Temperatures returns every device's latest temperature in a domain, in
// device registration order, plus the caller's wrapped key. The caller must
// be a member; a domain with no recorded temperatures yields ErrNoData.
func (s *DomainStore) Temperatures(domain, callerID string) ([]TemperatureEntry, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domain]
	if !ok {
		return nil, nil, ErrDomainNotFound
	}
	if !d.hasMember(callerID) {
		return nil, nil, ErrPermission
	}

	var entries []TemperatureEntry
	for _, marker := range d.deviceOrder {
		data := d.devices[marker]
		if data.Temperature == nil {
			continue
		}
		entries = append(entries, TemperatureEntry{
			Device:     marker,
			Ciphertext: data.Temperature,
			Params:     data.TemperatureParams,
		})
	}
	if len(entries) == 0 {
		return nil, nil, ErrNoData
	}
	return entries, d.members[callerID], nil
}

// Image returns the latest image of a specific device, looked up through
// the first domain that holds the device and counts the caller as a member.
// A device registered in no domain at all yields ErrDeviceUnknown; a device
// the caller shares no membership with yields ErrPermission.
func (s *DomainStore) Image(callerID, marker string) (ciphertext, params, wrappedKey []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered := false
	for _, name := range s.order {
		d := s.domains[name]
		if !d.hasDevice(marker) {
			continue
		}
		registered = true
		if !d.hasMember(callerID) {
			continue
		}
		data := d.devices[marker]
		if data.Image == nil {
			return nil, nil, nil, ErrNoData
		}
		return data.Image, data.ImageParams, d.members[callerID], nil
	}
	if !registered {
		return nil, nil, nil, ErrDeviceUnknown
	}
	return nil, nil, nil, ErrPermission
}

// DomainsForDevice lists the domains containing the exact user:device pair,
// with the user's wrapped key per domain. An empty result yields ErrNoData.
func (s *DomainStore) DomainsForDevice(userID, marker string) ([]DomainKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DomainKey
	for _, name := range s.order {
		d := s.domains[name]
		if d.hasDevice(marker) {
			out = append(out, DomainKey{Name: name, WrappedKey: d.members[userID]})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

// Exists reports whether a domain with the given name exists.
func (s *DomainStore) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.domains[name]
	return ok
}

// deviceRegistered reports whether a user:device pair appears in any domain.
func (s *DomainStore) deviceRegistered(marker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.domains {
		if d.hasDevice(marker) {
			return true
		}
	}
	return false
}
