package store

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/sentra-io/sentra/envelope"
)

func testUser(t *testing.T, id string) (*User, *envelope.Keypair) {
	t.Helper()
	kp, err := envelope.GenerateKeypair(id)
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	return &User{ID: id, Certificate: &kp.Certificate}, kp
}

func TestIdentityStoreUsers(t *testing.T) {
	s := NewIdentityStore()

	alice, _ := testUser(t, "alice")
	if err := s.AddUser(alice); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	if err := s.AddUser(alice); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate AddUser = %v, want ErrUserExists", err)
	}

	u, ok := s.GetUser("alice")
	if !ok || u.ID != "alice" {
		t.Error("GetUser did not return the stored user")
	}
	if _, ok := s.GetUser("Alice"); ok {
		t.Error("user lookup is not case-sensitive")
	}

	if err := s.AddUser(&User{ID: "a;b"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("AddUser with separator in id = %v, want ErrInvalidName", err)
	}
}

// Identifiers carrying any registry separator must be rejected up front:
// the persisted registries would save them fine and then fail closed on the
// next load, refusing startup.
func TestRegistrySeparatorsRejected(t *testing.T) {
	bad := []string{"a : b", "eve,mallory", "a:b", "a;b", "a/b", "a\\b", "a\nb", ""}

	ids := NewIdentityStore()
	domains := NewDomainStore()
	if err := domains.Create("home", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, id := range bad {
		if err := ids.AddUser(&User{ID: id}); !errors.Is(err, ErrInvalidName) {
			t.Errorf("AddUser(%q) = %v, want ErrInvalidName", id, err)
		}
		if err := domains.Create(id, "alice"); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) = %v, want ErrInvalidName", id, err)
		}
		if err := domains.AddMember("home", "alice", id, []byte{1}); !errors.Is(err, ErrInvalidName) {
			t.Errorf("AddMember(%q) = %v, want ErrInvalidName", id, err)
		}
	}
}

func TestDeviceMarkerExclusive(t *testing.T) {
	s := NewIdentityStore()

	if err := s.AcquireDevice("alice:phone1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := s.AcquireDevice("alice:phone1"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second acquire = %v, want ErrAlreadyActive", err)
	}

	// A different pair is unaffected.
	if err := s.AcquireDevice("alice:phone2"); err != nil {
		t.Errorf("acquire of distinct pair failed: %v", err)
	}

	// After release the pair can be acquired again.
	s.ReleaseDevice("alice:phone1")
	if err := s.AcquireDevice("alice:phone1"); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestDeviceMarkerConcurrentAcquire(t *testing.T) {
	s := NewIdentityStore()

	const attempts = 64
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AcquireDevice("bob:cam") == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("%d concurrent acquires succeeded, want exactly 1", won)
	}
}

func TestDomainCreateAndMembership(t *testing.T) {
	ds := NewDomainStore()

	if err := ds.Create("home", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := ds.Create("home", "bob"); !errors.Is(err, ErrDomainExists) {
		t.Errorf("duplicate Create = %v, want ErrDomainExists", err)
	}

	// Only the owner may add members.
	if err := ds.AddMember("home", "bob", "carol", []byte("wrapped")); !errors.Is(err, ErrPermission) {
		t.Errorf("non-owner AddMember = %v, want ErrPermission", err)
	}
	if err := ds.AddMember("nodomain", "alice", "bob", []byte("wrapped")); !errors.Is(err, ErrDomainNotFound) {
		t.Errorf("AddMember in missing domain = %v, want ErrDomainNotFound", err)
	}
	if err := ds.AddMember("home", "alice", "bob", []byte("wrapped-bob")); err != nil {
		t.Fatalf("owner AddMember failed: %v", err)
	}

	// The owner is not implicitly a data-sharing member.
	if err := ds.RegisterDevice("home", "alice", "alice:phone1"); !errors.Is(err, ErrPermission) {
		t.Errorf("owner RegisterDevice without membership = %v, want ErrPermission", err)
	}
	if err := ds.RegisterDevice("home", "bob", "bob:cam"); err != nil {
		t.Fatalf("member RegisterDevice failed: %v", err)
	}
}

func TestTelemetryStoreAndRetrieve(t *testing.T) {
	ds := NewDomainStore()
	ds.Create("home", "alice")
	ds.AddMember("home", "alice", "bob", []byte("wrapped-bob"))
	ds.RegisterDevice("home", "bob", "bob:cam")

	// No data yet.
	if _, _, err := ds.Temperatures("home", "bob"); !errors.Is(err, ErrNoData) {
		t.Errorf("Temperatures with no data = %v, want ErrNoData", err)
	}

	entries := []TelemetryEntry{{Domain: "home", Ciphertext: []byte{1, 2}, Params: []byte{3}}}
	if err := ds.StoreTemperatures("bob:cam", entries); err != nil {
		t.Fatalf("StoreTemperatures failed: %v", err)
	}

	// Overwrite keeps only the latest value.
	entries = []TelemetryEntry{{Domain: "home", Ciphertext: []byte{9, 9}, Params: []byte{7}}}
	if err := ds.StoreTemperatures("bob:cam", entries); err != nil {
		t.Fatalf("second StoreTemperatures failed: %v", err)
	}

	recs, wrapped, err := ds.Temperatures("home", "bob")
	if err != nil {
		t.Fatalf("Temperatures failed: %v", err)
	}
	if len(recs) != 1 || !bytes.Equal(recs[0].Ciphertext, []byte{9, 9}) {
		t.Error("retrieved temperature is not the latest submission")
	}
	if !bytes.Equal(wrapped, []byte("wrapped-bob")) {
		t.Error("wrapped key does not match the caller's member entry")
	}

	if _, _, err := ds.Temperatures("home", "stranger"); !errors.Is(err, ErrPermission) {
		t.Errorf("non-member Temperatures = %v, want ErrPermission", err)
	}
	if _, _, err := ds.Temperatures("nope", "bob"); !errors.Is(err, ErrDomainNotFound) {
		t.Errorf("Temperatures in missing domain = %v, want ErrDomainNotFound", err)
	}

	// Submissions to unknown domains fail the batch.
	bad := []TelemetryEntry{{Domain: "nope", Ciphertext: []byte{1}, Params: []byte{1}}}
	if err := ds.StoreTemperatures("bob:cam", bad); !errors.Is(err, ErrDomainNotFound) {
		t.Errorf("StoreTemperatures to missing domain = %v, want ErrDomainNotFound", err)
	}
}

func TestImageLookup(t *testing.T) {
	ds := NewDomainStore()
	ds.Create("home", "alice")
	ds.AddMember("home", "alice", "bob", []byte("wrapped-bob"))
	ds.AddMember("home", "alice", "carol", []byte("wrapped-carol"))
	ds.RegisterDevice("home", "bob", "bob:cam")

	if _, _, _, err := ds.Image("carol", "ghost:cam"); !errors.Is(err, ErrDeviceUnknown) {
		t.Errorf("Image of unregistered device = %v, want ErrDeviceUnknown", err)
	}
	if _, _, _, err := ds.Image("carol", "bob:cam"); !errors.Is(err, ErrNoData) {
		t.Errorf("Image with no submission = %v, want ErrNoData", err)
	}

	if err := ds.StoreImages("bob:cam", []TelemetryEntry{{Domain: "home", Ciphertext: []byte{5}, Params: []byte{6}}}); err != nil {
		t.Fatalf("StoreImages failed: %v", err)
	}

	ct, params, wrapped, err := ds.Image("carol", "bob:cam")
	if err != nil {
		t.Fatalf("Image failed: %v", err)
	}
	if !bytes.Equal(ct, []byte{5}) || !bytes.Equal(params, []byte{6}) {
		t.Error("Image returned wrong data")
	}
	if !bytes.Equal(wrapped, []byte("wrapped-carol")) {
		t.Error("Image returned wrong wrapped key")
	}

	// A non-member sharing no domain with the device gets NO_PERM.
	if _, _, _, err := ds.Image("stranger", "bob:cam"); !errors.Is(err, ErrPermission) {
		t.Errorf("stranger Image = %v, want ErrPermission", err)
	}
}

func TestDomainsForDevice(t *testing.T) {
	ds := NewDomainStore()
	ds.Create("home", "alice")
	ds.Create("lab", "alice")
	ds.AddMember("home", "alice", "bob", []byte("k1"))
	ds.AddMember("lab", "alice", "bob", []byte("k2"))
	ds.RegisterDevice("home", "bob", "bob:cam")
	ds.RegisterDevice("lab", "bob", "bob:cam")

	keys, err := ds.DomainsForDevice("bob", "bob:cam")
	if err != nil {
		t.Fatalf("DomainsForDevice failed: %v", err)
	}
	if len(keys) != 2 || keys[0].Name != "home" || keys[1].Name != "lab" {
		t.Errorf("unexpected domain list: %+v", keys)
	}

	if _, err := ds.DomainsForDevice("bob", "bob:other"); !errors.Is(err, ErrNoData) {
		t.Errorf("DomainsForDevice with no registration = %v, want ErrNoData", err)
	}
}
