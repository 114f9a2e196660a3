package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sentra-io/sentra/envelope"
)

func TestUserRegistryRoundtrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, "operator-pass")
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}

	is := NewIdentityStore()
	alice, _ := testUser(t, "alice")
	bob, _ := testUser(t, "bob")
	is.AddUser(alice)
	is.AddUser(bob)

	if err := p.SaveUsers(is); err != nil {
		t.Fatalf("SaveUsers failed: %v", err)
	}

	restored := NewIdentityStore()
	if err := p.LoadUsers(restored); err != nil {
		t.Fatalf("LoadUsers failed: %v", err)
	}
	got, ok := restored.GetUser("alice")
	if !ok {
		t.Fatal("alice missing after reload")
	}
	if !bytes.Equal(got.Certificate.VerifyKey, alice.Certificate.VerifyKey) {
		t.Error("alice's certificate changed across persistence")
	}
	if _, ok := restored.GetUser("bob"); !ok {
		t.Error("bob missing after reload")
	}
}

func TestUserRegistryWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewPersistence(dir, "right-pass")

	is := NewIdentityStore()
	alice, _ := testUser(t, "alice")
	is.AddUser(alice)
	if err := p.SaveUsers(is); err != nil {
		t.Fatalf("SaveUsers failed: %v", err)
	}

	// Same directory, wrong passphrase: decryption must fail hard.
	p2, err := NewPersistence(dir, "wrong-pass")
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}
	if err := p2.LoadUsers(NewIdentityStore()); err == nil {
		t.Fatal("LoadUsers succeeded under the wrong passphrase")
	}
}

func TestDomainRegistryRoundtrip(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewPersistence(dir, "operator-pass")

	ds := NewDomainStore()
	ds.Create("home", "alice")
	ds.AddMember("home", "alice", "bob", []byte("wrapped-bob"))
	ds.RegisterDevice("home", "bob", "bob:cam")
	ds.StoreTemperatures("bob:cam", []TelemetryEntry{{Domain: "home", Ciphertext: []byte{1, 2, 3}, Params: []byte{4}}})
	ds.StoreImages("bob:cam", []TelemetryEntry{{Domain: "home", Ciphertext: []byte{9}, Params: []byte{8}}})
	ds.Create("lab", "carol")

	if err := p.SaveDomains(ds); err != nil {
		t.Fatalf("SaveDomains failed: %v", err)
	}

	restored := NewDomainStore()
	if err := p.LoadDomains(restored); err != nil {
		t.Fatalf("LoadDomains failed: %v", err)
	}

	recs, wrapped, err := restored.Temperatures("home", "bob")
	if err != nil {
		t.Fatalf("Temperatures after reload failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Device != "bob:cam" || !bytes.Equal(recs[0].Ciphertext, []byte{1, 2, 3}) {
		t.Errorf("unexpected temperature records after reload: %+v", recs)
	}
	if !bytes.Equal(wrapped, []byte("wrapped-bob")) {
		t.Error("wrapped key changed across persistence")
	}

	ct, params, _, err := restored.Image("bob", "bob:cam")
	if err != nil {
		t.Fatalf("Image after reload failed: %v", err)
	}
	if !bytes.Equal(ct, []byte{9}) || !bytes.Equal(params, []byte{8}) {
		t.Error("image data changed across persistence")
	}

	if !restored.deviceRegistered("bob:cam") {
		t.Error("device registration lost across persistence")
	}
}

func TestDomainRegistryTamperFailsClosed(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewPersistence(dir, "operator-pass")

	ds := NewDomainStore()
	ds.Create("home", "alice")
	if err := p.SaveDomains(ds); err != nil {
		t.Fatalf("SaveDomains failed: %v", err)
	}

	regPath := filepath.Join(dir, "domains.txt")
	content, err := os.ReadFile(regPath)
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	// Flip one byte of the first registry line.
	tampered := append([]byte(nil), content...)
	tampered[0] ^= 0x01
	if err := os.WriteFile(regPath, tampered, 0o600); err != nil {
		t.Fatalf("write tampered registry: %v", err)
	}

	restored := NewDomainStore()
	err = p.LoadDomains(restored)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("LoadDomains on tampered registry = %v, want ErrIntegrity", err)
	}
	// Fail closed: nothing usable was loaded.
	if restored.deviceRegistered("bob:cam") || len(restored.order) != 0 {
		t.Error("tampered registry still produced loaded domains")
	}
}

func TestLocalInfoSealAndVerify(t *testing.T) {
	dir := t.TempDir()
	exePath := filepath.Join(dir, "reference.bin")
	if err := os.WriteFile(exePath, []byte("executable-bytes"), 0o600); err != nil {
		t.Fatalf("write reference: %v", err)
	}
	recordPath := filepath.Join(dir, "localinfo.txt")
	if err := os.WriteFile(recordPath, []byte(exePath+"\n"), 0o600); err != nil {
		t.Fatalf("write record: %v", err)
	}

	li := NewLocalInfo(recordPath, []byte("secret"))
	if err := li.Verify(); err == nil {
		t.Error("unsealed record verified")
	}

	if err := li.Prepare(); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := li.Verify(); err != nil {
		t.Fatalf("Verify after Prepare failed: %v", err)
	}

	// Prepare is idempotent.
	if err := li.Prepare(); err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	if err := li.Verify(); err != nil {
		t.Fatalf("Verify after second Prepare failed: %v", err)
	}

	ref, err := li.ReferenceBytes()
	if err != nil {
		t.Fatalf("ReferenceBytes failed: %v", err)
	}
	if !bytes.Equal(ref, []byte("executable-bytes")) {
		t.Error("ReferenceBytes returned wrong content")
	}

	// Tampering with the path line breaks verification.
	lines, _ := os.ReadFile(recordPath)
	tampered := bytes.Replace(lines, []byte("reference.bin"), []byte("reference.bax"), 1)
	os.WriteFile(recordPath, tampered, 0o600)
	if err := li.Verify(); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Verify of tampered record = %v, want ErrIntegrity", err)
	}
}

func TestAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	a, err := OpenAuditLog(path)
	if err != nil {
		t.Fatalf("OpenAuditLog failed: %v", err)
	}
	defer a.Close()

	if err := a.Record("conn-1", "alice", AuditAuthSuccess, "sensor:phone1"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := a.Record("conn-2", "bob", AuditAuthFailure, "signature mismatch"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := a.Record("conn-3", "bob", AuditAuthFailure, "code mismatch"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	n, err := a.CountByEvent(AuditAuthFailure)
	if err != nil {
		t.Fatalf("CountByEvent failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountByEvent = %d, want 2", n)
	}
}

// Derivation parameters persisted for the registry key must be reused, so a
// second Persistence over the same directory derives the same key.
func TestRegistryKeyParamsReuse(t *testing.T) {
	dir := t.TempDir()
	p1, err := NewPersistence(dir, "pass")
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}
	p2, err := NewPersistence(dir, "pass")
	if err != nil {
		t.Fatalf("second NewPersistence failed: %v", err)
	}
	if !bytes.Equal(p1.regKey, p2.regKey) {
		t.Error("registry key not deterministic across restarts")
	}
	if len(p1.regKey) != envelope.DerivedKeyLen {
		t.Errorf("registry key is %d bytes, want %d", len(p1.regKey), envelope.DerivedKeyLen)
	}
}
