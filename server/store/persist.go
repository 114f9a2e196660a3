package store

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sentra-io/sentra/envelope"
)

// Persistence writes the identity and domain stores to the data directory
// and loads them back with integrity verification. The user registry is
// encrypted at rest with a key derived from the operator passphrase; the
// domain registry carries a trailing keyed-hash tag over its lines.
//
// Layout under the data directory:
//
//	users.txt                       encrypted user registry (base64)
//	userparams/{salt,iterations}    registry key derivation inputs
//	userparams/params               registry cipher parameters
//	certificates/<user>.cert        per-user certificate files
//	domains.txt                     domain registry + trailing HMAC tag
//	data/<domain>/members/<user>.key
//	data/<domain>/devices/<device>/{temp.bin,temp.params,image.bin,image.params}
type Persistence struct {
	dir    string
	secret []byte
	regKey []byte
}

// NewPersistence prepares the data directory and derives the user-registry
// encryption key from the operator passphrase, creating the derivation
// parameter files on first run.
func NewPersistence(dir, passphrase string) (*Persistence, error) {
	paramsDir := filepath.Join(dir, "userparams")
	for _, d := range []string{dir, paramsDir, filepath.Join(dir, "certificates"), filepath.Join(dir, "data")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	params, err := loadOrCreateKeyParams(paramsDir)
	if err != nil {
		return nil, err
	}
	regKey, err := envelope.DeriveKey(passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("derive registry key: %w", err)
	}

	return &Persistence{
		dir:    dir,
		secret: []byte(passphrase),
		regKey: regKey,
	}, nil
}

func loadOrCreateKeyParams(paramsDir string) (*envelope.KeyParams, error) {
	saltPath := filepath.Join(paramsDir, "salt")
	iterPath := filepath.Join(paramsDir, "iterations")

	salt, saltErr := os.ReadFile(saltPath)
	iterBytes, iterErr := os.ReadFile(iterPath)
	if saltErr == nil && iterErr == nil {
		iterations, err := strconv.ParseUint(strings.TrimSpace(string(iterBytes)), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse registry iteration count: %w", err)
		}
		return &envelope.KeyParams{Salt: salt, Iterations: uint32(iterations)}, nil
	}

	params, err := envelope.NewKeyParams()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath, params.Salt, 0o600); err != nil {
		return nil, fmt.Errorf("write registry salt: %w", err)
	}
	if err := os.WriteFile(iterPath, []byte(strconv.FormatUint(uint64(params.Iterations), 10)), 0o600); err != nil {
		return nil, fmt.Errorf("write registry iteration count: %w", err)
	}
	return params, nil
}

/* ------------------------------ user registry ----------------------------- */

// SaveUsers encrypts and writes the user registry and the per-user
// certificate files.
func (p *Persistence) SaveUsers(s *IdentityStore) error {
	users := s.Users()
	if len(users) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, u := range users {
		certFile := u.ID + ".cert"
		data, err := u.Certificate.Encode()
		if err != nil {
			return fmt.Errorf("encode certificate for %s: %w", u.ID, err)
		}
		if err := os.WriteFile(filepath.Join(p.dir, "certificates", certFile), data, 0o600); err != nil {
			return fmt.Errorf("write certificate for %s: %w", u.ID, err)
		}
		sb.WriteString(u.ID + " : " + certFile + "\n")
	}

	ciphertext, params, err := envelope.Seal(p.regKey, []byte(sb.String()))
	if err != nil {
		return fmt.Errorf("encrypt user registry: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.dir, "userparams", "params"), params, 0o600); err != nil {
		return fmt.Errorf("write registry cipher params: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := os.WriteFile(filepath.Join(p.dir, "users.txt"), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write user registry: %w", err)
	}
	return nil
}

// LoadUsers decrypts the user registry and populates the identity store.
// A missing registry is an empty one; a registry that fails to decrypt is a
// hard error and the server must not start.
func (p *Persistence) LoadUsers(s *IdentityStore) error {
	encoded, err := os.ReadFile(filepath.Join(p.dir, "users.txt"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read user registry: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return fmt.Errorf("decode user registry: %w", err)
	}
	params, err := os.ReadFile(filepath.Join(p.dir, "userparams", "params"))
	if err != nil {
		return fmt.Errorf("read registry cipher params: %w", err)
	}
	content, err := envelope.Open(p.regKey, ciphertext, params)
	if err != nil {
		return fmt.Errorf("decrypt user registry: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " : ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed user registry line %q", line)
		}
		certData, err := os.ReadFile(filepath.Join(p.dir, "certificates", parts[1]))
		if err != nil {
			return fmt.Errorf("read certificate for %s: %w", parts[0], err)
		}
		cert, err := envelope.DecodeCertificate(certData)
		if err != nil {
			return fmt.Errorf("decode certificate for %s: %w", parts[0], err)
		}
		if err := s.AddUser(&User{ID: parts[0], Certificate: cert}); err != nil {
			return fmt.Errorf("restore user %s: %w", parts[0], err)
		}
	}
	return nil
}

/* ----------------------------- domain registry ---------------------------- */

func deviceDir(marker string) string {
	return strings.ReplaceAll(marker, ":", "_")
}

func domainLine(d *Domain) string {
	return d.Name + ";" + d.Owner + ";" +
		strings.Join(d.deviceOrder, ",") + ";" +
		strings.Join(d.memberOrder, ",")
}

// SaveDomains writes the domain registry with its trailing integrity tag,
// plus the per-domain member keys and device data files.
func (p *Persistence) SaveDomains(s *DomainStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}

	var sb strings.Builder
	var lines [][]byte
	for _, name := range s.order {
		d := s.domains[name]
		line := domainLine(d)
		lines = append(lines, []byte(line))
		sb.WriteString(line + "\n")

		if err := p.saveDomainFiles(d); err != nil {
			return err
		}
	}
	sb.WriteString(envelope.TagHex(p.secret, lines...))

	if err := os.WriteFile(filepath.Join(p.dir, "domains.txt"), []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write domain registry: %w", err)
	}
	return nil
}

func (p *Persistence) saveDomainFiles(d *Domain) error {
	memberDir := filepath.Join(p.dir, "data", d.Name, "members")
	if err := os.MkdirAll(memberDir, 0o700); err != nil {
		return fmt.Errorf("create member directory for %s: %w", d.Name, err)
	}
	for _, userID := range d.memberOrder {
		if err := os.WriteFile(filepath.Join(memberDir, userID+".key"), d.members[userID], 0o600); err != nil {
			return fmt.Errorf("write wrapped key for %s in %s: %w", userID, d.Name, err)
		}
	}

	for _, marker := range d.deviceOrder {
		data := d.devices[marker]
		devDir := filepath.Join(p.dir, "data", d.Name, "devices", deviceDir(marker))
		if err := os.MkdirAll(devDir, 0o700); err != nil {
			return fmt.Errorf("create device directory for %s: %w", marker, err)
		}
		if data.Temperature != nil {
			if err := writePair(devDir, "temp", data.Temperature, data.TemperatureParams); err != nil {
				return err
			}
		}
		if data.Image != nil {
			if err := writePair(devDir, "image", data.Image, data.ImageParams); err != nil {
				return err
			}
		}
	}
	return nil
}

func writePair(dir, base string, ciphertext, params []byte) error {
	if err := os.WriteFile(filepath.Join(dir, base+".bin"), ciphertext, 0o600); err != nil {
		return fmt.Errorf("write %s data: %w", base, err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".params"), params, 0o600); err != nil {
		return fmt.Errorf("write %s params: %w", base, err)
	}
	return nil
}

// LoadDomains verifies the registry tag and restores the domain store.
// A missing registry is an empty one. A tag mismatch fails closed: no
// domain is loaded and the error aborts startup.
func (p *Persistence) LoadDomains(s *DomainStore) error {
	content, err := os.ReadFile(filepath.Join(p.dir, "domains.txt"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read domain registry: %w", err)
	}

	rawLines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(rawLines) < 2 {
		return fmt.Errorf("domain registry: %w", ErrIntegrity)
	}
	tag := rawLines[len(rawLines)-1]
	lines := rawLines[:len(rawLines)-1]

	parts := make([][]byte, len(lines))
	for i, l := range lines {
		parts[i] = []byte(l)
	}
	if !envelope.VerifyTagHex(p.secret, tag, parts...) {
		return fmt.Errorf("domain registry: %w", ErrIntegrity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range lines {
		fields := strings.Split(line, ";")
		if len(fields) != 4 {
			return fmt.Errorf("malformed domain registry line %q", line)
		}
		d := newDomain(fields[0], fields[1])
		if err := p.loadDomainFiles(d, fields[2], fields[3]); err != nil {
			return err
		}
		s.add(d)
	}

	log.Debug().Int("domains", len(lines)).Msg("Domain registry verified and loaded")
	return nil
}

func (p *Persistence) loadDomainFiles(d *Domain, deviceList, memberList string) error {
	for _, marker := range splitList(deviceList) {
		d.registerDevice(marker)
		devDir := filepath.Join(p.dir, "data", d.Name, "devices", deviceDir(marker))

		ct, cp, err := readPair(devDir, "temp")
		if err != nil {
			return fmt.Errorf("load temperature for %s in %s: %w", marker, d.Name, err)
		}
		if ct != nil {
			d.devices[marker].Temperature = ct
			d.devices[marker].TemperatureParams = cp
		}

		ct, cp, err = readPair(devDir, "image")
		if err != nil {
			return fmt.Errorf("load image for %s in %s: %w", marker, d.Name, err)
		}
		if ct != nil {
			d.devices[marker].Image = ct
			d.devices[marker].ImageParams = cp
		}
	}

	for _, userID := range splitList(memberList) {
		key, err := os.ReadFile(filepath.Join(p.dir, "data", d.Name, "members", userID+".key"))
		if err != nil {
			return fmt.Errorf("load wrapped key for %s in %s: %w", userID, d.Name, err)
		}
		d.setMember(userID, key)
	}
	return nil
}

func readPair(dir, base string) (ciphertext, params []byte, err error) {
	ciphertext, err = os.ReadFile(filepath.Join(dir, base+".bin"))
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	params, err = os.ReadFile(filepath.Join(dir, base+".params"))
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, params, nil
}

func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
