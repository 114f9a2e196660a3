package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/sentra-io/sentra/envelope"
)

// LocalInfo is the reference-integrity record for the service's reference
// executable: a file whose first line is the artifact path and whose second
// line, written on first run, is a keyed-hash tag over that path line.
// Executable attestation re-verifies this record before trusting the
// reference artifact.
type LocalInfo struct {
	path   string
	secret []byte
}

// NewLocalInfo binds the record file to the integrity secret.
func NewLocalInfo(path string, secret []byte) *LocalInfo {
	return &LocalInfo{path: path, secret: secret}
}

func (l *LocalInfo) lines() ([]string, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read local info record: %w", err)
	}
	return strings.Split(strings.TrimRight(string(content), "\n"), "\n"), nil
}

// Prepare seals the record on first run: a single-line record gets its tag
// appended. A record that already carries a tag is left untouched.
func (l *LocalInfo) Prepare() error {
	lines, err := l.lines()
	if err != nil {
		return err
	}
	if len(lines) != 1 {
		return nil
	}

	line := strings.TrimSpace(lines[0])
	tag := envelope.TagHex(l.secret, []byte(line))
	if err := os.WriteFile(l.path, []byte(line+"\n"+tag+"\n"), 0o600); err != nil {
		return fmt.Errorf("seal local info record: %w", err)
	}
	return nil
}

// Verify recomputes the tag over the path line and compares it with the
// stored tag.
func (l *LocalInfo) Verify() error {
	lines, err := l.lines()
	if err != nil {
		return err
	}
	if len(lines) != 2 {
		return fmt.Errorf("local info record: %w", ErrIntegrity)
	}
	if !envelope.VerifyTagHex(l.secret, strings.TrimSpace(lines[1]), []byte(strings.TrimSpace(lines[0]))) {
		return fmt.Errorf("local info record: %w", ErrIntegrity)
	}
	return nil
}

// ReferenceBytes returns the bytes of the reference artifact the record
// points at. Callers must Verify first.
func (l *LocalInfo) ReferenceBytes() ([]byte, error) {
	lines, err := l.lines()
	if err != nil {
		return nil, err
	}
	exe, err := os.ReadFile(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("read reference artifact: %w", err)
	}
	return exe, nil
}
