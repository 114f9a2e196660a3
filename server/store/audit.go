package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AuditEvent types recorded by the server.
const (
	AuditAuthSuccess   = "auth.success"
	AuditAuthFailure   = "auth.failure"
	AuditCodeMismatch  = "auth.code_mismatch"
	AuditDeviceReject  = "auth.device_rejected"
	AuditAttestFailure = "auth.attest_failed"
	AuditDomainCreate  = "domain.create"
	AuditDomainAdd     = "domain.add_member"
	AuditDomainDevice  = "domain.register_device"
	AuditSubmit        = "domain.submit"
	AuditRetrieve      = "domain.retrieve"
)

// AuditLog is an append-only record of authentication attempts and domain
// operations, kept in a local SQLite database separate from the registries.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if needed) the audit database.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		conn_id    TEXT NOT NULL,
		user_id    TEXT,
		event      TEXT NOT NULL,
		detail     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &AuditLog{db: db}, nil
}

// Record appends one event. Audit failures are returned, not fatal; the
// caller decides whether to log and continue.
func (a *AuditLog) Record(connID, userID, event, detail string) error {
	_, err := a.db.Exec(
		"INSERT INTO audit_events (id, created_at, conn_id, user_id, event, detail) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), time.Now().Unix(), connID, userID, event, detail,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// CountByEvent returns how many events of one type were recorded.
func (a *AuditLog) CountByEvent(event string) (int, error) {
	var n int
	err := a.db.QueryRow("SELECT COUNT(*) FROM audit_events WHERE event = ?", event).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
