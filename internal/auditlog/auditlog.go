// Package auditlog implements the append-only, non-repudiable audit trail
// (spec §4.2): every state-changing action and every admission/emit decision
// is recorded before the API response returns, each entry hash-chained to
// the previous one so the log cannot be edited or truncated undetected.
//
// Follows pkg/store/audit_store.go's hash-chained AuditStore shape and
// pkg/audit/logger.go's structured Record call shape, with canonical key
// ordering (spec §4.2: "canonical key order for diffability") produced by
// gowebpki/jcs instead of a hand-rolled canonical subset.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Decision is the outcome recorded against an audited action.
type Decision string

const (
	DecisionAccepted Decision = "ACCEPTED"
	DecisionDenied   Decision = "DENIED"
	DecisionApplied  Decision = "APPLIED"
)

// Entry is one immutable line in the audit log.
type Entry struct {
	Sequence     uint64         `json:"sequence"`
	EntryID      string         `json:"entry_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	Subject      string         `json:"subject"`
	Decision     Decision       `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// Logger is the interface the rest of AEGATE writes audit records through.
type Logger interface {
	Record(ctx context.Context, actor, action, subject string, decision Decision, reason string, metadata map[string]any) error
	// Stream writes all entries, in sequence order, as JSONL to w (GET /audit/*).
	Stream(ctx context.Context, w io.Writer) error
}

// Store is a sqlite-backed, hash-chained Logger. One row per entry; writes
// are serialized (spec §4.1/§5: "writes are serialized to avoid
// interleaving") since hash-chaining requires a total order.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	chainHead string
}

// New opens (and migrates, if needed) the audit log table on db. The caller
// owns db's lifecycle; Store does not close it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS ae_audit_log (
	sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id      TEXT NOT NULL,
	timestamp     TEXT NOT NULL,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	subject       TEXT NOT NULL,
	decision      TEXT NOT NULL,
	reason        TEXT,
	metadata_json TEXT,
	previous_hash TEXT NOT NULL,
	entry_hash    TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("auditlog: migrate: %w", err)
	}

	s := &Store{db: db, chainHead: "genesis"}
	row := db.QueryRowContext(ctx, `SELECT entry_hash FROM ae_audit_log ORDER BY sequence DESC LIMIT 1`)
	var head string
	if err := row.Scan(&head); err == nil {
		s.chainHead = head
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("auditlog: load chain head: %w", err)
	}
	return s, nil
}

// Record appends one entry, durably, before returning. A write failure must
// fail closed: spec §7 — "Audit write failures degrade to Internal and
// refuse the state change" — so callers must treat a non-nil error here as
// grounds to abort the action that triggered it.
func (s *Store) Record(ctx context.Context, actor, action, subject string, decision Decision, reason string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		EntryID:      uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		Subject:      subject,
		Decision:     decision,
		Reason:       reason,
		Metadata:     metadata,
		PreviousHash: s.chainHead,
	}

	hash, canonical, err := hashEntry(entry)
	if err != nil {
		return fmt.Errorf("auditlog: canonicalize entry: %w", err)
	}
	entry.EntryHash = hash
	_ = canonical

	metaJSON := ""
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("auditlog: marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO ae_audit_log (entry_id, timestamp, actor, action, subject, decision, reason, metadata_json, previous_hash, entry_hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.Timestamp.Format(time.RFC3339Nano), entry.Actor, entry.Action, entry.Subject,
		string(entry.Decision), entry.Reason, nullableString(metaJSON), entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return fmt.Errorf("auditlog: insert: %w", err)
	}

	s.chainHead = entry.EntryHash
	return nil
}

// hashEntry canonicalizes entry (minus EntryHash, which it is computing) via
// JCS (RFC 8785) and returns its SHA-256 hex digest plus the canonical bytes,
// giving every entry a diffable, order-independent representation (spec
// §4.2).
func hashEntry(e Entry) (hash string, canonical []byte, err error) {
	e.EntryHash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", nil, err
	}
	canonical, err = jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("jcs transform: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

// Stream writes every entry, oldest first, as JSONL (GET /audit/*, spec §6).
func (s *Store) Stream(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT sequence, entry_id, timestamp, actor, action, subject, decision, reason, metadata_json, previous_hash, entry_hash
FROM ae_audit_log ORDER BY sequence ASC`)
	if err != nil {
		return fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		var (
			e        Entry
			ts       string
			metaJSON sql.NullString
			reason   sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &e.Actor, &e.Action, &e.Subject, &e.Decision, &reason, &metaJSON, &e.PreviousHash, &e.EntryHash); err != nil {
			return fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Reason = reason.String
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("auditlog: encode: %w", err)
		}
	}
	return rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
