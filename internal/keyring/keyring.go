// Package keyring implements the Keyring Store (C1): the durable,
// single-file record of each Atomic Expert's public key, roles, and trust
// state (spec §3, §4.1). Follows pkg/trust/registry's event-sourced key
// materialization and pkg/api/trust_keys_handler.go's add/revoke wire
// shape, backed by modernc.org/sqlite per spec §6's logical table schema.
package keyring

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
)

// TrustState is one of the three states a Keyring Record can be in. Per
// spec §3, state transitions are monotonic except operator-issued
// revocation: untrusted -> trusted is the normal admission path,
// trusted -> revoked is an admin action, and a revoked record leaves that
// state only through a privileged Upsert, which resets it to untrusted.
type TrustState string

const (
	Untrusted TrustState = "untrusted"
	Trusted   TrustState = "trusted"
	Revoked   TrustState = "revoked"
)

// ErrNotFound is returned by Get when no record exists for the given ae_id.
var ErrNotFound = errors.New("keyring: ae_id not found")

// ErrWouldLowerTrust is returned by Upsert when a non-privileged caller
// targets a record that is already trusted or revoked. Proceeding would
// reset it to untrusted, so the write is refused instead of applied.
var ErrWouldLowerTrust = errors.New("keyring: upsert would lower trust state")

// Record is one Keyring entry.
type Record struct {
	AEID      string
	PublicKey ed25519.PublicKey
	Roles     []string
	State     TrustState
	Expiry    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether r may be used for trust/signature verification:
// a revoked or expired record is never usable (spec §3 invariant), and a
// missing record (nil r) is likewise unusable.
func (r *Record) Usable() bool {
	if r == nil {
		return false
	}
	if r.State != Trusted {
		return false
	}
	if r.Expiry != nil && time.Now().After(*r.Expiry) {
		return false
	}
	return true
}

// Store is the sqlite-backed Keyring Store. Writes are serialized by mu
// (spec §5: "serialized writer, concurrent readers"); sqlite's own locking
// already serializes writes at the file level, but the in-process mutex
// avoids interleaving write-then-audit-record sequences from concurrent
// goroutines (spec §4.1: "every mutation writes an audit record"). Get and
// List take the same mutex, so a read waits for any write in progress and
// reads do not run concurrently with each other.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	audit auditlog.Logger
}

// New opens (and migrates, if needed) the keyring table on db.
func New(ctx context.Context, db *sql.DB, audit auditlog.Logger) (*Store, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS ae_keyring (
	ae_id      TEXT PRIMARY KEY,
	pubkey     BLOB NOT NULL,
	roles      TEXT NOT NULL,
	status     TEXT NOT NULL,
	expires_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("keyring: migrate: %w", err)
	}
	return &Store{db: db, audit: audit}, nil
}

// Upsert creates or updates the record for aeID. A fresh or still-untrusted
// record is always written. An existing trusted or revoked record requires
// a privileged caller (admin): a non-privileged upsert against it is
// refused with ErrWouldLowerTrust rather than silently resetting the
// record's trust, and a privileged upsert resets it to untrusted so the
// new key material goes through admission again before being usable.
func (s *Store) Upsert(ctx context.Context, actor, aeID string, pubkey ed25519.PublicKey, roles []string, expiry *time.Time, privileged bool) error {
	if len(pubkey) != ed25519.PublicKeySize {
		return fmt.Errorf("keyring: invalid public key size %d", len(pubkey))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(ctx, aeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	state := Untrusted
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
		if existing.State != Untrusted {
			if !privileged {
				if auditErr := s.audit.Record(ctx, actor, "keyring.upsert", aeID, auditlog.DecisionDenied, ErrWouldLowerTrust.Error(), nil); auditErr != nil {
					return fmt.Errorf("keyring: audit write failed: %w", auditErr)
				}
				return ErrWouldLowerTrust
			}
			state = Untrusted
		} else {
			state = existing.State
		}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO ae_keyring (ae_id, pubkey, roles, status, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ae_id) DO UPDATE SET
	pubkey = excluded.pubkey,
	roles = excluded.roles,
	status = excluded.status,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at`,
		aeID, []byte(pubkey), encodeRoles(roles), string(state), encodeExpiry(expiry), createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("keyring: upsert: %w", err)
	}

	action := "keyring.enroll"
	if existing != nil {
		action = "keyring.update"
	}
	if auditErr := s.audit.Record(ctx, actor, action, aeID, auditlog.DecisionApplied, "", map[string]any{"roles": roles}); auditErr != nil {
		return fmt.Errorf("keyring: audit write failed, refusing mutation: %w", auditErr)
	}
	return nil
}

// SetState transitions aeID's trust state. Alongside a privileged Upsert's
// implicit reset to untrusted, this is the only other path that moves a
// record between trust states once it has been enrolled (spec §4.1).
func (s *Store) SetState(ctx context.Context, actor, aeID string, state TrustState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE ae_keyring SET status = ?, updated_at = ? WHERE ae_id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339Nano), aeID)
	if err != nil {
		return fmt.Errorf("keyring: set_state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keyring: set_state rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if auditErr := s.audit.Record(ctx, actor, "keyring.set_state", aeID, auditlog.DecisionApplied, string(state), nil); auditErr != nil {
		return fmt.Errorf("keyring: audit write failed, refusing mutation: %w", auditErr)
	}
	return nil
}

// Get returns the record for aeID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, aeID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, aeID)
}

func (s *Store) getLocked(ctx context.Context, aeID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT ae_id, pubkey, roles, status, expires_at, created_at, updated_at
FROM ae_keyring WHERE ae_id = ?`, aeID)

	var (
		r         Record
		pubkey    []byte
		roles     string
		status    string
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&r.AEID, &pubkey, &roles, &status, &expiresAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring: get: %w", err)
	}

	r.PublicKey = pubkey
	r.Roles = decodeRoles(roles)
	r.State = TrustState(status)
	r.Expiry = decodeExpiry(expiresAt)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// List returns every Keyring record, ordered by ae_id, for the admin
// list-keyring surface (spec §9).
func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT ae_id, pubkey, roles, status, expires_at, created_at, updated_at
FROM ae_keyring ORDER BY ae_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			pubkey    []byte
			roles     string
			status    string
			expiresAt sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&r.AEID, &pubkey, &roles, &status, &expiresAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("keyring: list scan: %w", err)
		}
		r.PublicKey = pubkey
		r.Roles = decodeRoles(roles)
		r.State = TrustState(status)
		r.Expiry = decodeExpiry(expiresAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeRoles(roles []string) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func decodeRoles(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func encodeExpiry(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeExpiry(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
