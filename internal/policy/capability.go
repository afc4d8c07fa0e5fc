package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
)

// Capability is one AE's declared publish/subscribe surface (spec §3:
// "Dynamic Capability"). The latest Put supersedes any prior declaration.
type Capability struct {
	AEID       string
	Publishes  []string
	Subscribes []string
	Meta       map[string]any
	UpdatedAt  time.Time
}

// CapabilityStore is the sqlite-backed Dynamic Capability Store (C7).
// Every write triggers onChange, which the Policy Engine uses as its
// rebuild signal (spec §4.7: "A write triggers policy recomputation
// notification to C8").
type CapabilityStore struct {
	mu       sync.Mutex
	db       *sql.DB
	audit    auditlog.Logger
	onChange func()
}

// NewCapabilityStore opens (and migrates, if needed) the capabilities
// table on db.
func NewCapabilityStore(ctx context.Context, db *sql.DB, audit auditlog.Logger, onChange func()) (*CapabilityStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS ae_capabilities (
	ae_id      TEXT PRIMARY KEY,
	publishes  TEXT NOT NULL,
	subscribes TEXT NOT NULL,
	meta       TEXT,
	updated_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("policy: migrate capabilities: %w", err)
	}
	return &CapabilityStore{db: db, audit: audit, onChange: onChange}, nil
}

// Put replaces aeID's declaration. Only callers holding a valid session
// for subject == ae_id may call this (enforced by the HTTP layer, spec
// §4.7: "Authenticated writes only").
func (s *CapabilityStore) Put(ctx context.Context, aeID string, publishes, subscribes []string, meta map[string]any) error {
	pubJSON, err := json.Marshal(publishes)
	if err != nil {
		return fmt.Errorf("policy: marshal publishes: %w", err)
	}
	subJSON, err := json.Marshal(subscribes)
	if err != nil {
		return fmt.Errorf("policy: marshal subscribes: %w", err)
	}
	var metaJSON []byte
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("policy: marshal meta: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ae_capabilities (ae_id, publishes, subscribes, meta, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(ae_id) DO UPDATE SET
	publishes = excluded.publishes,
	subscribes = excluded.subscribes,
	meta = excluded.meta,
	updated_at = excluded.updated_at`,
		aeID, string(pubJSON), string(subJSON), nullableBytes(metaJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("policy: put capability: %w", err)
	}

	if s.audit != nil {
		if auditErr := s.audit.Record(ctx, aeID, "capabilities.put", aeID, auditlog.DecisionApplied, "", map[string]any{
			"publishes": publishes, "subscribes": subscribes,
		}); auditErr != nil {
			return fmt.Errorf("policy: audit write failed, refusing mutation: %w", auditErr)
		}
	}

	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

// Get returns aeID's declaration, or (nil, nil) if none exists.
func (s *CapabilityStore) Get(ctx context.Context, aeID string) (*Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, aeID)
}

func (s *CapabilityStore) getLocked(ctx context.Context, aeID string) (*Capability, error) {
	row := s.db.QueryRowContext(ctx, `SELECT ae_id, publishes, subscribes, meta, updated_at FROM ae_capabilities WHERE ae_id = ?`, aeID)
	return scanCapability(row)
}

// List returns every declared capability.
func (s *CapabilityStore) List(ctx context.Context) ([]Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT ae_id, publishes, subscribes, meta, updated_at FROM ae_capabilities ORDER BY ae_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("policy: list capabilities: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCapability(row rowScanner) (*Capability, error) {
	var (
		c         Capability
		pubJSON   string
		subJSON   string
		metaJSON  sql.NullString
		updatedAt string
	)
	if err := row.Scan(&c.AEID, &pubJSON, &subJSON, &metaJSON, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: scan capability: %w", err)
	}
	_ = json.Unmarshal([]byte(pubJSON), &c.Publishes)
	_ = json.Unmarshal([]byte(subJSON), &c.Subscribes)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &c.Meta)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
