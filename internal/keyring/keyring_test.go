package keyring_test

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newStore(t *testing.T) (*keyring.Store, *auditlog.Store) {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)
	ks, err := keyring.New(ctx, db, audit)
	require.NoError(t, err)
	return ks, audit
}

func TestUpsert_NewRecordStartsUntrusted(t *testing.T) {
	ks, _ := newStore(t)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, ks.Upsert(ctx, "admin", "ae-1", pub, []string{"publisher"}, nil, true))

	rec, err := ks.Get(ctx, "ae-1")
	require.NoError(t, err)
	assert.Equal(t, keyring.Untrusted, rec.State)
	assert.False(t, rec.Usable())
}

func TestUpsert_NonPrivilegedRefusedOnceTrusted(t *testing.T) {
	ks, _ := newStore(t)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, ks.Upsert(ctx, "admin", "ae-1", pub, []string{"publisher"}, nil, true))
	require.NoError(t, ks.SetState(ctx, "admin", "ae-1", keyring.Trusted))

	// A non-privileged upsert against an already-trusted record would reset
	// its trust; it is refused instead of silently applied.
	err = ks.Upsert(ctx, "ae-1", "ae-1", pub, []string{"publisher", "subscriber"}, nil, false)
	assert.ErrorIs(t, err, keyring.ErrWouldLowerTrust)

	rec, err := ks.Get(ctx, "ae-1")
	require.NoError(t, err)
	assert.Equal(t, keyring.Trusted, rec.State)
	assert.ElementsMatch(t, []string{"publisher"}, rec.Roles)
}

func TestUpsert_PrivilegedResetsTrustToUntrusted(t *testing.T) {
	ks, _ := newStore(t)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, ks.Upsert(ctx, "admin", "ae-1", pub, []string{"publisher"}, nil, true))
	require.NoError(t, ks.SetState(ctx, "admin", "ae-1", keyring.Trusted))

	// A privileged upsert (new key material from an admin route) requires
	// the record to go through admission again.
	require.NoError(t, ks.Upsert(ctx, "admin", "ae-1", pub, []string{"publisher", "subscriber"}, nil, true))

	rec, err := ks.Get(ctx, "ae-1")
	require.NoError(t, err)
	assert.Equal(t, keyring.Untrusted, rec.State)
	assert.ElementsMatch(t, []string{"publisher", "subscriber"}, rec.Roles)
}

func TestUsable_RevokedOrExpiredIsNotUsable(t *testing.T) {
	ks, _ := newStore(t)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, ks.Upsert(ctx, "admin", "ae-1", pub, nil, nil, true))
	require.NoError(t, ks.SetState(ctx, "admin", "ae-1", keyring.Trusted))
	rec, err := ks.Get(ctx, "ae-1")
	require.NoError(t, err)
	assert.True(t, rec.Usable())

	require.NoError(t, ks.SetState(ctx, "admin", "ae-1", keyring.Revoked))
	rec, err = ks.Get(ctx, "ae-1")
	require.NoError(t, err)
	assert.False(t, rec.Usable())

	past := time.Now().Add(-time.Hour)
	require.NoError(t, ks.Upsert(ctx, "ae-2", "ae-2", pub, nil, &past, false))
	require.NoError(t, ks.SetState(ctx, "admin", "ae-2", keyring.Trusted))
	rec2, err := ks.Get(ctx, "ae-2")
	require.NoError(t, err)
	assert.False(t, rec2.Usable(), "a trusted but expired record must not be usable")
}

func TestSetState_UnknownAEIDReturnsNotFound(t *testing.T) {
	ks, _ := newStore(t)
	err := ks.SetState(context.Background(), "admin", "ghost", keyring.Trusted)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestGet_UnknownAEIDReturnsNotFound(t *testing.T) {
	ks, _ := newStore(t)
	_, err := ks.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestList_OrdersByAEID(t *testing.T) {
	ks, _ := newStore(t)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	require.NoError(t, ks.Upsert(ctx, "admin", "ae-b", pub, nil, nil, true))
	require.NoError(t, ks.Upsert(ctx, "admin", "ae-a", pub, nil, nil, true))

	recs, err := ks.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ae-a", recs[0].AEID)
	assert.Equal(t, "ae-b", recs[1].AEID)
}

func TestUpsert_RejectsWrongKeySize(t *testing.T) {
	ks, _ := newStore(t)
	err := ks.Upsert(context.Background(), "admin", "ae-1", []byte("too-short"), nil, nil, true)
	assert.Error(t, err)
}
