package sse_test

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/bus"
	"github.com/Mindburn-Labs/aegate/internal/config"
	"github.com/Mindburn-Labs/aegate/internal/envelope"
	"github.com/Mindburn-Labs/aegate/internal/keyring"
	"github.com/Mindburn-Labs/aegate/internal/policy"
	"github.com/Mindburn-Labs/aegate/internal/session"
	"github.com/Mindburn-Labs/aegate/internal/sse"
)

func newBridge(t *testing.T, policyYAML string) (*sse.Bridge, ed25519.PrivateKey, *session.Issuer, *keyring.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)
	ks, err := keyring.New(ctx, db, audit)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o644))
	loader := policy.NewLoader(path, time.Hour, audit, nil)
	require.NoError(t, loader.Load(ctx))
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)
	engine, err := policy.Wire(ctx, loader, caps)
	require.NoError(t, err)

	cfg := &config.Config{SessionSecret: "secret", Profiles: map[string]config.ProfileConfig{"standard": {TTL: time.Hour}}}
	sessions := session.New(cfg)
	b := bus.New()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return &sse.Bridge{Sessions: sessions, Keyring: ks, Policy: engine, Bus: b, Audit: audit}, priv, sessions, ks
}

func TestSubscribe_DeniesWithoutValidGrant(t *testing.T) {
	bridge, _, _, _ := newBridge(t, "subjects: {}\n")

	req := httptest.NewRequest(http.MethodGet, "/subscribe/fused.track", nil)
	rec := httptest.NewRecorder()
	bridge.Subscribe(rec, req, "not-a-grant", "fused.track")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubscribe_DeniesUntrustedPrincipal(t *testing.T) {
	bridge, _, sessions, _ := newBridge(t, `
subjects:
  fused.track:
    subs: ["sub_ae"]
`)
	grant, err := sessions.Issue("sub_ae", nil, "standard")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscribe/fused.track", nil)
	rec := httptest.NewRecorder()
	bridge.Subscribe(rec, req, grant, "fused.track")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubscribe_StreamsAcceptedEvent(t *testing.T) {
	bridge, _, sessions, ks := newBridge(t, `
subjects:
  fused.track:
    subs: ["sub_ae"]
`)
	ctx := context.Background()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, ks.Upsert(ctx, "admin", "sub_ae", pub, nil, nil, true))
	require.NoError(t, ks.SetState(ctx, "admin", "sub_ae", keyring.Trusted))

	grant, err := sessions.Issue("sub_ae", nil, "standard")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/subscribe/fused.track", nil)
	reqCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(reqCtx)

	rec := httptest.NewRecorder()
	go func() {
		for reqCtx.Err() == nil && bridge.Bus.SubscriberCount("fused.track") == 0 {
			time.Sleep(time.Millisecond)
		}
		bridge.Bus.Publish("fused.track", &envelope.Envelope{Producer: "pub_ae", Subject: "fused.track"})
	}()
	bridge.Subscribe(rec, req, grant, "fused.track")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Header().Get("Content-Type"), "text/event-stream"))
	assert.Contains(t, rec.Body.String(), "event: fused.track\n")
}
