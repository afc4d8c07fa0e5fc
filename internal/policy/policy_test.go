package policy_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/aegate/internal/auditlog"
	"github.com/Mindburn-Labs/aegate/internal/policy"
)

func writePolicyFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEngine_UnknownSubjectDeniesByDefault(t *testing.T) {
	path := writePolicyFile(t, "subjects: {}\n")
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	loader := policy.NewLoader(path, time.Hour, audit, nil)
	require.NoError(t, loader.Load(ctx))
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)

	engine, err := policy.Wire(ctx, loader, caps)
	require.NoError(t, err)

	assert.Equal(t, policy.DenyUnknownSubject, engine.CanPublish("ae-1", "nope.subj", nil))
	assert.Equal(t, policy.DenyUnknownSubject, engine.CanSubscribe("ae-1", "nope.subj", nil))
}

func TestEngine_StaticMembershipAllows(t *testing.T) {
	path := writePolicyFile(t, `
subjects:
  fused.track:
    pubs: ["pub_ae"]
    subs: ["sub_ae"]
`)
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	loader := policy.NewLoader(path, time.Hour, audit, nil)
	require.NoError(t, loader.Load(ctx))
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)

	engine, err := policy.Wire(ctx, loader, caps)
	require.NoError(t, err)

	assert.Equal(t, policy.Allow, engine.CanPublish("pub_ae", "fused.track", nil))
	assert.Equal(t, policy.DenyNotAuthorized, engine.CanPublish("sub_ae", "fused.track", nil))
	assert.Equal(t, policy.Allow, engine.CanSubscribe("sub_ae", "fused.track", nil))
}

func TestEngine_DynamicCapabilityExpandsPolicy(t *testing.T) {
	path := writePolicyFile(t, "subjects: {}\n")
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	loader := policy.NewLoader(path, time.Hour, audit, nil)
	require.NoError(t, loader.Load(ctx))
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)

	engine, err := policy.Wire(ctx, loader, caps)
	require.NoError(t, err)

	assert.Equal(t, policy.DenyUnknownSubject, engine.CanPublish("pub_ae", "fusion.topic", nil))

	require.NoError(t, caps.Put(ctx, "pub_ae", []string{"fusion.topic"}, nil, nil))

	assert.Equal(t, policy.Allow, engine.CanPublish("pub_ae", "fusion.topic", nil))
}

func TestEngine_ReloadIgnoresUnchangedMtime(t *testing.T) {
	path := writePolicyFile(t, "subjects: {}\n")
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	reloadCount := 0
	loader := policy.NewLoader(path, 10*time.Millisecond, audit, func(*policy.StaticDoc) { reloadCount++ })
	require.NoError(t, loader.Load(ctx))
	assert.Equal(t, 1, reloadCount)

	watchCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	loader.Watch(watchCtx)
	assert.Equal(t, 1, reloadCount, "polling an unchanged file must not reload it")
}

func TestEngine_AnnotateIsAdvisoryOnly(t *testing.T) {
	path := writePolicyFile(t, `
subjects:
  fused.track:
    pubs: ["pub_ae"]
roles:
  producer:
    cel: "role.subject == 'fused.track' && role.action == 'publish'"
`)
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	loader := policy.NewLoader(path, time.Hour, audit, nil)
	require.NoError(t, loader.Load(ctx))
	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)

	engine, err := policy.Wire(ctx, loader, caps)
	require.NoError(t, err)

	// No annotator attached: Annotate is a silent no-op, never blocking.
	flagged, note := engine.Annotate("pub_ae", "fused.track", []string{"producer"}, "publish")
	assert.False(t, flagged)
	assert.Empty(t, note)

	annotator, err := policy.NewRoleAnnotator()
	require.NoError(t, err)
	engine.WithAnnotator(annotator)

	flagged, note = engine.Annotate("pub_ae", "fused.track", []string{"producer"}, "publish")
	assert.True(t, flagged)
	assert.NotEmpty(t, note)

	// A matching (or non-matching) CEL rule never changes the allow/deny
	// verdict already reached by the core identity-based decision.
	assert.Equal(t, policy.Allow, engine.CanPublish("pub_ae", "fused.track", nil))

	flagged, _ = engine.Annotate("pub_ae", "other.subject", []string{"producer"}, "publish")
	assert.False(t, flagged)
}

func TestCapabilityStore_PutThenGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	audit, err := auditlog.New(ctx, db)
	require.NoError(t, err)

	caps, err := policy.NewCapabilityStore(ctx, db, audit, nil)
	require.NoError(t, err)

	require.NoError(t, caps.Put(ctx, "ae-1", []string{"a"}, []string{"b"}, map[string]any{"k": "v"}))
	c, err := caps.Get(ctx, "ae-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"a"}, c.Publishes)
	assert.Equal(t, []string{"b"}, c.Subscribes)
}
