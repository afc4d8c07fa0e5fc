package envelope_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/aegate/internal/envelope"
)

func sampleEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Producer:  "pub_ae",
		Subject:   "fused.track",
		Payload:   []byte("x"),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Labels:    map[string]string{"b": "2", "a": "1"},
	}
}

func TestSigningBytes_DeterministicAndContentSensitive(t *testing.T) {
	e1 := sampleEnvelope()
	e2 := sampleEnvelope()
	assert.Equal(t, e1.SigningBytes(), e2.SigningBytes())

	e3 := sampleEnvelope()
	e3.Subject = "other.subject"
	assert.NotEqual(t, e1.SigningBytes(), e3.SigningBytes())
}

func TestSigningBytes_LabelOrderIndependent(t *testing.T) {
	e1 := sampleEnvelope()
	e1.Labels = map[string]string{"a": "1", "b": "2"}
	e2 := sampleEnvelope()
	e2.Labels = map[string]string{"b": "2", "a": "1"}
	assert.Equal(t, e1.SigningBytes(), e2.SigningBytes(), "label map iteration order must not affect signing bytes")
}

func TestRoundTrip_SignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e := sampleEnvelope()
	sig := ed25519.Sign(priv, e.SigningBytes())
	e.Signature = hex.EncodeToString(sig)

	sigBytes, err := e.SignatureBytes()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, e.SigningBytes(), sigBytes))

	// Tampering with any signed field must invalidate the signature.
	tampered := *e
	tampered.Payload = []byte("y")
	assert.False(t, ed25519.Verify(pub, tampered.SigningBytes(), sigBytes))
}

func TestParseAndValidate_RejectsMissingFields(t *testing.T) {
	_, err := envelope.ParseAndValidate([]byte(`{"producer":"pub_ae"}`))
	require.Error(t, err)
}

func TestParseAndValidate_AcceptsWellFormed(t *testing.T) {
	e := sampleEnvelope()
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	got, err := envelope.ParseAndValidate(raw)
	require.NoError(t, err)
	assert.Equal(t, e.Producer, got.Producer)
	assert.Equal(t, e.Subject, got.Subject)
}

func TestDigest_StableForSameBytes(t *testing.T) {
	e := sampleEnvelope()
	assert.Equal(t, e.Digest(), e.Digest())
}
