//go:build property
// +build property

package envelope_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/aegate/internal/envelope"
)

// TestSignVerifyRoundTrip checks spec §8's round-trip invariant: signing an
// envelope's bytes with sk and verifying with the matching pk succeeds, and
// appending any non-empty string to the payload after signing breaks it.
func TestSignVerifyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sign then verify succeeds for any producer/subject/payload", prop.ForAll(
		func(producer, subject, payload string) bool {
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return false
			}
			env := &envelope.Envelope{
				Producer:  producer,
				Subject:   subject,
				Payload:   []byte(payload),
				Timestamp: time.Now().UTC().Truncate(time.Second),
			}
			sig := ed25519.Sign(priv, env.SigningBytes())
			env.Signature = hex.EncodeToString(sig)

			sigBytes, err := env.SignatureBytes()
			if err != nil {
				return false
			}
			return ed25519.Verify(pub, env.SigningBytes(), sigBytes)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("verification fails once the signed bytes are mutated", prop.ForAll(
		func(producer, subject, payload, tamper string) bool {
			if tamper == "" {
				return true
			}
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return false
			}
			env := &envelope.Envelope{
				Producer:  producer,
				Subject:   subject,
				Payload:   []byte(payload),
				Timestamp: time.Now().UTC().Truncate(time.Second),
			}
			sig := ed25519.Sign(priv, env.SigningBytes())
			env.Signature = hex.EncodeToString(sig)

			env.Payload = append(env.Payload, []byte(tamper)...)
			sigBytes, _ := env.SignatureBytes()
			return !ed25519.Verify(pub, env.SigningBytes(), sigBytes)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("verification fails against a mismatched keypair", prop.ForAll(
		func(producer, subject, payload string) bool {
			_, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return false
			}
			otherPub, _, err := ed25519.GenerateKey(nil)
			if err != nil {
				return false
			}
			env := &envelope.Envelope{
				Producer:  producer,
				Subject:   subject,
				Payload:   []byte(payload),
				Timestamp: time.Now().UTC().Truncate(time.Second),
			}
			sig := ed25519.Sign(priv, env.SigningBytes())
			env.Signature = hex.EncodeToString(sig)
			sigBytes, _ := env.SignatureBytes()
			return !ed25519.Verify(otherPub, env.SigningBytes(), sigBytes)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
