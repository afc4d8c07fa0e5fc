// Package envelope defines the canonical message container AEGATE admits
// onto the event bus, and the deterministic byte encoding every producer and
// verifier must agree on bit-for-bit (spec §3, §6).
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

func digestHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Envelope is the canonical message structure transiting the mesh.
type Envelope struct {
	Producer  string            `json:"producer"`
	Subject   string            `json:"subject"`
	Payload   []byte            `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Signature string            `json:"signature"` // hex-encoded Ed25519 signature
}

// SigningBytes returns the deterministic byte encoding used to produce and
// verify Signature: length-prefixed UTF-8 fields in fixed order (producer,
// subject, timestamp as RFC3339 UTC, payload, sorted labels), excluding the
// signature field itself. Implementations that disagree on this encoding,
// even in field order or the empty-labels representation, will fail to
// interoperate (spec §6).
func (e *Envelope) SigningBytes() []byte {
	var buf bytes.Buffer

	writeField(&buf, []byte(e.Producer))
	writeField(&buf, []byte(e.Subject))
	writeField(&buf, []byte(e.Timestamp.UTC().Format(time.RFC3339)))
	writeField(&buf, e.Payload)
	writeField(&buf, []byte(labelsCanonical(e.Labels)))

	return buf.Bytes()
}

// labelsCanonical renders labels as sorted "key=value" pairs joined by "\x00",
// or the empty string if there are none, per spec §6 ("empty string if none").
func labelsCanonical(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(labels[k])
	}
	return buf.String()
}

func writeField(buf *bytes.Buffer, field []byte) {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(field)))
	buf.Write(lenPrefix[:])
	buf.Write(field)
}

// SignatureBytes decodes the hex-encoded Signature field.
func (e *Envelope) SignatureBytes() ([]byte, error) {
	if e.Signature == "" {
		return nil, fmt.Errorf("envelope: missing signature")
	}
	return hex.DecodeString(e.Signature)
}

// Digest returns a short hex digest of the envelope's signing bytes, used as
// the audit record's "envelope digest" (spec §3, §8).
func (e *Envelope) Digest() string {
	return digestHex(e.SigningBytes())
}

// wireEnvelope is the JSON wire shape: Payload travels as a base64 string
// (Go's default []byte JSON encoding), Timestamp as RFC3339.
type wireEnvelope struct {
	Producer  string            `json:"producer"`
	Subject   string            `json:"subject"`
	Payload   []byte            `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
	Signature string            `json:"signature"`
}

// MarshalJSON and UnmarshalJSON are the identity mapping onto wireEnvelope;
// defined explicitly so the wire shape is documented in one place rather than
// relying on the field tags above plus Go's default []byte-as-base64 rule.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope(e))
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope(w)
	return nil
}
