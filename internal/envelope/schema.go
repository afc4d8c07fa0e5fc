package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchemaDoc is the JSON Schema for the wire envelope body accepted by
// POST /emit. Validating against it before field-level checks gives BadRequest
// responses that point at the offending field (spec §4.10 stage 3, §7
// BadRequest), the same compile-once-validate-many pattern as
// pkg/firewall/firewall.go's per-tool parameter schemas.
const envelopeSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["producer", "subject", "timestamp", "signature"],
  "properties": {
    "producer":  {"type": "string", "minLength": 1},
    "subject":   {"type": "string", "minLength": 1},
    "payload":   {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"},
    "labels":    {"type": "object", "additionalProperties": {"type": "string"}},
    "signature": {"type": "string", "minLength": 1}
  }
}`

var envelopeSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://aegate.mindburnlabs.io/schemas/envelope.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(envelopeSchemaDoc)); err != nil {
		panic(fmt.Sprintf("envelope: invalid embedded schema: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("envelope: schema compile failed: %v", err))
	}
	envelopeSchema = compiled
}

// ParseAndValidate decodes raw JSON into an Envelope, first checking it
// against the structural JSON Schema and then unmarshaling into the typed
// struct. Schema violations are returned as *jsonschema.ValidationError,
// which callers render into a BadRequest detail string.
func ParseAndValidate(raw []byte) (*Envelope, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := envelopeSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope encoding: %w", err)
	}
	return &env, nil
}
