package httpapi

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound webhook envelope. Two shapes share the endpoint: a structured
// location report (device + coordinates) and a free-text relay (raw_sms,
// optionally with the sender in "from"). Anything else is rejected before it
// reaches the normalizer.
const webhookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "device": {"type": "string", "minLength": 1},
    "lat": {"type": "number", "minimum": -90, "maximum": 90},
    "lon": {"type": "number", "minimum": -180, "maximum": 180},
    "timestamp": {"type": "string"},
    "raw_sms": {"type": "string", "minLength": 1},
    "from": {"type": "string"}
  },
  "anyOf": [
    {"required": ["device", "lat", "lon"]},
    {"required": ["raw_sms"]}
  ],
  "additionalProperties": false
}`

var (
	webhookSchemaOnce sync.Once
	webhookSchema     *jsonschema.Schema
	webhookSchemaErr  error
)

func compiledWebhookSchema() (*jsonschema.Schema, error) {
	webhookSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
		if err != nil {
			webhookSchemaErr = fmt.Errorf("parse webhook schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("webhook.json", doc); err != nil {
			webhookSchemaErr = fmt.Errorf("register webhook schema: %w", err)
			return
		}
		webhookSchema, webhookSchemaErr = compiler.Compile("webhook.json")
	})
	return webhookSchema, webhookSchemaErr
}

// validateWebhookBody checks the raw body against the envelope schema.
// A non-nil return is a client error unless compilation itself failed.
func validateWebhookBody(body []byte) error {
	schema, err := compiledWebhookSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(doc)
}
