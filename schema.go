package paygate

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paymentPayloadSchema describes the JSON shape of an X-PAYMENT payload for
// the exact scheme. Cryptographic checks are left to the facilitator.
const paymentPayloadSchema = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "minLength": 1},
		"payload": {
			"type": "object",
			"required": ["transaction", "from", "to", "value", "asset"],
			"properties": {
				"transaction": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
				"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"value": {"type": "string", "pattern": "^[0-9]+$"},
				"asset": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"nonce": {"type": "string"},
				"signature": {"type": "string"}
			}
		}
	}
}`

var payloadSchemaLoader = gojsonschema.NewStringLoader(paymentPayloadSchema)

// ValidatePaymentPayloadJSON checks raw payload JSON against the exact-scheme
// payload schema.
func ValidatePaymentPayloadJSON(data []byte) error {
	result, err := gojsonschema.Validate(payloadSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("payment payload schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return NewPaymentError(ErrCodeInvalidPayment, "malformed payment payload", map[string]interface{}{
		"errors": strings.Join(errs, "; "),
	})
}
