package gate

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tollgate-sh/tollgate"
)

// authorizationSchema is the structural contract for facilitator-path
// proofs. It is checked before the payload is forwarded, so malformed
// documents are rejected locally as ProofMalformed instead of bouncing off
// the settlement service.
const authorizationSchema = `{
	"type": "object",
	"required": ["authorization", "signature"],
	"properties": {
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
		"authorization": {
			"type": "object",
			"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
			"properties": {
				"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"value": {"type": "string", "pattern": "^[0-9]+$"},
				"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
				"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
				"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
			}
		}
	}
}`

var authorizationSchemaLoader = gojsonschema.NewStringLoader(authorizationSchema)

// validateAuthorizationJSON checks a raw proof document against the
// authorization schema.
func validateAuthorizationJSON(raw []byte) error {
	result, err := gojsonschema.Validate(authorizationSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", tollgate.ErrProofMalformed, err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return fmt.Errorf("%w: %s", tollgate.ErrProofMalformed, strings.Join(reasons, "; "))
	}
	return nil
}
