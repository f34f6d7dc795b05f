package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/gate"
)

// ExtractProofFromMeta pulls a payment proof out of a request _meta map.
// The value under the payment key is either {"reference": "..."} for the
// gateway path or a signed authorization document for the facilitator path.
// A missing key returns (nil, nil); a present but undecodable value is a
// malformed proof, not an unpaid call.
func ExtractProofFromMeta(meta map[string]any) (*tollgate.PaymentProof, error) {
	if meta == nil {
		return nil, nil
	}
	value, ok := meta[PaymentMetaKey]
	if !ok {
		return nil, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payment meta value is not an object", tollgate.ErrProofMalformed)
	}

	if ref, ok := obj["reference"].(string); ok {
		return gate.DecodeProof("", ref)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrProofMalformed, err)
	}
	return gate.DecodeProof(string(raw), "")
}

// AttachProofToMeta returns a copy of params with the proof placed under
// the payment _meta key. References travel as {"reference": ...}; signed
// authorizations travel as their JSON document.
func AttachProofToMeta(params map[string]any, proof *tollgate.PaymentProof) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}

	meta := make(map[string]any)
	if existing, ok := out["_meta"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}

	switch proof.Kind {
	case tollgate.ProofGatewayReference:
		meta[PaymentMetaKey] = map[string]any{"reference": proof.Reference}
	case tollgate.ProofSignedAuthorization:
		meta[PaymentMetaKey] = proof.Authorization
	}
	out["_meta"] = meta
	return out
}

// ExtractReceiptFromMeta pulls the settlement receipt out of a result's
// _meta map, if present.
func ExtractReceiptFromMeta(meta map[string]any) (*tollgate.SettleResponse, error) {
	if meta == nil {
		return nil, nil
	}
	value, ok := meta[PaymentResponseMetaKey]
	if !ok {
		return nil, nil
	}
	if receipt, ok := value.(*tollgate.SettleResponse); ok {
		return receipt, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment response meta: %w", err)
	}
	var receipt tollgate.SettleResponse
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response meta: %w", err)
	}
	return &receipt, nil
}
