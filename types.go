// Package tollgate holds the protocol data model for machine-payable HTTP
// resources: the 402 challenge, payment requirements, the two payment proof
// formats, settlement responses, and their header codecs.
package tollgate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// ProtocolVersion is the version of the payment challenge/proof wire format.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme this gate issues: the proof must
// authorize at least the required amount, never a partial payment.
const SchemeExact = "exact"

// Header names used by the payment gate.
const (
	// HeaderPayment carries a SignedAuthorization proof, either base64-encoded
	// or raw JSON.
	HeaderPayment = "X-Payment"
	// HeaderPaymentIdentifier carries an opaque gateway payment reference.
	HeaderPaymentIdentifier = "X-Payment-Identifier"
	// HeaderPaymentRequired mirrors the 402 challenge body, base64-encoded.
	HeaderPaymentRequired = "X-Payment-Required"
	// HeaderPaymentResponse carries the base64-encoded settlement receipt on
	// a paid response.
	HeaderPaymentResponse = "X-Payment-Response"
)

// PaymentRequirements describes one acceptable way to pay for a resource.
// Immutable once issued; the settlement layer enforces the timeout window.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Amount            string         `json:"amount"` // smallest currency unit, decimal string
	PayTo             string         `json:"payTo"`
	Asset             string         `json:"asset"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// AmountBig parses the required amount. Returns an error for anything that
// is not a non-negative decimal integer.
func (r *PaymentRequirements) AmountBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", r.Amount)
	}
	return v, nil
}

// ResourceInfo describes the resource being paid for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequired is the 402 challenge body. The same document is mirrored
// into the X-Payment-Required header, base64-encoded.
type PaymentRequired struct {
	Version  int                   `json:"version"`
	Error    string                `json:"error,omitempty"`
	Accepts  []PaymentRequirements `json:"accepts"`
	Resource *ResourceInfo         `json:"resource,omitempty"`
}

// EncodeToBase64String encodes the challenge for the mirror header.
func (p *PaymentRequired) EncodeToBase64String() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SettleResponse is the settlement receipt attached to a paid response via
// the X-Payment-Response header. For the facilitator path Transaction is the
// settlement transaction reference; for the gateway path it is the verified
// payment reference itself.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the receipt for the response header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettleResponseFromBase64 decodes a receipt header value.
func DecodeSettleResponseFromBase64(encoded string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode settle response header: %w", err)
	}
	var resp SettleResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settle response: %w", err)
	}
	return &resp, nil
}
