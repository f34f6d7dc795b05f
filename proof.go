package tollgate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ProofKind discriminates the two supported payment proof formats.
type ProofKind string

const (
	// ProofSignedAuthorization is a self-contained, caller-signed transfer
	// authorization settled through the facilitator.
	ProofSignedAuthorization ProofKind = "signed-authorization"
	// ProofGatewayReference is an opaque identifier for a payment record
	// already committed on-chain.
	ProofGatewayReference ProofKind = "gateway-reference"
)

// TransferAuthorization is the signed message body of a facilitator proof:
// a fixed-value transfer with a validity window and a single-use nonce.
// All numeric fields are decimal strings; the nonce is a 32-byte hex string.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedAuthorization is the facilitator-path proof payload: the
// authorization plus the caller's signature over it. It is self-describing
// and never references local server state.
type SignedAuthorization struct {
	Authorization TransferAuthorization `json:"authorization"`
	Signature     string                `json:"signature"`
}

// PaymentProof is the tagged union of the two proof formats. Exactly one of
// Authorization or Reference is populated, according to Kind.
type PaymentProof struct {
	Kind          ProofKind
	Authorization *SignedAuthorization
	Reference     string
}

// Gateway reference format: same constraints the payment-identifier
// extension uses for its IDs.
const (
	ReferenceMinLength = 8
	ReferenceMaxLength = 128
)

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidReference reports whether s is an acceptable gateway payment
// reference: 8-128 characters of alphanumerics, hyphens, and underscores.
// 0x-prefixed 32-byte hex strings (66 chars) also satisfy this.
func IsValidReference(s string) bool {
	n := len(s)
	if n < ReferenceMinLength || n > ReferenceMaxLength {
		return false
	}
	if strings.HasPrefix(s, "0x") {
		s = s[2:]
	}
	return referencePattern.MatchString(s)
}

// PaymentHeaderBytes normalizes an X-Payment header value to raw JSON. The
// header may carry either base64-encoded or raw JSON.
func PaymentHeaderBytes(header string) ([]byte, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if strings.HasPrefix(strings.TrimSpace(header), "{") {
		return []byte(header), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("payment header is neither JSON nor base64: %w", err)
	}
	return decoded, nil
}

// DecodeSignedAuthorization parses an X-Payment header value. The header may
// carry either base64-encoded or raw JSON of the signed authorization.
func DecodeSignedAuthorization(header string) (*SignedAuthorization, error) {
	raw, err := PaymentHeaderBytes(header)
	if err != nil {
		return nil, err
	}

	var proof SignedAuthorization
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signed authorization: %w", err)
	}
	if err := proof.Validate(); err != nil {
		return nil, err
	}
	return &proof, nil
}

// Validate checks the structural shape of the proof. Cryptographic and
// economic validity is the settlement layer's job.
func (p *SignedAuthorization) Validate() error {
	switch {
	case p.Signature == "":
		return fmt.Errorf("signed authorization is missing signature")
	case p.Authorization.From == "":
		return fmt.Errorf("signed authorization is missing authorization.from")
	case p.Authorization.To == "":
		return fmt.Errorf("signed authorization is missing authorization.to")
	case p.Authorization.Value == "":
		return fmt.Errorf("signed authorization is missing authorization.value")
	case p.Authorization.Nonce == "":
		return fmt.Errorf("signed authorization is missing authorization.nonce")
	}
	return nil
}

// EncodeToBase64String encodes the proof for the X-Payment request header.
func (p *SignedAuthorization) EncodeToBase64String() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode signed authorization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
