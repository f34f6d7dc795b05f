// Package facilitator is the client for the external settlement service
// that verifies and settles self-contained signed transfer authorizations,
// independent of the local execution engine.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tollgate-sh/tollgate"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// Config configures the facilitator client.
type Config struct {
	URL     string
	Timeout time.Duration
	// CreateAuthHeaders optionally supplies per-endpoint auth headers,
	// keyed by "verify" and "settle".
	CreateAuthHeaders func() (map[string]map[string]string, error)
}

// VerifyResponse is the facilitator's verdict on a proof.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// settlementRequest is the body for both /verify and /settle. The proof is
// forwarded verbatim.
type settlementRequest struct {
	Version             int                           `json:"version"`
	PaymentPayload      *tollgate.SignedAuthorization `json:"paymentPayload"`
	PaymentRequirements *tollgate.PaymentRequirements `json:"paymentRequirements"`
}

// Client verifies and settles signed authorizations against one facilitator
// endpoint.
type Client struct {
	url               string
	httpClient        *http.Client
	createAuthHeaders func() (map[string]map[string]string, error)
}

// NewClient creates a facilitator client.
func NewClient(config *Config) *Client {
	httpClient := &http.Client{}
	if config.Timeout > 0 {
		httpClient.Timeout = config.Timeout
	}
	return &Client{
		url:               config.URL,
		httpClient:        httpClient,
		createAuthHeaders: config.CreateAuthHeaders,
	}
}

// Verify asks the facilitator whether the proof is settleable.
func (c *Client) Verify(ctx context.Context, proof *tollgate.SignedAuthorization, requirements *tollgate.PaymentRequirements) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "verify", proof, requirements, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes the transfer the proof authorizes.
func (c *Client) Settle(ctx context.Context, proof *tollgate.SignedAuthorization, requirements *tollgate.PaymentRequirements) (*tollgate.SettleResponse, error) {
	var resp tollgate.SettleResponse
	if err := c.post(ctx, "settle", proof, requirements, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, proof *tollgate.SignedAuthorization, requirements *tollgate.PaymentRequirements, out any) error {
	body, err := json.Marshal(settlementRequest{
		Version:             tollgate.ProtocolVersion,
		PaymentPayload:      proof,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.url, endpoint), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeaders(req, endpoint); err != nil {
		return fmt.Errorf("failed to apply %s auth headers: %w", endpoint, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s request failed: %v", tollgate.ErrUpstreamUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: facilitator %s returned %s", tollgate.ErrSettlementFailed, endpoint, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) addAuthHeaders(req *http.Request, key string) error {
	if c.createAuthHeaders == nil {
		return nil
	}
	headers, err := c.createAuthHeaders()
	if err != nil {
		return err
	}
	for name, value := range headers[key] {
		req.Header.Set(name, value)
	}
	return nil
}
