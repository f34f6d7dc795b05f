// Package gate decides, per incoming request, whether payment is required,
// which proof format was presented, how each is verified and settled, and
// how proceeds are routed afterwards. HTTP framework adapters live in the
// gin and echo subpackages.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/facilitator"
	"github.com/tollgate-sh/tollgate/registry"
)

// RoutingResolver resolves payment routing for a resource.
// *registry.Registry satisfies it.
type RoutingResolver interface {
	ResolveRouting(ctx context.Context, resourceID string) (*registry.RoutingInfo, error)
}

// PaymentVerifier reads gateway payment records. *registry.Registry
// satisfies it.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, reference string) (*registry.PaymentRecord, error)
}

// SettlementClient verifies and settles signed authorizations.
// *facilitator.Client satisfies it.
type SettlementClient interface {
	Verify(ctx context.Context, proof *tollgate.SignedAuthorization, requirements *tollgate.PaymentRequirements) (*facilitator.VerifyResponse, error)
	Settle(ctx context.Context, proof *tollgate.SignedAuthorization, requirements *tollgate.PaymentRequirements) (*tollgate.SettleResponse, error)
}

// ProceedsRouter fires post-settlement side effects. *revenue.Router
// satisfies it.
type ProceedsRouter interface {
	RouteAsync(resourceID string, total *big.Int, routing *registry.RoutingInfo)
	RecordUsageAsync(resourceID string, total *big.Int)
}

// Free routes bypassing payment entirely.
var defaultFreeRoutes = []string{"/health", "/.well-known/tollgate"}

// Gate is the payment gate in front of paid resources.
type Gate struct {
	resolver   RoutingResolver
	settlement SettlementClient
	verifier   PaymentVerifier
	proceeds   ProceedsRouter

	consumed *ReplaySet
	audit    *AuditLog

	network           string
	asset             string
	maxTimeoutSeconds int
	freeRoutes        map[string]struct{}
	logger            *slog.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithFreeRoutes replaces the default unauthenticated route allow-list.
func WithFreeRoutes(paths ...string) Option {
	return func(g *Gate) {
		g.freeRoutes = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.freeRoutes[p] = struct{}{}
		}
	}
}

// WithMaxTimeoutSeconds sets the challenge timeout window.
func WithMaxTimeoutSeconds(seconds int) Option {
	return func(g *Gate) { g.maxTimeoutSeconds = seconds }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithAuditCapacity bounds the in-memory audit log.
func WithAuditCapacity(capacity int) Option {
	return func(g *Gate) { g.audit = NewAuditLog(capacity) }
}

// New creates a payment gate. network and asset are echoed into every
// challenge this gate issues.
func New(resolver RoutingResolver, settlement SettlementClient, verifier PaymentVerifier, proceeds ProceedsRouter, network, asset string, opts ...Option) *Gate {
	g := &Gate{
		resolver:          resolver,
		settlement:        settlement,
		verifier:          verifier,
		proceeds:          proceeds,
		consumed:          NewReplaySet(),
		audit:             NewAuditLog(0),
		network:           network,
		asset:             asset,
		maxTimeoutSeconds: 60,
		freeRoutes:        make(map[string]struct{}),
		logger:            slog.Default(),
	}
	for _, p := range defaultFreeRoutes {
		g.freeRoutes[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Exempt reports whether a route bypasses payment entirely.
func (g *Gate) Exempt(route string) bool {
	_, ok := g.freeRoutes[route]
	return ok
}

// Audit exposes the gateway settlement audit log.
func (g *Gate) Audit() *AuditLog {
	return g.audit
}

// ResolveRouting resolves the routing view for one resource. Returns
// tollgate.ErrResourceNotFound before any payment logic runs for
// unregistered resources.
func (g *Gate) ResolveRouting(ctx context.Context, resourceID string) (*registry.RoutingInfo, error) {
	return g.resolver.ResolveRouting(ctx, resourceID)
}

// Requirements builds the payment requirements for a resource. The
// recipient is the reserve pool when the resource routes through one,
// otherwise the resource owner directly. This decision is made once, here,
// and is fixed for whichever proof the caller eventually supplies.
func (g *Gate) Requirements(routing *registry.RoutingInfo) tollgate.PaymentRequirements {
	payTo := routing.Owner
	if routing.SplitsToPool() {
		payTo = routing.Pool
	}
	return tollgate.PaymentRequirements{
		Scheme:            tollgate.SchemeExact,
		Network:           g.network,
		Amount:            routing.Price.String(),
		PayTo:             payTo.Hex(),
		Asset:             g.asset,
		MaxTimeoutSeconds: g.maxTimeoutSeconds,
	}
}

// Challenge builds the 402 challenge document for a resource.
func (g *Gate) Challenge(resource *tollgate.ResourceInfo, routing *registry.RoutingInfo, reason string) *tollgate.PaymentRequired {
	return &tollgate.PaymentRequired{
		Version:  tollgate.ProtocolVersion,
		Error:    reason,
		Accepts:  []tollgate.PaymentRequirements{g.Requirements(routing)},
		Resource: resource,
	}
}

// DecodeProof classifies and decodes the proof headers into the tagged
// union. The identifier header wins when both are present: a gateway
// reference is cheaper to verify than a facilitator round trip.
func DecodeProof(paymentHeader, identifierHeader string) (*tollgate.PaymentProof, error) {
	if identifierHeader != "" {
		if !tollgate.IsValidReference(identifierHeader) {
			return nil, fmt.Errorf("%w: invalid payment reference format", tollgate.ErrProofMalformed)
		}
		return &tollgate.PaymentProof{
			Kind:      tollgate.ProofGatewayReference,
			Reference: identifierHeader,
		}, nil
	}
	if paymentHeader == "" {
		return nil, nil
	}

	raw, err := tollgate.PaymentHeaderBytes(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrProofMalformed, err)
	}
	if err := validateAuthorizationJSON(raw); err != nil {
		return nil, err
	}
	var auth tollgate.SignedAuthorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, fmt.Errorf("%w: %v", tollgate.ErrProofMalformed, err)
	}
	return &tollgate.PaymentProof{
		Kind:          tollgate.ProofSignedAuthorization,
		Authorization: &auth,
	}, nil
}

// HandleProof verifies and settles one proof against the routing resolved
// for the request. Settlement failures of either kind come back wrapping
// tollgate.ErrSettlementFailed (or ErrReplayDetected) so adapters can map
// them to a 402; anything else is an upstream failure.
func (g *Gate) HandleProof(ctx context.Context, proof *tollgate.PaymentProof, resourceID string, routing *registry.RoutingInfo) (*tollgate.SettleResponse, error) {
	switch proof.Kind {
	case tollgate.ProofSignedAuthorization:
		return g.settleAuthorization(ctx, proof.Authorization, resourceID, routing)
	case tollgate.ProofGatewayReference:
		return g.settleReference(ctx, proof.Reference, resourceID, routing)
	default:
		return nil, fmt.Errorf("%w: unknown proof kind %q", tollgate.ErrProofMalformed, proof.Kind)
	}
}

// settleAuthorization is the facilitator path: the proof is forwarded
// verbatim; any non-success verdict is a settlement failure, not a server
// error. On success the revenue router fires detached.
func (g *Gate) settleAuthorization(ctx context.Context, auth *tollgate.SignedAuthorization, resourceID string, routing *registry.RoutingInfo) (*tollgate.SettleResponse, error) {
	value, ok := new(big.Int).SetString(auth.Authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("%w: unparseable authorization value", tollgate.ErrProofMalformed)
	}
	if value.Cmp(routing.Price) < 0 {
		return nil, fmt.Errorf("%w: authorized value %s below required %s",
			tollgate.ErrSettlementFailed, value, routing.Price)
	}

	requirements := g.Requirements(routing)

	verdict, err := g.settlement.Verify(ctx, auth, &requirements)
	if err != nil {
		return nil, err
	}
	if !verdict.IsValid {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrSettlementFailed, verdict.InvalidReason)
	}

	receipt, err := g.settlement.Settle(ctx, auth, &requirements)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrSettlementFailed, receipt.ErrorReason)
	}

	g.logger.Info("payment settled via facilitator",
		"resource", resourceID, "payer", receipt.Payer, "transaction", receipt.Transaction)
	g.proceeds.RouteAsync(resourceID, value, routing)
	return receipt, nil
}

// settleReference is the gateway path: single-use reference, read-only
// on-chain verification, amount check, audit record, detached usage
// recording. No local split happens here; the gateway contract already
// applied it transactionally.
func (g *Gate) settleReference(ctx context.Context, reference, resourceID string, routing *registry.RoutingInfo) (*tollgate.SettleResponse, error) {
	if g.consumed.Seen(reference) {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrReplayDetected, reference)
	}

	record, err := g.verifier.VerifyPayment(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: payment verification failed: %v", tollgate.ErrUpstreamUnavailable, err)
	}
	if !record.Settled {
		return nil, fmt.Errorf("%w: payment reference not settled on-chain", tollgate.ErrSettlementFailed)
	}
	if record.Amount.Cmp(routing.Price) < 0 {
		return nil, fmt.Errorf("%w: paid amount %s below required %s",
			tollgate.ErrSettlementFailed, record.Amount, routing.Price)
	}

	if !g.consumed.Mark(reference) {
		return nil, fmt.Errorf("%w: %s", tollgate.ErrReplayDetected, reference)
	}

	entry := g.audit.Record(reference, resourceID, record.Payer.Hex(), record.Amount)
	g.logger.Info("payment settled via gateway",
		"resource", resourceID, "reference", reference, "payer", record.Payer.Hex(), "audit", entry.ID)
	g.proceeds.RecordUsageAsync(resourceID, record.Amount)

	return &tollgate.SettleResponse{
		Success:     true,
		Transaction: reference,
		Network:     g.network,
		Payer:       record.Payer.Hex(),
	}, nil
}

// StatusForError maps a settlement error to the error code carried on the
// HTTP response body.
func StatusForError(err error) string {
	switch {
	case errors.Is(err, tollgate.ErrReplayDetected):
		return tollgate.ErrCodeReplayDetected
	case errors.Is(err, tollgate.ErrSettlementFailed):
		return tollgate.ErrCodeSettlementFailed
	case errors.Is(err, tollgate.ErrProofMalformed):
		return tollgate.ErrCodeProofMalformed
	case errors.Is(err, tollgate.ErrResourceNotFound):
		return tollgate.ErrCodeResourceNotFound
	default:
		return tollgate.ErrCodeUpstreamError
	}
}
