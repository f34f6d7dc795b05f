package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/gate"
	"github.com/tollgate-sh/tollgate/registry"
)

// WrapperConfig configures the payment wrapper for one tool.
type WrapperConfig struct {
	// ResourceURL overrides the registry resource identifier derived from
	// the tool name.
	ResourceURL string
	Description string
	MimeType    string
}

// PaymentWrapper wraps tool handlers with payment gating. The returned
// wrapper settles the payment before the handler runs; a handler result is
// only ever produced for an already-settled payment, and its receipt rides
// back under the payment-response _meta key.
func PaymentWrapper(g *gate.Gate, config WrapperConfig) func(handler ToolHandler) ToolHandler {
	return func(handler ToolHandler) ToolHandler {
		return func(ctx context.Context, args map[string]any, toolCtx ToolContext) (ToolResult, error) {
			resourceID := ToolResourceURL(toolCtx.ToolName, config.ResourceURL)
			resource := &tollgate.ResourceInfo{
				URL:         resourceID,
				Description: config.Description,
				MimeType:    config.MimeType,
			}

			routing, err := g.ResolveRouting(ctx, resourceID)
			if err != nil {
				if errors.Is(err, tollgate.ErrResourceNotFound) {
					return errorResult(tollgate.ErrCodeResourceNotFound, "tool is not registered for payment"), nil
				}
				return errorResult(tollgate.ErrCodeUpstreamError, "failed to resolve payment routing"), nil
			}

			proof, err := ExtractProofFromMeta(toolCtx.Meta)
			if err != nil {
				return errorResult(tollgate.ErrCodeProofMalformed, err.Error()), nil
			}
			if proof == nil {
				return paymentRequiredResult(g, resource, routing, "payment required to call this tool")
			}

			receipt, settleErr := g.HandleProof(ctx, proof, resourceID, routing)
			if settleErr != nil {
				switch {
				case errors.Is(settleErr, tollgate.ErrReplayDetected), errors.Is(settleErr, tollgate.ErrSettlementFailed):
					return paymentRequiredResult(g, resource, routing, settleErr.Error())
				case errors.Is(settleErr, tollgate.ErrProofMalformed):
					return errorResult(tollgate.ErrCodeProofMalformed, settleErr.Error()), nil
				default:
					return errorResult(tollgate.ErrCodeUpstreamError, "payment settlement unavailable"), nil
				}
			}

			result, err := handler(ctx, args, toolCtx)
			if err != nil {
				return result, err
			}

			if result.Meta == nil {
				result.Meta = make(map[string]any)
			}
			result.Meta[PaymentResponseMetaKey] = *receipt
			return result, nil
		}
	}
}

// paymentRequiredResult encodes the 402 challenge into both content slots:
// structuredContent for programmatic clients and a text item for everything
// else, mirroring how the HTTP adapters duplicate body and header.
func paymentRequiredResult(g *gate.Gate, resource *tollgate.ResourceInfo, routing *registry.RoutingInfo, reason string) (ToolResult, error) {
	challenge := g.Challenge(resource, routing, reason)

	raw, err := json.Marshal(challenge)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to encode payment challenge: %w", err)
	}
	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err != nil {
		return ToolResult{}, fmt.Errorf("failed to decode payment challenge: %w", err)
	}

	return ToolResult{
		StructuredContent: structured,
		Content:           []ContentItem{{Type: "text", Text: string(raw)}},
		IsError:           true,
	}, nil
}

// errorResult builds a plain error result with a stable code prefix.
func errorResult(code, message string) ToolResult {
	return ToolResult{
		Content: []ContentItem{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		IsError: true,
	}
}
