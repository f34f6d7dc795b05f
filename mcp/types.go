// Package mcp gates MCP tool calls behind the payment gate. Payment proofs
// travel in the request _meta field and settlement receipts come back the
// same way, so the tool-call body stays protocol-clean.
package mcp

import "context"

// Meta keys for payment data on MCP requests and results.
const (
	// PaymentMetaKey is the _meta key carrying the payment proof
	// (client to server).
	PaymentMetaKey = "tollgate/payment"

	// PaymentResponseMetaKey is the _meta key carrying the settlement
	// receipt (server to client).
	PaymentResponseMetaKey = "tollgate/payment-response"

	// PaymentRequiredCode is the JSON-RPC error code for payment required.
	PaymentRequiredCode = 402
)

// Protocol handshake methods that are always free. Everything else on a
// gated server requires payment.
var freeMethods = map[string]struct{}{
	"initialize": {},
	"tools/list": {},
}

// IsFreeMethod reports whether an MCP method bypasses payment.
func IsFreeMethod(method string) bool {
	_, ok := freeMethods[method]
	return ok
}

// ToolContext carries per-call context into a tool handler.
type ToolContext struct {
	ToolName  string
	Arguments map[string]any
	Meta      map[string]any
}

// ContentItem is one piece of tool result content.
type ContentItem struct {
	Type string
	Text string
}

// ToolResult is an MCP tool call result.
type ToolResult struct {
	Content           []ContentItem
	IsError           bool
	Meta              map[string]any
	StructuredContent map[string]any
}

// ToolHandler is the signature for gated MCP tool handlers.
type ToolHandler func(ctx context.Context, args map[string]any, toolCtx ToolContext) (ToolResult, error)

// ToolResourceURL derives the registry resource identifier for a tool.
func ToolResourceURL(toolName, customURL string) string {
	if customURL != "" {
		return customURL
	}
	return "mcp://tool/" + toolName
}
