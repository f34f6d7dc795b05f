package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToSDKResult converts a ToolResult into the official Go MCP SDK result
// type. Meta is carried through so clients can read the settlement receipt.
func ToSDKResult(result ToolResult) *mcpsdk.CallToolResult {
	content := make([]mcpsdk.Content, 0, len(result.Content))
	for _, item := range result.Content {
		if item.Type == "text" {
			content = append(content, &mcpsdk.TextContent{Text: item.Text})
		}
	}

	out := &mcpsdk.CallToolResult{
		Content: content,
		IsError: result.IsError,
	}
	if result.StructuredContent != nil {
		out.StructuredContent = result.StructuredContent
	}
	if result.Meta != nil {
		out.Meta = mcpsdk.Meta(result.Meta)
	}
	return out
}

// FromSDKResult converts an official SDK result back into a ToolResult.
func FromSDKResult(result *mcpsdk.CallToolResult) ToolResult {
	content := make([]ContentItem, 0, len(result.Content))
	for _, item := range result.Content {
		if text, ok := item.(*mcpsdk.TextContent); ok {
			content = append(content, ContentItem{Type: "text", Text: text.Text})
		}
	}

	out := ToolResult{
		Content: content,
		IsError: result.IsError,
	}
	if structured, ok := result.StructuredContent.(map[string]any); ok {
		out.StructuredContent = structured
	}
	if result.Meta != nil {
		meta := result.Meta.GetMeta()
		if len(meta) > 0 {
			out.Meta = make(map[string]any, len(meta))
			for k, v := range meta {
				out.Meta[k] = v
			}
		}
	}
	return out
}

// SDKToolHandler bridges a gated ToolHandler into the official SDK's
// server tool handler signature. The request _meta map, where the payment
// proof travels, is copied into the ToolContext.
func SDKToolHandler(handler ToolHandler) func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := make(map[string]any)
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return &mcpsdk.CallToolResult{
					IsError: true,
					Content: []mcpsdk.Content{
						&mcpsdk.TextContent{Text: fmt.Sprintf("failed to unmarshal arguments: %v", err)},
					},
				}, nil
			}
		}

		var meta map[string]any
		if req.Params.Meta != nil {
			meta = req.Params.Meta.GetMeta()
		}

		result, err := handler(ctx, args, ToolContext{
			ToolName:  req.Params.Name,
			Arguments: args,
			Meta:      meta,
		})
		if err != nil {
			return nil, err
		}
		return ToSDKResult(result), nil
	}
}
