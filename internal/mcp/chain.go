package mcp

import (
	"context"
	"encoding/json"

	"github.com/dativo-io/refguard/internal/chain"
)

const chainSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "maxRefs": {"type": "integer", "minimum": 0, "maximum": 50},
    "maxUrls": {"type": "integer", "minimum": 0, "maximum": 50},
    "maxImages": {"type": "integer", "minimum": 0, "maximum": 50},
    "enableToolChaining": {"type": "boolean"},
    "processImages": {"type": "boolean"},
    "sourceTool": {"type": "string"},
    "sourceParams": {"type": "object"}
  }
}`

// callChain runs the orchestrator. A failed source stage is reported as a
// tool error result rather than a JSON-RPC error so the client still sees
// the response body.
func (h *Handler) callChain(ctx context.Context, id interface{}, args json.RawMessage) *jsonrpcResponse {
	var p chain.Params
	if len(args) > 0 {
		if err := json.Unmarshal(args, &p); err != nil {
			return errorResponse(id, codeInvalidParams, "invalid arguments: "+err.Error())
		}
	}
	if err := p.Validate(); err != nil {
		return errorResponse(id, codeInvalidParams, err.Error())
	}

	resp, runErr := h.orchestrator.Run(ctx, p.Request())
	body, err := json.Marshal(resp)
	if err != nil {
		return errorResponse(id, codeInternalError, "encoding chain response: "+err.Error())
	}
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: toolResult(body, runErr != nil)}
}
