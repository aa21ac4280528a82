// Package mcp implements the Model Context Protocol surface of refguard: a
// JSON-RPC 2.0 server exposing the tool registry and the chain orchestrator,
// and a client for calling tools hosted on a remote MCP server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/refguard/internal/chain"
	"github.com/dativo-io/refguard/internal/otel"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/tools"
)

var tracer = otel.Tracer("github.com/dativo-io/refguard/internal/mcp")

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"

	// ChainToolName runs the full orchestrator as a single MCP tool.
	ChainToolName = "refguard.chain"
)

// JSON-RPC 2.0 types
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type jsonrpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

// Handler implements the MCP server: initialize, tools/list and tools/call.
type Handler struct {
	registry     *tools.ToolRegistry
	access       *policy.ToolAccessEngine
	orchestrator *chain.Orchestrator
	version      string
}

// NewHandler creates an MCP handler. access and orchestrator are optional;
// without an orchestrator the refguard.chain tool is not listed.
func NewHandler(registry *tools.ToolRegistry, access *policy.ToolAccessEngine, orchestrator *chain.Orchestrator, version string) *Handler {
	return &Handler{
		registry:     registry,
		access:       access,
		orchestrator: orchestrator,
		version:      version,
	}
}

// ServeHTTP handles POST /mcp JSON-RPC 2.0 requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPCError(w, nil, codeInvalidRequest, "method must be POST")
		return
	}
	ctx, span := tracer.Start(r.Context(), "mcp.serve",
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
		))
	defer span.End()

	var req jsonrpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "invalid JSON: "+err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if req.JSONRPC != jsonrpcVersion {
		writeRPCError(w, req.ID, codeInvalidRequest, "jsonrpc must be 2.0")
		return
	}
	span.SetAttributes(attribute.String("rpc.method", req.Method))

	var resp *jsonrpcResponse
	switch req.Method {
	case "initialize":
		resp = h.handleInitialize(req.ID)
	case "tools/list":
		resp = h.handleToolsList(ctx, req.ID)
	case "tools/call":
		resp = h.handleToolsCall(ctx, &req)
	default:
		resp = errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleInitialize(id interface{}) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		"serverInfo":      map[string]interface{}{"name": "refguard", "version": h.version},
	}}
}

func (h *Handler) handleToolsList(ctx context.Context, id interface{}) *jsonrpcResponse {
	_, span := tracer.Start(ctx, "mcp.tools.list")
	defer span.End()

	list := h.registry.List()
	out := make([]map[string]interface{}, 0, len(list)+1)
	for _, t := range list {
		out = append(out, map[string]interface{}{
			"name":        t.Name(),
			"description": t.Description(),
			"inputSchema": t.InputSchema(),
		})
	}
	if h.orchestrator != nil {
		out = append(out, map[string]interface{}{
			"name":        ChainToolName,
			"description": "Fetch untrusted content, extract references, filter them through the reference policy and dispatch the allowed ones",
			"inputSchema": json.RawMessage(chainSchema),
		})
	}
	span.SetAttributes(attribute.Int("tools.count", len(out)))
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: map[string]interface{}{"tools": out}}
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (h *Handler) handleToolsCall(ctx context.Context, req *jsonrpcRequest) *jsonrpcResponse {
	ctx, span := tracer.Start(ctx, "mcp.tools.call")
	defer span.End()

	var params toolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "tool name is required")
	}
	span.SetAttributes(attribute.String("tool.name", params.Name))

	if params.Name == ChainToolName && h.orchestrator != nil {
		return h.callChain(ctx, req.ID, params.Arguments)
	}

	if h.access != nil {
		decision, err := h.access.Evaluate(ctx, params.Name, paramsToMap(params.Arguments))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return errorResponse(req.ID, codeServerError, err.Error())
		}
		if !decision.Allowed {
			msg := "policy denied"
			if len(decision.Reasons) > 0 {
				msg = decision.Reasons[0]
			}
			span.SetAttributes(attribute.String("policy.deny", msg))
			log.Info().Str("tool", params.Name).Str("reason", msg).Msg("mcp_tool_denied")
			return errorResponse(req.ID, codeServerError, msg)
		}
	}

	start := time.Now()
	result, err := h.registry.Call(ctx, params.Name, params.Arguments)
	log.Debug().
		Str("tool", params.Name).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Bool("success", err == nil).
		Msg("mcp_tool_called")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		code := codeServerError
		if errors.Is(err, tools.ErrToolNotFound) {
			code = codeMethodNotFound
		}
		return errorResponse(req.ID, code, err.Error())
	}
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: req.ID, Result: toolResult(result, false)}
}

// toolResult renders a JSON payload as MCP text content.
func toolResult(payload json.RawMessage, isError bool) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": string(payload)}},
		"isError": isError,
	}
}

func errorResponse(id interface{}, code int, message string) *jsonrpcResponse {
	return &jsonrpcResponse{JSONRPC: jsonrpcVersion, ID: id, Error: &rpcError{Code: code, Message: message}}
}

func paramsToMap(raw json.RawMessage) map[string]interface{} {
	m := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

func writeRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(errorResponse(id, code, message))
}
