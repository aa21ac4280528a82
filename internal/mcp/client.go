package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client calls tools on a remote MCP server over HTTP JSON-RPC. It satisfies
// the orchestrator's invoker boundary, so a remote mailbox can serve as the
// source tool.
type Client struct {
	url        string
	authHeader string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewClient creates a client for the MCP endpoint at url. authHeader, when
// set, has the form "Header-Name: value".
func NewClient(url, authHeader string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RemoteError is a JSON-RPC error returned by the remote server.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Invoke calls tool with params and returns its payload. Text content that is
// valid JSON is returned as is; other text is returned as a JSON string.
func (c *Client) Invoke(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "mcp.client.call")
	defer span.End()

	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := c.do(ctx, "tools/call", map[string]interface{}{"name": tool, "arguments": params})
	if err != nil {
		return nil, err
	}

	var res callResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/call result: %w", err)
	}
	var text strings.Builder
	for _, item := range res.Content {
		if item.Type == "text" {
			text.WriteString(item.Text)
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("remote tool %s failed: %s", tool, text.String())
	}
	out := json.RawMessage(text.String())
	if !json.Valid(out) {
		return json.Marshal(text.String())
	}
	return out, nil
}

// ListTools returns the names of the tools the remote server exposes.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	raw, err := c.do(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body := map[string]interface{}{"jsonrpc": jsonrpcVersion, "method": method, "id": c.nextID.Add(1)}
	if params != nil {
		body["params"] = params
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authHeader != "" {
		parts := strings.SplitN(c.authHeader, ":", 2)
		if len(parts) == 2 {
			req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}

	// URL is operator configuration, not reference content.
	resp, err := c.httpClient.Do(req) // #nosec G107
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calling %s: HTTP %d", method, resp.StatusCode)
	}

	var rpc struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpc.Error != nil {
		return nil, &RemoteError{Code: rpc.Error.Code, Message: rpc.Error.Message}
	}
	return rpc.Result, nil
}

// Mux sends the named tools to a remote invoker and everything else to a
// local one.
type Mux struct {
	local  Invoker
	remote Invoker
	names  map[string]bool
}

// Invoker matches the orchestrator's tool boundary.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error)
}

// NewMux routes remoteTools to remote.
func NewMux(local, remote Invoker, remoteTools ...string) *Mux {
	names := make(map[string]bool, len(remoteTools))
	for _, n := range remoteTools {
		names[n] = true
	}
	return &Mux{local: local, remote: remote, names: names}
}

// Invoke dispatches to the remote or local invoker.
func (m *Mux) Invoke(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error) {
	if m.names[tool] {
		return m.remote.Invoke(ctx, tool, params)
	}
	return m.local.Invoke(ctx, tool, params)
}
