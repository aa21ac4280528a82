package tools

import (
	"context"
	"encoding/json"

	"github.com/dativo-io/refguard/internal/reference"
)

// InlineMessageTool is the default source tool: the request message is the
// only content unit.
type InlineMessageTool struct{}

type inlineParams struct {
	Message string `json:"message"`
}

func (InlineMessageTool) Name() string        { return "inline.message" }
func (InlineMessageTool) Description() string { return "Treat the request message itself as untrusted content" }
func (InlineMessageTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`)
}

func (InlineMessageTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p inlineParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return json.Marshal(map[string][]reference.Unit{
		"units": {{ID: "message", Text: p.Message}},
	})
}
