package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dativo-io/refguard/internal/reference"
)

// sourceMessage is one item of a message-shaped source payload.
type sourceMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`
}

// sourcePayload lists the payload shapes a source tool may return.
type sourcePayload struct {
	Messages []sourceMessage  `json:"messages"`
	Units    []reference.Unit `json:"units"`
	Content  string           `json:"content"`
}

// decodeUnits turns a source payload into content units. Message bodies fall
// back to the snippet when empty. A JSON string payload is one unit.
func decodeUnits(sourceTool string, payload json.RawMessage) ([]reference.Unit, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", sourceTool, err)
		}
		return []reference.Unit{{ID: sourceTool, Text: s}}, nil
	}

	var p sourcePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", sourceTool, err)
	}

	units := make([]reference.Unit, 0, len(p.Messages)+len(p.Units)+1)
	for i, m := range p.Messages {
		text := m.Body
		if strings.TrimSpace(text) == "" {
			text = m.Snippet
		}
		id := m.ID
		if id == "" {
			id = sourceTool + "#" + strconv.Itoa(i)
		}
		units = append(units, reference.Unit{ID: id, Text: text})
	}
	units = append(units, p.Units...)
	if p.Content != "" {
		units = append(units, reference.Unit{ID: sourceTool, Text: p.Content})
	}
	return units, nil
}
