package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dativo-io/refguard/internal/untrusted"
)

// ToolName is the name the mailbox source is registered under.
const ToolName = "mailbox.get_messages"

const defaultMaxResults = 5

var validate = validator.New()

// GetMessagesTool exposes the store as a source tool.
type GetMessagesTool struct {
	store *Store
}

// NewGetMessagesTool creates the mailbox.get_messages tool.
func NewGetMessagesTool(store *Store) *GetMessagesTool {
	return &GetMessagesTool{store: store}
}

type getMessagesParams struct {
	Query      string `json:"query" validate:"max=200"`
	MaxResults *int   `json:"max_results" validate:"omitempty,min=1,max=50"`
}

type messageView struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

func (t *GetMessagesTool) Name() string { return ToolName }
func (t *GetMessagesTool) Description() string {
	return "List recent mailbox messages, optionally filtered by a search query"
}
func (t *GetMessagesTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"max_results":{"type":"integer","minimum":1,"maximum":50}}}`)
}

func (t *GetMessagesTool) ValidateArguments(params json.RawMessage) error {
	_, err := parseParams(params)
	return err
}

func parseParams(raw json.RawMessage) (getMessagesParams, error) {
	var p getMessagesParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("decoding params: %w", err)
		}
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("validating params: %w", err)
	}
	return p, nil
}

// Execute returns {"messages": [...]}. Snippets are tag-free and redacted;
// bodies are returned as stored for reference extraction.
func (t *GetMessagesTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	p, err := parseParams(params)
	if err != nil {
		return nil, err
	}
	limit := defaultMaxResults
	if p.MaxResults != nil {
		limit = *p.MaxResults
	}

	msgs, err := t.store.List(ctx, p.Query, limit)
	if err != nil {
		return nil, err
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:         m.ID,
			From:       m.From,
			Subject:    m.Subject,
			Snippet:    untrusted.RedactSecrets(m.Body, untrusted.DefaultExcerptChars),
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt,
		})
	}
	return json.Marshal(map[string]interface{}{"messages": views})
}
