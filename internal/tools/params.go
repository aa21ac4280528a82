package tools

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeParams unmarshals raw into dst and validates its struct tags.
func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding params: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("validating params: %w", err)
	}
	return nil
}

// urlParams is the argument shape of every URL-taking tool.
type urlParams struct {
	URL string `json:"url" validate:"required,http_url"`
}

func urlSchema(desc string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"url":{"type":"string","format":"uri","description":%q}},"required":["url"]}`, desc))
}
