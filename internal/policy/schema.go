package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for reference policy documents.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Reference Policy",
  "description": "refguard reference filtering policy v1",
  "type": "object",
  "required": ["name", "version", "domains"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_-]+$"},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "domains": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "blocked": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "safe": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "blocked_extensions": {
      "type": "array",
      "items": {"type": "string", "pattern": "^\\.?[A-Za-z0-9]+$"}
    },
    "blocked_tlds": {
      "type": "array",
      "items": {"type": "string", "pattern": "^\\.?[A-Za-z0-9-]+(\\.[A-Za-z0-9-]+)*$"}
    },
    "suspicious_patterns": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "regex"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "regex": {"type": "string", "minLength": 1}
        }
      }
    },
    "local_networks": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "tool_access": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allowed_tools": {"type": "array", "items": {"type": "string"}},
        "forbidden_tools": {"type": "array", "items": {"type": "string"}},
        "max_param_length": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

// ValidateSchema validates a YAML policy document against schemaV1.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("policy document is empty")
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaV1),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
