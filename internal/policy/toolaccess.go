package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const toolAccessModule = "rego/tool_access.rego"

// Decision represents the result of a tool-access evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// ToolAccessEngine decides whether a routed reference may be handed to a
// downstream tool, using embedded OPA over the policy's tool_access section.
type ToolAccessEngine struct {
	versionTag string
	prepared   map[string]rego.PreparedEvalQuery
}

// NewToolAccessEngine precompiles the tool-access Rego module with cfg's rules
// loaded as OPA data.
func NewToolAccessEngine(ctx context.Context, cfg *Config) (*ToolAccessEngine, error) {
	ctx, span := tracer.Start(ctx, "policy.tool_access.new")
	defer span.End()

	if cfg == nil {
		cfg = Default()
	}
	data, err := toolAccessToData(cfg.ToolAccess())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting tool access rules to OPA data: %w", err)
	}

	content, err := embeddedPolicies.ReadFile(toolAccessModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", toolAccessModule, err)
	}
	r := rego.New(
		rego.Query("data.refguard.tool_access.deny"),
		rego.Module(toolAccessModule, string(content)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"policy": data})),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing Rego policy %s: %w", toolAccessModule, err)
	}

	return &ToolAccessEngine{
		versionTag: cfg.VersionTag(),
		prepared:   map[string]rego.PreparedEvalQuery{toolAccessModule: pq},
	}, nil
}

// Evaluate checks whether toolName may be called with params.
func (e *ToolAccessEngine) Evaluate(ctx context.Context, toolName string, params map[string]interface{}) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_tool_access",
		trace.WithAttributes(attribute.String("tool.name", toolName)))
	defer span.End()

	if params == nil {
		params = map[string]interface{}{}
	}
	input := map[string]interface{}{
		"tool_name": toolName,
		"params":    params,
	}

	decision := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.versionTag,
	}

	reasons, err := evaluateDenyReasons(ctx, e.prepared, toolAccessModule, input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(reasons) > 0 {
		sort.Strings(reasons)
		decision.Reasons = reasons
		decision.Allowed = false
		decision.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	return decision, nil
}

func evaluateDenyReasons(ctx context.Context, prepared map[string]rego.PreparedEvalQuery, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// A deny set comes back as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}
	return reasons, nil
}

func toolAccessToData(ta ToolAccessConfig) (map[string]interface{}, error) {
	if ta.AllowedTools == nil {
		ta.AllowedTools = []string{}
	}
	if ta.ForbiddenTools == nil {
		ta.ForbiddenTools = []string{}
	}
	jsonBytes, err := json.Marshal(ta)
	if err != nil {
		return nil, fmt.Errorf("marshalling tool access rules: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling tool access data: %w", err)
	}
	return data, nil
}
