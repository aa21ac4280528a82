package chain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/untrusted"
)

// Defaults for the per-kind caps of a request.
const (
	DefaultMaxURLs   = 3
	DefaultMaxImages = 3
)

// ErrSourceFetch marks a failed source stage. It is the only error that makes
// a chain response unsuccessful.
var ErrSourceFetch = errors.New("source fetch failed")

// Invoker is the uniform boundary through which the orchestrator calls every
// tool, source and downstream alike.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error) {
	return f(ctx, tool, params)
}

// State is a stage of one chain run.
type State string

const (
	StateIdle            State = "idle"
	StateSourceFetch     State = "source_fetch"
	StateExtraction      State = "extraction"
	StatePolicyFiltering State = "policy_filtering"
	StateDispatch        State = "dispatch"
	StateAggregation     State = "aggregation"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// SkipReason explains why a reference was not dispatched. Policy denials
// reuse the verdict's reason code.
type SkipReason string

const (
	SkipLimitExceeded  SkipReason = "limit-exceeded"
	SkipImagesDisabled SkipReason = "images-disabled"
)

// Request is one orchestration run.
type Request struct {
	// Message is handed to the source tool as the "message" parameter.
	Message string
	// MaxRefs caps dispatched references overall. Zero or less means
	// MaxURLs+MaxImages when both are set, otherwise no overall cap.
	MaxRefs int
	// MaxURLs and MaxImages cap each kind. A negative value disables the cap.
	MaxURLs        int
	MaxImages      int
	EnableChaining bool
	ProcessImages  bool
	// SourceTool overrides the orchestrator's configured source tool.
	SourceTool   string
	SourceParams map[string]interface{}
}

// NewRequest returns a request with chaining and images enabled and the
// default per-kind caps.
func NewRequest(message string) Request {
	return Request{
		Message:        message,
		MaxURLs:        DefaultMaxURLs,
		MaxImages:      DefaultMaxImages,
		EnableChaining: true,
		ProcessImages:  true,
	}
}

func (r Request) overallCap() int {
	switch {
	case r.MaxRefs > 0:
		return r.MaxRefs
	case r.MaxURLs >= 0 && r.MaxImages >= 0:
		return r.MaxURLs + r.MaxImages
	default:
		return -1
	}
}

// ToolResult is the outcome of one tool invocation. Reference is nil for the
// source tool.
type ToolResult struct {
	Tool      string               `json:"tool"`
	Reference *reference.Reference `json:"reference,omitempty"`
	Success   bool                 `json:"success"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Error     string               `json:"error,omitempty"`
	ElapsedMs int64                `json:"elapsedMs"`
}

// SkippedReference is a reference that was extracted but not dispatched.
type SkippedReference struct {
	Raw        string         `json:"raw"`
	ReasonCode SkipReason     `json:"reasonCode"`
	Kind       reference.Kind `json:"kind,omitempty"`
	SourceID   string         `json:"sourceId,omitempty"`
	Rule       string         `json:"rule,omitempty"`
}

// Response aggregates one run. Success reflects the source stage only.
type Response struct {
	RequestID           string             `json:"requestId"`
	Success             bool               `json:"success"`
	State               State              `json:"state"`
	ToolResults         []ToolResult       `json:"toolResults"`
	ProcessedReferences []string           `json:"processedReferences"`
	SkippedReferences   []SkippedReference `json:"skippedReferences"`
	InjectionSignals    []untrusted.Signal `json:"injectionSignals,omitempty"`
	SandboxToken        string             `json:"sandboxToken,omitempty"`
	SandboxInstructions string             `json:"sandboxInstructions,omitempty"`
	PolicyVersion       string             `json:"policyVersion,omitempty"`
	Error               string             `json:"error,omitempty"`
}

func skipFromVerdict(ref reference.Reference, v policy.Verdict) SkippedReference {
	return SkippedReference{
		Raw:        ref.Raw,
		ReasonCode: SkipReason(v.ReasonCode),
		Kind:       ref.Kind,
		SourceID:   ref.SourceID,
		Rule:       v.Rule,
	}
}

func skip(ref reference.Reference, reason SkipReason) SkippedReference {
	return SkippedReference{Raw: ref.Raw, ReasonCode: reason, Kind: ref.Kind, SourceID: ref.SourceID}
}
