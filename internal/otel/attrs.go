package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the chain orchestrator, policy engine and tools.
const (
	ChainRequestID   = attribute.Key("refguard.request_id")
	ChainSourceTool  = attribute.Key("refguard.source.tool")
	ChainUnitCount   = attribute.Key("refguard.source.units")
	ChainFound       = attribute.Key("refguard.references.found")
	ChainAllowed     = attribute.Key("refguard.references.allowed")
	ChainBlocked     = attribute.Key("refguard.references.blocked")
	ChainSkipped     = attribute.Key("refguard.references.skipped")
	ChainChaining    = attribute.Key("refguard.chaining_enabled")
	DispatchTool     = attribute.Key("refguard.dispatch.tool")
	DispatchRef      = attribute.Key("refguard.dispatch.reference")
	DispatchOutcome  = attribute.Key("refguard.dispatch.outcome")
	PolicyVersionTag = attribute.Key("refguard.policy.version_tag")
	PolicyReason     = attribute.Key("refguard.policy.reason_code")
)

// ChainSummaryAttributes creates the attributes recorded on a finished chain.run span.
func ChainSummaryAttributes(found, allowed, blocked, skipped int) []attribute.KeyValue {
	return []attribute.KeyValue{
		ChainFound.Int(found),
		ChainAllowed.Int(allowed),
		ChainBlocked.Int(blocked),
		ChainSkipped.Int(skipped),
	}
}

// DispatchAttributes creates attributes for one downstream tool call.
func DispatchAttributes(tool, ref string) []attribute.KeyValue {
	return []attribute.KeyValue{
		DispatchTool.String(tool),
		DispatchRef.String(ref),
	}
}
