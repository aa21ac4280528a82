// Package chain drives one reference-chaining run: fetch content from a
// source tool, extract references, filter them through the policy engine,
// dispatch the allowed ones to downstream tools, and aggregate the results.
//
// Which tools run is decided only from Reference and Verdict metadata.
// Fetched content is passed around as opaque data and never interpreted.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rgotel "github.com/dativo-io/refguard/internal/otel"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/requestctx"
	"github.com/dativo-io/refguard/internal/router"
	"github.com/dativo-io/refguard/internal/untrusted"
)

var tracer = rgotel.Tracer("github.com/dativo-io/refguard/internal/chain")

// DefaultSourceTool wraps the request message itself as the only content unit.
const DefaultSourceTool = "inline.message"

// Config bounds one orchestrator.
type Config struct {
	SourceTool string
	// MaxInFlight caps concurrent downstream dispatches (default 4).
	MaxInFlight int
	// DispatchTimeout applies to each tool call, the source included (default 10s).
	DispatchTimeout time.Duration
	// RequestTimeout bounds the whole run (default 30s, negative disables).
	RequestTimeout time.Duration
	// SandboxPayloads wraps every payload in per-request boundary markers.
	SandboxPayloads bool
}

func (c Config) withDefaults() Config {
	if c.SourceTool == "" {
		c.SourceTool = DefaultSourceTool
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Orchestrator runs chain requests. It is safe for concurrent use; the only
// state shared between runs is read-only configuration plus the failure
// tracker and circuit breaker, which lock internally.
type Orchestrator struct {
	cfg      Config
	invoker  Invoker
	engine   *policy.Engine
	router   *router.Router
	access   *policy.ToolAccessEngine
	scanner  *untrusted.Scanner
	failures *ToolFailureTracker
	breaker  *CircuitBreaker
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithToolAccess checks every routed tool against OPA tool-access rules.
func WithToolAccess(a *policy.ToolAccessEngine) Option {
	return func(o *Orchestrator) { o.access = a }
}

// WithRouter replaces the default router.
func WithRouter(r *router.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

// WithScanner replaces the default injection scanner.
func WithScanner(s *untrusted.Scanner) Option {
	return func(o *Orchestrator) { o.scanner = s }
}

// WithCircuitBreaker short-circuits dispatches to tools that keep failing.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// WithFailureTracker replaces the default failure tracker.
func WithFailureTracker(t *ToolFailureTracker) Option {
	return func(o *Orchestrator) { o.failures = t }
}

// New creates an orchestrator. A nil engine uses the built-in policy.
func New(invoker Invoker, engine *policy.Engine, cfg Config, opts ...Option) *Orchestrator {
	if engine == nil {
		engine = policy.NewEngine(nil)
	}
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		invoker:  invoker,
		engine:   engine,
		router:   router.Default,
		scanner:  untrusted.NewScanner(),
		failures: NewToolFailureTracker(0, 0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Router returns the router dispatches are resolved with.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Run executes one request. The response is always non-nil. The error is
// non-nil only when the source stage failed, and then wraps ErrSourceFetch.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "chain.run", trace.WithAttributes(
		rgotel.ChainRequestID.String(requestID),
		rgotel.ChainChaining.Bool(req.EnableChaining),
		rgotel.PolicyVersionTag.String(o.engine.Config().VersionTag()),
	))
	defer span.End()

	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	resp := &Response{
		RequestID:           requestID,
		State:               StateIdle,
		ToolResults:         []ToolResult{},
		ProcessedReferences: []string{},
		SkippedReferences:   []SkippedReference{},
		PolicyVersion:       o.engine.Config().VersionTag(),
	}

	if o.cfg.SandboxPayloads {
		token, err := untrusted.GenerateSandboxToken()
		if err != nil {
			return o.fail(ctx, span, resp, fmt.Errorf("%w: %w", ErrSourceFetch, err))
		}
		resp.SandboxToken = token
		resp.SandboxInstructions = untrusted.BuildSandboxSystemPrompt(token)
	}

	sourceTool := req.SourceTool
	if sourceTool == "" {
		sourceTool = o.cfg.SourceTool
	}

	resp.State = StateSourceFetch
	source, units, err := o.fetchSource(ctx, sourceTool, req, resp.SandboxToken)
	if err != nil {
		return o.fail(ctx, span, resp, err)
	}

	if !req.EnableChaining {
		resp.ToolResults = []ToolResult{source}
		return o.done(ctx, span, resp, 0), nil
	}

	resp.State = StateExtraction
	refs := reference.ExtractUnits(units)
	resp.InjectionSignals = o.scanUnits(ctx, units)

	resp.State = StatePolicyFiltering
	allowed, skipped := o.filter(ctx, refs, req)
	resp.SkippedReferences = skipped

	resp.State = StateDispatch
	results := o.dispatch(ctx, allowed, resp.SandboxToken)

	resp.State = StateAggregation
	resp.ToolResults = make([]ToolResult, 0, len(results)+1)
	resp.ToolResults = append(resp.ToolResults, source)
	resp.ToolResults = append(resp.ToolResults, results...)
	for _, ref := range allowed {
		resp.ProcessedReferences = append(resp.ProcessedReferences, ref.Sanitized)
	}
	return o.done(ctx, span, resp, len(refs)), nil
}

func (o *Orchestrator) done(ctx context.Context, span trace.Span, resp *Response, found int) *Response {
	resp.Success = true
	resp.State = StateDone
	runsTotal.WithLabelValues(string(StateDone)).Inc()
	recordRunReferences(ctx, found, len(resp.ProcessedReferences), len(resp.SkippedReferences))

	span.SetAttributes(rgotel.ChainSummaryAttributes(
		found, len(resp.ProcessedReferences), countDenied(resp.SkippedReferences),
		len(resp.SkippedReferences)-countDenied(resp.SkippedReferences),
	)...)
	log.Info().
		Str("request_id", resp.RequestID).
		Str("caller", requestctx.Caller(ctx)).
		Int("references_found", found).
		Int("dispatched", len(resp.ProcessedReferences)).
		Int("skipped", len(resp.SkippedReferences)).
		Int("injection_signals", len(resp.InjectionSignals)).
		Func(rgotel.LogTraceFields(ctx)).
		Msg("chain_run_done")
	return resp
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, resp *Response, err error) (*Response, error) {
	resp.Success = false
	resp.State = StateFailed
	resp.ToolResults = []ToolResult{}
	resp.Error = err.Error()
	runsTotal.WithLabelValues(string(StateFailed)).Inc()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Warn().
		Str("request_id", resp.RequestID).
		Err(err).
		Func(rgotel.LogTraceFields(ctx)).
		Msg("chain_source_failed")
	return resp, err
}

func countDenied(skipped []SkippedReference) int {
	n := 0
	for _, s := range skipped {
		if s.ReasonCode != SkipLimitExceeded && s.ReasonCode != SkipImagesDisabled {
			n++
		}
	}
	return n
}

// fetchSource runs the source stage. Any failure, including a payload that is
// not JSON, is returned wrapped in ErrSourceFetch.
func (o *Orchestrator) fetchSource(ctx context.Context, tool string, req Request, token string) (ToolResult, []reference.Unit, error) {
	ctx, span := tracer.Start(ctx, "chain.source", trace.WithAttributes(rgotel.ChainSourceTool.String(tool)))
	defer span.End()

	params := make(map[string]interface{}, len(req.SourceParams)+1)
	for k, v := range req.SourceParams {
		params[k] = v
	}
	params["message"] = req.Message

	start := time.Now()
	payload, err := o.call(ctx, tool, params)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ToolResult{}, nil, fmt.Errorf("%w: %s: %w", ErrSourceFetch, tool, err)
	}

	units, err := decodeUnits(tool, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ToolResult{}, nil, fmt.Errorf("%w: %w", ErrSourceFetch, err)
	}
	span.SetAttributes(rgotel.ChainUnitCount.Int(len(units)))

	return ToolResult{
		Tool:      tool,
		Success:   true,
		Payload:   wrapPayload(tool, payload, token),
		ElapsedMs: elapsed.Milliseconds(),
	}, units, nil
}

func (o *Orchestrator) scanUnits(ctx context.Context, units []reference.Unit) []untrusted.Signal {
	if o.scanner == nil {
		return nil
	}
	var signals []untrusted.Signal
	for _, u := range units {
		for _, sig := range o.scanner.Signals(ctx, u.ID, u.Text) {
			injectionSignalsTotal.WithLabelValues(sig.Pattern).Inc()
			signals = append(signals, sig)
		}
	}
	if len(signals) > 0 {
		log.Warn().
			Int("signals", len(signals)).
			Func(rgotel.LogTraceFields(ctx)).
			Msg("chain_injection_signals")
	}
	return signals
}

// filter classifies refs in extraction order. Denied references are skipped
// with the verdict's reason; image references are skipped when images are
// disabled; per-kind caps and then the overall cap apply to the rest.
func (o *Orchestrator) filter(ctx context.Context, refs []reference.Reference, req Request) ([]reference.Reference, []SkippedReference) {
	allowed := []reference.Reference{}
	skipped := []SkippedReference{}
	overall := req.overallCap()
	var urls, images int

	for _, ref := range refs {
		v := o.engine.Classify(ref)
		if !v.Allowed {
			skipped = append(skipped, skipFromVerdict(ref, v))
			referencesTotal.WithLabelValues(string(v.ReasonCode)).Inc()
			log.Debug().
				Str("domain", ref.Domain).
				Str("reason_code", string(v.ReasonCode)).
				Str("rule", v.Rule).
				Func(rgotel.LogTraceFields(ctx)).
				Msg("chain_reference_denied")
			continue
		}
		if ref.Kind == reference.KindImage && !req.ProcessImages {
			skipped = append(skipped, skip(ref, SkipImagesDisabled))
			referencesTotal.WithLabelValues(string(SkipImagesDisabled)).Inc()
			continue
		}

		kindCap, count := req.MaxURLs, &urls
		if ref.Kind == reference.KindImage {
			kindCap, count = req.MaxImages, &images
		}
		if (kindCap >= 0 && *count >= kindCap) || (overall >= 0 && len(allowed) >= overall) {
			skipped = append(skipped, skip(ref, SkipLimitExceeded))
			referencesTotal.WithLabelValues(string(SkipLimitExceeded)).Inc()
			continue
		}
		*count++
		allowed = append(allowed, ref.WithSanitized(v.Sanitized))
		referencesTotal.WithLabelValues("dispatched").Inc()
	}
	return allowed, skipped
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

var errTimeout = errors.New("timeout")

// call invokes tool under the per-dispatch timeout. It returns errTimeout when
// the deadline passes, even if the invoker ignores ctx.
func (o *Orchestrator) call(ctx context.Context, tool string, params map[string]interface{}) (json.RawMessage, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeResult{err: fmt.Errorf("tool %s panicked: %v", tool, r)}
			}
		}()
		payload, err := o.invoker.Invoke(cctx, tool, params)
		ch <- invokeResult{payload: payload, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return r.payload, r.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return nil, cctx.Err()
	}
}

// wrapPayload returns payload as JSON, sandboxed when token is set. Payloads
// that are not valid JSON are carried as a JSON string.
func wrapPayload(tool string, payload json.RawMessage, token string) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if token != "" {
		b, _ := json.Marshal(untrusted.Wrap(tool, string(payload), token))
		return b
	}
	if !json.Valid(payload) {
		b, _ := json.Marshal(string(payload))
		return b
	}
	return payload
}
