package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	rgotel "github.com/dativo-io/refguard/internal/otel"
	"github.com/dativo-io/refguard/internal/reference"
	"github.com/dativo-io/refguard/internal/router"
)

// Dispatch statuses, used as the metrics status label.
const (
	statusOK          = "ok"
	statusError       = "error"
	statusTimeout     = "timeout"
	statusDenied      = "denied"
	statusCircuitOpen = "circuit_open"
)

// resultSet collects dispatch results by reference index. Once sealed, late
// writers are ignored so a run that hit its deadline returns a stable slice.
type resultSet struct {
	mu      sync.Mutex
	results []ToolResult
	filled  []bool
	sealed  bool
}

func newResultSet(n int) *resultSet {
	return &resultSet{results: make([]ToolResult, n), filled: make([]bool, n)}
}

func (s *resultSet) put(i int, r ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.results[i] = r
	s.filled[i] = true
}

// seal stops further writes and fills every empty slot with missing(i).
func (s *resultSet) seal(missing func(i int) ToolResult) []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := make([]ToolResult, len(s.results))
	for i := range s.results {
		if s.filled[i] {
			out[i] = s.results[i]
		} else {
			out[i] = missing(i)
		}
	}
	return out
}

// dispatch runs refs through their routed tools with at most MaxInFlight
// calls at a time. Results keep the order of refs. When ctx ends first, the
// references still pending come back as timed-out results.
func (o *Orchestrator) dispatch(ctx context.Context, refs []reference.Reference, token string) []ToolResult {
	if len(refs) == 0 {
		return []ToolResult{}
	}
	set := newResultSet(len(refs))
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		var g errgroup.Group
		g.SetLimit(o.cfg.MaxInFlight)
		for i, ref := range refs {
			if ctx.Err() != nil {
				break
			}
			i, ref := i, ref
			g.Go(func() error {
				set.put(i, o.dispatchOne(ctx, ref, token))
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	return set.seal(func(i int) ToolResult {
		reason := statusTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "canceled"
		}
		ref := refs[i]
		route := o.router.Route(ref)
		recordDispatch(route.Tool, statusTimeout, 0)
		return ToolResult{Tool: route.Tool, Reference: &ref, Error: reason}
	})
}

func (o *Orchestrator) dispatchOne(ctx context.Context, ref reference.Reference, token string) ToolResult {
	route := o.router.Route(ref)
	ctx, span := tracer.Start(ctx, "chain.dispatch", trace.WithAttributes(rgotel.DispatchAttributes(route.Tool, ref.Sanitized)...))
	defer span.End()

	res := ToolResult{Tool: route.Tool, Reference: &ref}
	start := time.Now()
	status := o.invokeRoute(ctx, route, &res, token)
	elapsed := time.Since(start)
	res.ElapsedMs = elapsed.Milliseconds()

	recordDispatch(route.Tool, status, elapsed.Seconds())
	span.SetAttributes(rgotel.DispatchOutcome.String(status))
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		if status == statusError || status == statusTimeout {
			o.failures.RecordToolFailure(route.Tool, res.Error)
		}
		log.Debug().
			Str("tool", route.Tool).
			Str("domain", ref.Domain).
			Str("status", status).
			Str("error", res.Error).
			Func(rgotel.LogTraceFields(ctx)).
			Msg("chain_dispatch_failed")
	}
	return res
}

// invokeRoute fills res and returns the dispatch status.
func (o *Orchestrator) invokeRoute(ctx context.Context, route router.Route, res *ToolResult, token string) string {
	if o.access != nil {
		decision, err := o.access.Evaluate(ctx, route.Tool, route.Params)
		if err != nil {
			res.Error = "tool-access: " + err.Error()
			return statusDenied
		}
		if !decision.Allowed {
			res.Error = "tool-denied: " + strings.Join(decision.Reasons, "; ")
			return statusDenied
		}
	}

	if o.breaker != nil {
		if err := o.breaker.Check(route.Tool); err != nil {
			res.Error = err.Error()
			return statusCircuitOpen
		}
	}

	payload, err := o.call(ctx, route.Tool, route.Params)
	if err != nil {
		if o.breaker != nil {
			o.breaker.RecordFailure(route.Tool)
		}
		res.Error = err.Error()
		if errors.Is(err, errTimeout) {
			return statusTimeout
		}
		return statusError
	}
	if o.breaker != nil {
		o.breaker.RecordSuccess(route.Tool)
	}
	res.Success = true
	res.Payload = wrapPayload(route.Tool, payload, token)
	return statusOK
}
