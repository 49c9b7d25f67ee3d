package search

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tribridrag/tribrid/pkg/llm"
	"github.com/tribridrag/tribrid/pkg/observability"
)

// legOutcome is one leg's result: its matches or its failure, never
// both. Failures stay inside the outcome; the dispatcher never lets a
// leg abort its siblings or the request.
type legOutcome struct {
	matches []ChunkMatch
	err     error
	elapsed time.Duration
}

// errorMessage renders the leg failure for the debug block. Timeouts
// collapse to "timeout"; everything else is redacted in case a driver
// echoed credentials back.
func (o *legOutcome) errorMessage() string {
	if o == nil || o.err == nil {
		return ""
	}
	if errors.Is(o.err, context.DeadlineExceeded) {
		return "timeout"
	}
	return llm.Redact(o.err.Error())
}

type legFunc func(ctx context.Context, plan *Plan) ([]ChunkMatch, error)

// dispatch fans the enabled legs out concurrently, each under its own
// deadline, and hands back one outcome per leg keyed by leg name. The
// map always holds entries in (vector, sparse, graph) reading order for
// the caller; completion order does not matter.
func (e *Engine) dispatch(ctx context.Context, plan *Plan) map[string]*legOutcome {
	outcomes := make(map[string]*legOutcome, 3)
	g, groupCtx := errgroup.WithContext(ctx)

	run := func(leg string, fn legFunc) {
		o := &legOutcome{}
		outcomes[leg] = o
		g.Go(func() error {
			legCtx := groupCtx
			cancel := context.CancelFunc(func() {})
			if e.legTimeout > 0 {
				legCtx, cancel = context.WithTimeout(groupCtx, e.legTimeout)
			}
			defer cancel()

			tracer := observability.GetTracer("tribrid/search")
			legCtx, span := tracer.Start(legCtx, "leg."+leg)
			defer span.End()

			start := time.Now()
			o.matches, o.err = fn(legCtx, plan)
			o.elapsed = time.Since(start)
			e.metrics.RecordLeg(ctx, leg, o.elapsed)

			if o.err != nil {
				e.logger.Warn("Retrieval leg failed",
					"leg", leg,
					"error", o.errorMessage(),
					"elapsed", o.elapsed)
			}
			// Leg failures degrade the response instead of failing it;
			// returning nil keeps the sibling legs running.
			return nil
		})
	}

	if plan.Vector {
		run(observability.LegVector, e.runVectorLeg)
	}
	if plan.Sparse {
		run(observability.LegSparse, e.runSparseLeg)
	}
	if plan.Graph {
		run(observability.LegGraph, e.runGraphLeg)
	}

	_ = g.Wait()
	return outcomes
}
