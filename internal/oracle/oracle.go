// Package oracle defines the external model capability the engine treats as
// a replaceable collaborator, plus a deterministic default implementation
// for operation without an external model service.
package oracle

import (
	"context"
	"time"

	"scalpcore/internal/types"
)

// Prediction is the oracle's confidence estimate for a candidate signal.
type Prediction struct {
	HoldProb  float64
	LongProb  float64
	ShortProb float64
	Confidence float64
}

// Oracle is the capability set the position manager depends on. All three
// methods must be safe to call from the dispatch loop without blocking it
// beyond their stated budgets.
type Oracle interface {
	// Predict returns class probabilities and a confidence scalar. Callers
	// apply a 5ms budget; on timeout the engine falls back (see Fallback).
	Predict(ctx context.Context, features types.Features) (Prediction, error)

	// DynamicStopTake returns fractional stop/take distances for a fill.
	DynamicStopTake(ctx context.Context, side types.Side, features types.Features, confidence float64) (stopPct, takePct float64, err error)

	// SubmitOutcome is fire-and-forget; implementations must not block the
	// caller on training-buffer I/O.
	SubmitOutcome(outcome types.Outcome)
}

// Fallback is used when Predict exceeds its timeout budget or errors: a
// fixed neutral confidence that only affects stop/take sizing, never the
// signal side itself (the side was already decided by the signal generator).
var Fallback = Prediction{HoldProb: 1, Confidence: 0.5}

// PredictWithTimeout calls o.Predict but never waits past budget.
func PredictWithTimeout(ctx context.Context, o Oracle, features types.Features, budget time.Duration) Prediction {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		p   Prediction
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := o.Predict(cctx, features)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Fallback
		}
		return r.p
	case <-cctx.Done():
		return Fallback
	}
}

// StubOracle is a deterministic in-process default, grounded on the
// reference system's per-asset leverage/fee-aware take-profit heuristics
// (CalculateDynamicMargin/CalculateNetTP in execution_service.go): a fixed
// stop distance and a take distance scaled by (0.5 + confidence), both
// clamped by the caller. It makes no per-asset or fee adjustment.
type StubOracle struct {
	BaseStopPct float64
	BaseTakePct float64
}

// NewStubOracle returns a stub with base distances of 0.4% (stop) and 1.5%
// (take), both inside the default clamp ranges.
func NewStubOracle() *StubOracle {
	return &StubOracle{BaseStopPct: 0.004, BaseTakePct: 0.015}
}

func (s *StubOracle) Predict(_ context.Context, f types.Features) (Prediction, error) {
	conf := 0.5 + 0.5*clamp(abs(f.Momentum)/50.0, 0, 1)
	if f.SMA5 > f.SMA10 {
		return Prediction{LongProb: conf, ShortProb: 1 - conf, Confidence: conf}, nil
	}
	return Prediction{ShortProb: conf, LongProb: 1 - conf, Confidence: conf}, nil
}

func (s *StubOracle) DynamicStopTake(_ context.Context, _ types.Side, _ types.Features, confidence float64) (float64, float64, error) {
	scale := 0.5 + confidence
	return s.BaseStopPct, s.BaseTakePct * scale, nil
}

func (s *StubOracle) SubmitOutcome(types.Outcome) {
	// Training-buffer persistence is entirely the oracle's concern; the stub
	// has none to keep.
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
