// Package signal scores incoming ticks against indicator state and emits
// scalping entry candidates.
//
// The weighted-component architecture here generalises the reference
// system's SignalFilter.Validate (a weighted-point institutional-cluster
// gate: iceberg=2, liquidation=+1.5, whale=1, threshold 3.0) into five
// always-on scoring components instead of one ad hoc whale-cluster gate.
// The mean-reversion component completes scalp_signal_engine.go's
// isExtended, left in the reference as `return false // Placeholder`.
package signal

import (
	"math"

	"scalpcore/internal/types"
)

const (
	weightTrend     = 0.30
	weightMomentum  = 0.25
	weightMeanRev   = 0.20
	weightOrderFlow = 0.15
	weightVolume    = 0.10

	momentumThreshold = 50.0 // price units over the momentum lag considered "full scale"
	volumeThreshold   = 1.4
	rsiOverbought     = 70.0
	rsiOversold       = 30.0
)

// Generator emits at most one Signal per symbol per cooldown window.
//
// Folded in here, rather than kept as the reference's standalone
// AppSignalDistributor/SignalAggregator pair, is their persistence/cooldown
// state-machine idea (PersistenceSecs/CooldownMins) — that pair's other
// purpose, feeding a public dashboard push feed, is out of this engine's
// scope (the dashboard UI is contract-only), so only the cooldown timer
// survives here, applied directly to emission instead of to a separate
// distribution stage.
type Generator struct {
	lastEmittedNs map[string]int64
}

// NewGenerator returns an empty, stateless-until-fed generator.
func NewGenerator() *Generator {
	return &Generator{lastEmittedNs: make(map[string]int64)}
}

// Evaluate scores one symbol's current tick/feature pair and returns a
// Signal if every emission precondition in the component design holds. It
// never panics and updates no state unless it actually emits.
func (g *Generator) Evaluate(
	symbol string,
	tick types.Tick,
	features types.Features,
	indicatorsReady bool,
	hasOpenPosition bool,
	paused bool,
	settings types.Settings,
) (types.Signal, bool) {
	if paused || hasOpenPosition || !indicatorsReady {
		return types.Signal{}, false
	}

	last, seen := g.lastEmittedNs[symbol]
	if seen && tick.TimestampNs-last < settings.MinSignalIntervalNs {
		return types.Signal{}, false
	}

	raw, reasoning := score(tick, features)
	strength := math.Abs(raw)

	if strength < settings.MinSignalStrength {
		return types.Signal{}, false
	}

	side := types.Long
	if raw < 0 {
		side = types.Short
	}

	g.lastEmittedNs[symbol] = tick.TimestampNs

	return types.Signal{
		Symbol:        symbol,
		Side:          side,
		Strength:      strength,
		Features:      features,
		GeneratedAtNs: tick.TimestampNs,
		Reasoning:     reasoning,
	}, true
}

// score computes the weighted raw score in [-1, 1] and a diagnostic
// reasoning trail (never consulted for control flow, only for observability).
func score(tick types.Tick, f types.Features) (float64, []string) {
	var raw float64
	var reasons []string

	// Trend component: bullish/bearish MA stack.
	switch {
	case f.SMA5 > f.SMA10 && f.SMA10 > f.SMA20:
		raw += weightTrend
		reasons = append(reasons, "bullish MA stack (SMA5>SMA10>SMA20)")
	case f.SMA5 < f.SMA10 && f.SMA10 < f.SMA20:
		raw -= weightTrend
		reasons = append(reasons, "bearish MA stack (SMA5<SMA10<SMA20)")
	}

	// Momentum component: scaled, clamped return over the lookback window.
	momentumScore := clamp(f.Momentum/momentumThreshold, -1, 1)
	raw += momentumScore * weightMomentum
	if momentumScore != 0 {
		reasons = append(reasons, "momentum contribution")
	}

	// Mean-reversion component: fade band/RSI extension.
	meanRevScore := 0.0
	if IsExtended(tick, f) {
		if tick.Price > f.BollUpper || f.RSI14 > rsiOverbought {
			meanRevScore = -1
			reasons = append(reasons, "price/RSI extended above band, fading long")
		} else {
			meanRevScore = 1
			reasons = append(reasons, "price/RSI extended below band, fading short")
		}
	}
	raw += meanRevScore * weightMeanRev

	// Order-flow component: signed OFI, already normalised to [-1, 1].
	raw += clamp(f.OFI, -1, 1) * weightOrderFlow
	if f.OFI != 0 {
		reasons = append(reasons, "order-flow imbalance contribution")
	}

	// Volume-confirmation gate: amplify on confirmed volume, dampen on stale.
	switch {
	case f.VolumeRatio >= volumeThreshold:
		raw += math.Copysign(weightVolume, raw)
		reasons = append(reasons, "volume confirmation above threshold")
	case f.VolumeRatio < 1.0:
		raw *= 0.7
		reasons = append(reasons, "stale volume, dampened")
	}

	return clamp(raw, -1, 1), reasons
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

// IsExtended reports whether price sits outside the Bollinger band or RSI
// extension zone, the chase-guard check the reference system's
// ScalpSignalEngine.isExtended left unimplemented.
func IsExtended(tick types.Tick, f types.Features) bool {
	return tick.Price > f.BollUpper || tick.Price < f.BollLower ||
		f.RSI14 > rsiOverbought || f.RSI14 < rsiOversold
}
