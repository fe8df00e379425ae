// Package risk implements the ordered veto chain the engine consults before
// submitting any order, grounded on the reference system's
// GlobalExposureGuard-style concurrency/notional caps and circuit-breaker
// fields (PredatorEngine/ExecutionService's dailyLoss/SafetyModeUntil),
// reorganised into the single ordered chain this engine's Risk Gate
// requires. The check ordering also mirrors
// other_examples/a48fed45_Inkedup1114-bitunixbot's CanTrade/CanTradeSymbol
// chain (reference-only; architecture reused, not code).
package risk

import (
	"github.com/shopspring/decimal"

	"scalpcore/internal/catalog"
	"scalpcore/internal/types"
)

// Reason enumerates veto causes.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDailyLossFloor     Reason = "DailyLossFloor"
	ReasonTooManyPositions   Reason = "TooManyPositions"
	ReasonSymbolBusy         Reason = "SymbolBusy"
	ReasonPrecisionRejected  Reason = "PrecisionRejected"
	ReasonSymbolStale        Reason = "SymbolStale"
	ReasonCorrelatedExposure Reason = "CorrelatedExposure"
)

// Verdict is the Risk Gate's result for one candidate.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Order   types.NormalisedOrder
}

// Gate evaluates admissibility; it holds no state of its own beyond a
// reference to the precision catalog and an optional correlated-symbol set.
type Gate struct {
	catalog           *catalog.Catalog
	correlatedSymbols map[string]bool
}

// New builds a Gate. correlatedSymbols may be nil/empty to disable the
// correlation throttle.
func New(cat *catalog.Catalog, correlatedSymbols []string) *Gate {
	set := make(map[string]bool, len(correlatedSymbols))
	for _, s := range correlatedSymbols {
		set[s] = true
	}
	return &Gate{catalog: cat, correlatedSymbols: set}
}

// Evaluate runs the ordered check chain for a candidate signal about to
// become an entry order.
func (g *Gate) Evaluate(
	signal types.Signal,
	portfolio *types.PortfolioState,
	settings types.Settings,
	rawQty float64,
	refPrice float64,
	lastTickNs int64,
	nowNs int64,
) Verdict {
	// 1. Kill-switch.
	floor := decimal.NewFromFloat(settings.DailyLossFloorUSD).Neg()
	if portfolio.DailyRealisedPnL.LessThanOrEqual(floor) {
		return Verdict{Allowed: false, Reason: ReasonDailyLossFloor}
	}

	// 2. Concurrency.
	if len(portfolio.OpenPositions) >= settings.MaxConcurrent {
		return Verdict{Allowed: false, Reason: ReasonTooManyPositions}
	}

	// 3. Per-symbol uniqueness.
	if _, busy := portfolio.OpenPositions[signal.Symbol]; busy {
		return Verdict{Allowed: false, Reason: ReasonSymbolBusy}
	}

	// 4. Staleness (checked before the local precision check, so a stale
	// symbol is refused as SymbolStale whatever its size).
	if lastTickNs > 0 && nowNs-lastTickNs > settings.StaleGapNs {
		return Verdict{Allowed: false, Reason: ReasonSymbolStale}
	}

	// 5. Correlation throttle (optional).
	if settings.CorrelationGuard && len(g.correlatedSymbols) > 0 && g.correlatedSymbols[signal.Symbol] {
		correlatedOpen := 0
		for sym := range portfolio.OpenPositions {
			if g.correlatedSymbols[sym] {
				correlatedOpen++
			}
		}
		if correlatedOpen*2 >= len(portfolio.OpenPositions)+1 && len(portfolio.OpenPositions) > 0 {
			return Verdict{Allowed: false, Reason: ReasonCorrelatedExposure}
		}
	}

	// 6. Size sanity via the precision catalog.
	order, err := g.catalog.NormaliseOrder(signal.Symbol, signal.Side, rawQty, refPrice)
	if err != nil {
		return Verdict{Allowed: false, Reason: ReasonPrecisionRejected}
	}

	return Verdict{Allowed: true, Order: order}
}
