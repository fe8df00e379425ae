// Package position implements the open -> monitor -> close lifecycle,
// grounded on the reference system's PredatorEngine.MonitorPosition
// (time-limit/trailing logic) and ExecutionService.closePosition/
// EmergencyStopAll, whose map-order-dependent close-all this package
// replaces with a deterministic sequential loop — architecturally grounded
// on other_examples/f120c6e5_billygk-alpha-trading's ensureSequentialClearance
// (reference-only, not copied).
package position

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"scalpcore/internal/executor"
	"scalpcore/internal/oracle"
	"scalpcore/internal/types"
)

const oracleBudget = 5 * time.Millisecond

// Manager owns position open/monitor/close against a shared PortfolioState.
// It is driven exclusively by the engine supervisor's dispatch loop and
// holds no locks of its own.
type Manager struct {
	exec     *executor.Executor
	oracle   oracle.Oracle
	outcomes []types.Outcome
}

// New builds a Manager.
func New(exec *executor.Executor, o oracle.Oracle) *Manager {
	return &Manager{exec: exec, oracle: o}
}

// DrainOutcomes returns every outcome recorded since the last drain and
// clears the internal buffer. The engine supervisor calls this once on
// shutdown to persist the session's closed-position history.
func (m *Manager) DrainOutcomes() []types.Outcome {
	out := m.outcomes
	m.outcomes = nil
	return out
}

// Open submits an entry order for an accepted signal and, on fill, installs
// the Position into the portfolio.
func (m *Manager) Open(ctx context.Context, portfolio *types.PortfolioState, signal types.Signal, order types.NormalisedOrder, settings types.Settings, nowNs int64) (*types.Position, executor.Result) {
	res := m.exec.Submit(ctx, order)
	if res.Outcome != executor.OutcomeFilled {
		return nil, res
	}

	prediction := oracle.PredictWithTimeout(ctx, m.oracle, signal.Features, oracleBudget)
	stopPct, takePct, err := m.oracle.DynamicStopTake(ctx, signal.Side, signal.Features, prediction.Confidence)
	if err != nil {
		stopPct, takePct = settings.StopFloorPct, settings.TakeFloorPct
	}
	stopPct = clamp(stopPct, settings.StopFloorPct, settings.StopCapPct)
	takePct = clamp(takePct, settings.TakeFloorPct, settings.TakeCapPct)

	entry := decimal.NewFromFloat(res.FillPrice)
	stopPrice, takePrice := exitPrices(signal.Side, entry, stopPct, takePct)

	pos := &types.Position{
		Symbol:             signal.Symbol,
		Side:               signal.Side,
		Quantity:           order.Qty,
		EntryPrice:         entry,
		EntryTsNs:          nowNs,
		StopPrice:          stopPrice,
		TakePrice:          takePrice,
		MaxHoldNs:          settings.MaxHoldNs,
		PeakFavorablePrice: entry,
		EntryFeatures:      signal.Features,
	}
	portfolio.OpenPositions[signal.Symbol] = pos
	return pos, res
}

func exitPrices(side types.Side, entry decimal.Decimal, stopPct, takePct float64) (stop, take decimal.Decimal) {
	stopDist := entry.Mul(decimal.NewFromFloat(stopPct))
	takeDist := entry.Mul(decimal.NewFromFloat(takePct))
	if side == types.Long {
		return entry.Sub(stopDist), entry.Add(takeDist)
	}
	return entry.Add(stopDist), entry.Sub(takeDist)
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

// EvaluateTick checks one open position's exit conditions against a fresh
// tick, in the mandated order: time-limit, stop, take, trailing update.
// Returns the close reason if the position should be closed now.
func (m *Manager) EvaluateTick(pos *types.Position, price float64, nowNs int64, settings types.Settings) (types.CloseReason, bool) {
	if nowNs-pos.EntryTsNs >= pos.MaxHoldNs {
		return types.CloseTimeLimit, true
	}

	p := decimal.NewFromFloat(price)

	if pos.Side == types.Long {
		if p.LessThanOrEqual(pos.StopPrice) {
			return types.CloseStop, true
		}
		if p.GreaterThanOrEqual(pos.TakePrice) {
			return types.CloseTake, true
		}
	} else {
		if p.GreaterThanOrEqual(pos.StopPrice) {
			return types.CloseStop, true
		}
		if p.LessThanOrEqual(pos.TakePrice) {
			return types.CloseTake, true
		}
	}

	if settings.TrailingEnabled {
		m.updateTrailing(pos, p, settings.TrailingFraction)
	}

	return "", false
}

// updateTrailing advances the stop toward the peak favourable price by
// fraction, never widening it.
func (m *Manager) updateTrailing(pos *types.Position, price decimal.Decimal, fraction float64) {
	if pos.Side == types.Long {
		if price.GreaterThan(pos.PeakFavorablePrice) {
			pos.PeakFavorablePrice = price
		}
		gain := pos.PeakFavorablePrice.Sub(pos.EntryPrice)
		if gain.IsPositive() {
			candidate := pos.EntryPrice.Add(gain.Mul(decimal.NewFromFloat(fraction)))
			if candidate.GreaterThan(pos.StopPrice) {
				pos.StopPrice = candidate
			}
		}
		return
	}
	if price.LessThan(pos.PeakFavorablePrice) {
		pos.PeakFavorablePrice = price
	}
	gain := pos.EntryPrice.Sub(pos.PeakFavorablePrice)
	if gain.IsPositive() {
		candidate := pos.EntryPrice.Sub(gain.Mul(decimal.NewFromFloat(fraction)))
		if candidate.LessThan(pos.StopPrice) {
			pos.StopPrice = candidate
		}
	}
}

// Close submits the opposite-side order to flatten pos, updates the
// portfolio and the oracle's training feed, and removes it from
// OpenPositions on success. On executor failure it increments pos's retry
// counter and leaves it open for the next tick to retry, escalating past
// settings.CloseRetryCap.
func (m *Manager) Close(ctx context.Context, portfolio *types.PortfolioState, pos *types.Position, exitPrice float64, reason types.CloseReason, settings types.Settings, nowNs int64, feesUSD float64, catalog normaliser) (executor.Result, bool) {
	order, err := catalog.NormaliseOrder(pos.Symbol, pos.Side.Opposite(), pos.Quantity.InexactFloat64(), exitPrice)
	if err != nil {
		// Closing must not be blocked by precision rejection: fall back to
		// the position's own already-normalised quantity string.
		order = types.NormalisedOrder{Symbol: pos.Symbol, Side: pos.Side.Opposite(), Qty: pos.Quantity, QtyStr: pos.Quantity.String()}
	}

	res := m.exec.Submit(ctx, order)
	if res.Outcome != executor.OutcomeFilled {
		pos.CloseRetries++
		if pos.CloseRetries >= settings.CloseRetryCap {
			log.Printf("🚨 StuckPosition: %s failed to close %d times", pos.Symbol, pos.CloseRetries)
		}
		return res, false
	}

	pnl := realisedPnL(pos, decimal.NewFromFloat(res.FillPrice)).Sub(decimal.NewFromFloat(feesUSD))
	portfolio.DailyRealisedPnL = portfolio.DailyRealisedPnL.Add(pnl)
	delete(portfolio.OpenPositions, pos.Symbol)

	label := types.LabelLoss
	if pnl.IsPositive() {
		label = types.LabelWin
	}

	outcome := types.Outcome{
		ID:              uuid.NewString(),
		Symbol:          pos.Symbol,
		FeaturesAtEntry: pos.EntryFeatures,
		Label:           label,
		PnL:             pnl,
		HoldNs:          nowNs - pos.EntryTsNs,
		CloseReason:     reason,
		Adopted:         pos.Adopted,
		ClosedAtNs:      nowNs,
	}
	m.oracle.SubmitOutcome(outcome)
	m.outcomes = append(m.outcomes, outcome)

	return res, true
}

// normaliser is the slice of catalog.Catalog Close needs, narrowed to avoid
// an import cycle with internal/catalog's own dependents.
type normaliser interface {
	NormaliseOrder(symbol string, side types.Side, rawQty, refPrice float64) (types.NormalisedOrder, error)
}

func realisedPnL(pos *types.Position, exit decimal.Decimal) decimal.Decimal {
	if pos.Side == types.Long {
		return exit.Sub(pos.EntryPrice).Mul(pos.Quantity)
	}
	return pos.EntryPrice.Sub(exit).Mul(pos.Quantity)
}

// CloseAll issues closes for every open position sequentially, not in
// parallel (used both by the operator-requested close_all, tagged Manual,
// and by the kill-switch/shutdown paths, tagged KillSwitch). It returns the
// symbols that failed to close.
func (m *Manager) CloseAll(ctx context.Context, portfolio *types.PortfolioState, prices map[string]float64, settings types.Settings, nowNs int64, cat normaliser, reason types.CloseReason) []string {
	var failed []string
	symbols := make([]string, 0, len(portfolio.OpenPositions))
	for s := range portfolio.OpenPositions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		pos, ok := portfolio.OpenPositions[symbol]
		if !ok {
			continue
		}
		price, ok := prices[symbol]
		if !ok {
			price = pos.EntryPrice.InexactFloat64()
		}
		if _, closed := m.Close(ctx, portfolio, pos, price, reason, settings, nowNs, 0, cat); !closed {
			failed = append(failed, symbol)
		}
	}
	return failed
}
