// Package catalog maintains the immutable per-symbol precision catalog the
// rest of the engine normalises every outbound order through.
package catalog

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"scalpcore/internal/types"
)

// exchangeInfoClient is the slice of the futures client the catalog needs;
// narrowed to an interface so tests can fake it.
type exchangeInfoClient interface {
	NewExchangeInfoService() *futures.ExchangeInfoService
}

// Catalog caches PrecisionRule values, replacing the whole map atomically on
// refresh so readers never observe a partially-rebuilt table.
type Catalog struct {
	client exchangeInfoClient
	rules  atomic.Pointer[map[string]types.PrecisionRule]
}

// New builds an empty catalog; call Refresh before use.
func New(client exchangeInfoClient) *Catalog {
	c := &Catalog{client: client}
	empty := make(map[string]types.PrecisionRule)
	c.rules.Store(&empty)
	return c
}

// Refresh fetches instrument metadata and atomically replaces the rule set.
// Grounded on the reference system's FetchExchangeInfo, generalised to keep
// min-notional and fixed-point step/precision via shopspring/decimal instead
// of the reference's float-based rounding.
func (c *Catalog) Refresh(ctx context.Context) error {
	log.Println("🔌 Fetching exchange info (precision data)...")
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}

	next := make(map[string]types.PrecisionRule, len(info.Symbols))
	for _, s := range info.Symbols {
		rule := types.PrecisionRule{
			Symbol:      s.Symbol,
			QtyStep:     decimal.NewFromFloat(0.001),
			QtyMin:      decimal.NewFromFloat(0.001),
			QtyMax:      decimal.NewFromInt(1_000_000),
			PriceStep:   decimal.NewFromFloat(0.01),
			MinNotional: decimal.NewFromInt(5),
		}

		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := parseDecimal(f["tickSize"]); ok {
					rule.PriceStep = v
				}
			case "LOT_SIZE":
				if v, ok := parseDecimal(f["stepSize"]); ok {
					rule.QtyStep = v
				}
				if v, ok := parseDecimal(f["minQty"]); ok {
					rule.QtyMin = v
				}
				if v, ok := parseDecimal(f["maxQty"]); ok {
					rule.QtyMax = v
				}
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, ok := parseDecimal(f["notional"]); ok {
					rule.MinNotional = v
				} else if v, ok := parseDecimal(f["minNotional"]); ok {
					rule.MinNotional = v
				}
			}
		}

		rule.QtyPrecisionDigits = precisionDigits(rule.QtyStep)
		rule.PricePrecisionDigits = precisionDigits(rule.PriceStep)
		next[s.Symbol] = rule
	}

	c.rules.Store(&next)
	log.Printf("✅ Exchange info loaded. Symbols tracked: %d", len(next))
	return nil
}

func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// precisionDigits returns how many fractional digits a step implies, e.g.
// 0.001 -> 3, 1 -> 0.
func precisionDigits(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 0
	}
	s := step.String()
	dot := -1
	for i, r := range s {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0
	}
	return int32(len(s) - dot - 1)
}

// Rule returns the precision rule for symbol, or NotListed.
func (c *Catalog) Rule(symbol string) (types.PrecisionRule, error) {
	rules := *c.rules.Load()
	r, ok := rules[symbol]
	if !ok {
		return types.PrecisionRule{}, rejectErr(types.RejectNotListed)
	}
	return r, nil
}

// RejectError carries a non-retriable normalisation failure reason.
type RejectError struct {
	Reason types.RejectReason
}

func (e *RejectError) Error() string { return string(e.Reason) }

func rejectErr(r types.RejectReason) error { return &RejectError{Reason: r} }

// NormaliseOrder floors rawQty to the nearest multiple of QtyStep, clamps to
// QtyMax, and rejects below QtyMin or below MinNotional computed against
// refPrice. Idempotent: normalising an already-normalised quantity returns it
// unchanged.
func (c *Catalog) NormaliseOrder(symbol string, side types.Side, rawQty, refPrice float64) (types.NormalisedOrder, error) {
	rule, err := c.Rule(symbol)
	if err != nil {
		return types.NormalisedOrder{}, err
	}
	if rule.QtyStep.IsZero() {
		return types.NormalisedOrder{}, rejectErr(types.RejectZeroStep)
	}

	qty := decimal.NewFromFloat(rawQty)
	price := decimal.NewFromFloat(refPrice)

	steps := qty.Div(rule.QtyStep).Floor()
	normQty := steps.Mul(rule.QtyStep)

	if normQty.GreaterThan(rule.QtyMax) {
		maxSteps := rule.QtyMax.Div(rule.QtyStep).Floor()
		normQty = maxSteps.Mul(rule.QtyStep)
	}

	if normQty.LessThan(rule.QtyMin) {
		return types.NormalisedOrder{}, rejectErr(types.RejectBelowMinQty)
	}

	notional := normQty.Mul(price)
	if notional.LessThan(rule.MinNotional) {
		return types.NormalisedOrder{}, rejectErr(types.RejectBelowMinNotional)
	}

	return types.NormalisedOrder{
		Symbol:   symbol,
		Side:     side,
		Qty:      normQty,
		QtyStr:   normQty.StringFixed(rule.QtyPrecisionDigits),
		RefPrice: price,
	}, nil
}

// FormatPrice rounds a price to the symbol's tick size for display/order use.
func (c *Catalog) FormatPrice(symbol string, price float64) (string, error) {
	rule, err := c.Rule(symbol)
	if err != nil {
		return "", err
	}
	p := decimal.NewFromFloat(price)
	if rule.PriceStep.IsZero() {
		return p.StringFixed(2), nil
	}
	steps := p.Div(rule.PriceStep).Round(0)
	return steps.Mul(rule.PriceStep).StringFixed(rule.PricePrecisionDigits), nil
}
