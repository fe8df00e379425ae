package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/catalog"
	"scalpcore/internal/types"
)

func TestEvaluate_DailyLossFloorVetoes(t *testing.T) {
	g := New(nil, nil)
	p := types.NewPortfolioState(0)
	p.DailyRealisedPnL = decimal.NewFromInt(-101)
	settings := types.DefaultSettings()
	settings.DailyLossFloorUSD = 100

	v := g.Evaluate(types.Signal{Symbol: "BTCUSDT", Side: types.Long}, p, settings, 0.001, 45000, 0, 0)
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonDailyLossFloor, v.Reason)
}

func TestEvaluate_TooManyPositions(t *testing.T) {
	g := New(nil, nil)
	p := types.NewPortfolioState(0)
	p.OpenPositions["AUSDT"] = &types.Position{}
	p.OpenPositions["BUSDT"] = &types.Position{}
	settings := types.DefaultSettings()
	settings.MaxConcurrent = 2

	v := g.Evaluate(types.Signal{Symbol: "CUSDT", Side: types.Long}, p, settings, 0.001, 100, 0, 0)
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonTooManyPositions, v.Reason)
}

func TestEvaluate_SymbolBusy(t *testing.T) {
	g := New(nil, nil)
	p := types.NewPortfolioState(0)
	p.OpenPositions["BTCUSDT"] = &types.Position{}
	settings := types.DefaultSettings()

	v := g.Evaluate(types.Signal{Symbol: "BTCUSDT", Side: types.Long}, p, settings, 0.001, 45000, 0, 0)
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonSymbolBusy, v.Reason)
}

func TestEvaluate_StaleSymbolRefused(t *testing.T) {
	g := New(nil, nil)
	p := types.NewPortfolioState(0)
	settings := types.DefaultSettings()
	settings.StaleGapNs = int64(10e9)

	v := g.Evaluate(types.Signal{Symbol: "ETHUSDT", Side: types.Long}, p, settings, 0.001, 2000, 0, int64(15e9))
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonSymbolStale, v.Reason)
}

func TestEvaluate_PrecisionRejectedBeforeHTTP(t *testing.T) {
	c := catalog.New(nil)
	g := New(c, nil)
	p := types.NewPortfolioState(0)
	settings := types.DefaultSettings()

	v := g.Evaluate(types.Signal{Symbol: "NOTLISTED", Side: types.Long}, p, settings, 1, 100, 0, 0)
	require.False(t, v.Allowed)
	assert.Equal(t, ReasonPrecisionRejected, v.Reason)
}
