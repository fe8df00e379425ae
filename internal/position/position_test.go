package position

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/executor"
	"scalpcore/internal/oracle"
	"scalpcore/internal/types"
)

type fakeNormaliser struct{}

func (fakeNormaliser) NormaliseOrder(symbol string, side types.Side, rawQty, refPrice float64) (types.NormalisedOrder, error) {
	return types.NormalisedOrder{Symbol: symbol, Side: side, Qty: decimal.NewFromFloat(rawQty), QtyStr: "0.001"}, nil
}

type fakeTransport struct{ fillPrice float64 }

func (f fakeTransport) SubmitOrder(ctx context.Context, symbol string, side types.Side, qtyStr, clientOrderID string) (executor.Result, error) {
	return executor.Result{OrderID: 1, FilledQty: 0.001, FillPrice: f.fillPrice}, nil
}

func TestOpen_InstallsPosition(t *testing.T) {
	exec := executor.New(fakeTransport{fillPrice: 45000})
	m := New(exec, oracle.NewStubOracle())
	portfolio := types.NewPortfolioState(0)
	settings := types.DefaultSettings()
	sig := types.Signal{Symbol: "BTCUSDT", Side: types.Long, Features: types.Features{SMA5: 10, SMA10: 5}}
	order := types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, Qty: decimal.NewFromFloat(0.001), QtyStr: "0.001"}

	pos, res := m.Open(context.Background(), portfolio, sig, order, settings, 0)
	require.Equal(t, executor.OutcomeFilled, res.Outcome)
	require.NotNil(t, pos)
	assert.True(t, pos.StopPrice.LessThan(pos.EntryPrice))
	assert.True(t, pos.TakePrice.GreaterThan(pos.EntryPrice))
	assert.Same(t, pos, portfolio.OpenPositions["BTCUSDT"])
}

func TestEvaluateTick_StopHitInclusive(t *testing.T) {
	exec := executor.New(fakeTransport{})
	m := New(exec, oracle.NewStubOracle())
	pos := &types.Position{
		Side: types.Long, EntryPrice: decimal.NewFromInt(100),
		StopPrice: decimal.NewFromInt(95), TakePrice: decimal.NewFromInt(110),
		MaxHoldNs: int64(1e12), PeakFavorablePrice: decimal.NewFromInt(100),
	}
	reason, shouldClose := m.EvaluateTick(pos, 95, 0, types.DefaultSettings())
	assert.True(t, shouldClose)
	assert.Equal(t, types.CloseStop, reason)
}

func TestEvaluateTick_TimeLimit(t *testing.T) {
	exec := executor.New(fakeTransport{})
	m := New(exec, oracle.NewStubOracle())
	pos := &types.Position{
		Side: types.Long, EntryPrice: decimal.NewFromInt(100), EntryTsNs: 0,
		StopPrice: decimal.NewFromInt(90), TakePrice: decimal.NewFromInt(200), MaxHoldNs: 100,
		PeakFavorablePrice: decimal.NewFromInt(100),
	}
	reason, shouldClose := m.EvaluateTick(pos, 101, 100, types.DefaultSettings())
	assert.True(t, shouldClose)
	assert.Equal(t, types.CloseTimeLimit, reason)
}

func TestUpdateTrailing_NeverWidensStop(t *testing.T) {
	exec := executor.New(fakeTransport{})
	m := New(exec, oracle.NewStubOracle())
	settings := types.DefaultSettings()
	settings.TrailingFraction = 1.0
	pos := &types.Position{
		Side: types.Long, EntryPrice: decimal.NewFromInt(100),
		StopPrice: decimal.NewFromInt(95), TakePrice: decimal.NewFromInt(200),
		MaxHoldNs: int64(1e12), PeakFavorablePrice: decimal.NewFromInt(100),
	}
	_, closed := m.EvaluateTick(pos, 110, 0, settings)
	require.False(t, closed)
	tightenedStop := pos.StopPrice
	assert.True(t, tightenedStop.GreaterThan(decimal.NewFromInt(95)))

	// a pullback must never widen the stop back down
	_, closed = m.EvaluateTick(pos, 105, 1, settings)
	require.False(t, closed)
	assert.True(t, pos.StopPrice.GreaterThanOrEqual(tightenedStop))
}

func TestClose_RemovesFromPortfolioAndLabelsOutcome(t *testing.T) {
	exec := executor.New(fakeTransport{fillPrice: 110})
	m := New(exec, oracle.NewStubOracle())
	portfolio := types.NewPortfolioState(0)
	pos := &types.Position{
		Symbol: "BTCUSDT", Side: types.Long, Quantity: decimal.NewFromFloat(0.001),
		EntryPrice: decimal.NewFromInt(100),
	}
	portfolio.OpenPositions["BTCUSDT"] = pos

	_, closed := m.Close(context.Background(), portfolio, pos, 110, types.CloseTake, types.DefaultSettings(), 1, 0, fakeNormaliser{})
	require.True(t, closed)
	_, stillOpen := portfolio.OpenPositions["BTCUSDT"]
	assert.False(t, stillOpen)
	assert.True(t, portfolio.DailyRealisedPnL.IsPositive())
}

func TestDrainOutcomes_ReturnsAndClearsBuffer(t *testing.T) {
	exec := executor.New(fakeTransport{fillPrice: 110})
	m := New(exec, oracle.NewStubOracle())
	portfolio := types.NewPortfolioState(0)
	pos := &types.Position{
		Symbol: "BTCUSDT", Side: types.Long, Quantity: decimal.NewFromFloat(0.001),
		EntryPrice: decimal.NewFromInt(100),
	}
	portfolio.OpenPositions["BTCUSDT"] = pos

	_, closed := m.Close(context.Background(), portfolio, pos, 110, types.CloseTake, types.DefaultSettings(), 1, 0, fakeNormaliser{})
	require.True(t, closed)

	outcomes := m.DrainOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "BTCUSDT", outcomes[0].Symbol)
	assert.NotEmpty(t, outcomes[0].ID)
	assert.Empty(t, m.DrainOutcomes())
}
