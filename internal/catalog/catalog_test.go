package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/types"
)

func seedCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := New(nil)
	rules := map[string]types.PrecisionRule{
		"BTCUSDT": {
			Symbol:               "BTCUSDT",
			QtyStep:              decimal.NewFromFloat(0.001),
			QtyMin:               decimal.NewFromFloat(0.001),
			QtyMax:               decimal.NewFromInt(1000),
			PriceStep:            decimal.NewFromFloat(0.1),
			MinNotional:          decimal.NewFromInt(5),
			QtyPrecisionDigits:   3,
			PricePrecisionDigits: 1,
		},
	}
	c.rules.Store(&rules)
	return c
}

func TestNormaliseOrder_FloorsToStep(t *testing.T) {
	c := seedCatalog(t)
	order, err := c.NormaliseOrder("BTCUSDT", types.Long, 0.0019, 45000)
	require.NoError(t, err)
	assert.Equal(t, "0.001", order.QtyStr)
}

func TestNormaliseOrder_BelowMinQtyRejectsBeforeHTTP(t *testing.T) {
	c := New(nil)
	rules := map[string]types.PrecisionRule{
		"XUSDT": {
			Symbol:      "XUSDT",
			QtyStep:     decimal.NewFromFloat(0.001),
			QtyMin:      decimal.NewFromFloat(0.001),
			QtyMax:      decimal.NewFromInt(1000),
			PriceStep:   decimal.NewFromFloat(0.1),
			MinNotional: decimal.NewFromInt(10),
		},
	}
	c.rules.Store(&rules)

	_, err := c.NormaliseOrder("XUSDT", types.Long, 0.00011, 45000)
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, types.RejectBelowMinQty, rerr.Reason)
}

func TestNormaliseOrder_Idempotent(t *testing.T) {
	c := seedCatalog(t)
	first, err := c.NormaliseOrder("BTCUSDT", types.Long, 0.0047, 45000)
	require.NoError(t, err)

	again, err := c.NormaliseOrder("BTCUSDT", types.Long, first.Qty.InexactFloat64(), 45000)
	require.NoError(t, err)
	assert.True(t, first.Qty.Equal(again.Qty))
}

func TestRule_NotListed(t *testing.T) {
	c := New(nil)
	_, err := c.Rule("NOPEUSDT")
	require.Error(t, err)
	var rerr *RejectError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, types.RejectNotListed, rerr.Reason)
}
