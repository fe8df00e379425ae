package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/types"
)

func bullishFeatures() types.Features {
	return types.Features{
		SMA5: 103, SMA10: 102, SMA20: 100,
		RSI14:       60,
		BollUpper:   110, BollMid: 100, BollLower: 90,
		Momentum:    40,
		VolumeRatio: 1.6,
		OFI:         0.5,
	}
}

func TestEvaluate_EmitsLongOnBullishStack(t *testing.T) {
	g := NewGenerator()
	settings := types.DefaultSettings()
	tick := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: 1_000_000_000}

	sig, ok := g.Evaluate("BTCUSDT", tick, bullishFeatures(), true, false, false, settings)
	require.True(t, ok)
	assert.Equal(t, types.Long, sig.Side)
	assert.GreaterOrEqual(t, sig.Strength, settings.MinSignalStrength)
}

func TestEvaluate_SuppressedWhenNotReady(t *testing.T) {
	g := NewGenerator()
	settings := types.DefaultSettings()
	tick := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: 1}
	_, ok := g.Evaluate("BTCUSDT", tick, bullishFeatures(), false, false, false, settings)
	assert.False(t, ok)
}

func TestEvaluate_SuppressedWhenOpenPosition(t *testing.T) {
	g := NewGenerator()
	settings := types.DefaultSettings()
	tick := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: 1}
	_, ok := g.Evaluate("BTCUSDT", tick, bullishFeatures(), true, true, false, settings)
	assert.False(t, ok)
}

func TestEvaluate_CooldownBlocksRapidReEmission(t *testing.T) {
	g := NewGenerator()
	settings := types.DefaultSettings()
	settings.MinSignalIntervalNs = int64(30e9)

	tick1 := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: 0}
	_, ok := g.Evaluate("BTCUSDT", tick1, bullishFeatures(), true, false, false, settings)
	require.True(t, ok)

	tick2 := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: int64(5e9)}
	_, ok = g.Evaluate("BTCUSDT", tick2, bullishFeatures(), true, false, false, settings)
	assert.False(t, ok)

	tick3 := types.Tick{Symbol: "BTCUSDT", Price: 103, TimestampNs: int64(31e9)}
	_, ok = g.Evaluate("BTCUSDT", tick3, bullishFeatures(), true, false, false, settings)
	assert.True(t, ok)
}

func TestEvaluate_RejectedBelowStrengthDoesNotResetCooldown(t *testing.T) {
	g := NewGenerator()
	settings := types.DefaultSettings()
	weak := types.Features{SMA5: 100, SMA10: 100, SMA20: 100, RSI14: 50, VolumeRatio: 1, BollUpper: 110, BollLower: 90}
	tick := types.Tick{Symbol: "ETHUSDT", Price: 100, TimestampNs: 0}
	_, ok := g.Evaluate("ETHUSDT", tick, weak, true, false, false, settings)
	assert.False(t, ok)
	_, seen := g.lastEmittedNs["ETHUSDT"]
	assert.False(t, seen)
}

func TestIsExtended(t *testing.T) {
	f := types.Features{BollUpper: 110, BollLower: 90, RSI14: 50}
	assert.True(t, IsExtended(types.Tick{Price: 111}, f))
	assert.False(t, IsExtended(types.Tick{Price: 100}, f))
}
