// Package indicators maintains per-symbol O(1) rolling technical statistics.
//
// This redesigns the reference system's TrendAnalyzer, which recomputed
// EMA/RSI/ATR from scratch on every fetched klines slice. The formulas below
// are kept identical to the reference's (SMA-seeded EMA, Wilder-smoothed
// RSI/ATR), but state is carried incrementally in ring buffers so every
// Update call is O(1) regardless of how many ticks preceded it.
package indicators

import (
	"math"

	"scalpcore/internal/types"
)

const (
	windowShort  = 5
	windowMed    = 10
	windowLong   = 20
	windowLonger = 50
	rsiPeriod    = 14
	atrPeriod    = 14
	bollPeriod   = 20
	momentumLag  = 10
	ofiWindow    = 50
	volWindow    = 30
)

// Block is the per-symbol incremental indicator state.
type Block struct {
	symbol string

	prices ring
	sma5   windowSum
	sma10  windowSum
	sma20  windowSum
	sma50  windowSum

	ema12Set, ema26Set, ema9Set bool
	ema12, ema26                float64
	macdSignal                  float64

	rsiInit         bool
	avgGain, avgLoss float64
	lastPrice        float64

	atrInit   bool
	atr       float64
	prevClose float64

	volRet    ring // log returns for volatility
	volSum20  windowSum
	volumeSMA windowSum // running mean of traded volume, for VolumeRatio

	ofiBuy, ofiSell ring

	seen      int64
	liqVolume float64 // optional enrichment, see AddLiquidation
}

// windowSum keeps a running sum over a fixed window using a ring buffer,
// giving O(1) SMA/mean updates.
type windowSum struct {
	r   ring
	sum float64
}

func newWindowSum(capacity int) windowSum {
	return windowSum{r: *newRing(capacity)}
}

func (w *windowSum) push(v float64) {
	evicted, didEvict := w.r.push(v)
	w.sum += v
	if didEvict {
		w.sum -= evicted
	}
}

func (w *windowSum) mean() (float64, bool) {
	if !w.r.full() {
		return 0, false
	}
	return w.sum / float64(len(w.r.buf)), true
}

// NewBlock builds fresh, empty indicator state for one symbol.
func NewBlock(symbol string) *Block {
	return &Block{
		symbol:   symbol,
		prices:   *newRing(windowLonger),
		sma5:     newWindowSum(windowShort),
		sma10:    newWindowSum(windowMed),
		sma20:    newWindowSum(windowLong),
		sma50:    newWindowSum(windowLonger),
		volRet:    *newRing(volWindow),
		volSum20:  newWindowSum(volWindow),
		volumeSMA: newWindowSum(windowLong),
		ofiBuy:    *newRing(ofiWindow),
		ofiSell:   *newRing(ofiWindow),
	}
}

// requiredSamples is the largest warm-up window any published indicator
// depends on.
func requiredSamples() int64 {
	return windowLonger
}

// Ready reports whether enough ticks have been observed for every published
// indicator to be meaningful.
func (b *Block) Ready() bool {
	return b.seen >= requiredSamples()
}

// Update folds one tick into the block's state in O(1).
func (b *Block) Update(t types.Tick) {
	price := t.Price
	b.seen++

	b.prices.push(price)
	b.sma5.push(price)
	b.sma10.push(price)
	b.sma20.push(price)
	b.sma50.push(price)

	b.updateEMA(price)
	b.updateRSI(price)
	b.updateATR(price)
	b.updateVolatility(price)
	b.updateOFI(t)
	b.volumeSMA.push(t.Volume)

	b.lastPrice = price
	b.prevClose = price
}

func (b *Block) updateEMA(price float64) {
	const k12 = 2.0 / (12 + 1)
	const k26 = 2.0 / (26 + 1)
	const k9 = 2.0 / (9 + 1)

	if !b.ema12Set {
		if mean, ok := b.sma20.mean(); ok {
			b.ema12 = mean
			b.ema12Set = true
		}
	} else {
		b.ema12 = price*k12 + b.ema12*(1-k12)
	}

	if !b.ema26Set {
		if b.prices.full() {
			b.ema26 = b.smaAll()
			b.ema26Set = true
		}
	} else {
		b.ema26 = price*k26 + b.ema26*(1-k26)
	}

	if b.ema12Set && b.ema26Set {
		macd := b.ema12 - b.ema26
		if !b.ema9Set {
			b.macdSignal = macd
			b.ema9Set = true
		} else {
			b.macdSignal = macd*k9 + b.macdSignal*(1-k9)
		}
	}
}

func (b *Block) smaAll() float64 {
	sum := 0.0
	n := 0
	for i := 0; i < b.prices.count; i++ {
		v, ok := b.prices.at(i)
		if !ok {
			break
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// updateRSI follows Wilder's method: seed with a simple average of the
// first `rsiPeriod` gains/losses, then exponentially smooth.
func (b *Block) updateRSI(price float64) {
	if b.seen <= 1 {
		return
	}
	change := price - b.lastPrice
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if !b.rsiInit {
		b.avgGain += gain
		b.avgLoss += loss
		if b.seen-1 == rsiPeriod {
			b.avgGain /= rsiPeriod
			b.avgLoss /= rsiPeriod
			b.rsiInit = true
		}
		return
	}

	b.avgGain = (b.avgGain*(rsiPeriod-1) + gain) / rsiPeriod
	b.avgLoss = (b.avgLoss*(rsiPeriod-1) + loss) / rsiPeriod
}

// RSI returns the current RSI-14, or 50 (neutral) before warm-up.
func (b *Block) RSI() float64 {
	if !b.rsiInit {
		return 50
	}
	if b.avgLoss == 0 {
		return 100
	}
	rs := b.avgGain / b.avgLoss
	return 100 - (100 / (1 + rs))
}

// Bollinger returns (mid, upper, lower, ready).
func (b *Block) Bollinger() (mid, upper, lower float64, ready bool) {
	mean, ok := b.sma20.mean()
	if !ok {
		return 0, 0, 0, false
	}
	// Compute variance directly from the SMA20 ring contents: O(window),
	// window is fixed at 20 so this is still O(1) amortised per tick.
	sumSq := 0.0
	n := 0
	for i := 0; i < b.sma20.r.count; i++ {
		v, ok := b.sma20.r.at(i)
		if !ok {
			break
		}
		sumSq += (v - mean) * (v - mean)
		n++
	}
	if n == 0 {
		return mean, mean, mean, true
	}
	variance := sumSq / float64(n)
	sigma := math.Sqrt(math.Max(variance, 1e-12))
	return mean, mean + 2*sigma, mean - 2*sigma, true
}

func (b *Block) updateATR(price float64) {
	if b.seen <= 1 {
		b.atr = 0
		return
	}
	tr := math.Abs(price - b.prevClose)
	if !b.atrInit {
		b.atr += tr
		if b.seen-1 == atrPeriod {
			b.atr /= atrPeriod
			b.atrInit = true
		}
		return
	}
	b.atr = (b.atr*(atrPeriod-1) + tr) / atrPeriod
}

// ATR returns the current ATR-14 (degenerate to a price-volatility proxy
// when only trade prints, not OHLC bars, are available).
func (b *Block) ATR() float64 { return b.atr }

func (b *Block) updateVolatility(price float64) {
	if b.seen <= 1 || b.lastPrice <= 0 {
		return
	}
	logRet := math.Log(price / b.lastPrice)
	b.volRet.push(logRet)
	b.volSum20.push(logRet)
}

// Volatility returns the sample stddev of recent log returns, or 0 before
// warm-up.
func (b *Block) Volatility() float64 {
	if b.volRet.count < 2 {
		return 0
	}
	mean, _ := b.volSum20.mean()
	sumSq := 0.0
	n := 0
	for i := 0; i < b.volRet.count; i++ {
		v, ok := b.volRet.at(i)
		if !ok {
			break
		}
		sumSq += (v - mean) * (v - mean)
		n++
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// Momentum returns price - price[momentumLag ticks ago], 0 if unavailable.
func (b *Block) Momentum() float64 {
	past, ok := b.prices.at(momentumLag)
	if !ok {
		return 0
	}
	return b.lastPrice - past
}

// VolumeRatio returns current volume / SMA20(volume), folded in via Update.
func (b *Block) VolumeRatio(currentVolume float64) float64 {
	mean, ok := b.volumeSMA.mean()
	if !ok || mean == 0 {
		return 1
	}
	return currentVolume / mean
}

// updateOFI classifies the tick's aggressor side and accumulates signed
// volume, resolving SPEC_FULL.md open question 1: mid-price comparison when
// book-top is present, else previous-tick comparison, else skip on exact tie.
func (b *Block) updateOFI(t types.Tick) {
	var isBuy, classified bool
	switch {
	case t.HasBookTop():
		mid := (t.Bid + t.Ask) / 2
		isBuy = t.Price >= mid
		classified = true
	case b.seen > 1:
		if t.Price > b.lastPrice {
			isBuy, classified = true, true
		} else if t.Price < b.lastPrice {
			isBuy, classified = false, true
		}
	}
	if !classified {
		b.ofiBuy.push(0)
		b.ofiSell.push(0)
		return
	}
	if isBuy {
		b.ofiBuy.push(t.Volume)
		b.ofiSell.push(0)
	} else {
		b.ofiBuy.push(0)
		b.ofiSell.push(t.Volume)
	}
}

// OFI returns signed order-flow imbalance normalised to [-1, 1]. Accumulated
// liquidation notional, if any, is folded into whichever side already leads:
// cascading liquidations run with the prevailing move, not against it.
func (b *Block) OFI() float64 {
	buy, sell := 0.0, 0.0
	for i := 0; i < b.ofiBuy.count; i++ {
		v, _ := b.ofiBuy.at(i)
		buy += v
	}
	for i := 0; i < b.ofiSell.count; i++ {
		v, _ := b.ofiSell.at(i)
		sell += v
	}
	if b.liqVolume > 0 {
		if buy >= sell {
			buy += b.liqVolume
		} else {
			sell += b.liqVolume
		}
	}
	total := buy + sell
	if total == 0 {
		return 0
	}
	return (buy - sell) / total
}

// AddLiquidation folds an exchange liquidation print's notional into the
// order-flow enrichment, adapted from the reference system's
// LiquidationMonitor (a separate time-windowed accumulator there; folded
// into the indicator block here since it is consumed by the same
// order-flow-imbalance feature).
func (b *Block) AddLiquidation(notional float64) {
	b.liqVolume += notional
}

// LiquidationVolume returns the accumulated liquidation notional observed
// for this symbol since the block was created.
func (b *Block) LiquidationVolume() float64 { return b.liqVolume }

// Snapshot materialises the current feature set, or NotReady before warm-up.
func (b *Block) Snapshot(currentVolume float64) (types.Features, bool) {
	if !b.Ready() {
		return types.Features{}, false
	}
	sma5, _ := b.sma5.mean()
	sma10, _ := b.sma10.mean()
	sma20, _ := b.sma20.mean()
	sma50, _ := b.sma50.mean()
	mid, upper, lower, _ := b.Bollinger()
	macd := b.ema12 - b.ema26

	return types.Features{
		SMA5: sma5, SMA10: sma10, SMA20: sma20, SMA50: sma50,
		EMA12: b.ema12, EMA26: b.ema26,
		RSI14:      b.RSI(),
		MACD:       macd,
		MACDSignal: b.macdSignal,
		MACDHist:   macd - b.macdSignal,
		BollUpper:  upper, BollMid: mid, BollLower: lower,
		ATR14:       b.ATR(),
		Volatility:  b.Volatility(),
		Momentum:    b.Momentum(),
		VolumeRatio: b.VolumeRatio(currentVolume),
		OFI:         b.OFI(),
	}, true
}
