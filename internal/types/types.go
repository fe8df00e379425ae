// Package types holds the data model shared across the engine's components.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trade direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the closing side for a position held on s.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Tick is one normalised market observation for a symbol.
type Tick struct {
	Symbol      string
	Price       float64
	Volume      float64
	Bid         float64
	Ask         float64
	TimestampNs int64
}

// HasBookTop reports whether Bid/Ask were populated by the source frame.
func (t Tick) HasBookTop() bool {
	return t.Bid > 0 && t.Ask > 0
}

// PrecisionRule is the exchange's per-symbol filter set.
type PrecisionRule struct {
	Symbol               string
	QtyStep              decimal.Decimal
	QtyMin               decimal.Decimal
	QtyMax               decimal.Decimal
	PriceStep            decimal.Decimal
	MinNotional          decimal.Decimal
	QtyPrecisionDigits   int32
	PricePrecisionDigits int32
}

// RejectReason enumerates non-retriable precheck failures.
type RejectReason string

const (
	RejectNotListed        RejectReason = "NotListed"
	RejectBelowMinQty      RejectReason = "BelowMinQty"
	RejectBelowMinNotional RejectReason = "BelowMinNotional"
	RejectZeroStep         RejectReason = "ZeroStep"
)

// NormalisedOrder is a precision-checked order ready for the executor.
type NormalisedOrder struct {
	Symbol   string
	Side     Side
	Qty      decimal.Decimal
	QtyStr   string
	RefPrice decimal.Decimal
}

// Features is the indicator/score snapshot attached to a signal and persisted
// with its eventual outcome.
type Features struct {
	SMA5, SMA10, SMA20, SMA50 float64
	EMA12, EMA26              float64
	RSI14                     float64
	MACD, MACDSignal, MACDHist float64
	BollUpper, BollMid, BollLower float64
	ATR14       float64
	Volatility  float64
	Momentum    float64
	VolumeRatio float64
	OFI         float64
}

// Signal is a scored entry candidate emitted by the signal generator.
type Signal struct {
	Symbol        string
	Side          Side
	Strength      float64
	Features      Features
	GeneratedAtNs int64
	Reasoning     []string
}

// CloseReason enumerates why a position was closed.
type CloseReason string

const (
	CloseStop       CloseReason = "Stop"
	CloseTake       CloseReason = "Take"
	CloseTimeLimit  CloseReason = "TimeLimit"
	CloseManual     CloseReason = "Manual"
	CloseKillSwitch CloseReason = "KillSwitch"
)

// Position is a live exposure on one symbol.
type Position struct {
	Symbol             string
	Side               Side
	Quantity           decimal.Decimal
	EntryPrice         decimal.Decimal
	EntryTsNs          int64
	StopPrice          decimal.Decimal
	TakePrice           decimal.Decimal
	MaxHoldNs          int64
	PeakFavorablePrice decimal.Decimal
	RealisedPnL        decimal.Decimal
	UnrealisedPnL      decimal.Decimal
	Adopted            bool
	EntryFeatures      Features
	CloseRetries       int
}

// Label is the outcome classification fed back to the oracle.
type Label string

const (
	LabelWin  Label = "Win"
	LabelLoss Label = "Loss"
)

// Outcome is the labelled record produced when a position closes.
type Outcome struct {
	ID              string
	Symbol          string
	FeaturesAtEntry Features
	Label           Label
	PnL             decimal.Decimal
	HoldNs          int64
	CloseReason     CloseReason
	Adopted         bool
	ClosedAtNs      int64
}

// EngineState is the supervisor's coarse lifecycle state.
type EngineState string

const (
	StateStarting EngineState = "Starting"
	StateRunning  EngineState = "Running"
	StatePaused   EngineState = "Paused"
	StateHalted   EngineState = "Halted"
	StateStopped  EngineState = "Stopped"
)

// Settings is the mutable, operator-adjustable configuration.
type Settings struct {
	Symbols             []string
	PositionSizeUSD     float64
	MaxConcurrent       int
	MinSignalStrength   float64
	MinSignalIntervalNs int64
	StopFloorPct        float64
	StopCapPct          float64
	TakeFloorPct        float64
	TakeCapPct          float64
	DailyLossFloorUSD   float64
	MaxHoldNs           int64
	Leverage            int
	Paused              bool
	StaleGapNs          int64
	CorrelationGuard    bool
	CloseRetryCap       int
	TrailingEnabled     bool
	TrailingFraction    float64
}

// DefaultSettings returns the operator-adjustable defaults used absent a
// settings file, matching the clamp pair fixed by the consolidated open
// question (stop 0.3%-1.0%, take 0.6%-2.0%).
func DefaultSettings() Settings {
	return Settings{
		Symbols:             []string{},
		PositionSizeUSD:     50,
		MaxConcurrent:       3,
		MinSignalStrength:   0.55,
		MinSignalIntervalNs: int64(30 * time.Second),
		StopFloorPct:        0.003,
		StopCapPct:          0.01,
		TakeFloorPct:        0.006,
		TakeCapPct:          0.02,
		DailyLossFloorUSD:   100,
		MaxHoldNs:           int64(30 * time.Minute),
		Leverage:            20,
		Paused:              false,
		StaleGapNs:          int64(10 * time.Second),
		CorrelationGuard:    false,
		CloseRetryCap:       5,
		TrailingEnabled:     true,
		TrailingFraction:    0.5,
	}
}

// PerSymbolStats tracks observability counters exposed on the control
// surface snapshot.
type PerSymbolStats struct {
	Ticks        int64
	Signals      int64
	DroppedTicks int64
	LastTickNs   int64
	LastError    string
}

// PortfolioState is the process-wide, supervisor-owned aggregate.
type PortfolioState struct {
	OpenPositions     map[string]*Position
	DailyRealisedPnL  decimal.Decimal
	PeakEquity        decimal.Decimal
	CurrentDrawdown   decimal.Decimal
	SessionStartNs    int64
	PerSymbol         map[string]*PerSymbolStats
	LastSignalTsNs    map[string]int64
}

// NewPortfolioState builds an empty aggregate for a fresh session.
func NewPortfolioState(nowNs int64) *PortfolioState {
	return &PortfolioState{
		OpenPositions:  make(map[string]*Position),
		PerSymbol:      make(map[string]*PerSymbolStats),
		LastSignalTsNs: make(map[string]int64),
		SessionStartNs: nowNs,
	}
}

// Snapshot is the read-only view returned by the control surface's GET /state.
type Snapshot struct {
	BalanceEstimate decimal.Decimal             `json:"balance_estimate"`
	OpenPositions   map[string]*Position        `json:"open_positions"`
	DailyPnL        decimal.Decimal             `json:"daily_pnl"`
	Settings        Settings                    `json:"settings"`
	PerSymbolStats  map[string]*PerSymbolStats  `json:"per_symbol_stats"`
	EngineState     EngineState                 `json:"engine_state"`
}
