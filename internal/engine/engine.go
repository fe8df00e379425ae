// Package engine implements the single-mutator dispatch loop that owns
// PortfolioState and Settings for the life of the process, grounded on the
// reference system's PredatorEngine (main.go/predator_engine.go): its
// per-symbol worker-plus-shared-mutex design is replaced here with one
// goroutine serialising every tick and every operator command through a
// single select loop, so PortfolioState and Settings never need their own
// mutex.
package engine

import (
	"context"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"scalpcore/internal/catalog"
	"scalpcore/internal/control"
	"scalpcore/internal/indicators"
	"scalpcore/internal/oracle"
	"scalpcore/internal/position"
	"scalpcore/internal/risk"
	"scalpcore/internal/signal"
	"scalpcore/internal/stream"
	"scalpcore/internal/types"

	"scalpcore/internal/notify"
)

const (
	dispatchTick  = 50 * time.Millisecond
	pollPerSymbol = 32
)

type cmdKind int

const (
	cmdApplySettings cmdKind = iota
	cmdClosePosition
	cmdCloseAll
	cmdSetPaused
	cmdAddSymbol
	cmdRemoveSymbol
	cmdHalt
)

type command struct {
	kind   cmdKind
	patch  control.SettingsPatch
	symbol string
	paused bool
	reason string
	done   chan error
}

// Supervisor owns PortfolioState and Settings, and is the sole goroutine
// that ever mutates them. All other goroutines (HTTP handlers, the stream
// reader) communicate with it exclusively through cmdCh.
type Supervisor struct {
	catalog    *catalog.Catalog
	stream     *stream.Stream
	indicators *indicators.Manager
	signalGen  *signal.Generator
	riskGate   *risk.Gate
	posMgr     *position.Manager
	notifier   notify.Sink

	portfolio *types.PortfolioState
	settings  types.Settings
	state     types.EngineState
	lastPrice map[string]float64

	liqStream *stream.Stream
	priceSink PriceSink

	runCtx   context.Context
	cmdCh    chan command
	snapshot atomic.Pointer[types.Snapshot]
}

// New builds a Supervisor in the Starting state. Call Run to begin the
// dispatch loop.
func New(cat *catalog.Catalog, str *stream.Stream, ind *indicators.Manager, sigGen *signal.Generator, gate *risk.Gate, posMgr *position.Manager, notifier notify.Sink, settings types.Settings, nowNs int64) *Supervisor {
	s := &Supervisor{
		catalog:    cat,
		stream:     str,
		indicators: ind,
		signalGen:  sigGen,
		riskGate:   gate,
		posMgr:     posMgr,
		notifier:   notifier,
		portfolio:  types.NewPortfolioState(nowNs),
		settings:   settings,
		state:      types.StateStarting,
		lastPrice:  make(map[string]float64),
		cmdCh:      make(chan command, 32),
	}
	for _, sym := range settings.Symbols {
		ind.Add(sym)
		s.portfolio.PerSymbol[sym] = &types.PerSymbolStats{}
	}
	s.publishSnapshot()
	return s
}

// Adopt installs a live exchange position discovered at boot time into the
// portfolio, ahead of Run. It must be called before Run starts the dispatch
// loop, since it touches portfolio state directly rather than through cmdCh.
func (s *Supervisor) Adopt(pos *types.Position) {
	pos.Adopted = true
	s.portfolio.OpenPositions[pos.Symbol] = pos
	if _, ok := s.portfolio.PerSymbol[pos.Symbol]; !ok {
		s.portfolio.PerSymbol[pos.Symbol] = &types.PerSymbolStats{}
		s.indicators.Add(pos.Symbol)
	}
	s.publishSnapshot()
}

// PriceSink receives the latest traded price for a symbol. Satisfied by
// internal/control's PriceThrottler; narrowed to this one method so the
// engine package doesn't need to import control.
type PriceSink interface {
	UpdatePrice(symbol string, price float64)
}

// AttachPriceSink wires the control surface's websocket price broadcaster.
// Safe to leave unset; handleTick skips the call when nil.
func (s *Supervisor) AttachPriceSink(sink PriceSink) {
	s.priceSink = sink
}

// AttachLiquidationStream wires an optional forced-liquidation feed: its
// ticks are never traded on directly, only folded into each symbol's
// indicator block as order-flow-imbalance enrichment. Safe to leave unset;
// tick() skips the poll entirely when nil.
func (s *Supervisor) AttachLiquidationStream(str *stream.Stream) {
	s.liqStream = str
}

// Run executes the dispatch loop until ctx is cancelled. On return shutdown
// has made one sequential close attempt for every open position; any that
// failed to close are logged and remain open.
func (s *Supervisor) Run(ctx context.Context) {
	s.runCtx = ctx
	s.state = types.StateRunning
	s.publishSnapshot()
	log.Println("🚀 engine supervisor running")

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case cmd := <-s.cmdCh:
			s.handleCommand(cmd)
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Supervisor) shutdown() {
	log.Println("🛑 engine supervisor shutting down, flattening open positions")
	failed := s.posMgr.CloseAll(context.Background(), s.portfolio, s.lastPrice, s.settings, nowNs(), s.catalog, types.CloseKillSwitch)
	if len(failed) > 0 {
		log.Printf("⚠️ failed to close on shutdown: %v", failed)
	}
	s.state = types.StateStopped
	s.publishSnapshot()
}

func nowNs() int64 { return time.Now().UnixNano() }

func (s *Supervisor) tick() {
	if s.state == types.StateStopped {
		return
	}

	now := nowNs()
	for symbol, stats := range s.portfolio.PerSymbol {
		ticks := s.stream.Poll(symbol, pollPerSymbol)
		for _, t := range ticks {
			s.handleTick(symbol, t, now)
		}
		stats.DroppedTicks = s.stream.DroppedCount(symbol)
	}
	s.pollLiquidations()
	s.publishSnapshot()
}

// pollLiquidations drains the optional forced-liquidation feed and folds each
// print's notional into the reporting symbol's indicator block. A no-op when
// no liquidation stream is attached or a symbol isn't tracked yet.
func (s *Supervisor) pollLiquidations() {
	if s.liqStream == nil {
		return
	}
	for symbol := range s.portfolio.PerSymbol {
		for _, t := range s.liqStream.Poll(symbol, pollPerSymbol) {
			if b, ok := s.indicators.Block(symbol); ok {
				b.AddLiquidation(t.Volume)
			}
		}
	}
}

func (s *Supervisor) handleTick(symbol string, t types.Tick, now int64) {
	stats := s.portfolio.PerSymbol[symbol]
	stats.Ticks++
	stats.LastTickNs = t.TimestampNs
	s.lastPrice[symbol] = t.Price
	if s.priceSink != nil {
		s.priceSink.UpdatePrice(symbol, t.Price)
	}

	s.indicators.Update(t)

	if pos, open := s.portfolio.OpenPositions[symbol]; open {
		reason, shouldClose := s.posMgr.EvaluateTick(pos, t.Price, now, s.settings)
		if shouldClose {
			_, closed := s.posMgr.Close(context.Background(), s.portfolio, pos, t.Price, reason, s.settings, now, 0, s.catalog)
			s.escalateIfStuck(pos, closed)
			s.checkDailyLossKillSwitch()
		}
		return
	}

	if s.state != types.StateRunning || s.settings.Paused {
		return
	}

	features, ready := s.indicators.Snapshot(symbol, t.Volume)
	sig, emitted := s.signalGen.Evaluate(symbol, t, features, ready, false, s.settings.Paused, s.settings)
	if !emitted {
		return
	}
	stats.Signals++

	lastTickNs := stats.LastTickNs
	notional := s.settings.PositionSizeUSD
	rawQty := notional / t.Price
	verdict := s.riskGate.Evaluate(sig, s.portfolio, s.settings, rawQty, t.Price, lastTickNs, now)
	if !verdict.Allowed {
		return
	}

	pos, res := s.posMgr.Open(context.Background(), s.portfolio, sig, verdict.Order, s.settings, now)
	if pos == nil {
		log.Printf("⚠️ entry not filled for %s: %s", symbol, res.Outcome)
		return
	}
	s.notifier.Notify(notify.Format("Position opened", symbol+" "+string(sig.Side)+" @ "+s.formattedPrice(symbol, res.FillPrice)))
}

// formattedPrice renders price at symbol's exchange tick size for operator
// notifications, falling back to the raw float if the catalog has no rule
// for symbol (e.g. an adopted position on a symbol outside the catalog's
// last refresh).
func (s *Supervisor) formattedPrice(symbol string, price float64) string {
	formatted, err := s.catalog.FormatPrice(symbol, price)
	if err != nil {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return formatted
}

func (s *Supervisor) handleCommand(cmd command) {
	var err error
	switch cmd.kind {
	case cmdApplySettings:
		err = s.applySettings(cmd.patch)
	case cmdClosePosition:
		err = s.closePosition(cmd.symbol)
	case cmdCloseAll:
		s.closeAll()
	case cmdSetPaused:
		s.settings.Paused = cmd.paused
		if !cmd.paused && s.state == types.StateHalted {
			s.state = types.StateRunning
			log.Printf("✅ engine resumed from halt")
		}
	case cmdAddSymbol:
		err = s.addSymbol(cmd.symbol)
	case cmdRemoveSymbol:
		err = s.removeSymbol(cmd.symbol)
	case cmdHalt:
		s.halt(cmd.reason)
	}
	s.publishSnapshot()
	if cmd.done != nil {
		cmd.done <- err
	}
}

// applySettings validates the full patch before mutating anything, so a
// rejected key never leaves settings half-updated.
func (s *Supervisor) applySettings(patch control.SettingsPatch) error {
	next := s.settings
	if patch.PositionSizeUSD != nil {
		if *patch.PositionSizeUSD <= 0 {
			return errInvalidSetting("position_size_usd", "must be positive")
		}
		next.PositionSizeUSD = *patch.PositionSizeUSD
	}
	if patch.MaxConcurrent != nil {
		if *patch.MaxConcurrent < 1 {
			return errInvalidSetting("max_concurrent", "must be at least 1")
		}
		next.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.MinSignalStrength != nil {
		if *patch.MinSignalStrength <= 0 || *patch.MinSignalStrength > 1 {
			return errInvalidSetting("min_signal_strength", "must be in (0, 1]")
		}
		next.MinSignalStrength = *patch.MinSignalStrength
	}
	if patch.StopFloorPct != nil {
		next.StopFloorPct = *patch.StopFloorPct
	}
	if patch.StopCapPct != nil {
		next.StopCapPct = *patch.StopCapPct
	}
	if next.StopFloorPct <= 0 || next.StopFloorPct > next.StopCapPct {
		return errInvalidSetting("stop_floor_pct/stop_cap_pct", "floor must be positive and at most the cap")
	}
	if patch.TakeFloorPct != nil {
		next.TakeFloorPct = *patch.TakeFloorPct
	}
	if patch.TakeCapPct != nil {
		next.TakeCapPct = *patch.TakeCapPct
	}
	if next.TakeFloorPct <= 0 || next.TakeFloorPct > next.TakeCapPct {
		return errInvalidSetting("take_floor_pct/take_cap_pct", "floor must be positive and at most the cap")
	}
	if patch.DailyLossFloorUSD != nil {
		if *patch.DailyLossFloorUSD <= 0 {
			return errInvalidSetting("daily_loss_floor_usd", "must be positive")
		}
		next.DailyLossFloorUSD = *patch.DailyLossFloorUSD
	}
	if patch.TrailingEnabled != nil {
		next.TrailingEnabled = *patch.TrailingEnabled
	}
	if patch.TrailingFraction != nil {
		if *patch.TrailingFraction < 0 || *patch.TrailingFraction > 1 {
			return errInvalidSetting("trailing_fraction", "must be in [0, 1]")
		}
		next.TrailingFraction = *patch.TrailingFraction
	}
	s.settings = next
	return nil
}

func (s *Supervisor) closePosition(symbol string) error {
	pos, ok := s.portfolio.OpenPositions[symbol]
	if !ok {
		return errNotFound(symbol)
	}
	price, ok := s.lastPrice[symbol]
	if !ok {
		price = pos.EntryPrice.InexactFloat64()
	}
	_, closed := s.posMgr.Close(context.Background(), s.portfolio, pos, price, types.CloseManual, s.settings, nowNs(), 0, s.catalog)
	s.escalateIfStuck(pos, closed)
	s.checkDailyLossKillSwitch()
	return nil
}

// closeAll flattens every open position without halting the engine or
// refusing further entries, distinct from halt's kill-switch close-all:
// close_all is an operator-requested flatten, not a circuit breaker.
func (s *Supervisor) closeAll() {
	failed := s.posMgr.CloseAll(context.Background(), s.portfolio, s.lastPrice, s.settings, nowNs(), s.catalog, types.CloseManual)
	if len(failed) > 0 {
		log.Printf("⚠️ close_all could not close: %v", failed)
	}
	for _, symbol := range failed {
		if pos, open := s.portfolio.OpenPositions[symbol]; open {
			s.escalateIfStuck(pos, false)
		}
	}
	s.checkDailyLossKillSwitch()
}

func (s *Supervisor) addSymbol(symbol string) error {
	if _, ok := s.portfolio.PerSymbol[symbol]; ok {
		return nil
	}
	s.indicators.Add(symbol)
	s.portfolio.PerSymbol[symbol] = &types.PerSymbolStats{}
	s.settings.Symbols = append(s.settings.Symbols, symbol)
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.stream.Subscribe(ctx, s.settings.Symbols)
	if s.liqStream != nil {
		s.liqStream.Subscribe(ctx, s.settings.Symbols)
	}
	return nil
}

// removeSymbol closes symbol's open position (reason Manual) before
// unsubscribing, so a removed symbol never leaves an orphaned position with
// no tick feed left to monitor it. If the close itself fails, removal is
// refused rather than unsubscribing out from under a still-open position.
func (s *Supervisor) removeSymbol(symbol string) error {
	if pos, open := s.portfolio.OpenPositions[symbol]; open {
		price, ok := s.lastPrice[symbol]
		if !ok {
			price = pos.EntryPrice.InexactFloat64()
		}
		if _, closed := s.posMgr.Close(context.Background(), s.portfolio, pos, price, types.CloseManual, s.settings, nowNs(), 0, s.catalog); !closed {
			return errBusy(symbol)
		}
	}
	delete(s.portfolio.PerSymbol, symbol)
	s.indicators.Remove(symbol)
	s.stream.Unsubscribe(symbol)
	if s.liqStream != nil {
		s.liqStream.Unsubscribe(symbol)
	}
	filtered := s.settings.Symbols[:0]
	for _, sym := range s.settings.Symbols {
		if sym != symbol {
			filtered = append(filtered, sym)
		}
	}
	s.settings.Symbols = filtered

	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	s.stream.Subscribe(ctx, s.settings.Symbols)
	if s.liqStream != nil {
		s.liqStream.Subscribe(ctx, s.settings.Symbols)
	}
	return nil
}

// escalateIfStuck pauses new entries once pos has failed to close
// settings.CloseRetryCap times in a row, per the StuckPosition escalation:
// closes keep being attempted on later ticks, only fresh entries stop.
func (s *Supervisor) escalateIfStuck(pos *types.Position, closed bool) {
	if closed || pos.CloseRetries < s.settings.CloseRetryCap {
		return
	}
	if !s.settings.Paused {
		s.settings.Paused = true
		log.Printf("🚨 pausing new entries: %s stuck open after %d close attempts", pos.Symbol, pos.CloseRetries)
	}
}

// checkDailyLossKillSwitch halts the engine and closes every open position
// the instant realised PnL for the day breaches the configured floor.
// Idempotent: a breach observed while already halted is a no-op, so a
// losing position closed during the halt's own close-all sweep can't
// re-trigger it.
func (s *Supervisor) checkDailyLossKillSwitch() {
	if s.state == types.StateHalted {
		return
	}
	floor := decimal.NewFromFloat(s.settings.DailyLossFloorUSD).Neg()
	if s.portfolio.DailyRealisedPnL.LessThanOrEqual(floor) {
		s.halt("daily loss floor breached")
	}
}

func (s *Supervisor) halt(reason string) {
	s.state = types.StateHalted
	failed := s.posMgr.CloseAll(context.Background(), s.portfolio, s.lastPrice, s.settings, nowNs(), s.catalog, types.CloseKillSwitch)
	if len(failed) > 0 {
		log.Printf("⚠️ halt could not close: %v", failed)
	}
	s.notifier.Notify(notify.Format("Engine halted", reason))
	log.Printf("🚨 engine halted: %s", reason)
}

func (s *Supervisor) publishSnapshot() {
	balance := s.portfolio.DailyRealisedPnL
	open := make(map[string]*types.Position, len(s.portfolio.OpenPositions))
	for k, v := range s.portfolio.OpenPositions {
		open[k] = v
	}
	stats := make(map[string]*types.PerSymbolStats, len(s.portfolio.PerSymbol))
	for k, v := range s.portfolio.PerSymbol {
		cp := *v
		stats[k] = &cp
	}
	snap := types.Snapshot{
		BalanceEstimate: balance,
		OpenPositions:   open,
		DailyPnL:        s.portfolio.DailyRealisedPnL,
		Settings:        s.settings,
		PerSymbolStats:  stats,
		EngineState:     s.state,
	}
	s.snapshot.Store(&snap)
}

// --- control.Supervisor implementation, called from HTTP handler goroutines ---

func (s *Supervisor) send(cmd command) error {
	cmd.done = make(chan error, 1)
	s.cmdCh <- cmd
	return <-cmd.done
}

func (s *Supervisor) Snapshot() types.Snapshot {
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return types.Snapshot{}
}

func (s *Supervisor) ApplySettings(patch control.SettingsPatch) error {
	return s.send(command{kind: cmdApplySettings, patch: patch})
}

func (s *Supervisor) ClosePosition(symbol string) error {
	return s.send(command{kind: cmdClosePosition, symbol: symbol})
}

// CloseAll flattens every open position; unlike Halt, the engine keeps
// running and accepting new entries afterward.
func (s *Supervisor) CloseAll() error {
	return s.send(command{kind: cmdCloseAll})
}

func (s *Supervisor) SetPaused(paused bool) error {
	return s.send(command{kind: cmdSetPaused, paused: paused})
}

func (s *Supervisor) AddSymbol(symbol string) error {
	return s.send(command{kind: cmdAddSymbol, symbol: symbol})
}

func (s *Supervisor) RemoveSymbol(symbol string) error {
	return s.send(command{kind: cmdRemoveSymbol, symbol: symbol})
}

func (s *Supervisor) Halt(reason string) {
	s.send(command{kind: cmdHalt, reason: reason})
}

type notFoundError string

func (e notFoundError) Error() string { return "no open position for " + string(e) }

func errNotFound(symbol string) error { return notFoundError(symbol) }

type busyError string

func (e busyError) Error() string { return "cannot remove " + string(e) + ": failed to close open position" }

func errBusy(symbol string) error { return busyError(symbol) }

// invalidSettingError names the rejected key so a caller gets the offending
// field back, not just a generic rejection.
type invalidSettingError struct {
	key    string
	reason string
}

func (e invalidSettingError) Error() string { return e.key + ": " + e.reason }

func errInvalidSetting(key, reason string) error { return invalidSettingError{key: key, reason: reason} }
