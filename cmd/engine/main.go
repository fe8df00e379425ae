// Command engine runs the scalping trading engine: it loads credentials and
// settings, builds the precision catalog, market-data stream, indicator and
// signal pipeline, risk gate, order executor and position manager, wires
// them into the engine supervisor, and serves the operator control surface
// until an OS signal requests shutdown.
//
// Grounded on the reference system's main() (package wiring order, .env
// loading, HTTP server bring-up on :8081) generalised from its fixed
// ten-symbol hardcoded worker pool to the settings-driven symbol set.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"scalpcore/internal/catalog"
	"scalpcore/internal/config"
	"scalpcore/internal/control"
	"scalpcore/internal/engine"
	"scalpcore/internal/executor"
	"scalpcore/internal/indicators"
	"scalpcore/internal/notify"
	"scalpcore/internal/oracle"
	"scalpcore/internal/persist"
	"scalpcore/internal/position"
	"scalpcore/internal/risk"
	"scalpcore/internal/signal"
	"scalpcore/internal/stream"
	"scalpcore/internal/types"
)

const (
	settingsPath     = "settings.yaml"
	sessionStatePath = "session.jsonl"
	listenAddr       = ":8081"
	shutdownGrace    = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Println("🚀 scalpcore engine starting")

	creds := config.LoadCredentials()
	if creds.APIKey == "" || creds.APISecret == "" {
		log.Println("🚨 fatal: exchange credentials missing")
		return 1
	}

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		log.Printf("🚨 fatal: loading settings: %v", err)
		return 1
	}

	if rec, ok, err := persist.LoadLastSession(sessionStatePath); err != nil {
		log.Printf("⚠️ could not read prior session journal: %v", err)
	} else if ok {
		log.Printf("🔁 restoring settings and %d active symbols from prior session", len(rec.Symbols))
		settings = rec.Settings
		if len(rec.Symbols) > 0 {
			settings.Symbols = rec.Symbols
		}
	}

	futures.UseTestnet = creds.Testnet
	client := binance.NewFuturesClient(creds.APIKey, creds.APISecret)

	cat := catalog.New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cat.Refresh(ctx); err != nil {
		log.Printf("🚨 fatal: initial precision catalog refresh: %v", err)
		return 1
	}

	ind := indicators.NewManager()
	sigGen := signal.NewGenerator()
	gate := risk.New(cat, nil)
	exec := executor.New(&executor.BinanceTransport{Client: client})
	posMgr := position.New(exec, oracle.NewStubOracle())
	notifier := notify.NewFromEnv()

	adopted, err := adoptLivePositions(ctx, client, settings)
	if err != nil {
		log.Printf("⚠️ could not fetch live positions to adopt: %v", err)
	}
	subscribed := append([]string(nil), settings.Symbols...)
	for _, pos := range adopted {
		if !contains(subscribed, pos.Symbol) {
			subscribed = append(subscribed, pos.Symbol)
		}
	}

	str := stream.New(decodeCombinedFrame, stream.DefaultBinanceEndpoint)
	str.Subscribe(ctx, subscribed)

	liqStr := stream.New(decodeLiquidationFrame, liquidationEndpoint)
	liqStr.Subscribe(ctx, subscribed)

	sup := engine.New(cat, str, ind, sigGen, gate, posMgr, notifier, settings, time.Now().UnixNano())
	sup.AttachLiquidationStream(liqStr)
	for _, pos := range adopted {
		log.Printf("🦅 adopting pre-existing position %s %s qty=%s", pos.Symbol, pos.Side, pos.Quantity)
		sup.Adopt(pos)
	}

	hub := control.NewHub()
	throttler := control.NewPriceThrottler(hub)
	sup.AttachPriceSink(throttler)
	throttlerDone := make(chan struct{})
	go throttler.Run(throttlerDone)

	surface := control.New(sup, hub)
	server := &http.Server{Addr: listenAddr, Handler: surface.Handler()}
	go func() {
		log.Printf("📡 control surface listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ control surface stopped: %v", err)
		}
	}()

	notifier.Notify(notify.Format("Engine started", strings.Join(settings.Symbols, ", ")))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(runDone)
	}()

	exitCode := 0
	select {
	case <-sigCh:
		log.Println("🛑 shutdown signal received")
		cancel()
	case <-runDone:
		// Run returns only after ctx is cancelled, and ctx is cancelled only
		// above, so this branch is not taken in practice
	}

	close(throttlerDone)

	select {
	case <-runDone:
	case <-time.After(shutdownGrace):
		log.Println("🚨 grace window elapsed with positions possibly still open")
		exitCode = 3
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	finalSnap := sup.Snapshot()
	if finalSnap.EngineState == types.StateHalted && exitCode == 0 {
		exitCode = 2
	}

	if err := persist.AppendSession(sessionStatePath, finalSnap.Settings, finalSnap.Settings.Symbols, posMgr.DrainOutcomes()); err != nil {
		log.Printf("⚠️ failed to persist session journal: %v", err)
	}

	log.Println("👋 scalpcore engine stopped")
	return exitCode
}

// adoptLivePositions reads every non-zero position currently open on the
// futures account and builds synthetic Position records for the engine to
// adopt at boot, per the spec's adopted-position handling: entry price is
// estimated as the live mark price (not the original fill), flagged
// Adopted; their outcomes are still logged and handed to the oracle with
// Adopted set, and the engine itself does not filter them out.
// Grounded on the reference system's ExecutionService.closePosition, which
// fetches the same NewGetPositionRiskService to recover a position's size
// and side before acting on it.
func adoptLivePositions(ctx context.Context, client *futures.Client, settings types.Settings) ([]*types.Position, error) {
	risks, err := client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}

	var out []*types.Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		if mark == 0 {
			mark, _ = strconv.ParseFloat(r.EntryPrice, 64)
		}

		side := types.Long
		if amt < 0 {
			side = types.Short
		}
		qty := decimal.NewFromFloat(amt).Abs()
		entry := decimal.NewFromFloat(mark)
		stopPrice, takePrice := adoptedExitPrices(side, entry, settings)

		out = append(out, &types.Position{
			Symbol:             r.Symbol,
			Side:               side,
			Quantity:           qty,
			EntryPrice:         entry,
			EntryTsNs:          time.Now().UnixNano(),
			StopPrice:          stopPrice,
			TakePrice:          takePrice,
			MaxHoldNs:          settings.MaxHoldNs,
			PeakFavorablePrice: entry,
			Adopted:            true,
		})
	}
	return out, nil
}

func contains(symbols []string, target string) bool {
	for _, s := range symbols {
		if s == target {
			return true
		}
	}
	return false
}

func adoptedExitPrices(side types.Side, entry decimal.Decimal, settings types.Settings) (stop, take decimal.Decimal) {
	stopDist := entry.Mul(decimal.NewFromFloat(settings.StopFloorPct))
	takeDist := entry.Mul(decimal.NewFromFloat(settings.TakeFloorPct))
	if side == types.Long {
		return entry.Sub(stopDist), entry.Add(takeDist)
	}
	return entry.Add(stopDist), entry.Sub(takeDist)
}

// combinedFrame mirrors Binance's combined-stream envelope.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeData struct {
	Price string `json:"p"`
	Qty   string `json:"q"`
	IsBuy bool   `json:"m"`
	Time  int64  `json:"T"`
}

// decodeCombinedFrame parses one combined-stream aggTrade frame into a tick,
// grounded on the reference system's binanceCombinedMsg/binanceTradeData
// parsing in main.go, adapted to keep the full exchange symbol (the
// reference stripped the USDT suffix for display; order submission needs
// the untouched symbol).
func decodeCombinedFrame(raw []byte) ([]types.Tick, error) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	symbol := streamSymbol(frame.Stream)

	var trade aggTradeData
	if err := json.Unmarshal(frame.Data, &trade); err != nil {
		return nil, err
	}

	price, _ := strconv.ParseFloat(trade.Price, 64)
	qty, _ := strconv.ParseFloat(trade.Qty, 64)

	return []types.Tick{{
		Symbol:      symbol,
		Price:       price,
		Volume:      qty,
		TimestampNs: trade.Time * int64(time.Millisecond),
	}}, nil
}

func streamSymbol(streamName string) string {
	parts := strings.SplitN(streamName, "@", 2)
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}

// forceOrderFrame mirrors Binance's !forceOrder@arr liquidation print.
type forceOrderFrame struct {
	Order struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Qty    string `json:"q"`
	} `json:"o"`
}

// decodeLiquidationFrame parses one forced-liquidation print into a synthetic
// tick whose Volume carries the order's USD notional. Grounded on the
// reference system's LiquidationMonitor.AddLiquidation, which recorded the
// same price*qty notional per print; folded here into the indicator block's
// order-flow-imbalance enrichment instead of a standalone windowed store.
func decodeLiquidationFrame(raw []byte) ([]types.Tick, error) {
	var frame forceOrderFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Order.Symbol == "" {
		return nil, nil
	}
	price, _ := strconv.ParseFloat(frame.Order.Price, 64)
	qty, _ := strconv.ParseFloat(frame.Order.Qty, 64)
	return []types.Tick{{Symbol: frame.Order.Symbol, Volume: price * qty}}, nil
}

// liquidationEndpoint is Binance's single global forced-liquidation stream;
// it carries every symbol, so it ignores the subscribed symbol list rather
// than building a per-symbol combined-stream URL.
func liquidationEndpoint(_ []string) string {
	return "wss://fstream.binance.com/ws/!forceOrder@arr"
}
