// Package stream maintains per-symbol websocket subscriptions and decodes
// frames into types.Tick, backed by a per-symbol single-producer/single-consumer
// ring with drop-oldest backpressure. The ring is guarded by a mutex; it is
// not lock-free.
//
// The transport and heartbeat constants are grounded on the reference
// system's hub.go (gorilla/websocket upgrader, ping/pong heartbeat timings),
// redirected here from a server-side broadcast hub to a client-side
// exchange subscription. The reconnect-with-sleep idiom generalises
// trend_analyzer.go's retry-loop pattern (`time.Sleep(500 * time.Millisecond)`
// between attempts) into exponential backoff with jitter via
// github.com/jpillora/backoff.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"scalpcore/internal/types"
)

const (
	reconnectMin = 500 * time.Millisecond
	reconnectMax = 30 * time.Second
	ringCapacity = 256
)

// Decoder turns a raw frame payload into zero or more ticks (a combined
// stream frame may carry one trade or one depth update).
type Decoder func(raw []byte) ([]types.Tick, error)

// Dialer abstracts websocket.Dial so tests can substitute a fake transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the narrow websocket surface Stream needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// gorillaDialer is the production Dialer backed by gorilla/websocket.
type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	return conn, err
}

// symbolRing is an SPSC drop-oldest ring of ticks for one symbol.
type symbolRing struct {
	mu      sync.Mutex
	buf     []types.Tick
	head    int
	count   int
	dropped int64
}

func newSymbolRing() *symbolRing {
	return &symbolRing{buf: make([]types.Tick, ringCapacity)}
}

func (r *symbolRing) push(t types.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.buf) {
		// Drop oldest: advance head, never block the producer.
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		r.dropped++
	}
	r.buf[(r.head+r.count)%len(r.buf)] = t
	r.count++
}

func (r *symbolRing) pop() (types.Tick, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return types.Tick{}, false
	}
	t := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return t, true
}

func (r *symbolRing) droppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Stream owns one combined subscription loop covering every subscribed
// symbol, and one tick ring per symbol.
type Stream struct {
	dialer      Dialer
	decoder     Decoder
	endpointFor func(symbols []string) string

	mu        sync.Mutex
	rings     map[string]*symbolRing
	stale     map[string]bool
	cancelFns map[string]context.CancelFunc
}

// New builds a Stream with the production gorilla dialer.
func New(decoder Decoder, endpointFor func([]string) string) *Stream {
	return &Stream{
		dialer:      gorillaDialer{},
		decoder:     decoder,
		endpointFor: endpointFor,
		rings:       make(map[string]*symbolRing),
		stale:       make(map[string]bool),
		cancelFns:   make(map[string]context.CancelFunc),
	}
}

// Subscribe starts (or restarts, combined-stream style) a read loop covering
// symbols. Calling Subscribe again tears down the previous combined loop
// before starting the new one, so the symbol set can grow or shrink at
// runtime without leaking a reader goroutine per call.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) {
	s.mu.Lock()
	for _, sym := range symbols {
		if _, ok := s.rings[sym]; !ok {
			s.rings[sym] = newSymbolRing()
		}
	}
	if prev, ok := s.cancelFns["_combined"]; ok {
		prev()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFns["_combined"] = cancel
	s.mu.Unlock()

	go s.runLoop(runCtx, symbols)
}

func (s *Stream) runLoop(ctx context.Context, symbols []string) {
	b := &backoff.Backoff{Min: reconnectMin, Max: reconnectMax, Factor: 2, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}

		s.markStale(symbols, true)
		endpoint := s.endpointFor(symbols)
		conn, err := s.dialer.Dial(ctx, endpoint)
		if err != nil {
			wait := b.Duration()
			log.Printf("⚠️ stream dial failed: %v, reconnecting in %s", err, wait)
			sleepOrDone(ctx, wait)
			continue
		}

		b.Reset()
		s.markStale(symbols, false)
		s.readUntilFailure(ctx, conn)
		conn.Close()
	}
}

func (s *Stream) readUntilFailure(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ticks, err := s.decoder(raw)
		if err != nil {
			continue
		}
		for _, t := range ticks {
			s.mu.Lock()
			r, ok := s.rings[t.Symbol]
			s.mu.Unlock()
			if ok {
				r.push(t)
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Stream) markStale(symbols []string, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.stale[sym] = stale
	}
}

// Stale reports whether symbol's transport is currently disconnected.
func (s *Stream) Stale(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale[symbol]
}

// Poll drains up to max ticks for symbol without blocking.
func (s *Stream) Poll(symbol string, max int) []types.Tick {
	s.mu.Lock()
	r, ok := s.rings[symbol]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	out := make([]types.Tick, 0, max)
	for i := 0; i < max; i++ {
		t, ok := r.pop()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}

// Unsubscribe drops the ring for symbol. Callers that want the combined
// reader to stop requesting symbol's frames must also call Subscribe again
// with the reduced symbol list.
func (s *Stream) Unsubscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, symbol)
	delete(s.stale, symbol)
}

// Stop cancels the active combined subscription loop, if any.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, ok := s.cancelFns["_combined"]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// DroppedCount returns the number of ticks dropped for symbol due to
// consumer lag.
func (s *Stream) DroppedCount(symbol string) int64 {
	s.mu.Lock()
	r, ok := s.rings[symbol]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return r.droppedCount()
}

// DefaultBinanceEndpoint builds a combined-stream URL for aggTrade frames,
// matching the reference system's stream naming convention.
func DefaultBinanceEndpoint(symbols []string) string {
	streams := ""
	for i, sym := range symbols {
		if i > 0 {
			streams += "/"
		}
		streams += lower(sym) + "@aggTrade"
	}
	return "wss://fstream.binance.com/stream?streams=" + streams
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
