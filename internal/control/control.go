// Package control exposes the operator-facing HTTP surface: a read-only
// state snapshot, settings/position/symbol mutation endpoints, and a
// websocket ticker broadcast. Deliberately carries no auth middleware.
//
// The websocket broadcast hub and its ping/pong heartbeat constants are
// adapted from the reference system's hub.go (Hub/PriceThrottler), and the
// health endpoint from health_check.go's SimpleHealthCheck.
package control

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scalpcore/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	throttleTick   = 200 * time.Millisecond
)

// Supervisor is the narrow surface the control mux drives the engine
// through. Implemented by internal/engine.Supervisor.
type Supervisor interface {
	Snapshot() types.Snapshot
	ApplySettings(partial SettingsPatch) error
	ClosePosition(symbol string) error
	CloseAll() error
	SetPaused(paused bool) error
	AddSymbol(symbol string) error
	RemoveSymbol(symbol string) error
	Halt(reason string)
}

// SettingsPatch is a pointer-optional partial update to types.Settings,
// mirroring internal/config's YAML override shape.
type SettingsPatch struct {
	PositionSizeUSD     *float64 `json:"position_size_usd,omitempty"`
	MaxConcurrent       *int     `json:"max_concurrent,omitempty"`
	MinSignalStrength   *float64 `json:"min_signal_strength,omitempty"`
	StopFloorPct        *float64 `json:"stop_floor_pct,omitempty"`
	StopCapPct          *float64 `json:"stop_cap_pct,omitempty"`
	TakeFloorPct        *float64 `json:"take_floor_pct,omitempty"`
	TakeCapPct          *float64 `json:"take_cap_pct,omitempty"`
	DailyLossFloorUSD   *float64 `json:"daily_loss_floor_usd,omitempty"`
	TrailingEnabled     *bool    `json:"trailing_enabled,omitempty"`
	TrailingFraction    *float64 `json:"trailing_fraction,omitempty"`
}

// ControlCommand is the POST /control body.
type ControlCommand struct {
	Command string `json:"command"` // "pause" | "resume" | "emergency_stop"
	Reason  string `json:"reason,omitempty"`
}

// Hub maintains websocket clients for the live ticker broadcast.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	upgrader  websocket.Upgrader
}

// NewHub builds an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ websocket upgrade error: %v", err)
		return
	}

	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, conn)
}

// Broadcast sends msg to every connected client, dropping any that error.
func (h *Hub) Broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ broadcast marshal error: %v", err)
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// tickerMessage is the shape broadcast by PriceThrottler.
type tickerMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// PriceThrottler coalesces per-tick price updates down to a fixed broadcast
// cadence so a busy symbol set doesn't flood websocket clients.
type PriceThrottler struct {
	hub        *Hub
	lastPrices map[string]float64
	mu         sync.RWMutex
}

// NewPriceThrottler builds a throttler broadcasting through hub.
func NewPriceThrottler(hub *Hub) *PriceThrottler {
	return &PriceThrottler{hub: hub, lastPrices: make(map[string]float64)}
}

// UpdatePrice records the latest observed price for symbol.
func (pt *PriceThrottler) UpdatePrice(symbol string, price float64) {
	pt.mu.Lock()
	pt.lastPrices[symbol] = price
	pt.mu.Unlock()
}

// Run broadcasts the current price snapshot on a fixed cadence until done
// is closed. Intended to run in its own goroutine.
func (pt *PriceThrottler) Run(done <-chan struct{}) {
	ticker := time.NewTicker(throttleTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			pt.mu.RLock()
			snapshot := make(map[string]float64, len(pt.lastPrices))
			for k, v := range pt.lastPrices {
				snapshot[k] = v
			}
			pt.mu.RUnlock()
			for symbol, price := range snapshot {
				pt.hub.Broadcast(tickerMessage{Type: "ticker", Symbol: symbol, Price: price})
			}
		}
	}
}

// Surface wires the HTTP mux against a Supervisor.
type Surface struct {
	sup Supervisor
	hub *Hub
	mux *http.ServeMux
}

// New builds the control surface's mux. hub may be nil to disable the
// websocket ticker endpoint (e.g. in tests).
func New(sup Supervisor, hub *Hub) *Surface {
	s := &Surface{sup: sup, hub: hub, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the surface's http.Handler.
func (s *Surface) Handler() http.Handler { return s.mux }

func (s *Surface) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/state", s.handleState)
	s.mux.HandleFunc("/settings", s.handleSettings)
	s.mux.HandleFunc("/positions/close", s.handlePositionsClose)
	s.mux.HandleFunc("/control", s.handleControl)
	s.mux.HandleFunc("/symbols/add", s.handleSymbolsAdd)
	s.mux.HandleFunc("/symbols/remove", s.handleSymbolsRemove)
	if s.hub != nil {
		s.mux.HandleFunc("/ws", s.hub.handleWebSocket)
	}
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Surface) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Surface) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var patch SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sup.ApplySettings(patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

// handlePositionsClose closes one symbol, or every open position when the
// body is empty or carries no symbol, per close_all's "{symbol} or empty
// for all" contract.
func (s *Surface) handlePositionsClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		Symbol string `json:"symbol"`
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if body.Symbol == "" {
		if err := s.sup.CloseAll(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closing all"})
		return
	}
	if err := s.sup.ClosePosition(body.Symbol); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

func (s *Surface) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd ControlCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	switch cmd.Command {
	case "pause":
		err = s.sup.SetPaused(true)
	case "resume":
		err = s.sup.SetPaused(false)
	case "emergency_stop":
		s.sup.Halt(cmd.Reason)
	default:
		http.Error(w, "unknown command: "+cmd.Command, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Surface) handleSymbolsAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if err := s.sup.AddSymbol(body.Symbol); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Surface) handleSymbolsRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if err := s.sup.RemoveSymbol(body.Symbol); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
