package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/types"
)

type fakeSupervisor struct {
	snapshot     types.Snapshot
	lastPatch    SettingsPatch
	closedSymbol string
	closedAll    bool
	paused       *bool
	addedSymbol  string
	removedSym   string
	haltReason   string
	failNext     error
}

func (f *fakeSupervisor) Snapshot() types.Snapshot { return f.snapshot }

func (f *fakeSupervisor) ApplySettings(patch SettingsPatch) error {
	if f.failNext != nil {
		return f.failNext
	}
	f.lastPatch = patch
	return nil
}

func (f *fakeSupervisor) ClosePosition(symbol string) error {
	if f.failNext != nil {
		return f.failNext
	}
	f.closedSymbol = symbol
	return nil
}

func (f *fakeSupervisor) CloseAll() error {
	if f.failNext != nil {
		return f.failNext
	}
	f.closedAll = true
	return nil
}

func (f *fakeSupervisor) SetPaused(paused bool) error {
	f.paused = &paused
	return nil
}

func (f *fakeSupervisor) AddSymbol(symbol string) error {
	f.addedSymbol = symbol
	return nil
}

func (f *fakeSupervisor) RemoveSymbol(symbol string) error {
	f.removedSym = symbol
	return nil
}

func (f *fakeSupervisor) Halt(reason string) { f.haltReason = reason }

func TestHandleState_ReturnsSnapshot(t *testing.T) {
	sup := &fakeSupervisor{snapshot: types.Snapshot{EngineState: types.StateRunning}}
	s := New(sup, nil)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, types.StateRunning, got.EngineState)
}

func TestHandleSettings_AppliesPatch(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(map[string]float64{"min_signal_strength": 0.7})
	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sup.lastPatch.MinSignalStrength)
	assert.InDelta(t, 0.7, *sup.lastPatch.MinSignalStrength, 1e-9)
}

func TestHandlePositionsClose_EmptyObjectBodyClosesAll(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	req := httptest.NewRequest(http.MethodPost, "/positions/close", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.closedAll)
}

func TestHandlePositionsClose_EmptyBodyClosesAll(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	req := httptest.NewRequest(http.MethodPost, "/positions/close", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sup.closedAll)
}

func TestHandlePositionsClose_MalformedBodyRejected(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	req := httptest.NewRequest(http.MethodPost, "/positions/close", bytes.NewReader([]byte(`not-json`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, sup.closedAll)
}

func TestHandlePositionsClose_ClosesSymbol(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(map[string]string{"symbol": "BTCUSDT"})
	req := httptest.NewRequest(http.MethodPost, "/positions/close", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", sup.closedSymbol)
}

func TestHandleControl_PauseAndResume(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(ControlCommand{Command: "pause"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sup.paused)
	assert.True(t, *sup.paused)

	body, _ = json.Marshal(ControlCommand{Command: "resume"})
	req = httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sup.paused)
	assert.False(t, *sup.paused)
}

func TestHandleControl_EmergencyStopCarriesReason(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(ControlCommand{Command: "emergency_stop", Reason: "daily loss floor"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "daily loss floor", sup.haltReason)
}

func TestHandleControl_UnknownCommandRejected(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(ControlCommand{Command: "nonsense"})
	req := httptest.NewRequest(http.MethodPost, "/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSymbolsAdd_AndRemove(t *testing.T) {
	sup := &fakeSupervisor{}
	s := New(sup, nil)

	body, _ := json.Marshal(map[string]string{"symbol": "ETHUSDT"})
	req := httptest.NewRequest(http.MethodPost, "/symbols/add", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ETHUSDT", sup.addedSymbol)

	req = httptest.NewRequest(http.MethodPost, "/symbols/remove", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ETHUSDT", sup.removedSym)
}

func TestHandleHealth_ReturnsHealthy(t *testing.T) {
	s := New(&fakeSupervisor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSettings_PropagatesApplyError(t *testing.T) {
	sup := &fakeSupervisor{failNext: errors.New("out of range")}
	s := New(sup, nil)

	body, _ := json.Marshal(map[string]float64{"min_signal_strength": 2.0})
	req := httptest.NewRequest(http.MethodPost, "/settings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
