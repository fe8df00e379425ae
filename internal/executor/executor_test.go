package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/types"
)

type fakeTransport struct {
	calls   int
	results []Result
	errs    []error
}

func (f *fakeTransport) SubmitOrder(ctx context.Context, symbol string, side types.Side, qtyStr, clientOrderID string) (Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return Result{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return Result{}, errors.New("no canned response")
}

func TestSubmit_FilledFirstTry(t *testing.T) {
	ft := &fakeTransport{results: []Result{{OrderID: 1, FilledQty: 0.001, FillPrice: 45000}}}
	e := New(ft)
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 1, ft.calls)
}

func TestSubmit_FilterRejectedDoesNotRetry(t *testing.T) {
	ft := &fakeTransport{errs: []error{&ExchangeError{Code: -1013, Msg: "LOT_SIZE"}}}
	e := New(ft)
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	assert.Equal(t, OutcomeFilterRejected, res.Outcome)
	assert.Equal(t, 1, ft.calls)
}

func TestSubmit_ThrottledOnRateLimit(t *testing.T) {
	ft := &fakeTransport{errs: []error{&ExchangeError{Code: -1003, Msg: "rate limit"}}}
	e := New(ft)
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	assert.Equal(t, OutcomeThrottled, res.Outcome)
	assert.Equal(t, 1, ft.calls)
}

func TestSubmit_TransientRetriesThenSucceeds(t *testing.T) {
	ft := &fakeTransport{
		errs:    []error{errors.New("connection reset"), nil},
		results: []Result{{}, {OrderID: 7}},
	}
	e := New(ft)
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	require.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 2, ft.calls)
	assert.Equal(t, int64(7), res.OrderID)
}

func TestSubmit_ExhaustsRetriesAsTimeout(t *testing.T) {
	ft := &fakeTransport{errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}}
	e := New(ft)
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.Equal(t, maxAttempts, ft.calls)
}

func TestSubmit_BackpressureWhenQueueFull(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft)
	for i := 0; i < queueCapacity; i++ {
		e.queue <- struct{}{}
	}
	res := e.Submit(context.Background(), types.NormalisedOrder{Symbol: "BTCUSDT", Side: types.Long, QtyStr: "0.001"})
	assert.Equal(t, OutcomeBackpressure, res.Outcome)
}
