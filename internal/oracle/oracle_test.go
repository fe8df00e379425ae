package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalpcore/internal/types"
)

type slowOracle struct{ delay time.Duration }

func (s slowOracle) Predict(ctx context.Context, f types.Features) (Prediction, error) {
	select {
	case <-time.After(s.delay):
		return Prediction{Confidence: 0.9}, nil
	case <-ctx.Done():
		return Prediction{}, ctx.Err()
	}
}
func (s slowOracle) DynamicStopTake(ctx context.Context, side types.Side, f types.Features, c float64) (float64, float64, error) {
	return 0.004, 0.015, nil
}
func (s slowOracle) SubmitOutcome(types.Outcome) {}

type errOracle struct{}

func (errOracle) Predict(ctx context.Context, f types.Features) (Prediction, error) {
	return Prediction{}, errors.New("boom")
}
func (errOracle) DynamicStopTake(ctx context.Context, side types.Side, f types.Features, c float64) (float64, float64, error) {
	return 0, 0, errors.New("boom")
}
func (errOracle) SubmitOutcome(types.Outcome) {}

func TestPredictWithTimeout_FallsBackOnTimeout(t *testing.T) {
	o := slowOracle{delay: 50 * time.Millisecond}
	p := PredictWithTimeout(context.Background(), o, types.Features{}, 5*time.Millisecond)
	assert.Equal(t, Fallback, p)
}

func TestPredictWithTimeout_FallsBackOnError(t *testing.T) {
	p := PredictWithTimeout(context.Background(), errOracle{}, types.Features{}, 5*time.Millisecond)
	assert.Equal(t, Fallback, p)
}

func TestPredictWithTimeout_ReturnsRealResultWhenFast(t *testing.T) {
	o := slowOracle{delay: 0}
	p := PredictWithTimeout(context.Background(), o, types.Features{}, 20*time.Millisecond)
	assert.Equal(t, 0.9, p.Confidence)
}

func TestStubOracle_DynamicStopTake(t *testing.T) {
	s := NewStubOracle()
	stop, take, err := s.DynamicStopTake(context.Background(), types.Long, types.Features{}, 0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.004, stop)
	assert.InDelta(t, 0.015*1.3, take, 1e-9)
}
