// Package executor signs and submits orders, classifying exchange responses
// per the error-code taxonomy in the reference system's checkCriticalError
// (execution_service.go), generalised here into one classifier and one
// retry/backoff schedule instead of the reference's per-call-site
// string-matching on -5022/-1013/-2014.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"scalpcore/internal/types"
)

// Outcome classifies the terminal result of a submit attempt.
type Outcome string

const (
	OutcomeFilled         Outcome = "Filled"
	OutcomeFilterRejected Outcome = "FilterRejected"
	OutcomeRejected       Outcome = "Rejected"
	OutcomeThrottled      Outcome = "Throttled"
	OutcomeTimeout        Outcome = "Timeout"
	OutcomeBackpressure   Outcome = "Backpressure"
)

// Result is what the position manager receives for a submitted order.
type Result struct {
	Outcome     Outcome
	OrderID     int64
	FilledQty   float64
	FillPrice   float64
	FilterCode  int
	Message     string
	ClientOrder string
}

// Transport is the narrow exchange-order surface the executor depends on,
// letting tests substitute a fake instead of a real signed HTTP client.
type Transport interface {
	SubmitOrder(ctx context.Context, symbol string, side types.Side, qtyStr string, clientOrderID string) (Result, error)
}

// ExchangeError is returned by a Transport to carry the exchange's numeric
// error code through to the classifier.
type ExchangeError struct {
	Code int
	Msg  string
}

func (e *ExchangeError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Msg) }

const (
	maxAttempts  = 3
	baseBackoff  = 250 * time.Millisecond
	capBackoff   = 2 * time.Second
	requestBudget = 3 * time.Second
	queueCapacity = 64
)

// Executor submits orders through Transport with retry/backoff classification.
type Executor struct {
	transport Transport
	queue     chan struct{} // capacity-bounded semaphore, not a literal queue of orders
}

// New builds an Executor bound to transport.
func New(transport Transport) *Executor {
	return &Executor{transport: transport, queue: make(chan struct{}, queueCapacity)}
}

// Submit sends order, retrying transient failures on a capped exponential
// backoff (250ms * 2^n, max 3 attempts, full jitter) and classifying
// terminal non-retriable responses without retrying them.
func (e *Executor) Submit(ctx context.Context, order types.NormalisedOrder) Result {
	select {
	case e.queue <- struct{}{}:
		defer func() { <-e.queue }()
	default:
		return Result{Outcome: OutcomeBackpressure}
	}

	b := &backoff.Backoff{Min: baseBackoff, Max: capBackoff, Factor: 2, Jitter: true}
	clientOrderID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, requestBudget)
		res, err := e.transport.SubmitOrder(cctx, order.Symbol, order.Side, order.QtyStr, clientOrderID)
		cancel()

		if err == nil {
			res.ClientOrder = clientOrderID
			res.Outcome = OutcomeFilled
			return res
		}

		lastErr = err
		classified := classify(err)
		switch classified.Outcome {
		case OutcomeFilterRejected, OutcomeRejected, OutcomeThrottled:
			classified.Message = err.Error()
			classified.ClientOrder = clientOrderID
			return classified
		default: // transient: sleep and retry
			if attempt < maxAttempts-1 {
				log.Printf("⚠️ order submit transient failure (%s), retrying: %v", order.Symbol, err)
				time.Sleep(b.Duration())
			}
		}
	}

	return Result{Outcome: OutcomeTimeout, Message: lastErr.Error(), ClientOrder: clientOrderID}
}

// classify inspects err and returns the appropriate non-retriable Result, or
// an OutcomeTimeout-tagged Result to signal "keep retrying" to Submit.
func classify(err error) Result {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		switch exErr.Code {
		case -1013, -2010, -1021:
			return Result{Outcome: OutcomeFilterRejected, FilterCode: exErr.Code}
		case -1003:
			return Result{Outcome: OutcomeThrottled, FilterCode: exErr.Code}
		default:
			return Result{Outcome: OutcomeRejected, FilterCode: exErr.Code}
		}
	}
	// Transport-level failure (timeout, connection reset): retriable.
	return Result{Outcome: OutcomeTimeout}
}
