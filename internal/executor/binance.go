package executor

import (
	"context"
	"strconv"

	"github.com/adshao/go-binance/v2/futures"

	"scalpcore/internal/types"
)

// BinanceTransport adapts the futures client's create-order service to the
// Transport interface, grounded on the reference system's ExecuteTrade order
// placement in execution_service.go.
type BinanceTransport struct {
	Client *futures.Client
}

func (t *BinanceTransport) SubmitOrder(ctx context.Context, symbol string, side types.Side, qtyStr, clientOrderID string) (Result, error) {
	orderSide := futures.SideTypeBuy
	if side == types.Short {
		orderSide = futures.SideTypeSell
	}

	order, err := t.Client.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*futures.APIError); ok {
			return Result{}, &ExchangeError{Code: int(apiErr.Code), Msg: apiErr.Message}
		}
		return Result{}, err
	}

	fillPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	filledQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return Result{
		OrderID:   order.OrderID,
		FilledQty: filledQty,
		FillPrice: fillPrice,
	}, nil
}
