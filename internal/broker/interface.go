package broker

import (
	"context"
)

// Client is the raw broker API surface. Implemented by the Kite Connect REST
// client and by the mock client. The Gateway wraps a Client with rate
// limiting, retries and a circuit breaker — engine code should depend on
// Gateway, not Client.
type Client interface {
	PlaceOrder(ctx context.Context, params OrderParams) (*Order, error)
	ModifyOrder(ctx context.Context, orderID string, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListOrders(ctx context.Context) ([]Order, error)
	ListPositions(ctx context.Context) ([]Position, error)
	ListHoldings(ctx context.Context) ([]Holding, error)
	GetFunds(ctx context.Context) (*Funds, error)
	GetBasketMargins(ctx context.Context, basket []OrderParams) (*BasketMargins, error)
	GetQuote(ctx context.Context, token uint32) (*Quote, error)
	GetDepth(ctx context.Context, token uint32) (*Depth, error)
	SessionValid() bool
	Close() error
}
