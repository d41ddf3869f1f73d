package broker

import (
	"context"

	"multibroker-trading-bot/internal/market"
)

// Adapter is the uniform venue contract the orchestrator and reconciler
// program against. Every venue implements the full surface; operations a
// venue cannot support return a NotSupportedError rather than guessing.
//
// All symbols crossing this boundary are canonical BASE/QUOTE; each adapter
// owns the bidirectional mapping to its venue form.
type Adapter interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Identity
	BrokerName() string
	AssetType() AssetType
	SupportedSymbols() []market.Symbol
	MinOrderSize(symbol market.Symbol) float64
	Fees() Fees
	IsTradeableNow(symbol market.Symbol) bool

	// Account
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// Orders
	PlaceOrder(ctx context.Context, order Order) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderResult, error)

	// Market data
	GetTicker(ctx context.Context, symbol market.Symbol) (Ticker, error)
	GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error)
	GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (OrderBook, error)

	// Streaming
	SubscribeTicker(symbol market.Symbol, cb TickerCallback) error
	SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb CandleCallback) error
	SubscribeOrderBook(symbol market.Symbol, cb OrderBookCallback) error
	SubscribeAccount(cb AccountCallback) error
	UnsubscribeAll() error

	// Symbol mapping
	ToVenueSymbol(symbol market.Symbol) (string, error)
	FromVenueSymbol(venue string) (market.Symbol, error)
}

// Credentials carries venue API secrets from the config or Vault to an
// adapter. Adapters never log the secret.
type Credentials struct {
	APIKey       string
	APISecret    string
	RefreshToken string
	ClientID     string
}
