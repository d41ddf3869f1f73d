package broker

import (
	"multibroker-trading-bot/internal/market"
)

// Side is the canonical order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the canonical order type set.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce is the canonical time-in-force set.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFImmediate      TimeInForce = "IOC"
	TIFFillOrKill     TimeInForce = "FOK"
	TIFDay            TimeInForce = "DAY"
	TIFGoodTillDate   TimeInForce = "GTD"
)

// OrderStatus is the canonical order lifecycle status. Venue-specific
// statuses are mapped onto this set by each adapter; unknown venue statuses
// map to Pending.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// AssetType identifies the venue's asset class.
type AssetType string

const (
	AssetCrypto  AssetType = "crypto"
	AssetStocks  AssetType = "stocks"
	AssetOptions AssetType = "options"
	AssetForex   AssetType = "forex"
	AssetFutures AssetType = "futures"
	AssetMulti   AssetType = "multi"
)

// Order is the canonical order intent passed to an adapter. Size is always
// in base currency; Price applies to limit/stop types only.
type Order struct {
	Symbol     market.Symbol `json:"symbol"`
	Side       Side          `json:"side"`
	Type       OrderType     `json:"type"`
	Size       float64       `json:"size"`
	Price      float64       `json:"price,omitempty"`
	TIF        TimeInForce   `json:"tif,omitempty"`
	ClientID   string        `json:"clientId,omitempty"`
	StopLoss   float64       `json:"stopLoss,omitempty"`
	TakeProfit float64       `json:"takeProfit,omitempty"`
	DecisionID string        `json:"decisionId,omitempty"`
}

// OrderResult is the canonical order outcome. (adapter, OrderID) is globally
// unique. Raw carries the venue payload for diagnostics and never leaks
// above the adapter boundary in typed form.
type OrderResult struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Filled    float64     `json:"filled"`
	Remaining float64     `json:"remaining"`
	AvgPrice  float64     `json:"avgPrice"`
	Raw       interface{} `json:"-"`
}

// Position is the venue-reported position used by the reconciler. Spot-only
// venues report positions synthetically as positive base-currency balances.
type Position struct {
	Symbol     market.Symbol `json:"symbol"`
	SizeBase   float64       `json:"sizeBase"`
	EntryPrice float64       `json:"entryPrice"`
}

// Balance maps currency to free amount.
type Balance map[string]float64

// Ticker is a canonical top-of-book snapshot.
type Ticker struct {
	Symbol market.Symbol `json:"symbol"`
	Bid    float64       `json:"bid"`
	Ask    float64       `json:"ask"`
	Last   float64       `json:"last"`
	Volume float64       `json:"volume"`
	TsMs   int64         `json:"ts"`
}

// OrderBookLevel is one price level: [price, size].
type OrderBookLevel [2]float64

// OrderBook is a canonical depth snapshot.
type OrderBook struct {
	Symbol market.Symbol    `json:"symbol"`
	Bids   []OrderBookLevel `json:"bids"`
	Asks   []OrderBookLevel `json:"asks"`
	TsMs   int64            `json:"ts"`
}

// Fees describes the venue fee schedule as fractions.
type Fees struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}

// CandleEvent is the canonical candle-stream message emitted by adapters.
type CandleEvent struct {
	Symbol    market.Symbol    `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Candle    market.Candle    `json:"candle"`
}

// AccountEvent is the canonical account-stream message: a balance and/or
// position change pushed by the venue or synthesized by polling.
type AccountEvent struct {
	Balances  Balance    `json:"balances,omitempty"`
	Positions []Position `json:"positions,omitempty"`
	TsMs      int64      `json:"ts"`
}

// Callback types for streaming subscriptions. Callbacks that panic are
// contained by the adapter's reader; the subscription stays alive.
type (
	TickerCallback    func(Ticker)
	CandleCallback    func(CandleEvent)
	OrderBookCallback func(OrderBook)
	AccountCallback   func(AccountEvent)
)
