// Package paper implements an in-memory venue for paper trading and tests.
// Orders fill instantly at the current mark price with taker fees applied, so
// strategy code runs unchanged against a venue with no side effects.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

const brokerName = "paper"

// Adapter is a simulated venue. Mark prices come from SetPrice (fed by the
// engine's candle stream in paper mode) or from seeded defaults in tests.
type Adapter struct {
	mu sync.RWMutex

	connected bool
	balances  broker.Balance
	positions map[market.Symbol]*broker.Position
	orders    map[string]paperOrder
	prices    map[market.Symbol]float64
	fees      broker.Fees

	symbols *broker.SymbolMap

	tickerSubs  map[market.Symbol][]broker.TickerCallback
	candleSubs  map[string][]broker.CandleCallback
	accountSubs []broker.AccountCallback

	log zerolog.Logger
}

type paperOrder struct {
	order  broker.Order
	result broker.OrderResult
}

// Config seeds the simulated account.
type Config struct {
	StartingBalance map[string]float64
	Symbols         []market.Symbol
	Fees            broker.Fees
}

// New builds a paper adapter. A nil or empty config gets 10,000 USD and
// BTC/USD with Kraken-like taker fees.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if len(cfg.StartingBalance) == 0 {
		cfg.StartingBalance = map[string]float64{"USD": 10_000}
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []market.Symbol{market.MustSymbol("BTC/USD")}
	}
	if cfg.Fees == (broker.Fees{}) {
		cfg.Fees = broker.Fees{Maker: 0.0016, Taker: 0.0026}
	}

	symbols := broker.NewSymbolMap(brokerName, nil)
	for _, s := range cfg.Symbols {
		// The venue form is the canonical form; paper has no native symbols.
		symbols.Register(s, string(s))
	}

	balances := make(broker.Balance, len(cfg.StartingBalance))
	for cur, amt := range cfg.StartingBalance {
		balances[cur] = amt
	}

	return &Adapter{
		balances:   balances,
		positions:  make(map[market.Symbol]*broker.Position),
		orders:     make(map[string]paperOrder),
		prices:     make(map[market.Symbol]float64),
		fees:       cfg.Fees,
		symbols:    symbols,
		tickerSubs: make(map[market.Symbol][]broker.TickerCallback),
		candleSubs: make(map[string][]broker.CandleCallback),
		log:        log.With().Str("broker", brokerName).Logger(),
	}
}

// ----- Lifecycle -----

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	a.log.Info().Msg("paper venue connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// ----- Identity -----

func (a *Adapter) BrokerName() string          { return brokerName }
func (a *Adapter) AssetType() broker.AssetType { return broker.AssetCrypto }

func (a *Adapter) SupportedSymbols() []market.Symbol { return a.symbols.Symbols() }

func (a *Adapter) MinOrderSize(symbol market.Symbol) float64 { return 0.0001 }

func (a *Adapter) Fees() broker.Fees { return a.fees }

func (a *Adapter) IsTradeableNow(symbol market.Symbol) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.prices[symbol] > 0
}

// ----- Mark price feed -----

// SetPrice updates the mark price and fans out a synthetic ticker.
func (a *Adapter) SetPrice(symbol market.Symbol, price float64) {
	a.mu.Lock()
	a.prices[symbol] = price
	subs := append([]broker.TickerCallback(nil), a.tickerSubs[symbol]...)
	a.mu.Unlock()

	tick := broker.Ticker{
		Symbol: symbol,
		Bid:    price,
		Ask:    price,
		Last:   price,
		TsMs:   time.Now().UnixMilli(),
	}
	for _, cb := range subs {
		safeCall(func() { cb(tick) }, a.log)
	}
}

// FeedCandle pushes a candle to subscribers and moves the mark to its close.
func (a *Adapter) FeedCandle(ev broker.CandleEvent) {
	a.SetPrice(ev.Symbol, ev.Candle.Close)

	key := candleKey(ev.Symbol, ev.Timeframe)
	a.mu.RLock()
	subs := append([]broker.CandleCallback(nil), a.candleSubs[key]...)
	a.mu.RUnlock()
	for _, cb := range subs {
		safeCall(func() { cb(ev) }, a.log)
	}
}

// ----- Account -----

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(broker.Balance, len(a.balances))
	for cur, amt := range a.balances {
		out[cur] = amt
	}
	return out, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]broker.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if p.SizeBase > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []broker.Order
	for _, po := range a.orders {
		if po.result.Status == broker.StatusAccepted || po.result.Status == broker.StatusPartial {
			out = append(out, po.order)
		}
	}
	return out, nil
}

// ----- Orders -----

// PlaceOrder fills market orders at the mark immediately. Limit orders fill
// only when already marketable, otherwise they rest as ACCEPTED.
func (a *Adapter) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return broker.OrderResult{}, broker.ErrNotConnected
	}
	if order.Size < a.MinOrderSize(order.Symbol) {
		return broker.OrderResult{}, fmt.Errorf("%w: size %.8f below minimum", broker.ErrOrderRejected, order.Size)
	}
	mark := a.prices[order.Symbol]
	if mark <= 0 {
		return broker.OrderResult{}, fmt.Errorf("%w: no mark price for %s", broker.ErrOrderRejected, order.Symbol)
	}

	id := uuid.NewString()

	fillable := order.Type == broker.OrderTypeMarket ||
		(order.Type == broker.OrderTypeLimit && order.Side == broker.SideBuy && order.Price >= mark) ||
		(order.Type == broker.OrderTypeLimit && order.Side == broker.SideSell && order.Price <= mark)

	if !fillable {
		res := broker.OrderResult{OrderID: id, Status: broker.StatusAccepted, Remaining: order.Size}
		a.orders[id] = paperOrder{order: order, result: res}
		return res, nil
	}

	if err := a.settleLocked(order, mark); err != nil {
		return broker.OrderResult{}, err
	}
	res := broker.OrderResult{
		OrderID:  id,
		Status:   broker.StatusFilled,
		Filled:   order.Size,
		AvgPrice: mark,
	}
	a.orders[id] = paperOrder{order: order, result: res}
	a.notifyAccountLocked()
	return res, nil
}

// settleLocked applies a fill to balances and positions. Caller holds mu.
func (a *Adapter) settleLocked(order broker.Order, price float64) error {
	base, quote := order.Symbol.Base(), order.Symbol.Quote()
	cost := order.Size * price
	fee := cost * a.fees.Taker

	if order.Side == broker.SideBuy {
		if a.balances[quote] < cost+fee {
			return fmt.Errorf("%w: insufficient %s balance", broker.ErrOrderRejected, quote)
		}
		a.balances[quote] -= cost + fee
		a.balances[base] += order.Size
		pos, ok := a.positions[order.Symbol]
		if !ok {
			a.positions[order.Symbol] = &broker.Position{Symbol: order.Symbol, SizeBase: order.Size, EntryPrice: price}
		} else {
			total := pos.SizeBase + order.Size
			pos.EntryPrice = (pos.EntryPrice*pos.SizeBase + price*order.Size) / total
			pos.SizeBase = total
		}
		return nil
	}

	if a.balances[base] < order.Size {
		return fmt.Errorf("%w: insufficient %s balance", broker.ErrOrderRejected, base)
	}
	a.balances[base] -= order.Size
	a.balances[quote] += cost - fee
	if pos, ok := a.positions[order.Symbol]; ok {
		pos.SizeBase -= order.Size
		if pos.SizeBase <= 0 {
			delete(a.positions, order.Symbol)
		}
	}
	return nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	po, ok := a.orders[orderID]
	if !ok {
		return false, fmt.Errorf("unknown order %s", orderID)
	}
	if po.result.Status != broker.StatusAccepted && po.result.Status != broker.StatusPartial {
		return false, nil
	}
	po.result.Status = broker.StatusCancelled
	a.orders[orderID] = po
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	po, ok := a.orders[orderID]
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("unknown order %s", orderID)
	}
	return po.result, nil
}

// ----- Market data -----

func (a *Adapter) GetTicker(ctx context.Context, symbol market.Symbol) (broker.Ticker, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	price := a.prices[symbol]
	if price <= 0 {
		return broker.Ticker{}, fmt.Errorf("no mark price for %s", symbol)
	}
	return broker.Ticker{Symbol: symbol, Bid: price, Ask: price, Last: price, TsMs: time.Now().UnixMilli()}, nil
}

// GetCandles returns an empty series; paper mode is fed candles by the engine.
func (a *Adapter) GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	return []market.Candle{}, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (broker.OrderBook, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	price := a.prices[symbol]
	if price <= 0 {
		return broker.OrderBook{}, fmt.Errorf("no mark price for %s", symbol)
	}
	return broker.OrderBook{
		Symbol: symbol,
		Bids:   []broker.OrderBookLevel{{price, 1}},
		Asks:   []broker.OrderBookLevel{{price, 1}},
		TsMs:   time.Now().UnixMilli(),
	}, nil
}

// ----- Streaming -----

func (a *Adapter) SubscribeTicker(symbol market.Symbol, cb broker.TickerCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickerSubs[symbol] = append(a.tickerSubs[symbol], cb)
	return nil
}

func (a *Adapter) SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb broker.CandleCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := candleKey(symbol, tf)
	a.candleSubs[key] = append(a.candleSubs[key], cb)
	return nil
}

func (a *Adapter) SubscribeOrderBook(symbol market.Symbol, cb broker.OrderBookCallback) error {
	return broker.NotSupportedBecause(brokerName, "order book stream", "paper venue has no depth feed")
}

func (a *Adapter) SubscribeAccount(cb broker.AccountCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accountSubs = append(a.accountSubs, cb)
	return nil
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tickerSubs = make(map[market.Symbol][]broker.TickerCallback)
	a.candleSubs = make(map[string][]broker.CandleCallback)
	a.accountSubs = nil
	return nil
}

// ----- Symbol mapping -----

func (a *Adapter) ToVenueSymbol(symbol market.Symbol) (string, error) {
	return a.symbols.ToVenue(symbol)
}

func (a *Adapter) FromVenueSymbol(venue string) (market.Symbol, error) {
	return a.symbols.FromVenue(venue)
}

// notifyAccountLocked snapshots balances/positions and fans out. Caller holds mu.
func (a *Adapter) notifyAccountLocked() {
	if len(a.accountSubs) == 0 {
		return
	}
	balances := make(broker.Balance, len(a.balances))
	for cur, amt := range a.balances {
		balances[cur] = amt
	}
	positions := make([]broker.Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, *p)
	}
	ev := broker.AccountEvent{Balances: balances, Positions: positions, TsMs: time.Now().UnixMilli()}
	subs := append([]broker.AccountCallback(nil), a.accountSubs...)
	go func() {
		for _, cb := range subs {
			safeCall(func() { cb(ev) }, a.log)
		}
	}()
}

func candleKey(symbol market.Symbol, tf market.Timeframe) string {
	return string(symbol) + "|" + string(tf)
}

func safeCall(fn func(), log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("subscriber callback panicked")
		}
	}()
	fn()
}
