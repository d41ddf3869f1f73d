package coinbase

import (
	"context"
	"encoding/json"
	"time"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

// ----- Streaming surface -----

func (a *Adapter) SubscribeTicker(symbol market.Symbol, cb broker.TickerCallback) error {
	product, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.NotSupportedBecause(brokerName, "ticker stream", "symbol "+string(symbol))
	}

	a.subsMu.Lock()
	first := len(a.tickerSubs[symbol]) == 0
	a.tickerSubs[symbol] = append(a.tickerSubs[symbol], cb)
	a.subsMu.Unlock()

	if first {
		return a.sendSubscribe([]string{product})
	}
	return nil
}

// SubscribeCandles is not available: the exchange feed has no OHLC channel.
// Candle data comes from GetCandles polling by the engine's market data loop.
func (a *Adapter) SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb broker.CandleCallback) error {
	return broker.NotSupportedBecause(brokerName, "candle stream", "no native OHLC channel; poll GetCandles")
}

func (a *Adapter) SubscribeOrderBook(symbol market.Symbol, cb broker.OrderBookCallback) error {
	return broker.NotSupportedBecause(brokerName, "order book stream", "level2 channel not wired; use GetOrderBook")
}

// SubscribeAccount polls REST at a bounded cadence; the user channel needs a
// second authenticated socket. The poller is stored so UnsubscribeAll stops it.
func (a *Adapter) SubscribeAccount(cb broker.AccountCallback) error {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	a.accountSubs = append(a.accountSubs, cb)
	if a.pollStop != nil {
		return nil
	}
	stop := make(chan struct{})
	a.pollStop = stop
	go a.pollAccount(stop)
	return nil
}

func (a *Adapter) pollAccount(stop chan struct{}) {
	ticker := time.NewTicker(accountPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		balances, err := a.GetBalance(ctx)
		if err != nil {
			cancel()
			a.log.Warn().Err(err).Msg("account poll failed")
			continue
		}
		positions, err := a.GetPositions(ctx)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Msg("account poll failed")
			continue
		}

		ev := broker.AccountEvent{Balances: balances, Positions: positions, TsMs: time.Now().UnixMilli()}
		a.subsMu.RLock()
		subs := append([]broker.AccountCallback(nil), a.accountSubs...)
		a.subsMu.RUnlock()
		for _, cb := range subs {
			cb(ev)
		}
	}
}

func (a *Adapter) UnsubscribeAll() error {
	a.subsMu.Lock()
	a.tickerSubs = make(map[market.Symbol][]broker.TickerCallback)
	a.accountSubs = nil
	if a.pollStop != nil {
		close(a.pollStop)
		a.pollStop = nil
	}
	a.subsMu.Unlock()
	return nil
}

func (a *Adapter) sendSubscribe(productIDs []string) error {
	a.mu.RLock()
	stream := a.stream
	a.mu.RUnlock()
	if stream == nil || !stream.IsConnected() {
		return nil
	}
	return stream.SendJSON(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"ticker"},
	})
}

// resubscribe replays the ticker channel for every registered product.
func (a *Adapter) resubscribe(s *broker.Stream) error {
	a.subsMu.RLock()
	var ids []string
	for symbol := range a.tickerSubs {
		if product, err := a.symbols.ToVenue(symbol); err == nil {
			ids = append(ids, product)
		}
	}
	a.subsMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return s.SendJSON(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": ids,
		"channels":    []string{"ticker"},
	})
}

// ----- Message handling -----

func (a *Adapter) handleMessage(data []byte) {
	var msg struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		BestBid   string `json:"best_bid"`
		BestAsk   string `json:"best_ask"`
		Volume24h string `json:"volume_24h"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "ticker":
		symbol, err := a.symbols.FromVenue(msg.ProductID)
		if err != nil {
			return
		}
		tick := broker.Ticker{
			Symbol: symbol,
			Bid:    parseF(msg.BestBid),
			Ask:    parseF(msg.BestAsk),
			Last:   parseF(msg.Price),
			Volume: parseF(msg.Volume24h),
			TsMs:   time.Now().UnixMilli(),
		}
		a.subsMu.RLock()
		subs := append([]broker.TickerCallback(nil), a.tickerSubs[symbol]...)
		a.subsMu.RUnlock()
		for _, cb := range subs {
			cb(tick)
		}
	case "error":
		a.log.Error().Str("msg", msg.Message).Msg("coinbase ws error")
	}
}
