package binance

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

// ----- Streaming surface -----

func (a *Adapter) SubscribeTicker(symbol market.Symbol, cb broker.TickerCallback) error {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.NotSupportedBecause(brokerName, "ticker stream", "symbol "+string(symbol))
	}

	a.subsMu.Lock()
	first := len(a.tickerSubs[symbol]) == 0
	a.tickerSubs[symbol] = append(a.tickerSubs[symbol], cb)
	a.subsMu.Unlock()

	if first {
		return a.sendStreamOp("SUBSCRIBE", []string{strings.ToLower(pair) + "@ticker"})
	}
	return nil
}

func (a *Adapter) SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb broker.CandleCallback) error {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.NotSupportedBecause(brokerName, "candle stream", "symbol "+string(symbol))
	}
	if !tf.Valid() {
		return broker.NotSupportedBecause(brokerName, "candle stream", "timeframe "+string(tf))
	}

	key := streamKey{symbol: symbol, tf: tf}
	a.subsMu.Lock()
	first := len(a.candleSubs[key]) == 0
	a.candleSubs[key] = append(a.candleSubs[key], cb)
	a.subsMu.Unlock()

	if first {
		return a.sendStreamOp("SUBSCRIBE", []string{strings.ToLower(pair) + "@kline_" + string(tf)})
	}
	return nil
}

func (a *Adapter) SubscribeOrderBook(symbol market.Symbol, cb broker.OrderBookCallback) error {
	return broker.NotSupportedBecause(brokerName, "order book stream", "depth diffs not wired; use GetOrderBook")
}

// SubscribeAccount is not wired: the user data stream needs a listenKey
// keep-alive loop. Account truth comes from the reconciler's REST polling.
func (a *Adapter) SubscribeAccount(cb broker.AccountCallback) error {
	return broker.NotSupportedBecause(brokerName, "account stream", "listenKey flow not wired; reconciler polls REST")
}

func (a *Adapter) UnsubscribeAll() error {
	a.subsMu.Lock()
	streams := a.activeStreamsLocked()
	a.tickerSubs = make(map[market.Symbol][]broker.TickerCallback)
	a.candleSubs = make(map[streamKey][]broker.CandleCallback)
	a.subsMu.Unlock()

	if len(streams) > 0 {
		return a.sendStreamOp("UNSUBSCRIBE", streams)
	}
	return nil
}

func (a *Adapter) activeStreamsLocked() []string {
	var streams []string
	for symbol := range a.tickerSubs {
		if pair, err := a.symbols.ToVenue(symbol); err == nil {
			streams = append(streams, strings.ToLower(pair)+"@ticker")
		}
	}
	for key := range a.candleSubs {
		if pair, err := a.symbols.ToVenue(key.symbol); err == nil {
			streams = append(streams, strings.ToLower(pair)+"@kline_"+string(key.tf))
		}
	}
	return streams
}

func (a *Adapter) sendStreamOp(method string, streams []string) error {
	a.mu.RLock()
	stream := a.stream
	a.mu.RUnlock()
	if stream == nil || !stream.IsConnected() {
		return nil
	}
	return stream.SendJSON(map[string]interface{}{
		"method": method,
		"params": streams,
		"id":     atomic.AddInt64(&a.streamID, 1),
	})
}

// resubscribe replays every active stream on (re)connect.
func (a *Adapter) resubscribe(s *broker.Stream) error {
	a.subsMu.RLock()
	streams := a.activeStreamsLocked()
	a.subsMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return s.SendJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     atomic.AddInt64(&a.streamID, 1),
	})
}

// ----- Message handling -----

func (a *Adapter) handleMessage(data []byte) {
	var probe struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}
	switch probe.Event {
	case "kline":
		a.handleKline(data)
	case "24hrTicker":
		a.handleTicker(data)
	}
}

func (a *Adapter) handleTicker(data []byte) {
	var msg struct {
		Symbol string `json:"s"`
		Last   string `json:"c"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
		Volume string `json:"v"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	symbol, err := a.symbols.FromVenue(msg.Symbol)
	if err != nil {
		return
	}
	tick := broker.Ticker{
		Symbol: symbol,
		Bid:    parseF(msg.Bid),
		Ask:    parseF(msg.Ask),
		Last:   parseF(msg.Last),
		Volume: parseF(msg.Volume),
		TsMs:   time.Now().UnixMilli(),
	}
	a.subsMu.RLock()
	subs := append([]broker.TickerCallback(nil), a.tickerSubs[symbol]...)
	a.subsMu.RUnlock()
	for _, cb := range subs {
		cb(tick)
	}
}

// handleKline normalizes a kline frame to a canonical candle. Malformed
// candles are dropped.
func (a *Adapter) handleKline(data []byte) {
	var msg struct {
		Symbol string `json:"s"`
		Kline  struct {
			Start    int64  `json:"t"`
			End      int64  `json:"T"`
			Interval string `json:"i"`
			Open     string `json:"o"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Close    string `json:"c"`
			Volume   string `json:"v"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	symbol, err := a.symbols.FromVenue(msg.Symbol)
	if err != nil {
		return
	}
	tf, err := market.ParseTimeframe(msg.Kline.Interval)
	if err != nil {
		return
	}

	c := market.Candle{
		Time:   msg.Kline.Start,
		ETime:  msg.Kline.End,
		Open:   parseF(msg.Kline.Open),
		High:   parseF(msg.Kline.High),
		Low:    parseF(msg.Kline.Low),
		Close:  parseF(msg.Kline.Close),
		Volume: parseF(msg.Kline.Volume),
	}
	if err := c.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("dropping malformed stream candle")
		return
	}

	ev := broker.CandleEvent{Symbol: symbol, Timeframe: tf, Candle: c}
	key := streamKey{symbol: symbol, tf: tf}
	a.subsMu.RLock()
	subs := append([]broker.CandleCallback(nil), a.candleSubs[key]...)
	a.subsMu.RUnlock()
	for _, cb := range subs {
		cb(ev)
	}
}
