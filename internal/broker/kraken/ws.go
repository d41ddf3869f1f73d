package kraken

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

// subscriptions tracks every active channel so the stream can re-subscribe
// after a reconnect.
type subscriptions struct {
	mu      sync.RWMutex
	tickers map[market.Symbol][]broker.TickerCallback
	candles map[candleChan][]broker.CandleCallback
}

type candleChan struct {
	symbol market.Symbol
	tf     market.Timeframe
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		tickers: make(map[market.Symbol][]broker.TickerCallback),
		candles: make(map[candleChan][]broker.CandleCallback),
	}
}

// ----- Streaming surface -----

func (a *Adapter) SubscribeTicker(symbol market.Symbol, cb broker.TickerCallback) error {
	pair, ok := wsPairs[symbol]
	if !ok {
		return broker.NotSupportedBecause(brokerName, "ticker stream", "symbol "+string(symbol))
	}

	a.subs.mu.Lock()
	first := len(a.subs.tickers[symbol]) == 0
	a.subs.tickers[symbol] = append(a.subs.tickers[symbol], cb)
	a.subs.mu.Unlock()

	if first {
		return a.sendSubscribe([]string{pair}, map[string]interface{}{"name": "ticker"})
	}
	return nil
}

func (a *Adapter) SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb broker.CandleCallback) error {
	pair, ok := wsPairs[symbol]
	if !ok {
		return broker.NotSupportedBecause(brokerName, "candle stream", "symbol "+string(symbol))
	}
	interval, ok := wsInterval(tf)
	if !ok {
		return broker.NotSupportedBecause(brokerName, "candle stream", "timeframe "+string(tf))
	}

	key := candleChan{symbol: symbol, tf: tf}
	a.subs.mu.Lock()
	first := len(a.subs.candles[key]) == 0
	a.subs.candles[key] = append(a.subs.candles[key], cb)
	a.subs.mu.Unlock()

	if first {
		return a.sendSubscribe([]string{pair}, map[string]interface{}{"name": "ohlc", "interval": interval})
	}
	return nil
}

func (a *Adapter) SubscribeOrderBook(symbol market.Symbol, cb broker.OrderBookCallback) error {
	return broker.NotSupportedBecause(brokerName, "order book stream", "depth channel not wired; use GetOrderBook")
}

// SubscribeAccount is not available on Kraken's public socket; account truth
// comes from the reconciler's REST polling.
func (a *Adapter) SubscribeAccount(cb broker.AccountCallback) error {
	return broker.NotSupportedBecause(brokerName, "account stream", "private feed requires ws-auth token; reconciler polls REST")
}

func (a *Adapter) UnsubscribeAll() error {
	a.subs.mu.Lock()
	a.subs.tickers = make(map[market.Symbol][]broker.TickerCallback)
	a.subs.candles = make(map[candleChan][]broker.CandleCallback)
	a.subs.mu.Unlock()

	a.mu.RLock()
	stream := a.stream
	a.mu.RUnlock()
	if stream != nil && stream.IsConnected() {
		return stream.SendJSON(map[string]interface{}{"event": "unsubscribe", "subscription": map[string]string{"name": "*"}})
	}
	return nil
}

func (a *Adapter) sendSubscribe(pairs []string, sub map[string]interface{}) error {
	a.mu.RLock()
	stream := a.stream
	a.mu.RUnlock()
	if stream == nil || !stream.IsConnected() {
		// Queued in the registry; resubscribe fires on connect.
		return nil
	}
	return stream.SendJSON(map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": sub,
	})
}

// resubscribe replays every registered channel on (re)connect.
func (a *Adapter) resubscribe(s *broker.Stream) error {
	a.subs.mu.RLock()
	defer a.subs.mu.RUnlock()

	for symbol := range a.subs.tickers {
		if err := s.SendJSON(map[string]interface{}{
			"event":        "subscribe",
			"pair":         []string{wsPairs[symbol]},
			"subscription": map[string]interface{}{"name": "ticker"},
		}); err != nil {
			return err
		}
	}
	for key := range a.subs.candles {
		interval, _ := wsInterval(key.tf)
		if err := s.SendJSON(map[string]interface{}{
			"event":        "subscribe",
			"pair":         []string{wsPairs[key.symbol]},
			"subscription": map[string]interface{}{"name": "ohlc", "interval": interval},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ----- Message handling -----

// handleMessage decodes Kraken's v1 frames. Data frames are arrays
// [channelID, payload, channelName, pair]; everything else is an event object.
func (a *Adapter) handleMessage(data []byte) {
	if len(data) == 0 || data[0] != '[' {
		a.handleEvent(data)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return
	}
	var channel, pair string
	if json.Unmarshal(frame[len(frame)-2], &channel) != nil {
		return
	}
	if json.Unmarshal(frame[len(frame)-1], &pair) != nil {
		return
	}
	symbol, ok := symbolForWSPair(pair)
	if !ok {
		return
	}

	switch {
	case channel == "ticker":
		a.handleTickerFrame(symbol, frame[1])
	case len(channel) > 5 && channel[:5] == "ohlc-":
		a.handleOHLCFrame(symbol, channel[5:], frame[1])
	}
}

func (a *Adapter) handleEvent(data []byte) {
	var ev struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.Status == "error" {
		a.log.Error().Str("event", ev.Event).Str("msg", ev.ErrorMessage).Msg("kraken ws error event")
	}
}

func (a *Adapter) handleTickerFrame(symbol market.Symbol, payload json.RawMessage) {
	var t struct {
		A []string `json:"a"`
		B []string `json:"b"`
		C []string `json:"c"`
		V []string `json:"v"`
	}
	if err := json.Unmarshal(payload, &t); err != nil {
		return
	}
	tick := broker.Ticker{
		Symbol: symbol,
		Ask:    parseIdx(t.A, 0),
		Bid:    parseIdx(t.B, 0),
		Last:   parseIdx(t.C, 0),
		Volume: parseIdx(t.V, 1),
		TsMs:   time.Now().UnixMilli(),
	}
	a.subs.mu.RLock()
	subs := append([]broker.TickerCallback(nil), a.subs.tickers[symbol]...)
	a.subs.mu.RUnlock()
	for _, cb := range subs {
		cb(tick)
	}
}

// handleOHLCFrame normalizes Kraken's [time, etime, o, h, l, c, vwap, v, n]
// payload into a canonical candle, flooring the open time to the interval
// window. Malformed candles are dropped.
func (a *Adapter) handleOHLCFrame(symbol market.Symbol, intervalStr string, payload json.RawMessage) {
	var row []string
	if err := json.Unmarshal(payload, &row); err != nil || len(row) < 8 {
		return
	}
	minutes, err := strconv.Atoi(intervalStr)
	if err != nil {
		return
	}
	tf, ok := timeframeForMinutes(minutes)
	if !ok {
		return
	}

	intervalMs := tf.IntervalMs()
	endMs := int64(parseF(row[1]) * 1000)
	start := endMs - intervalMs
	start -= start % intervalMs

	c := market.Candle{
		Time:   start,
		ETime:  start + intervalMs - 1,
		Open:   parseF(row[2]),
		High:   parseF(row[3]),
		Low:    parseF(row[4]),
		Close:  parseF(row[5]),
		Volume: parseF(row[7]),
	}
	if err := c.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("dropping malformed stream candle")
		return
	}

	ev := broker.CandleEvent{Symbol: symbol, Timeframe: tf, Candle: c}
	key := candleChan{symbol: symbol, tf: tf}
	a.subs.mu.RLock()
	subs := append([]broker.CandleCallback(nil), a.subs.candles[key]...)
	a.subs.mu.RUnlock()
	for _, cb := range subs {
		cb(ev)
	}
}

func symbolForWSPair(pair string) (market.Symbol, bool) {
	for sym, p := range wsPairs {
		if p == pair {
			return sym, true
		}
	}
	return "", false
}

func timeframeForMinutes(minutes int) (market.Timeframe, bool) {
	switch minutes {
	case 1:
		return market.Timeframe1m, true
	case 5:
		return market.Timeframe5m, true
	case 15:
		return market.Timeframe15m, true
	case 30:
		return market.Timeframe30m, true
	case 60:
		return market.Timeframe1h, true
	case 240:
		return market.Timeframe4h, true
	case 1440:
		return market.Timeframe1d, true
	case 10080:
		return market.Timeframe1w, true
	default:
		return "", false
	}
}
