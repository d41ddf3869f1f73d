// Package kraken implements the Kraken spot venue adapter: signed REST calls
// drained through the shared rate-limited queue, and a self-healing public
// WebSocket feed for tickers and OHLC.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

const (
	brokerName = "kraken"

	restBaseURL = "https://api.kraken.com"
	wsURL       = "wss://ws.kraken.com"

	requestsPerSecond = 15
	httpTimeout       = 10 * time.Second
)

// restPairs maps canonical symbols to Kraken's REST pair codes. The WS API
// uses a different naming scheme, kept in wsPairs.
var restPairs = map[market.Symbol]string{
	market.MustSymbol("BTC/USD"):  "XXBTZUSD",
	market.MustSymbol("ETH/USD"):  "XETHZUSD",
	market.MustSymbol("SOL/USD"):  "SOLUSD",
	market.MustSymbol("ADA/USD"):  "ADAUSD",
	market.MustSymbol("DOGE/USD"): "XDGUSD",
}

var wsPairs = map[market.Symbol]string{
	market.MustSymbol("BTC/USD"):  "XBT/USD",
	market.MustSymbol("ETH/USD"):  "ETH/USD",
	market.MustSymbol("SOL/USD"):  "SOL/USD",
	market.MustSymbol("ADA/USD"):  "ADA/USD",
	market.MustSymbol("DOGE/USD"): "XDG/USD",
}

var minOrderSizes = map[market.Symbol]float64{
	market.MustSymbol("BTC/USD"):  0.0001,
	market.MustSymbol("ETH/USD"):  0.01,
	market.MustSymbol("SOL/USD"):  0.1,
	market.MustSymbol("ADA/USD"):  5,
	market.MustSymbol("DOGE/USD"): 40,
}

// Adapter is the Kraken venue implementation.
type Adapter struct {
	creds   broker.Credentials
	client  *http.Client
	queue   *broker.RESTQueue
	symbols *broker.SymbolMap
	log     zerolog.Logger

	mu        sync.RWMutex
	connected bool
	stream    *broker.Stream
	subs      *subscriptions

	nonceMu   sync.Mutex
	lastNonce int64
}

// New builds a Kraken adapter. Credentials may be empty for market-data-only
// use; private endpoints then fail with ErrAuth.
func New(creds broker.Credentials, log zerolog.Logger) *Adapter {
	l := log.With().Str("broker", brokerName).Logger()
	symbols := broker.NewSymbolMap(brokerName, restPairs)
	return &Adapter{
		creds:   creds,
		client:  &http.Client{Timeout: httpTimeout},
		queue:   broker.NewRESTQueue(brokerName, requestsPerSecond, l),
		symbols: symbols,
		subs:    newSubscriptions(),
		log:     l,
	}
}

// ----- Lifecycle -----

// Connect verifies REST reachability, then starts the public WS stream.
func (a *Adapter) Connect(ctx context.Context) error {
	var result struct {
		Unixtime int64 `json:"unixtime"`
	}
	if err := a.public(ctx, "/0/public/Time", nil, &result); err != nil {
		return fmt.Errorf("kraken: connectivity check failed: %w", err)
	}

	stream := broker.NewStream(broker.StreamConfig{
		URL:       wsURL,
		OnConnect: a.resubscribe,
		OnMessage: a.handleMessage,
		Log:       a.log,
	})
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("kraken: stream start failed: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.connected = true
	a.mu.Unlock()
	a.log.Info().Msg("kraken connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.connected = false
	a.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	a.queue.Stop()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected && a.stream != nil && a.stream.IsConnected()
}

// ----- Identity -----

func (a *Adapter) BrokerName() string                  { return brokerName }
func (a *Adapter) AssetType() broker.AssetType         { return broker.AssetCrypto }
func (a *Adapter) SupportedSymbols() []market.Symbol   { return a.symbols.Symbols() }
func (a *Adapter) Fees() broker.Fees                   { return broker.Fees{Maker: 0.0016, Taker: 0.0026} }
func (a *Adapter) IsTradeableNow(s market.Symbol) bool { _, err := a.symbols.ToVenue(s); return err == nil }

func (a *Adapter) MinOrderSize(symbol market.Symbol) float64 {
	if sz, ok := minOrderSizes[symbol]; ok {
		return sz
	}
	return 0.0001
}

// ----- Account -----

// GetBalance returns free balances with Kraken's asset prefixes stripped
// (XXBT reports as BTC, ZUSD as USD).
func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	var raw map[string]string
	if err := a.private(ctx, "/0/private/Balance", url.Values{}, &raw); err != nil {
		return nil, err
	}
	out := make(broker.Balance, len(raw))
	for asset, amount := range raw {
		v, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			continue
		}
		out[normalizeAsset(asset)] = v
	}
	return out, nil
}

// GetPositions reports spot holdings synthetically: every positive base
// balance of a supported symbol is one position. Kraken spot has no margin
// position list for plain holdings.
func (a *Adapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	bal, err := a.GetBalance(ctx)
	if err != nil {
		return nil, err
	}
	var out []broker.Position
	for _, sym := range a.symbols.Symbols() {
		if size := bal[sym.Base()]; size > 0 {
			out = append(out, broker.Position{Symbol: sym, SizeBase: size})
		}
	}
	return out, nil
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	var result struct {
		Open map[string]krakenOrder `json:"open"`
	}
	if err := a.private(ctx, "/0/private/OpenOrders", url.Values{}, &result); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(result.Open))
	for id, ko := range result.Open {
		sym, err := a.symbols.FromVenue(ko.Descr.Pair)
		if err != nil {
			// Pair outside the configured universe; skip rather than guess.
			continue
		}
		out = append(out, broker.Order{
			Symbol:   sym,
			Side:     mapSide(ko.Descr.Type),
			Type:     mapOrderType(ko.Descr.OrderType),
			Size:     parseF(ko.Volume),
			Price:    parseF(ko.Descr.Price),
			ClientID: id,
		})
	}
	return out, nil
}

// ----- Orders -----

func (a *Adapter) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResult, error) {
	pair, err := a.symbols.ToVenue(order.Symbol)
	if err != nil {
		return broker.OrderResult{}, err
	}

	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", strings.ToLower(string(order.Side)))
	form.Set("volume", strconv.FormatFloat(order.Size, 'f', -1, 64))
	switch order.Type {
	case broker.OrderTypeMarket:
		form.Set("ordertype", "market")
	case broker.OrderTypeLimit:
		form.Set("ordertype", "limit")
		form.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
	case broker.OrderTypeStop:
		form.Set("ordertype", "stop-loss")
		form.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
	default:
		return broker.OrderResult{}, broker.NotSupported(brokerName, string(order.Type)+" orders")
	}
	if order.ClientID != "" {
		form.Set("userref", order.ClientID)
	}

	var result struct {
		Txid []string `json:"txid"`
	}
	if err := a.private(ctx, "/0/private/AddOrder", form, &result); err != nil {
		return broker.OrderResult{}, err
	}
	if len(result.Txid) == 0 {
		return broker.OrderResult{}, fmt.Errorf("%w: no transaction id returned", broker.ErrOrderRejected)
	}
	return a.GetOrderStatus(ctx, result.Txid[0])
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	form := url.Values{}
	form.Set("txid", orderID)
	var result struct {
		Count int `json:"count"`
	}
	if err := a.private(ctx, "/0/private/CancelOrder", form, &result); err != nil {
		return false, err
	}
	return result.Count > 0, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	form := url.Values{}
	form.Set("txid", orderID)
	var result map[string]krakenOrder
	if err := a.private(ctx, "/0/private/QueryOrders", form, &result); err != nil {
		return broker.OrderResult{}, err
	}
	ko, ok := result[orderID]
	if !ok {
		return broker.OrderResult{}, fmt.Errorf("kraken: order %s not found", orderID)
	}
	filled := parseF(ko.VolExec)
	return broker.OrderResult{
		OrderID:   orderID,
		Status:    mapStatus(ko.Status),
		Filled:    filled,
		Remaining: parseF(ko.Volume) - filled,
		AvgPrice:  parseF(ko.Price),
		Raw:       ko,
	}, nil
}

// ----- Market data -----

func (a *Adapter) GetTicker(ctx context.Context, symbol market.Symbol) (broker.Ticker, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.Ticker{}, err
	}
	var result map[string]struct {
		A []string `json:"a"` // ask [price, wholeLotVol, lotVol]
		B []string `json:"b"` // bid
		C []string `json:"c"` // last trade [price, lotVol]
		V []string `json:"v"` // volume [today, 24h]
	}
	if err := a.public(ctx, "/0/public/Ticker", url.Values{"pair": {pair}}, &result); err != nil {
		return broker.Ticker{}, err
	}
	for _, t := range result {
		return broker.Ticker{
			Symbol: symbol,
			Bid:    parseIdx(t.B, 0),
			Ask:    parseIdx(t.A, 0),
			Last:   parseIdx(t.C, 0),
			Volume: parseIdx(t.V, 1),
			TsMs:   time.Now().UnixMilli(),
		}, nil
	}
	return broker.Ticker{}, fmt.Errorf("kraken: empty ticker for %s", pair)
}

// GetCandles fetches OHLC bars. Candles failing the shape invariants are
// dropped rather than passed through.
func (a *Adapter) GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	interval, ok := wsInterval(tf)
	if !ok {
		return nil, broker.NotSupportedBecause(brokerName, "candles", "timeframe "+string(tf))
	}

	var raw json.RawMessage
	params := url.Values{"pair": {pair}, "interval": {strconv.Itoa(interval)}}
	if err := a.public(ctx, "/0/public/OHLC", params, &raw); err != nil {
		return nil, err
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("kraken: decode OHLC: %w", err)
	}

	intervalMs := tf.IntervalMs()
	var candles []market.Candle
	for key, rows := range payload {
		if key == "last" {
			continue
		}
		var bars [][]interface{}
		if err := json.Unmarshal(rows, &bars); err != nil {
			return nil, fmt.Errorf("kraken: decode OHLC rows: %w", err)
		}
		for _, bar := range bars {
			// [time, open, high, low, close, vwap, volume, count]
			if len(bar) < 7 {
				continue
			}
			c := market.Candle{
				Time:   int64(toF(bar[0])) * 1000,
				Open:   toF(bar[1]),
				High:   toF(bar[2]),
				Low:    toF(bar[3]),
				Close:  toF(bar[4]),
				Volume: toF(bar[6]),
			}
			c.ETime = c.Time + intervalMs - 1
			if err := c.Validate(); err != nil {
				a.log.Warn().Err(err).Msg("dropping malformed candle")
				continue
			}
			candles = append(candles, c)
		}
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (broker.OrderBook, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 10
	}
	var result map[string]struct {
		Asks [][]interface{} `json:"asks"`
		Bids [][]interface{} `json:"bids"`
	}
	params := url.Values{"pair": {pair}, "count": {strconv.Itoa(depth)}}
	if err := a.public(ctx, "/0/public/Depth", params, &result); err != nil {
		return broker.OrderBook{}, err
	}
	for _, book := range result {
		return broker.OrderBook{
			Symbol: symbol,
			Bids:   toLevels(book.Bids),
			Asks:   toLevels(book.Asks),
			TsMs:   time.Now().UnixMilli(),
		}, nil
	}
	return broker.OrderBook{}, fmt.Errorf("kraken: empty order book for %s", pair)
}

// ----- Symbol mapping -----

func (a *Adapter) ToVenueSymbol(symbol market.Symbol) (string, error) {
	return a.symbols.ToVenue(symbol)
}

func (a *Adapter) FromVenueSymbol(venue string) (market.Symbol, error) {
	return a.symbols.FromVenue(venue)
}

// ----- REST plumbing -----

func (a *Adapter) public(ctx context.Context, path string, params url.Values, out interface{}) error {
	return a.queue.Do(ctx, func(qctx context.Context) error {
		u := restBaseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(qctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		return a.execute(req, out)
	})
}

func (a *Adapter) private(ctx context.Context, path string, form url.Values, out interface{}) error {
	if a.creds.APIKey == "" || a.creds.APISecret == "" {
		return fmt.Errorf("%w: kraken credentials not configured", broker.ErrAuth)
	}
	return a.queue.Do(ctx, func(qctx context.Context) error {
		nonce := a.nextNonce()
		form.Set("nonce", strconv.FormatInt(nonce, 10))
		body := form.Encode()

		sig, err := sign(path, body, nonce, a.creds.APISecret)
		if err != nil {
			return fmt.Errorf("%w: %v", broker.ErrAuth, err)
		}

		req, err := http.NewRequestWithContext(qctx, http.MethodPost, restBaseURL+path, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("API-Key", a.creds.APIKey)
		req.Header.Set("API-Sign", sig)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return a.execute(req, out)
	})
}

// execute runs one HTTP request and decodes Kraken's {error:[], result:{}}
// envelope into out.
func (a *Adapter) execute(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}
	if err := broker.ClassifyHTTPStatus(resp.StatusCode, string(data)); err != nil {
		return err
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("kraken: decode response: %w", err)
	}
	if len(envelope.Error) > 0 {
		return classifyAPIError(envelope.Error[0])
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// classifyAPIError maps Kraken's EService/EAPI/EOrder codes to the sentinel
// taxonomy.
func classifyAPIError(msg string) error {
	switch {
	case strings.Contains(msg, "Rate limit"):
		return fmt.Errorf("%w: %s", broker.ErrRateLimited, msg)
	case strings.HasPrefix(msg, "EAPI:") || strings.Contains(msg, "Invalid key") || strings.Contains(msg, "Invalid signature"):
		return fmt.Errorf("%w: %s", broker.ErrAuth, msg)
	case strings.HasPrefix(msg, "EOrder:"):
		return fmt.Errorf("%w: %s", broker.ErrOrderRejected, msg)
	case strings.HasPrefix(msg, "EService:"):
		return fmt.Errorf("%w: %s", broker.ErrTransient, msg)
	default:
		return fmt.Errorf("kraken: %s", msg)
	}
}

// nextNonce returns a strictly increasing nonce even within one millisecond.
func (a *Adapter) nextNonce() int64 {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= a.lastNonce {
		n = a.lastNonce + 1
	}
	a.lastNonce = n
	return n
}

// ----- Mapping helpers -----

type krakenOrder struct {
	Status  string `json:"status"`
	Volume  string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "pending":
		return broker.StatusPending
	case "open":
		return broker.StatusAccepted
	case "closed":
		return broker.StatusFilled
	case "canceled":
		return broker.StatusCancelled
	case "expired":
		return broker.StatusCancelled
	default:
		return broker.StatusPending
	}
}

func mapSide(s string) broker.Side {
	if s == "sell" {
		return broker.SideSell
	}
	return broker.SideBuy
}

func mapOrderType(s string) broker.OrderType {
	switch s {
	case "limit":
		return broker.OrderTypeLimit
	case "stop-loss":
		return broker.OrderTypeStop
	default:
		return broker.OrderTypeMarket
	}
}

// normalizeAsset strips Kraken's X/Z class prefixes and renames XBT to BTC.
func normalizeAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if asset == "XBT" {
		return "BTC"
	}
	if asset == "XDG" {
		return "DOGE"
	}
	return asset
}

// wsInterval maps a timeframe to Kraken's OHLC interval in minutes.
func wsInterval(tf market.Timeframe) (int, bool) {
	switch tf {
	case market.Timeframe1m:
		return 1, true
	case market.Timeframe5m:
		return 5, true
	case market.Timeframe15m:
		return 15, true
	case market.Timeframe30m:
		return 30, true
	case market.Timeframe1h:
		return 60, true
	case market.Timeframe4h:
		return 240, true
	case market.Timeframe1d:
		return 1440, true
	case market.Timeframe1w:
		return 10080, true
	default:
		return 0, false
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseIdx(arr []string, i int) float64 {
	if i >= len(arr) {
		return 0
	}
	return parseF(arr[i])
}

func toF(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseF(x)
	default:
		return 0
	}
}

func toLevels(rows [][]interface{}) []broker.OrderBookLevel {
	out := make([]broker.OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, broker.OrderBookLevel{toF(row[0]), toF(row[1])})
	}
	return out
}
