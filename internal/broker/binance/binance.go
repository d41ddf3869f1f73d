// Package binance implements the Binance spot venue adapter. Signed calls
// append an HMAC-SHA256 hex signature over the query string and carry the key
// in X-MBX-APIKEY; klines stream over the combined WebSocket endpoint.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	brokerName = "binance"

	restBaseURL = "https://api.binance.com"
	wsBaseURL   = "wss://stream.binance.com:9443/ws"

	requestsPerSecond = 18
	httpTimeout       = 10 * time.Second
	recvWindowMs      = 5000
)

var pairs = map[market.Symbol]string{
	market.MustSymbol("BTC/USDT"):  "BTCUSDT",
	market.MustSymbol("ETH/USDT"):  "ETHUSDT",
	market.MustSymbol("SOL/USDT"):  "SOLUSDT",
	market.MustSymbol("ADA/USDT"):  "ADAUSDT",
	market.MustSymbol("DOGE/USDT"): "DOGEUSDT",
}

var minOrderSizes = map[market.Symbol]float64{
	market.MustSymbol("BTC/USDT"):  0.00001,
	market.MustSymbol("ETH/USDT"):  0.0001,
	market.MustSymbol("SOL/USDT"):  0.001,
	market.MustSymbol("ADA/USDT"):  1,
	market.MustSymbol("DOGE/USDT"): 10,
}

// Adapter is the Binance spot venue implementation.
type Adapter struct {
	creds   broker.Credentials
	client  *http.Client
	queue   *broker.RESTQueue
	symbols *broker.SymbolMap
	log     zerolog.Logger

	mu        sync.RWMutex
	connected bool
	stream    *broker.Stream

	subsMu      sync.RWMutex
	tickerSubs  map[market.Symbol][]broker.TickerCallback
	candleSubs  map[streamKey][]broker.CandleCallback
	accountSubs []broker.AccountCallback
	streamID    int64
}

type streamKey struct {
	symbol market.Symbol
	tf     market.Timeframe
}

func New(creds broker.Credentials, log zerolog.Logger) *Adapter {
	l := log.With().Str("broker", brokerName).Logger()
	return &Adapter{
		creds:      creds,
		client:     &http.Client{Timeout: httpTimeout},
		queue:      broker.NewRESTQueue(brokerName, requestsPerSecond, l),
		symbols:    broker.NewSymbolMap(brokerName, pairs),
		tickerSubs: make(map[market.Symbol][]broker.TickerCallback),
		candleSubs: make(map[streamKey][]broker.CandleCallback),
		log:        l,
	}
}

// ----- Lifecycle -----

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.public(ctx, "/api/v3/ping", nil, nil); err != nil {
		return fmt.Errorf("binance: connectivity check failed: %w", err)
	}

	stream := broker.NewStream(broker.StreamConfig{
		URL:       wsBaseURL,
		OnConnect: a.resubscribe,
		OnMessage: a.handleMessage,
		Log:       a.log,
	})
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("binance: stream start failed: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.connected = true
	a.mu.Unlock()
	a.log.Info().Msg("binance connected")
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
func (a *Adapter) Fees() broker.Fees                   { return broker.Fees{Maker: 0.001, Taker: 0.001} }
func (a *Adapter) IsTradeableNow(s market.Symbol) bool { _, err := a.symbols.ToVenue(s); return err == nil }

func (a *Adapter) MinOrderSize(symbol market.Symbol) float64 {
	if sz, ok := minOrderSizes[symbol]; ok {
		return sz
	}
	return 0.00001
}

// ----- Account -----

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := a.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return nil, err
	}
	out := make(broker.Balance)
	for _, b := range account.Balances {
		if v := parseF(b.Free); v > 0 {
			out[b.Asset] = v
		}
	}
	return out, nil
}

// GetPositions reports spot holdings synthetically as positive base balances.
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
	var raw []bnOrder
	if err := a.signed(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{}, &raw); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(raw))
	for _, o := range raw {
		sym, err := a.symbols.FromVenue(o.Symbol)
		if err != nil {
			continue
		}
		out = append(out, broker.Order{
			Symbol:   sym,
			Side:     mapSide(o.Side),
			Type:     mapOrderType(o.Type),
			Size:     parseF(o.OrigQty),
			Price:    parseF(o.Price),
			ClientID: strconv.FormatInt(o.OrderID, 10),
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

	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", string(order.Side))
	params.Set("quantity", strconv.FormatFloat(order.Size, 'f', -1, 64))
	switch order.Type {
	case broker.OrderTypeMarket:
		params.Set("type", "MARKET")
	case broker.OrderTypeLimit:
		params.Set("type", "LIMIT")
		params.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
		params.Set("timeInForce", tifString(order.TIF))
	case broker.OrderTypeStop:
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("stopPrice", strconv.FormatFloat(order.Price, 'f', -1, 64))
		params.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
		params.Set("timeInForce", tifString(order.TIF))
	default:
		return broker.OrderResult{}, broker.NotSupported(brokerName, string(order.Type)+" orders")
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}

	var placed bnOrder
	if err := a.signed(ctx, http.MethodPost, "/api/v3/order", params, &placed); err != nil {
		return broker.OrderResult{}, err
	}
	placed.Symbol = pair
	return placed.toResult(), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	pair, id, err := splitOrderID(orderID)
	if err != nil {
		return false, err
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", id)
	if err := a.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	pair, id, err := splitOrderID(orderID)
	if err != nil {
		return broker.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", id)
	var o bnOrder
	if err := a.signed(ctx, http.MethodGet, "/api/v3/order", params, &o); err != nil {
		return broker.OrderResult{}, err
	}
	return o.toResult(), nil
}

// ----- Market data -----

func (a *Adapter) GetTicker(ctx context.Context, symbol market.Symbol) (broker.Ticker, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.Ticker{}, err
	}
	var t struct {
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		Volume    string `json:"volume"`
	}
	if err := a.public(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {pair}}, &t); err != nil {
		return broker.Ticker{}, err
	}
	return broker.Ticker{
		Symbol: symbol,
		Bid:    parseF(t.BidPrice),
		Ask:    parseF(t.AskPrice),
		Last:   parseF(t.LastPrice),
		Volume: parseF(t.Volume),
		TsMs:   time.Now().UnixMilli(),
	}, nil
}

// GetCandles fetches klines: arrays [openTime, o, h, l, c, v, closeTime, ...].
// Rows failing the shape invariants are dropped.
func (a *Adapter) GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if !tf.Valid() {
		return nil, broker.NotSupportedBecause(brokerName, "candles", "timeframe "+string(tf))
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	params := url.Values{
		"symbol":   {pair},
		"interval": {string(tf)},
		"limit":    {strconv.Itoa(limit)},
	}
	var rows [][]interface{}
	if err := a.public(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, err
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		c := market.Candle{
			Time:   int64(toF(row[0])),
			Open:   toF(row[1]),
			High:   toF(row[2]),
			Low:    toF(row[3]),
			Close:  toF(row[4]),
			Volume: toF(row[5]),
			ETime:  int64(toF(row[6])),
		}
		if err := c.Validate(); err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed candle")
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (broker.OrderBook, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.OrderBook{}, err
	}
	if depth <= 0 {
		depth = 20
	}
	var book struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := url.Values{"symbol": {pair}, "limit": {strconv.Itoa(depth)}}
	if err := a.public(ctx, "/api/v3/depth", params, &book); err != nil {
		return broker.OrderBook{}, err
	}
	return broker.OrderBook{
		Symbol: symbol,
		Bids:   toLevels(book.Bids),
		Asks:   toLevels(book.Asks),
		TsMs:   time.Now().UnixMilli(),
	}, nil
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

// signed appends timestamp, recvWindow and the HMAC-SHA256 hex signature to
// the query string. The secret never reaches the log.
func (a *Adapter) signed(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	if a.creds.APIKey == "" || a.creds.APISecret == "" {
		return fmt.Errorf("%w: binance credentials not configured", broker.ErrAuth)
	}
	return a.queue.Do(ctx, func(qctx context.Context) error {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
		query := params.Encode()
		query += "&signature=" + sign(query, a.creds.APISecret)

		req, err := http.NewRequestWithContext(qctx, method, restBaseURL+path+"?"+query, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-MBX-APIKEY", a.creds.APIKey)
		return a.execute(req, out)
	})
}

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
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if resp.StatusCode == http.StatusBadRequest && apiErr.Code != 0 {
			return fmt.Errorf("%w: code %d: %s", broker.ErrOrderRejected, apiErr.Code, apiErr.Msg)
		}
		return broker.ClassifyHTTPStatus(resp.StatusCode, apiErr.Msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// sign computes hex(HMAC-SHA256(query, secret)).
func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// ----- Mapping helpers -----

type bnOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Side        string `json:"side"`
}

// toResult encodes (pair, orderId) into the adapter-unique order id so status
// and cancel calls can carry the symbol Binance requires.
func (o bnOrder) toResult() broker.OrderResult {
	filled := parseF(o.ExecutedQty)
	size := parseF(o.OrigQty)
	return broker.OrderResult{
		OrderID:   o.Symbol + ":" + strconv.FormatInt(o.OrderID, 10),
		Status:    mapStatus(o.Status),
		Filled:    filled,
		Remaining: size - filled,
		AvgPrice:  parseF(o.Price),
		Raw:       o,
	}
}

func splitOrderID(orderID string) (pair, id string, err error) {
	i := strings.IndexByte(orderID, ':')
	if i <= 0 || i+1 >= len(orderID) {
		return "", "", fmt.Errorf("binance: malformed order id %q, want PAIR:ID", orderID)
	}
	return orderID[:i], orderID[i+1:], nil
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "NEW":
		return broker.StatusAccepted
	case "PARTIALLY_FILLED":
		return broker.StatusPartial
	case "FILLED":
		return broker.StatusFilled
	case "CANCELED", "EXPIRED":
		return broker.StatusCancelled
	case "REJECTED":
		return broker.StatusRejected
	default:
		return broker.StatusPending
	}
}

func mapSide(s string) broker.Side {
	if s == "SELL" {
		return broker.SideSell
	}
	return broker.SideBuy
}

func mapOrderType(s string) broker.OrderType {
	switch s {
	case "LIMIT":
		return broker.OrderTypeLimit
	case "STOP_LOSS", "STOP_LOSS_LIMIT":
		return broker.OrderTypeStop
	default:
		return broker.OrderTypeMarket
	}
}

func tifString(tif broker.TimeInForce) string {
	switch tif {
	case broker.TIFImmediate:
		return "IOC"
	case broker.TIFFillOrKill:
		return "FOK"
	default:
		return "GTC"
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
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

func toLevels(rows [][]string) []broker.OrderBookLevel {
	out := make([]broker.OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, broker.OrderBookLevel{parseF(row[0]), parseF(row[1])})
	}
	return out
}
