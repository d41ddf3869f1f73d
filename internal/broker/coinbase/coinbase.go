// Package coinbase implements the Coinbase Exchange venue adapter. REST calls
// are signed with HMAC-SHA256 over timestamp+method+path+body and drained
// through the shared rate-limited queue; tickers stream over the public
// WebSocket feed. Account updates are polled because the user channel needs a
// separate authenticated socket.
package coinbase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

const (
	brokerName = "coinbase"

	restBaseURL = "https://api.exchange.coinbase.com"
	wsURL       = "wss://ws-feed.exchange.coinbase.com"

	requestsPerSecond  = 10
	httpTimeout        = 10 * time.Second
	accountPollEvery   = 5 * time.Second
	defaultMinOrderUSD = 0.00001
)

// products maps canonical symbols to Coinbase product ids. The mapping is the
// canonical form with '/' replaced by '-', kept explicit so unsupported
// symbols fail fast.
var products = map[market.Symbol]string{
	market.MustSymbol("BTC/USD"):  "BTC-USD",
	market.MustSymbol("ETH/USD"):  "ETH-USD",
	market.MustSymbol("SOL/USD"):  "SOL-USD",
	market.MustSymbol("ADA/USD"):  "ADA-USD",
	market.MustSymbol("DOGE/USD"): "DOGE-USD",
}

// Adapter is the Coinbase venue implementation. Credentials.ClientID carries
// the API passphrase.
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
	accountSubs []broker.AccountCallback
	pollStop    chan struct{}
}

func New(creds broker.Credentials, log zerolog.Logger) *Adapter {
	l := log.With().Str("broker", brokerName).Logger()
	return &Adapter{
		creds:      creds,
		client:     &http.Client{Timeout: httpTimeout},
		queue:      broker.NewRESTQueue(brokerName, requestsPerSecond, l),
		symbols:    broker.NewSymbolMap(brokerName, products),
		tickerSubs: make(map[market.Symbol][]broker.TickerCallback),
		log:        l,
	}
}

// ----- Lifecycle -----

func (a *Adapter) Connect(ctx context.Context) error {
	var tm struct {
		ISO string `json:"iso"`
	}
	if err := a.request(ctx, http.MethodGet, "/time", nil, false, &tm); err != nil {
		return fmt.Errorf("coinbase: connectivity check failed: %w", err)
	}

	stream := broker.NewStream(broker.StreamConfig{
		URL:       wsURL,
		OnConnect: a.resubscribe,
		OnMessage: a.handleMessage,
		Log:       a.log,
	})
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("coinbase: stream start failed: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.connected = true
	a.mu.Unlock()
	a.log.Info().Msg("coinbase connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	_ = a.UnsubscribeAll()

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
func (a *Adapter) Fees() broker.Fees                   { return broker.Fees{Maker: 0.004, Taker: 0.006} }
func (a *Adapter) IsTradeableNow(s market.Symbol) bool { _, err := a.symbols.ToVenue(s); return err == nil }

func (a *Adapter) MinOrderSize(symbol market.Symbol) float64 { return defaultMinOrderUSD }

// ----- Account -----

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := a.request(ctx, http.MethodGet, "/accounts", nil, true, &accounts); err != nil {
		return nil, err
	}
	out := make(broker.Balance, len(accounts))
	for _, acct := range accounts {
		if v := parseF(acct.Available); v > 0 {
			out[acct.Currency] = v
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
	var raw []cbOrder
	if err := a.request(ctx, http.MethodGet, "/orders?status=open", nil, true, &raw); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(raw))
	for _, o := range raw {
		sym, err := a.symbols.FromVenue(o.ProductID)
		if err != nil {
			continue
		}
		out = append(out, broker.Order{
			Symbol:   sym,
			Side:     mapSide(o.Side),
			Type:     mapOrderType(o.Type),
			Size:     parseF(o.Size),
			Price:    parseF(o.Price),
			ClientID: o.ID,
		})
	}
	return out, nil
}

// ----- Orders -----

func (a *Adapter) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResult, error) {
	product, err := a.symbols.ToVenue(order.Symbol)
	if err != nil {
		return broker.OrderResult{}, err
	}

	body := map[string]interface{}{
		"product_id": product,
		"side":       sideString(order.Side),
		"size":       strconv.FormatFloat(order.Size, 'f', -1, 64),
	}
	switch order.Type {
	case broker.OrderTypeMarket:
		body["type"] = "market"
	case broker.OrderTypeLimit:
		body["type"] = "limit"
		body["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	case broker.OrderTypeStop:
		body["type"] = "limit"
		body["stop"] = sideStopString(order.Side)
		body["stop_price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
		body["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	default:
		return broker.OrderResult{}, broker.NotSupported(brokerName, string(order.Type)+" orders")
	}
	if order.ClientID != "" {
		body["client_oid"] = order.ClientID
	}

	var placed cbOrder
	if err := a.request(ctx, http.MethodPost, "/orders", body, true, &placed); err != nil {
		return broker.OrderResult{}, err
	}
	return placed.toResult(), nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := a.request(ctx, http.MethodDelete, "/orders/"+orderID, nil, true, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	var o cbOrder
	if err := a.request(ctx, http.MethodGet, "/orders/"+orderID, nil, true, &o); err != nil {
		return broker.OrderResult{}, err
	}
	return o.toResult(), nil
}

// ----- Market data -----

func (a *Adapter) GetTicker(ctx context.Context, symbol market.Symbol) (broker.Ticker, error) {
	product, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.Ticker{}, err
	}
	var t struct {
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
		Price  string `json:"price"`
		Volume string `json:"volume"`
	}
	if err := a.request(ctx, http.MethodGet, "/products/"+product+"/ticker", nil, false, &t); err != nil {
		return broker.Ticker{}, err
	}
	return broker.Ticker{
		Symbol: symbol,
		Bid:    parseF(t.Bid),
		Ask:    parseF(t.Ask),
		Last:   parseF(t.Price),
		Volume: parseF(t.Volume),
		TsMs:   time.Now().UnixMilli(),
	}, nil
}

// GetCandles fetches historic rates: rows are [time, low, high, open, close,
// volume], newest first. Rows failing the shape invariants are dropped.
func (a *Adapter) GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	product, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	granularity, ok := granularitySeconds(tf)
	if !ok {
		return nil, broker.NotSupportedBecause(brokerName, "candles", "timeframe "+string(tf))
	}

	var rows [][]float64
	path := fmt.Sprintf("/products/%s/candles?granularity=%d", product, granularity)
	if err := a.request(ctx, http.MethodGet, path, nil, false, &rows); err != nil {
		return nil, err
	}

	intervalMs := tf.IntervalMs()
	candles := make([]market.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // reverse to oldest-first
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		c := market.Candle{
			Time:   int64(row[0]) * 1000,
			Low:    row[1],
			High:   row[2],
			Open:   row[3],
			Close:  row[4],
			Volume: row[5],
		}
		c.ETime = c.Time + intervalMs - 1
		if err := c.Validate(); err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed candle")
			continue
		}
		candles = append(candles, c)
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (broker.OrderBook, error) {
	product, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.OrderBook{}, err
	}
	var book struct {
		Bids [][]interface{} `json:"bids"`
		Asks [][]interface{} `json:"asks"`
	}
	if err := a.request(ctx, http.MethodGet, "/products/"+product+"/book?level=2", nil, false, &book); err != nil {
		return broker.OrderBook{}, err
	}
	ob := broker.OrderBook{
		Symbol: symbol,
		Bids:   toLevels(book.Bids, depth),
		Asks:   toLevels(book.Asks, depth),
		TsMs:   time.Now().UnixMilli(),
	}
	return ob, nil
}

// ----- Symbol mapping -----

func (a *Adapter) ToVenueSymbol(symbol market.Symbol) (string, error) {
	return a.symbols.ToVenue(symbol)
}

func (a *Adapter) FromVenueSymbol(venue string) (market.Symbol, error) {
	return a.symbols.FromVenue(venue)
}

// ----- REST plumbing -----

// request runs one call through the queue. Signed requests add the
// CB-ACCESS-* headers; the secret never reaches the log.
func (a *Adapter) request(ctx context.Context, method, path string, body interface{}, signed bool, out interface{}) error {
	if signed && (a.creds.APIKey == "" || a.creds.APISecret == "") {
		return fmt.Errorf("%w: coinbase credentials not configured", broker.ErrAuth)
	}
	return a.queue.Do(ctx, func(qctx context.Context) error {
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			if err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(qctx, method, restBaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "multibroker-trading-bot")

		if signed {
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			sig, err := sign(ts, method, path, string(payload), a.creds.APISecret)
			if err != nil {
				return fmt.Errorf("%w: %v", broker.ErrAuth, err)
			}
			req.Header.Set("CB-ACCESS-KEY", a.creds.APIKey)
			req.Header.Set("CB-ACCESS-SIGN", sig)
			req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
			req.Header.Set("CB-ACCESS-PASSPHRASE", a.creds.ClientID)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", broker.ErrTransient, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", broker.ErrTransient, err)
		}
		if resp.StatusCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %s", broker.ErrOrderRejected, string(data))
		}
		if err := broker.ClassifyHTTPStatus(resp.StatusCode, string(data)); err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	})
}

// sign computes base64(HMAC-SHA256(timestamp+method+path+body, b64-decoded secret)).
func sign(timestamp, method, path, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("secret is not valid base64")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ----- Mapping helpers -----

type cbOrder struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	FilledSize string `json:"filled_size"`
	Status     string `json:"status"`
	DoneReason string `json:"done_reason"`
}

func (o cbOrder) toResult() broker.OrderResult {
	filled := parseF(o.FilledSize)
	size := parseF(o.Size)
	return broker.OrderResult{
		OrderID:   o.ID,
		Status:    mapStatus(o.Status, o.DoneReason, filled, size),
		Filled:    filled,
		Remaining: size - filled,
		AvgPrice:  parseF(o.Price),
		Raw:       o,
	}
}

func mapStatus(status, doneReason string, filled, size float64) broker.OrderStatus {
	switch status {
	case "pending", "received":
		return broker.StatusPending
	case "open", "active":
		if filled > 0 {
			return broker.StatusPartial
		}
		return broker.StatusAccepted
	case "done":
		switch doneReason {
		case "filled", "":
			if filled >= size && size > 0 {
				return broker.StatusFilled
			}
			return broker.StatusFilled
		case "canceled":
			return broker.StatusCancelled
		case "rejected":
			return broker.StatusRejected
		default:
			return broker.StatusPending
		}
	case "rejected":
		return broker.StatusRejected
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

func sideString(s broker.Side) string {
	if s == broker.SideSell {
		return "sell"
	}
	return "buy"
}

func sideStopString(s broker.Side) string {
	if s == broker.SideSell {
		return "loss"
	}
	return "entry"
}

func mapOrderType(s string) broker.OrderType {
	if s == "limit" {
		return broker.OrderTypeLimit
	}
	return broker.OrderTypeMarket
}

func granularitySeconds(tf market.Timeframe) (int, bool) {
	switch tf {
	case market.Timeframe1m:
		return 60, true
	case market.Timeframe5m:
		return 300, true
	case market.Timeframe15m:
		return 900, true
	case market.Timeframe1h:
		return 3600, true
	case market.Timeframe6h:
		return 21600, true
	case market.Timeframe1d:
		return 86400, true
	default:
		return 0, false
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func toLevels(rows [][]interface{}, depth int) []broker.OrderBookLevel {
	if depth <= 0 || depth > len(rows) {
		depth = len(rows)
	}
	out := make([]broker.OrderBookLevel, 0, depth)
	for _, row := range rows[:depth] {
		if len(row) < 2 {
			continue
		}
		out = append(out, broker.OrderBookLevel{toF(row[0]), toF(row[1])})
	}
	return out
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
