// Package uphold implements the Uphold venue adapter. Uphold is an
// instant-conversion venue: there is no order book, only MARKET orders are
// accepted, and LIMIT requests are rejected at the adapter rather than
// silently converted. Auth is an OAuth2 refresh-token flow; account updates
// are polled because there is no user WebSocket.
package uphold

import (
	"bytes"
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
	brokerName = "uphold"

	restBaseURL = "https://api.uphold.com"
	tokenURL    = "https://api.uphold.com/oauth2/token"

	requestsPerSecond = 5
	httpTimeout       = 10 * time.Second
	accountPollEvery  = 5 * time.Second

	// Refresh the access token this long before its reported expiry.
	tokenRefreshSlack = 60 * time.Second
)

var tickerPairs = map[market.Symbol]string{
	market.MustSymbol("BTC/USD"): "BTCUSD",
	market.MustSymbol("ETH/USD"): "ETHUSD",
	market.MustSymbol("XRP/USD"): "XRPUSD",
	market.MustSymbol("LTC/USD"): "LTCUSD",
}

// Adapter is the Uphold venue implementation.
type Adapter struct {
	creds   broker.Credentials
	client  *http.Client
	queue   *broker.RESTQueue
	symbols *broker.SymbolMap
	log     zerolog.Logger

	mu        sync.RWMutex
	connected bool

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	subsMu      sync.Mutex
	accountSubs []broker.AccountCallback
	pollStop    chan struct{}
}

func New(creds broker.Credentials, log zerolog.Logger) *Adapter {
	l := log.With().Str("broker", brokerName).Logger()
	return &Adapter{
		creds:   creds,
		client:  &http.Client{Timeout: httpTimeout},
		queue:   broker.NewRESTQueue(brokerName, requestsPerSecond, l),
		symbols: broker.NewSymbolMap(brokerName, tickerPairs),
		log:     l,
	}
}

// ----- Lifecycle -----

// Connect exchanges the refresh token for an access token and verifies it.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.token(ctx); err != nil {
		return err
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := a.request(ctx, http.MethodGet, "/v0/me", nil, true, &me); err != nil {
		return fmt.Errorf("uphold: account check failed: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Info().Msg("uphold connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	_ = a.UnsubscribeAll()
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.queue.Stop()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// ----- Identity -----

func (a *Adapter) BrokerName() string                  { return brokerName }
func (a *Adapter) AssetType() broker.AssetType         { return broker.AssetMulti }
func (a *Adapter) SupportedSymbols() []market.Symbol   { return a.symbols.Symbols() }
func (a *Adapter) Fees() broker.Fees                   { return broker.Fees{Maker: 0.0, Taker: 0.0095} }
func (a *Adapter) IsTradeableNow(s market.Symbol) bool { _, err := a.symbols.ToVenue(s); return err == nil }

func (a *Adapter) MinOrderSize(symbol market.Symbol) float64 { return 0.000001 }

// ----- Account -----

func (a *Adapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	cards, err := a.cards(ctx)
	if err != nil {
		return nil, err
	}
	out := make(broker.Balance)
	for _, c := range cards {
		out[c.Currency] += parseF(c.Available)
	}
	return out, nil
}

// GetPositions reports holdings synthetically as positive base balances.
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

// GetOpenOrders is always empty: instant conversion leaves nothing resting.
func (a *Adapter) GetOpenOrders(ctx context.Context) ([]broker.Order, error) {
	return []broker.Order{}, nil
}

// ----- Orders -----

// PlaceOrder executes an instant conversion between the base and quote cards.
// Anything but a MARKET order is rejected here.
func (a *Adapter) PlaceOrder(ctx context.Context, order broker.Order) (broker.OrderResult, error) {
	if order.Type != broker.OrderTypeMarket {
		return broker.OrderResult{}, broker.NotSupportedBecause(brokerName,
			string(order.Type)+" orders", "instant-conversion venue accepts MARKET only")
	}
	if _, err := a.symbols.ToVenue(order.Symbol); err != nil {
		return broker.OrderResult{}, err
	}

	base, quote := order.Symbol.Base(), order.Symbol.Quote()
	from, to := quote, base
	if order.Side == broker.SideSell {
		from, to = base, quote
	}
	fromCard, err := a.cardFor(ctx, from)
	if err != nil {
		return broker.OrderResult{}, err
	}

	body := map[string]interface{}{
		"denomination": map[string]string{
			"amount":   strconv.FormatFloat(order.Size, 'f', -1, 64),
			"currency": base,
		},
		"destination": to,
	}
	var tx upholdTx
	path := "/v0/me/cards/" + fromCard + "/transactions?commit=true"
	if err := a.request(ctx, http.MethodPost, path, body, true, &tx); err != nil {
		return broker.OrderResult{}, err
	}
	return tx.toResult(order.Size), nil
}

// CancelOrder always reports false: conversions commit atomically.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return false, broker.NotSupportedBecause(brokerName, "cancel", "conversions commit instantly")
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	var tx upholdTx
	if err := a.request(ctx, http.MethodGet, "/v0/me/transactions/"+orderID, nil, true, &tx); err != nil {
		return broker.OrderResult{}, err
	}
	return tx.toResult(parseF(tx.Denomination.Amount)), nil
}

// ----- Market data -----

func (a *Adapter) GetTicker(ctx context.Context, symbol market.Symbol) (broker.Ticker, error) {
	pair, err := a.symbols.ToVenue(symbol)
	if err != nil {
		return broker.Ticker{}, err
	}
	var t struct {
		Ask string `json:"ask"`
		Bid string `json:"bid"`
	}
	if err := a.request(ctx, http.MethodGet, "/v0/ticker/"+pair, nil, false, &t); err != nil {
		return broker.Ticker{}, err
	}
	bid, ask := parseF(t.Bid), parseF(t.Ask)
	return broker.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		TsMs:   time.Now().UnixMilli(),
	}, nil
}

// GetCandles returns an empty series: Uphold has no historical candle API and
// synthesizing one would fabricate data.
func (a *Adapter) GetCandles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, limit int) ([]market.Candle, error) {
	return []market.Candle{}, nil
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol market.Symbol, depth int) (broker.OrderBook, error) {
	return broker.OrderBook{}, broker.NotSupportedBecause(brokerName, "order book", "instant-conversion venue has no book")
}

// ----- Streaming -----

func (a *Adapter) SubscribeTicker(symbol market.Symbol, cb broker.TickerCallback) error {
	return broker.NotSupportedBecause(brokerName, "ticker stream", "no public WebSocket; poll GetTicker")
}

func (a *Adapter) SubscribeCandles(symbol market.Symbol, tf market.Timeframe, cb broker.CandleCallback) error {
	return broker.NotSupportedBecause(brokerName, "candle stream", "no public WebSocket")
}

func (a *Adapter) SubscribeOrderBook(symbol market.Symbol, cb broker.OrderBookCallback) error {
	return broker.NotSupportedBecause(brokerName, "order book stream", "instant-conversion venue has no book")
}

// SubscribeAccount polls at a bounded cadence; the poller handle is stored so
// UnsubscribeAll can stop it.
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
		a.subsMu.Lock()
		subs := append([]broker.AccountCallback(nil), a.accountSubs...)
		a.subsMu.Unlock()
		for _, cb := range subs {
			cb(ev)
		}
	}
}

func (a *Adapter) UnsubscribeAll() error {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.accountSubs = nil
	if a.pollStop != nil {
		close(a.pollStop)
		a.pollStop = nil
	}
	return nil
}

// ----- Symbol mapping -----

func (a *Adapter) ToVenueSymbol(symbol market.Symbol) (string, error) {
	return a.symbols.ToVenue(symbol)
}

func (a *Adapter) FromVenueSymbol(venue string) (market.Symbol, error) {
	return a.symbols.FromVenue(venue)
}

// ----- OAuth2 -----

// token returns a live access token, refreshing via the OAuth2 refresh-token
// grant when the current one is near expiry. Tokens and secrets never reach
// the log.
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-tokenRefreshSlack)) {
		return a.accessToken, nil
	}
	if a.creds.RefreshToken == "" || a.creds.ClientID == "" {
		return "", fmt.Errorf("%w: uphold refresh token not configured", broker.ErrAuth)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", a.creds.RefreshToken)
	form.Set("client_id", a.creds.ClientID)
	if a.creds.APISecret != "" {
		form.Set("client_secret", a.creds.APISecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", broker.ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == 401 || resp.StatusCode == 403 || resp.StatusCode == 400 {
			return "", fmt.Errorf("%w: token refresh rejected with status %d", broker.ErrAuth, resp.StatusCode)
		}
		return "", broker.ClassifyHTTPStatus(resp.StatusCode, "token refresh")
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return "", fmt.Errorf("uphold: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", broker.ErrAuth)
	}
	a.accessToken = tok.AccessToken
	if tok.ExpiresIn > 0 {
		a.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else {
		a.tokenExpiry = time.Now().Add(time.Hour)
	}
	return a.accessToken, nil
}

// ----- REST plumbing -----

func (a *Adapter) request(ctx context.Context, method, path string, body interface{}, authed bool, out interface{}) error {
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
		if authed {
			tok, err := a.token(qctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
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

type upholdCard struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Available string `json:"available"`
}

func (a *Adapter) cards(ctx context.Context) ([]upholdCard, error) {
	var cards []upholdCard
	if err := a.request(ctx, http.MethodGet, "/v0/me/cards", nil, true, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// cardFor finds the card id holding the given currency.
func (a *Adapter) cardFor(ctx context.Context, currency string) (string, error) {
	cards, err := a.cards(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range cards {
		if c.Currency == currency {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no %s card on account", broker.ErrOrderRejected, currency)
}

// ----- Mapping helpers -----

type upholdTx struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Denomination struct {
		Amount string `json:"amount"`
	} `json:"denomination"`
	Destination struct {
		Rate string `json:"rate"`
	} `json:"destination"`
}

func (tx upholdTx) toResult(size float64) broker.OrderResult {
	status := mapStatus(tx.Status)
	filled := 0.0
	if status == broker.StatusFilled {
		filled = size
	}
	return broker.OrderResult{
		OrderID:   tx.ID,
		Status:    status,
		Filled:    filled,
		Remaining: size - filled,
		AvgPrice:  parseF(tx.Destination.Rate),
		Raw:       tx,
	}
}

func mapStatus(s string) broker.OrderStatus {
	switch s {
	case "completed":
		return broker.StatusFilled
	case "pending", "processing", "waiting":
		return broker.StatusPending
	case "cancelled":
		return broker.StatusCancelled
	case "failed":
		return broker.StatusRejected
	default:
		return broker.StatusPending
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
