package paper

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

var btcusd = market.MustSymbol("BTC/USD")

func newConnected(t *testing.T) *Adapter {
	t.Helper()
	a := New(Config{}, zerolog.Nop())
	require.NoError(t, a.Connect(context.Background()))
	a.SetPrice(btcusd, 50_000)
	return a
}

func TestMarketOrderFillsAtMark(t *testing.T) {
	a := newConnected(t)

	res, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd,
		Side:   broker.SideBuy,
		Type:   broker.OrderTypeMarket,
		Size:   0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, res.Status)
	assert.Equal(t, 50_000.0, res.AvgPrice)
	assert.Equal(t, 0.1, res.Filled)

	bal, err := a.GetBalance(context.Background())
	require.NoError(t, err)
	cost := 0.1 * 50_000
	fee := cost * a.Fees().Taker
	assert.InDelta(t, 10_000-cost-fee, bal["USD"], 1e-9)
	assert.InDelta(t, 0.1, bal["BTC"], 1e-12)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 50_000.0, positions[0].EntryPrice)
}

func TestBuyAveragesEntryPrice(t *testing.T) {
	a := New(Config{StartingBalance: map[string]float64{"USD": 1_000_000}}, zerolog.Nop())
	require.NoError(t, a.Connect(context.Background()))

	a.SetPrice(btcusd, 50_000)
	_, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideBuy, Type: broker.OrderTypeMarket, Size: 1,
	})
	require.NoError(t, err)

	a.SetPrice(btcusd, 60_000)
	_, err = a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideBuy, Type: broker.OrderTypeMarket, Size: 1,
	})
	require.NoError(t, err)

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 55_000, positions[0].EntryPrice, 1e-9)
	assert.InDelta(t, 2, positions[0].SizeBase, 1e-12)
}

func TestInsufficientBalanceRejected(t *testing.T) {
	a := newConnected(t)

	_, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideBuy, Type: broker.OrderTypeMarket, Size: 1, // 50k > 10k balance
	})
	require.ErrorIs(t, err, broker.ErrOrderRejected)

	// A rejected order must not mutate the account.
	bal, err := a.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10_000.0, bal["USD"])
}

func TestNonMarketableLimitRests(t *testing.T) {
	a := newConnected(t)

	res, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideBuy, Type: broker.OrderTypeLimit, Size: 0.1, Price: 40_000,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusAccepted, res.Status)

	open, err := a.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)

	ok, err := a.CancelOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := a.GetOrderStatus(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCancelled, status.Status)
}

func TestSellRealizesIntoQuote(t *testing.T) {
	a := New(Config{StartingBalance: map[string]float64{"USD": 100_000, "BTC": 1}}, zerolog.Nop())
	require.NoError(t, a.Connect(context.Background()))
	a.SetPrice(btcusd, 50_000)

	res, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideSell, Type: broker.OrderTypeMarket, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, res.Status)

	bal, err := a.GetBalance(context.Background())
	require.NoError(t, err)
	proceeds := 50_000 * (1 - a.Fees().Taker)
	assert.InDelta(t, 100_000+proceeds, bal["USD"], 1e-6)
	assert.InDelta(t, 0, bal["BTC"], 1e-12)
}

func TestTickerFanOutOnSetPrice(t *testing.T) {
	a := newConnected(t)

	got := make(chan broker.Ticker, 1)
	require.NoError(t, a.SubscribeTicker(btcusd, func(tk broker.Ticker) { got <- tk }))

	a.SetPrice(btcusd, 51_000)
	tk := <-got
	assert.Equal(t, 51_000.0, tk.Last)
	assert.Equal(t, btcusd, tk.Symbol)
}

func TestOrderRequiresMarkPrice(t *testing.T) {
	a := New(Config{}, zerolog.Nop())
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: btcusd, Side: broker.SideBuy, Type: broker.OrderTypeMarket, Size: 0.1,
	})
	require.ErrorIs(t, err, broker.ErrOrderRejected)
	assert.False(t, a.IsTradeableNow(btcusd))
}
