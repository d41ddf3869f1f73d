package binance

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

func TestSymbolMapping(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())

	venue, err := a.ToVenueSymbol(market.MustSymbol("BTC/USDT"))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", venue)

	for _, sym := range a.SupportedSymbols() {
		v, err := a.ToVenueSymbol(sym)
		require.NoError(t, err)
		got, err := a.FromVenueSymbol(v)
		require.NoError(t, err)
		assert.Equal(t, sym, got)
	}
}

func TestSignMatchesKnownVector(t *testing.T) {
	// Vector from the Binance API docs.
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	assert.Equal(t,
		"c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71",
		sign(query, secret))
}

func TestOrderIDEncoding(t *testing.T) {
	o := bnOrder{Symbol: "BTCUSDT", OrderID: 12345, OrigQty: "1", ExecutedQty: "0.5", Status: "PARTIALLY_FILLED"}
	res := o.toResult()
	assert.Equal(t, "BTCUSDT:12345", res.OrderID)
	assert.Equal(t, broker.StatusPartial, res.Status)
	assert.Equal(t, 0.5, res.Filled)
	assert.Equal(t, 0.5, res.Remaining)

	pair, id, err := splitOrderID(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", pair)
	assert.Equal(t, "12345", id)

	_, _, err = splitOrderID("12345")
	assert.Error(t, err)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, broker.StatusAccepted, mapStatus("NEW"))
	assert.Equal(t, broker.StatusFilled, mapStatus("FILLED"))
	assert.Equal(t, broker.StatusCancelled, mapStatus("CANCELED"))
	assert.Equal(t, broker.StatusCancelled, mapStatus("EXPIRED"))
	assert.Equal(t, broker.StatusRejected, mapStatus("REJECTED"))
	assert.Equal(t, broker.StatusPending, mapStatus("PENDING_CANCEL"))
	assert.Equal(t, broker.StatusPending, mapStatus("SOMETHING_NEW"))
}

func TestKlineNormalization(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())

	var got broker.CandleEvent
	require.NoError(t, a.SubscribeCandles(market.MustSymbol("BTC/USDT"), market.Timeframe1m, func(ev broker.CandleEvent) {
		got = ev
	}))

	frame := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700000040000,"T":1700000099999,"i":"1m","o":"50000.1","h":"50100.2","l":"49900.3","c":"50050.4","v":"2.25"}}`)
	a.handleMessage(frame)

	assert.Equal(t, market.MustSymbol("BTC/USDT"), got.Symbol)
	assert.Equal(t, market.Timeframe1m, got.Timeframe)
	assert.Equal(t, int64(1700000040000), got.Candle.Time)
	assert.Equal(t, int64(1700000099999), got.Candle.ETime)
	assert.Equal(t, 50050.4, got.Candle.Close)
	require.NoError(t, got.Candle.Validate())
}

func TestKlineDropsMalformed(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())

	called := false
	require.NoError(t, a.SubscribeCandles(market.MustSymbol("BTC/USDT"), market.Timeframe1m, func(broker.CandleEvent) {
		called = true
	}))

	// High below the body fails validation.
	frame := []byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1700000040000,"T":1700000099999,"i":"1m","o":"50000","h":"49000","l":"48900","c":"50050","v":"1"}}`)
	a.handleMessage(frame)
	assert.False(t, called)
}

func TestAccountStreamUnsupported(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())
	err := a.SubscribeAccount(nil)
	assert.True(t, broker.IsNotSupported(err))
}
