package coinbase

import (
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/market"
)

func TestSymbolMapping(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())

	venue, err := a.ToVenueSymbol(market.MustSymbol("BTC/USD"))
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", venue)

	for _, sym := range a.SupportedSymbols() {
		v, err := a.ToVenueSymbol(sym)
		require.NoError(t, err)
		got, err := a.FromVenueSymbol(v)
		require.NoError(t, err)
		assert.Equal(t, sym, got)
	}

	_, err = a.ToVenueSymbol(market.MustSymbol("XRP/EUR"))
	assert.Error(t, err)
}

func TestSignIsDeterministic(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("test-secret-key"))

	s1, err := sign("1700000000", "GET", "/accounts", "", secret)
	require.NoError(t, err)
	s2, err := sign("1700000000", "GET", "/accounts", "", secret)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	// Any component change must change the signature.
	s3, err := sign("1700000001", "GET", "/accounts", "", secret)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s3)
	s4, err := sign("1700000000", "POST", "/accounts", "", secret)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s4)
}

func TestSignRejectsBadSecret(t *testing.T) {
	_, err := sign("1", "GET", "/accounts", "", "%%%not-base64%%%")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not-base64")
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, broker.StatusPending, mapStatus("received", "", 0, 1))
	assert.Equal(t, broker.StatusAccepted, mapStatus("open", "", 0, 1))
	assert.Equal(t, broker.StatusPartial, mapStatus("open", "", 0.5, 1))
	assert.Equal(t, broker.StatusFilled, mapStatus("done", "filled", 1, 1))
	assert.Equal(t, broker.StatusCancelled, mapStatus("done", "canceled", 0, 1))
	assert.Equal(t, broker.StatusRejected, mapStatus("rejected", "", 0, 1))
	assert.Equal(t, broker.StatusPending, mapStatus("brand-new-status", "", 0, 1))
}

func TestTickerFrameFanOut(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())

	var got broker.Ticker
	require.NoError(t, a.SubscribeTicker(market.MustSymbol("BTC/USD"), func(tk broker.Ticker) { got = tk }))

	a.handleMessage([]byte(`{"type":"ticker","product_id":"BTC-USD","price":"50123.45","best_bid":"50123.00","best_ask":"50124.00","volume_24h":"321.5"}`))

	assert.Equal(t, market.MustSymbol("BTC/USD"), got.Symbol)
	assert.Equal(t, 50123.45, got.Last)
	assert.Equal(t, 50123.00, got.Bid)
	assert.Equal(t, 50124.00, got.Ask)
}

func TestCandleStreamUnsupported(t *testing.T) {
	a := New(broker.Credentials{}, zerolog.Nop())
	err := a.SubscribeCandles(market.MustSymbol("BTC/USD"), market.Timeframe1m, nil)
	assert.True(t, broker.IsNotSupported(err))
}

func TestLimitRequiresGranularity(t *testing.T) {
	_, ok := granularitySeconds(market.Timeframe1m)
	assert.True(t, ok)
	_, ok = granularitySeconds(market.Timeframe3d)
	assert.False(t, ok)
}
