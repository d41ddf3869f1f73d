package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/market"
)

func TestSymbolMapRoundTrip(t *testing.T) {
	m := NewSymbolMap("kraken", map[market.Symbol]string{
		market.MustSymbol("BTC/USD"): "XXBTZUSD",
		market.MustSymbol("ETH/USD"): "XETHZUSD",
	})

	for _, canonical := range m.Symbols() {
		venue, err := m.ToVenue(canonical)
		require.NoError(t, err)
		back, err := m.FromVenue(venue)
		require.NoError(t, err)
		assert.Equal(t, canonical, back)
	}
}

func TestSymbolMapUnknownSymbol(t *testing.T) {
	m := NewSymbolMap("coinbase", map[market.Symbol]string{
		market.MustSymbol("BTC/USD"): "BTC-USD",
	})

	_, err := m.ToVenue(market.MustSymbol("DOGE/USD"))
	assert.Error(t, err)
	_, err = m.FromVenue("DOGE-USD")
	assert.Error(t, err)
}

func TestSymbolMapRegister(t *testing.T) {
	m := NewSymbolMap("paper", nil)
	m.Register(market.MustSymbol("SOL/USD"), "SOLUSD")

	venue, err := m.ToVenue(market.MustSymbol("SOL/USD"))
	require.NoError(t, err)
	assert.Equal(t, "SOLUSD", venue)
}
