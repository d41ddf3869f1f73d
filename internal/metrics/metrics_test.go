package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/events"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestBusEventsMoveCounters(t *testing.T) {
	m := New()
	bus := events.NewBus()
	m.ObserveBus(bus)

	bus.PublishTradeOpened("BTC/USD", 1, 50_000, "o-1")
	bus.PublishTradeClosed("BTC/USD", 1, 50_500, 500, "tier_target")
	bus.PublishSignal("BTC/USD", "BUY", 78, nil)
	bus.PublishPaused("drift")
	bus.PublishDrift("kraken", "large", "pause", 60, 0)

	// Bus delivery is asynchronous.
	assert.Eventually(t, func() bool {
		body := scrape(t, m)
		return strings.Contains(body, `bot_trades_opened_total 1`) &&
			strings.Contains(body, `bot_trades_closed_total{reason="tier_target"} 1`) &&
			strings.Contains(body, `bot_signals_total{direction="BUY"} 1`) &&
			strings.Contains(body, `bot_trading_pauses_total 1`) &&
			strings.Contains(body, `bot_reconcile_drifts_total{severity="large"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStoreStatsReadAtScrape(t *testing.T) {
	m := New()
	dropped := int64(0)
	m.RegisterStoreStats(func() int64 { return dropped }, func() int64 { return 7 })

	dropped = 3
	body := scrape(t, m)
	assert.Contains(t, body, "bot_candles_dropped_out_of_order 3")
	assert.Contains(t, body, "bot_candle_cache_invalidations 7")
}
