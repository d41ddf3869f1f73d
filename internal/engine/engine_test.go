package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/broker/paper"
	"multibroker-trading-bot/internal/events"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/market"
	"multibroker-trading-bot/internal/signal"
	"multibroker-trading-bot/internal/state"
)

var (
	btcusd = market.MustSymbol("BTC/USD")
	baseTs = int64(1_700_000_000_000)
)

// stubSignals returns a canned decision and counts evaluations.
type stubSignals struct {
	next  signal.Decision
	calls int
}

func (s *stubSignals) Evaluate(ctx context.Context, symbol market.Symbol, tf market.Timeframe, b indicators.Bundle, patternIDs []string) signal.Decision {
	s.calls++
	return s.next
}

func buyDecision(confidence float64) signal.Decision {
	return signal.Decision{
		ID:             "d-1",
		Direction:      signal.DirectionBuy,
		Confidence:     confidence,
		SizeMultiplier: 1.0,
	}
}

type harness struct {
	engine  *Engine
	adapter *paper.Adapter
	state   *state.Manager
	signals *stubSignals
}

func newHarness(t *testing.T, startingBalance float64) *harness {
	t.Helper()

	adapter := paper.New(paper.Config{
		StartingBalance: map[string]float64{"USD": startingBalance},
		Symbols:         []market.Symbol{btcusd},
	}, zerolog.Nop())
	require.NoError(t, adapter.Connect(context.Background()))

	st, err := state.NewManager(t.TempDir(), startingBalance, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)

	store := market.NewStore(market.StoreConfig{}, zerolog.Nop())
	require.NoError(t, store.RegisterSymbol(btcusd, market.Timeframe1m))

	signals := &stubSignals{next: buyDecision(80)}
	flags := features.NewStaticManager(nil, features.ModePaper, features.TierStarter)

	eng, err := New(Config{
		Symbol:        btcusd,
		Timeframe:     market.Timeframe1m,
		BaseOrderSize: 1.0,
		MinConfidence: 60,
		WindowSize:    50,
	}, Deps{
		Adapter:    adapter,
		Store:      store,
		Indicators: indicators.NewEngine(),
		Signals:    signals,
		State:      st,
		Flags:      flags,
		Patterns:   signal.NewMemoryStore(),
		Bus:        events.NewBus(),
	}, zerolog.Nop())
	require.NoError(t, err)

	return &harness{engine: eng, adapter: adapter, state: st, signals: signals}
}

// feed marks the paper venue at the close and runs one main-loop iteration.
func (h *harness) feed(i int, close float64) {
	c := market.Candle{
		Time: baseTs + int64(i)*60_000, Open: close, High: close, Low: close,
		Close: close, Volume: 1,
	}
	h.adapter.SetPrice(btcusd, close)
	h.engine.onCandle(context.Background(), broker.CandleEvent{
		Symbol: btcusd, Timeframe: market.Timeframe1m, Candle: c,
	})
}

func TestEntryOnConfidentBuy(t *testing.T) {
	h := newHarness(t, 100_000)

	h.feed(0, 100)

	snap := h.state.Snapshot()
	assert.InDelta(t, 1.0, snap.Position, 1e-9)
	assert.InDelta(t, 100, snap.EntryPrice, 1e-9)
	assert.Less(t, snap.Balance, 100_000.0)
	assert.Equal(t, 1, snap.TradeCount)
	assert.NotNil(t, h.engine.pm)
}

func TestLowConfidenceDoesNotTrade(t *testing.T) {
	h := newHarness(t, 100_000)
	h.signals.next = buyDecision(40)

	h.feed(0, 100)

	assert.Zero(t, h.state.Snapshot().Position)
	assert.Equal(t, 1, h.signals.calls)
}

func TestHoldDoesNotTrade(t *testing.T) {
	h := newHarness(t, 100_000)
	h.signals.next = signal.Decision{Direction: signal.DirectionHold, SizeMultiplier: 1.0}

	h.feed(0, 100)
	assert.Zero(t, h.state.Snapshot().Position)
}

func TestPausedSkipsEvaluation(t *testing.T) {
	h := newHarness(t, 100_000)
	require.NoError(t, h.state.PauseTrading("drift"))

	h.feed(0, 100)

	assert.Zero(t, h.signals.calls)
	assert.Zero(t, h.state.Snapshot().Position)
}

func TestTieredExitThenStopLoss(t *testing.T) {
	h := newHarness(t, 100_000)

	h.feed(0, 100) // opens 1.0 at 100
	require.InDelta(t, 1.0, h.state.Snapshot().Position, 1e-9)

	// Short windows classify as low volatility, so the first tier target is
	// 100 * (1 + 0.005*0.8) = 100.4 and the stop is 100 * (1 - 0.02*0.7) = 98.6.
	h.feed(1, 100.5)
	snap := h.state.Snapshot()
	assert.InDelta(t, 0.70, snap.Position, 1e-9)
	assert.Greater(t, snap.RealizedPnL, 0.0)
	assert.NotNil(t, h.engine.pm, "partial exit keeps the machine alive")

	h.feed(2, 97)
	snap = h.state.Snapshot()
	assert.Zero(t, snap.Position)
	assert.Zero(t, snap.InPosition)
	assert.Nil(t, h.engine.pm)
	assert.True(t, snap.IsTrading, "a stop-loss exit is a normal close, not a halt")
}

func TestRejectedEntryLeavesStateClean(t *testing.T) {
	h := newHarness(t, 50) // cannot afford 1.0 at 100

	h.feed(0, 100)

	snap := h.state.Snapshot()
	assert.Zero(t, snap.Position)
	assert.InDelta(t, 50, snap.Balance, 1e-9)
	assert.True(t, snap.IsTrading, "a rejected entry does not pause trading")
}

func TestDailyTradeCapBlocksEntries(t *testing.T) {
	h := newHarness(t, 1_000_000)

	// Starter tier caps at 10 trades per day. Ride 10 open/stop-loss cycles.
	for cycle := 0; cycle < 10; cycle++ {
		h.feed(2*cycle, 100)
		h.feed(2*cycle+1, 97)
	}
	require.Equal(t, 10, h.state.Snapshot().DailyTradeCount)

	h.feed(20, 100)
	snap := h.state.Snapshot()
	assert.Zero(t, snap.Position, "cap reached, no new entry")
	assert.Equal(t, 10, snap.DailyTradeCount)
}

func TestUnrealizedPnLTracksPrice(t *testing.T) {
	h := newHarness(t, 100_000)

	h.feed(0, 100)
	h.feed(1, 100.2) // below the 100.4 tier target, stays fully open

	snap := h.state.Snapshot()
	require.InDelta(t, 1.0, snap.Position, 1e-9)
	assert.InDelta(t, 0.2, snap.UnrealizedPnL, 1e-9)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	h := newHarness(t, 100_000)

	ev := broker.CandleEvent{Symbol: btcusd, Timeframe: market.Timeframe1m,
		Candle: market.Candle{Time: baseTs, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}

	done := make(chan struct{})
	go func() {
		for i := 0; i < candleQueueSize+50; i++ {
			h.engine.enqueue(ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Greater(t, h.engine.dropped, int64(0))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Symbol: "nope", Timeframe: market.Timeframe1m, BaseOrderSize: 1}, Deps{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Symbol: btcusd, Timeframe: "7q", BaseOrderSize: 1}, Deps{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Config{Symbol: btcusd, Timeframe: market.Timeframe1m}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}
