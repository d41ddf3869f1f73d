package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/market"
)

var btcusd = market.MustSymbol("BTC/USD")

func newEngine(flags map[string]features.FlagDef, store PatternStore) *Engine {
	fm := features.NewStaticManager(flags, features.ModePaper, features.TierPro)
	return NewEngine(fm, store, nil, "paper", zerolog.Nop())
}

func allFlagsOn() map[string]features.FlagDef {
	return map[string]features.FlagDef{
		features.FlagAdvancedIndicators: {Enabled: true},
		features.FlagMLEnhancedSignals:  {Enabled: true},
		features.FlagMLVolumeAnalysis:   {Enabled: true},
		features.FlagPatternSizing:      {Enabled: true},
	}
}

func bullishBundle() indicators.Bundle {
	return indicators.Bundle{
		Price: 100,
		RSI:   25, // oversold
		MACD:  indicators.MACDResult{Histogram: 0.5},
		EMA9:  101, EMA20: 100, EMA50: 99, // bullish stack
		Bollinger: indicators.BollingerResult{Upper: 110, Middle: 105, Lower: 100}, // price at lower
		TwoPole:   0.7,
		Volume:    200, VolumeMA: 100,
	}
}

func TestBullishConsensusBuys(t *testing.T) {
	e := newEngine(allFlagsOn(), nil)

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), nil)

	assert.Equal(t, DirectionBuy, d.Direction)
	// 15 (rsi) + 10 (macd) + 18 (ema) + 10 (bollinger) + 15 (two-pole) + 10 (volume) = 78
	assert.InDelta(t, 78, d.Confidence, 1e-9)
	assert.Contains(t, d.Reasons, "rsi_oversold")
	assert.Contains(t, d.Reasons, "volume_spike")
	assert.NotEmpty(t, d.ID)
}

func TestBearishConsensusSells(t *testing.T) {
	e := newEngine(allFlagsOn(), nil)
	b := indicators.Bundle{
		Price: 110,
		RSI:   80,
		MACD:  indicators.MACDResult{Histogram: -0.5},
		EMA9:  99, EMA20: 100, EMA50: 101,
		Bollinger: indicators.BollingerResult{Upper: 110, Middle: 105, Lower: 100},
		TwoPole:   -0.7,
	}

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, b, nil)
	assert.Equal(t, DirectionSell, d.Direction)
}

func TestTieHolds(t *testing.T) {
	e := newEngine(nil, nil)
	// RSI long vote vs MACD short vote, nothing else fires.
	b := indicators.Bundle{
		Price: 105,
		RSI:   25,
		MACD:  indicators.MACDResult{Histogram: -0.5},
		Bollinger: indicators.BollingerResult{Upper: 110, Middle: 105, Lower: 100},
	}

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, b, nil)
	assert.Equal(t, DirectionHold, d.Direction)
	assert.Zero(t, d.Confidence)
}

func TestConfidenceCappedAt100(t *testing.T) {
	e := newEngine(allFlagsOn(), nil)

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), nil)
	assert.LessOrEqual(t, d.Confidence, 100.0)
}

func TestGatedVotesNeedTheirFlags(t *testing.T) {
	e := newEngine(nil, nil) // no flags enabled

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), nil)

	assert.Equal(t, DirectionBuy, d.Direction)
	// Only ungated votes contribute: 15 + 10 + 10 = 35.
	assert.InDelta(t, 35, d.Confidence, 1e-9)
	assert.NotContains(t, d.Reasons, "ema_stack_bullish")
	assert.NotContains(t, d.Reasons, "two_pole_bullish")
	assert.NotContains(t, d.Reasons, "volume_spike")
}

func TestShadowModeLogsWithoutContributing(t *testing.T) {
	flags := allFlagsOn()
	flags[features.FlagMLEnhancedSignals] = features.FlagDef{Enabled: true, ShadowMode: true}
	e := newEngine(flags, nil)

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), nil)

	assert.Contains(t, d.Reasons, "shadow:two_pole_bullish")
	assert.NotContains(t, d.Reasons, "two_pole_bullish")
	// 78 minus the 15 two-pole contribution.
	assert.InDelta(t, 63, d.Confidence, 1e-9)
}

func TestPatternQualityFormula(t *testing.T) {
	store := NewMemoryStore()
	// winRate 0.8, avgPnL 50: 0.7*(0.6) + 0.3*tanh(0.5) ≈ 0.42 + 0.1387 ≈ 0.5587
	store.Seed("p1", PatternStats{Uses: 10, Wins: 8, Losses: 2, TotalPnL: 500, AvgPnL: 50})
	e := newEngine(allFlagsOn(), store)

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), []string{"p1"})
	assert.InDelta(t, 0.5587, d.PatternQuality, 0.001)
	assert.Equal(t, 1.5, d.SizeMultiplier)
}

func TestImmaturePatternsContributeZero(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("young", PatternStats{Uses: 3, Wins: 3, TotalPnL: 300, AvgPnL: 100})
	store.Seed("mature", PatternStats{Uses: 10, Wins: 8, Losses: 2, TotalPnL: 500, AvgPnL: 50})
	e := newEngine(allFlagsOn(), store)

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), []string{"young", "mature"})
	// Mean over both patterns, with the immature one contributing 0.
	assert.InDelta(t, 0.5587/2, d.PatternQuality, 0.001)
}

func TestSizeMultiplierSteps(t *testing.T) {
	e := newEngine(allFlagsOn(), nil)

	assert.Equal(t, 0.25, e.sizeMultiplier(-0.8))
	assert.Equal(t, 0.25, e.sizeMultiplier(-0.5))
	assert.Equal(t, 0.5, e.sizeMultiplier(-0.2))
	assert.Equal(t, 0.5, e.sizeMultiplier(0))
	assert.Equal(t, 1.0, e.sizeMultiplier(0.3))
	assert.Equal(t, 1.5, e.sizeMultiplier(0.7))

	// Monotonically non-decreasing in quality.
	prev := 0.0
	for q := -1.0; q <= 1.0; q += 0.05 {
		m := e.sizeMultiplier(q)
		assert.GreaterOrEqual(t, m, prev)
		prev = m
	}
}

func TestSizingGateOffMeansNeutral(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("p1", PatternStats{Uses: 10, Wins: 1, Losses: 9, TotalPnL: -900, AvgPnL: -90})
	e := newEngine(map[string]features.FlagDef{}, store) // sizing flag off

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), []string{"p1"})
	assert.Equal(t, 1.0, d.SizeMultiplier, "gate off returns 1.0 regardless of quality")
}

func TestMemoryStoreRecordsOutcomes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RecordOutcome(ctx, "p1", true, 120))
	require.NoError(t, store.RecordOutcome(ctx, "p1", false, -40))

	st, err := store.Stats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Uses)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 40, st.AvgPnL, 1e-9)
}

func TestTelemetryWritesRequiredKeys(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewDecisionLogger(dir, zerolog.Nop())
	require.NoError(t, err)
	defer logger.Close()

	fm := features.NewStaticManager(allFlagsOn(), features.ModePaper, features.TierPro)
	e := NewEngine(fm, nil, logger, "kraken", zerolog.Nop())

	d := e.Evaluate(context.Background(), btcusd, market.Timeframe1m, bullishBundle(), []string{"p1"})
	require.NoError(t, logger.Close())

	f, err := os.Open(filepath.Join(dir, "decisions.log"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan(), "one decision line expected")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
	assert.Equal(t, "decision", line["type"])
	assert.Equal(t, d.ID, line["decisionId"])
	assert.NotZero(t, line["tsMs"])

	input := line["input"].(map[string]interface{})
	assert.Equal(t, "BTC/USD", input["symbol"])
	assert.Equal(t, "1m", input["timeframe"])
	assert.NotNil(t, input["indicators"])

	output := line["output"].(map[string]interface{})
	assert.Equal(t, string(d.Direction), output["decision"])

	meta := line["meta"].(map[string]interface{})
	assert.Equal(t, "kraken", meta["adapterId"])
	assert.Equal(t, "paper", meta["mode"])
	assert.Equal(t, "signal", meta["module"])
}
