// Package signal turns an indicator bundle plus pattern history into a trade
// decision: direction, confidence, reasons and a pattern-derived size
// multiplier. Every decision is written to the JSONL telemetry log.
package signal

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/market"
)

// Direction is the decision side.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// Tunables for the baseline vote table.
const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0

	volumeSpikeFactor = 1.5

	// Pattern quality needs this many uses before a pattern contributes.
	minPatternUses = 5
)

// Decision is the engine's output for one evaluation.
type Decision struct {
	ID             string    `json:"decisionId"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`
	Reasons        []string  `json:"reasons"`
	PatternQuality float64   `json:"patternQuality"`
	SizeMultiplier float64   `json:"sizeMultiplier"`
}

// Engine evaluates the vote table with flag gating and pattern statistics.
type Engine struct {
	flags     *features.Manager
	patterns  PatternStore
	telemetry *DecisionLogger
	adapterID string
	log       zerolog.Logger
}

// NewEngine builds a signal engine. patterns and telemetry may be nil; the
// engine then runs without pattern history or decision logging.
func NewEngine(flags *features.Manager, patterns PatternStore, telemetry *DecisionLogger, adapterID string, log zerolog.Logger) *Engine {
	return &Engine{
		flags:     flags,
		patterns:  patterns,
		telemetry: telemetry,
		adapterID: adapterID,
		log:       log.With().Str("component", "signal").Logger(),
	}
}

// Evaluate runs the vote table over the bundle. The side with more votes
// wins; a tie holds. Confidence sums the winning side's contributions, capped
// at 100. Shadow-mode flags are evaluated and logged but never contribute.
func (e *Engine) Evaluate(ctx context.Context, symbol market.Symbol, tf market.Timeframe, b indicators.Bundle, patternIDs []string) Decision {
	var longVotes, shortVotes int
	var longConf, shortConf float64
	var reasons []string

	vote := func(long bool, conf float64, tag, gateFlag string) {
		if gateFlag != "" {
			if !e.flags.IsEnabled(gateFlag) {
				return
			}
			if e.flags.ShadowMode(gateFlag) {
				reasons = append(reasons, "shadow:"+tag)
				return
			}
		}
		reasons = append(reasons, tag)
		if long {
			longVotes++
			longConf += conf
		} else {
			shortVotes++
			shortConf += conf
		}
	}

	if b.RSI < rsiOversold {
		vote(true, 15, "rsi_oversold", "")
	} else if b.RSI > rsiOverbought {
		vote(false, 15, "rsi_overbought", "")
	}

	if b.MACD.Histogram > 0 {
		vote(true, 10, "macd_bullish", "")
	} else if b.MACD.Histogram < 0 {
		vote(false, 10, "macd_bearish", "")
	}

	if b.EMA9 > b.EMA20 && b.EMA20 > b.EMA50 {
		vote(true, 18, "ema_stack_bullish", features.FlagAdvancedIndicators)
	} else if b.EMA9 < b.EMA20 && b.EMA20 < b.EMA50 {
		vote(false, 18, "ema_stack_bearish", features.FlagAdvancedIndicators)
	}

	if b.Price <= b.Bollinger.Lower {
		vote(true, 10, "bollinger_lower", "")
	} else if b.Price >= b.Bollinger.Upper {
		vote(false, 10, "bollinger_upper", "")
	}

	if b.TwoPole > indicators.TwoPoleThreshold {
		vote(true, 15, "two_pole_bullish", features.FlagMLEnhancedSignals)
	} else if b.TwoPole < -indicators.TwoPoleThreshold {
		vote(false, 15, "two_pole_bearish", features.FlagMLEnhancedSignals)
	}

	// Volume spike boosts confidence without voting a side.
	volumeBoost := 0.0
	if b.VolumeMA > 0 && b.Volume > volumeSpikeFactor*b.VolumeMA {
		if e.flags.IsEnabled(features.FlagMLVolumeAnalysis) {
			if e.flags.ShadowMode(features.FlagMLVolumeAnalysis) {
				reasons = append(reasons, "shadow:volume_spike")
			} else {
				volumeBoost = 10
				reasons = append(reasons, "volume_spike")
			}
		}
	}

	d := Decision{ID: uuid.NewString(), Reasons: reasons}
	switch {
	case longVotes > shortVotes:
		d.Direction = DirectionBuy
		d.Confidence = math.Min(longConf+volumeBoost, 100)
	case shortVotes > longVotes:
		d.Direction = DirectionSell
		d.Confidence = math.Min(shortConf+volumeBoost, 100)
	default:
		d.Direction = DirectionHold
	}

	d.PatternQuality = e.patternQuality(ctx, patternIDs)
	d.SizeMultiplier = e.sizeMultiplier(d.PatternQuality)

	if e.telemetry != nil {
		e.telemetry.Log(DecisionRecord{
			Symbol:    symbol,
			Timeframe: tf,
			Bundle:    b,
			Patterns:  patternIDs,
			Decision:  d,
			Mode:      e.flags.Mode(),
			AdapterID: e.adapterID,
		})
	}
	return d
}

// patternQuality averages 0.7·(2·winRate−1) + 0.3·tanh(avgPnL/100) across
// the active patterns; patterns with under minPatternUses uses contribute 0.
func (e *Engine) patternQuality(ctx context.Context, patternIDs []string) float64 {
	if e.patterns == nil || len(patternIDs) == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range patternIDs {
		stats, err := e.patterns.Stats(ctx, id)
		if err != nil {
			e.log.Warn().Err(err).Str("pattern", id).Msg("pattern stats unavailable")
			continue
		}
		if stats.Uses < minPatternUses {
			continue
		}
		winRate := float64(stats.Wins) / float64(stats.Uses)
		sum += 0.7*(2*winRate-1) + 0.3*math.Tanh(stats.AvgPnL/100)
	}
	return sum / float64(len(patternIDs))
}

// sizeMultiplier maps quality to a position-size step, gated on the
// pattern-sizing flag. Monotonically non-decreasing in quality.
func (e *Engine) sizeMultiplier(quality float64) float64 {
	if !e.flags.IsEnabled(features.FlagPatternSizing) || e.flags.ShadowMode(features.FlagPatternSizing) {
		return 1.0
	}
	switch {
	case quality <= -0.5:
		return 0.25
	case quality <= 0:
		return 0.5
	case quality <= 0.5:
		return 1.0
	default:
		return 1.5
	}
}
