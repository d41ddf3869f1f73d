package signal

import (
	"math"

	"multibroker-trading-bot/internal/market"
)

// Pattern ids recorded in the pattern store and telemetry.
const (
	PatternBullishEngulfing = "bullish_engulfing"
	PatternBearishEngulfing = "bearish_engulfing"
	PatternHammer           = "hammer"
	PatternShootingStar     = "shooting_star"
	PatternThreeWhite       = "three_white_soldiers"
)

// DetectPatterns scans the tail of a candle window for classic candlestick
// patterns and returns their ids, newest-match first. An empty slice means no
// pattern; pattern quality is then neutral.
func DetectPatterns(candles []market.Candle) []string {
	n := len(candles)
	if n < 2 {
		return nil
	}
	var out []string

	prev, last := candles[n-2], candles[n-1]

	if isBullish(last) && isBearish(prev) &&
		last.Open <= prev.Close && last.Close >= prev.Open {
		out = append(out, PatternBullishEngulfing)
	}
	if isBearish(last) && isBullish(prev) &&
		last.Open >= prev.Close && last.Close <= prev.Open {
		out = append(out, PatternBearishEngulfing)
	}

	body := math.Abs(last.Close - last.Open)
	if body > 0 {
		lowerWick := math.Min(last.Open, last.Close) - last.Low
		upperWick := last.High - math.Max(last.Open, last.Close)
		if lowerWick >= 2*body && upperWick <= body {
			out = append(out, PatternHammer)
		}
		if upperWick >= 2*body && lowerWick <= body {
			out = append(out, PatternShootingStar)
		}
	}

	if n >= 3 {
		a, b, c := candles[n-3], candles[n-2], candles[n-1]
		if isBullish(a) && isBullish(b) && isBullish(c) &&
			b.Close > a.Close && c.Close > b.Close {
			out = append(out, PatternThreeWhite)
		}
	}
	return out
}

func isBullish(c market.Candle) bool { return c.Close > c.Open }
func isBearish(c market.Candle) bool { return c.Close < c.Open }
