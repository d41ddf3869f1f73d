package indicators

import (
	"math"

	"multibroker-trading-bot/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the simple moving average of the last period closes.
func SMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the exponential moving average over the window, seeded with
// the oldest close and weighted 2/(period+1), newest last.
func EMA(candles []market.Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	multiplier := 2.0 / float64(period+1)
	ema := candles[0].Close
	for i := 1; i < len(candles); i++ {
		ema = candles[i].Close*multiplier + ema*(1-multiplier)
	}
	return ema
}

// emaSeries returns the EMA value at every index of the window.
func emaSeries(candles []market.Candle, period int) []float64 {
	if len(candles) == 0 || period <= 0 {
		return nil
	}
	multiplier := 2.0 / float64(period+1)
	out := make([]float64, len(candles))
	out[0] = candles[0].Close
	for i := 1; i < len(candles); i++ {
		out[i] = candles[i].Close*multiplier + out[i-1]*(1-multiplier)
	}
	return out
}

// emaOfSeries runs an EMA over a plain float series, seeded with the oldest
// value.
func emaOfSeries(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	multiplier := 2.0 / float64(period+1)
	ema := values[0]
	for i := 1; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// ============================================================================
// RSI
// ============================================================================

// RSI calculates the Wilder relative strength index over the last period
// close-to-close changes. A flat window (total absolute change under 0.01%
// of the current price) returns the neutral 50 to avoid spurious extremes;
// a window with no losses returns 100.
func RSI(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	price := candles[len(candles)-1].Close
	if price > 0 && gains+losses < price*0.0001 {
		return 50.0
	}
	if losses == 0 {
		return 100.0
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the MACD line, signal line and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// macdValue computes the MACD line (fast EMA minus slow EMA) for the window.
func macdValue(candles []market.Candle, fastPeriod, slowPeriod int) float64 {
	return EMA(candles, fastPeriod) - EMA(candles, slowPeriod)
}

// macdSeriesFromWindow derives the macd series across the window from the
// fast/slow EMA series. Used to seed the rolling buffer on first sight of a
// symbol so the signal line is never a single-point re-seed.
func macdSeriesFromWindow(candles []market.Candle, fastPeriod, slowPeriod int) []float64 {
	fast := emaSeries(candles, fastPeriod)
	slow := emaSeries(candles, slowPeriod)
	if fast == nil || slow == nil {
		return nil
	}
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = fast[i] - slow[i]
	}
	return out
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerResult holds Bollinger band values. Width is (upper-lower)/middle.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
	Width  float64
}

// Bollinger calculates Bollinger bands: middle is the SMA over the last
// period closes, bands are middle +/- k population standard deviations.
func Bollinger(candles []market.Candle, period int, k float64) BollingerResult {
	if len(candles) < period || period <= 0 {
		return BollingerResult{}
	}
	middle := SMA(candles, period)

	variance := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		diff := candles[i].Close - middle
		variance += diff * diff
	}
	sigma := math.Sqrt(variance / float64(period))

	upper := middle + k*sigma
	lower := middle - k*sigma
	width := 0.0
	if middle != 0 {
		width = (upper - lower) / middle
	}
	return BollingerResult{Upper: upper, Middle: middle, Lower: lower, Width: width}
}

// ============================================================================
// ATR
// ============================================================================

// DefaultATR is returned when the window is too short to compute a true range.
const DefaultATR = 0.02

// ATR calculates the average true range over the last period candles as a
// fraction of the latest close. Windows shorter than period+1 return the
// 2% default.
func ATR(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return DefaultATR
	}

	trSum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}

	atr := trSum / float64(period)
	price := candles[len(candles)-1].Close
	if price <= 0 {
		return DefaultATR
	}
	return atr / price
}

// ============================================================================
// VOLATILITY
// ============================================================================

// Volatility calculates the standard deviation of simple returns over the
// last period candles, as a fraction.
func Volatility(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 || period <= 0 {
		return 0
	}

	returns := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev > 0 {
			returns = append(returns, (candles[i].Close-prev)/prev)
		}
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticResult holds %K and %D.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic calculates the stochastic oscillator. %K positions the latest
// close within the high/low range of the last kPeriod candles; %D is the
// 3-SMA of %K. A zero range returns the neutral 50.
func Stochastic(candles []market.Candle, kPeriod int) StochasticResult {
	k := stochasticK(candles, kPeriod)

	// %D averages %K over the last three candles.
	dSum := k
	dCount := 1
	for offset := 1; offset <= 2; offset++ {
		if len(candles)-offset < kPeriod {
			break
		}
		dSum += stochasticK(candles[:len(candles)-offset], kPeriod)
		dCount++
	}
	return StochasticResult{K: k, D: dSum / float64(dCount)}
}

func stochasticK(candles []market.Candle, kPeriod int) float64 {
	if len(candles) < kPeriod || kPeriod <= 0 {
		return 50
	}
	start := len(candles) - kPeriod
	highest := candles[start].High
	lowest := candles[start].Low
	for i := start; i < len(candles); i++ {
		if candles[i].High > highest {
			highest = candles[i].High
		}
		if candles[i].Low < lowest {
			lowest = candles[i].Low
		}
	}
	if highest == lowest {
		return 50
	}
	return (candles[len(candles)-1].Close - lowest) / (highest - lowest) * 100
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeMA calculates the average volume over the last period candles.
func VolumeMA(candles []market.Candle, period int) float64 {
	if len(candles) == 0 || period <= 0 {
		return 0
	}
	if len(candles) < period {
		period = len(candles)
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}
