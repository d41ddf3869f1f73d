package indicators

import (
	"math"

	"multibroker-trading-bot/internal/market"
)

const (
	twoPoleSMALength    = 25
	twoPoleFilterLength = 20

	// TwoPoleThreshold marks regime shifts at +/-0.5.
	TwoPoleThreshold = 0.5
)

// TwoPole calculates a bounded oscillator in [-1, 1] from the deviation of
// price against a running 25-period SMA, smoothed by an Ehlers-style two-pole
// filter of length 20. Values beyond +/-0.5 mark regime shifts.
func TwoPole(candles []market.Candle) float64 {
	if len(candles) < twoPoleSMALength+2 {
		return 0
	}

	// Normalized deviation series against the running SMA.
	dev := make([]float64, 0, len(candles)-twoPoleSMALength+1)
	for i := twoPoleSMALength; i <= len(candles); i++ {
		window := candles[i-twoPoleSMALength : i]
		sum := 0.0
		for _, c := range window {
			sum += c.Close
		}
		sma := sum / twoPoleSMALength
		if sma == 0 {
			dev = append(dev, 0)
			continue
		}
		dev = append(dev, (window[len(window)-1].Close-sma)/sma)
	}

	// Scale deviations by their stddev so the filter input is roughly a
	// z-score regardless of the instrument's price level.
	mean := 0.0
	for _, d := range dev {
		mean += d
	}
	mean /= float64(len(dev))
	variance := 0.0
	for _, d := range dev {
		variance += (d - mean) * (d - mean)
	}
	sigma := math.Sqrt(variance / float64(len(dev)))
	if sigma == 0 {
		return 0
	}

	// Two-pole super-smoother coefficients.
	a := math.Exp(-1.414 * math.Pi / twoPoleFilterLength)
	b := 2 * a * math.Cos(1.414*math.Pi/twoPoleFilterLength)
	c2 := b
	c3 := -a * a
	c1 := 1 - c2 - c3

	var f1, f2 float64
	for _, d := range dev {
		z := d / sigma
		f := c1*z + c2*f1 + c3*f2
		f2 = f1
		f1 = f
	}

	// Tanh bounds the output to (-1, 1) while preserving crossover timing.
	return math.Tanh(f1)
}
