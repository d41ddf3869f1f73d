package market

import (
	"fmt"
	"math"
	"strings"
)

// Timeframe represents a supported candle interval
type Timeframe string

const (
	Timeframe1s  Timeframe = "1s"
	Timeframe5s  Timeframe = "5s"
	Timeframe15s Timeframe = "15s"
	Timeframe30s Timeframe = "30s"
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe6h  Timeframe = "6h"
	Timeframe8h  Timeframe = "8h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
	Timeframe3d  Timeframe = "3d"
	Timeframe1w  Timeframe = "1w"
	Timeframe1M  Timeframe = "1M"
)

// timeframeIntervals maps each timeframe to its interval in milliseconds.
// 1M uses a 30-day approximation, consistent with venue kline APIs.
var timeframeIntervals = map[Timeframe]int64{
	Timeframe1s:  1_000,
	Timeframe5s:  5_000,
	Timeframe15s: 15_000,
	Timeframe30s: 30_000,
	Timeframe1m:  60_000,
	Timeframe3m:  180_000,
	Timeframe5m:  300_000,
	Timeframe15m: 900_000,
	Timeframe30m: 1_800_000,
	Timeframe1h:  3_600_000,
	Timeframe2h:  7_200_000,
	Timeframe4h:  14_400_000,
	Timeframe6h:  21_600_000,
	Timeframe8h:  28_800_000,
	Timeframe12h: 43_200_000,
	Timeframe1d:  86_400_000,
	Timeframe3d:  259_200_000,
	Timeframe1w:  604_800_000,
	Timeframe1M:  2_592_000_000,
}

// AllTimeframes lists every supported timeframe, shortest first.
var AllTimeframes = []Timeframe{
	Timeframe1s, Timeframe5s, Timeframe15s, Timeframe30s,
	Timeframe1m, Timeframe3m, Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe2h, Timeframe4h, Timeframe6h, Timeframe8h, Timeframe12h,
	Timeframe1d, Timeframe3d, Timeframe1w, Timeframe1M,
}

// IntervalMs returns the timeframe's interval in milliseconds, or 0 if unknown.
func (tf Timeframe) IntervalMs() int64 {
	return timeframeIntervals[tf]
}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeIntervals[tf]
	return ok
}

// ParseTimeframe converts a string to a Timeframe, validating it.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Symbol is a canonical trading pair in BASE/QUOTE form, e.g. "BTC/USD".
// Only canonical symbols appear above the broker adapter boundary.
type Symbol string

// NewSymbol builds a canonical symbol from base and quote currencies.
func NewSymbol(base, quote string) Symbol {
	return Symbol(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}

// ParseSymbol validates a BASE/QUOTE string and returns it as a Symbol.
func ParseSymbol(s string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(s)))
	if !sym.Valid() {
		return "", fmt.Errorf("invalid symbol %q, want BASE/QUOTE", s)
	}
	return sym, nil
}

// MustSymbol is ParseSymbol for compile-time-known symbols; panics on error.
func MustSymbol(s string) Symbol {
	sym, err := ParseSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

// Base returns the base currency of the symbol.
func (s Symbol) Base() string {
	if i := strings.IndexByte(string(s), '/'); i > 0 {
		return string(s)[:i]
	}
	return string(s)
}

// Quote returns the quote currency of the symbol.
func (s Symbol) Quote() string {
	if i := strings.IndexByte(string(s), '/'); i >= 0 && i+1 < len(s) {
		return string(s)[i+1:]
	}
	return ""
}

// Valid reports whether the symbol has the canonical BASE/QUOTE shape.
func (s Symbol) Valid() bool {
	i := strings.IndexByte(string(s), '/')
	return i > 0 && i+1 < len(s) && strings.ToUpper(string(s)) == string(s)
}

// Candle is a single OHLCV bar. Time is the bar open in unix milliseconds,
// ETime the bar end.
type Candle struct {
	Time   int64   `json:"t"`
	ETime  int64   `json:"et"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// Validate checks the candle shape invariants: finite non-negative fields,
// low <= min(open, close), high >= max(open, close), high >= low.
func (c Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle at %d has non-finite field", c.Time)
		}
		if v < 0 {
			return fmt.Errorf("candle at %d has negative field", c.Time)
		}
	}
	if c.Time <= 0 {
		return fmt.Errorf("candle has invalid timestamp %d", c.Time)
	}
	if c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle at %d: low %.8f above body", c.Time, c.Low)
	}
	if c.High < math.Max(c.Open, c.Close) {
		return fmt.Errorf("candle at %d: high %.8f below body", c.Time, c.High)
	}
	if c.High < c.Low {
		return fmt.Errorf("candle at %d: high %.8f below low %.8f", c.Time, c.High, c.Low)
	}
	return nil
}

// Aggregate combines base candles into a single higher-timeframe candle:
// open of the first, close of the last, max high, min low, summed volume.
// The caller guarantees candles is non-empty and timestamp-ordered.
func Aggregate(candles []Candle, tf Timeframe) Candle {
	agg := Candle{
		Time:   candles[0].Time,
		Open:   candles[0].Open,
		High:   candles[0].High,
		Low:    candles[0].Low,
		Close:  candles[len(candles)-1].Close,
		Volume: 0,
	}
	for _, c := range candles {
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Volume += c.Volume
	}
	if iv := tf.IntervalMs(); iv > 0 {
		agg.Time = windowStart(candles[0].Time, iv)
		agg.ETime = agg.Time + iv - 1
	} else {
		agg.ETime = candles[len(candles)-1].ETime
	}
	return agg
}

// windowStart floors a timestamp to the start of its timeframe window.
func windowStart(tsMs, intervalMs int64) int64 {
	return tsMs - (tsMs % intervalMs)
}
