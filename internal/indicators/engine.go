package indicators

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"multibroker-trading-bot/internal/market"
)

const (
	digestCloses = 50

	// DefaultCacheSize bounds the memoization map.
	DefaultCacheSize = 1000
)

// Engine memoizes indicator calculations over candle windows. Results are
// keyed on (indicator, digest of the last 50 closes, params); the cache is
// bounded and evicts oldest-first. The MACD signal line additionally keeps a
// bounded rolling buffer of prior macd values per series key so it is
// computed over the actual series rather than re-seeded each call.
type Engine struct {
	mu        sync.Mutex
	cache     map[string]float64
	order     []string
	cacheSize int

	macdHistory map[string][]float64
	macdLastTs  map[string]int64

	hits   int64
	misses int64
}

// NewEngine creates an indicator engine with the default cache bound.
func NewEngine() *Engine {
	return NewEngineWithSize(DefaultCacheSize)
}

// NewEngineWithSize creates an indicator engine with an explicit cache bound.
func NewEngineWithSize(size int) *Engine {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Engine{
		cache:       make(map[string]float64, size),
		cacheSize:   size,
		macdHistory: make(map[string][]float64),
		macdLastTs:  make(map[string]int64),
	}
}

// digest computes a truncated checksum over the last digestCloses closes.
func digest(candles []market.Candle) uint64 {
	h := fnv.New64a()
	start := 0
	if len(candles) > digestCloses {
		start = len(candles) - digestCloses
	}
	var buf [8]byte
	for i := start; i < len(candles); i++ {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(candles[i].Close))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// cached returns the memoized value for (indicator, window, params), calling
// compute on a miss. Inputs are never mutated.
func (e *Engine) cached(indicator string, candles []market.Candle, params string, compute func() float64) float64 {
	key := fmt.Sprintf("%s:%x:%s", indicator, digest(candles), params)

	e.mu.Lock()
	if v, ok := e.cache[key]; ok {
		e.hits++
		e.mu.Unlock()
		return v
	}
	e.misses++
	e.mu.Unlock()

	v := compute()

	e.mu.Lock()
	if _, ok := e.cache[key]; !ok {
		if len(e.order) >= e.cacheSize {
			oldest := e.order[0]
			e.order = e.order[1:]
			delete(e.cache, oldest)
		}
		e.cache[key] = v
		e.order = append(e.order, key)
	}
	e.mu.Unlock()
	return v
}

// RSI is the memoized Wilder RSI.
func (e *Engine) RSI(candles []market.Candle, period int) float64 {
	return e.cached("rsi", candles, fmt.Sprintf("%d", period), func() float64 {
		return RSI(candles, period)
	})
}

// EMA is the memoized exponential moving average.
func (e *Engine) EMA(candles []market.Candle, period int) float64 {
	return e.cached("ema", candles, fmt.Sprintf("%d", period), func() float64 {
		return EMA(candles, period)
	})
}

// SMA is the memoized simple moving average.
func (e *Engine) SMA(candles []market.Candle, period int) float64 {
	return e.cached("sma", candles, fmt.Sprintf("%d", period), func() float64 {
		return SMA(candles, period)
	})
}

// ATRFraction is the memoized ATR as a fraction of the latest close.
func (e *Engine) ATRFraction(candles []market.Candle, period int) float64 {
	return e.cached("atr", candles, fmt.Sprintf("%d", period), func() float64 {
		return ATR(candles, period)
	})
}

// Volatility is the memoized return-stddev volatility.
func (e *Engine) Volatility(candles []market.Candle, period int) float64 {
	return e.cached("vol", candles, fmt.Sprintf("%d", period), func() float64 {
		return Volatility(candles, period)
	})
}

// TwoPole is the memoized two-pole oscillator.
func (e *Engine) TwoPole(candles []market.Candle) float64 {
	return e.cached("twopole", candles, "", func() float64 {
		return TwoPole(candles)
	})
}

// Bollinger calculates Bollinger bands. Composite results are cheap to
// recompute, so only the middle band goes through the memoization path.
func (e *Engine) Bollinger(candles []market.Candle, period int, k float64) BollingerResult {
	return Bollinger(candles, period, k)
}

// Stochastic calculates %K and %D.
func (e *Engine) Stochastic(candles []market.Candle, kPeriod int) StochasticResult {
	return Stochastic(candles, kPeriod)
}

// MACD computes MACD 12/26 with a 9-period signal line over the rolling macd
// series tracked for seriesKey (typically the symbol). The per-key buffer is
// bounded at 100 values, seeded from the window's derived macd series the
// first time a key is seen, and holds exactly one value per candle: repeated
// calls for the same candle timestamp (in-progress updates) replace the last
// entry instead of appending.
func (e *Engine) MACD(seriesKey string, candles []market.Candle, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(candles) < slowPeriod {
		return MACDResult{}
	}

	macd := macdValue(candles, fastPeriod, slowPeriod)
	ts := candles[len(candles)-1].Time

	e.mu.Lock()
	key := fmt.Sprintf("%s:%d:%d", seriesKey, fastPeriod, slowPeriod)
	history, ok := e.macdHistory[key]
	switch {
	case !ok:
		history = macdSeriesFromWindow(candles, fastPeriod, slowPeriod)
	case ts != e.macdLastTs[key] || len(history) == 0:
		history = append(history, macd)
	default:
		history[len(history)-1] = macd
	}
	e.macdLastTs[key] = ts
	if len(history) > 100 {
		history = history[len(history)-100:]
	}
	e.macdHistory[key] = history
	signal := emaOfSeries(history, signalPeriod)
	e.mu.Unlock()

	return MACDResult{MACD: macd, Signal: signal, Histogram: macd - signal}
}

// CacheStats returns hit/miss counters and the current cache size.
func (e *Engine) CacheStats() (hits, misses int64, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits, e.misses, len(e.cache)
}

// Bundle is the full indicator snapshot for one evaluation tick.
type Bundle struct {
	Price      float64
	RSI        float64
	MACD       MACDResult
	EMA9       float64
	EMA20      float64
	EMA50      float64
	Bollinger  BollingerResult
	ATR        float64
	Volatility float64
	Stochastic StochasticResult
	TwoPole    float64
	Volume     float64
	VolumeMA   float64
}

// ComputeBundle evaluates the full indicator set for a window. seriesKey
// scopes the MACD rolling buffer, typically "SYMBOL|TF".
func (e *Engine) ComputeBundle(seriesKey string, candles []market.Candle) Bundle {
	if len(candles) == 0 {
		return Bundle{}
	}
	last := candles[len(candles)-1]
	return Bundle{
		Price:      last.Close,
		RSI:        e.RSI(candles, 14),
		MACD:       e.MACD(seriesKey, candles, 12, 26, 9),
		EMA9:       e.EMA(candles, 9),
		EMA20:      e.EMA(candles, 20),
		EMA50:      e.EMA(candles, 50),
		Bollinger:  e.Bollinger(candles, 20, 2),
		ATR:        e.ATRFraction(candles, 14),
		Volatility: e.Volatility(candles, 20),
		Stochastic: e.Stochastic(candles, 14),
		TwoPole:    e.TwoPole(candles),
		Volume:     last.Volume,
		VolumeMA:   VolumeMA(candles, 20),
	}
}
