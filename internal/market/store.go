package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCacheTTL bounds how long a cached read slice is served.
	DefaultCacheTTL = 5 * time.Second

	// DefaultVolatilityThreshold is the mean absolute return over the last
	// volatilityWindow base candles above which the read cache is flushed.
	DefaultVolatilityThreshold = 0.05

	volatilityWindow = 10

	// Approximate per-item memory cost used by the cleanup heuristic.
	bytesPerCandle     = 200
	bytesPerCacheEntry = 150

	memoryWarningBytes   = 75 * 1024 * 1024
	memoryEmergencyBytes = 100 * 1024 * 1024

	// minCandlesPerSeries is the floor no cleanup level goes below.
	minCandlesPerSeries = 300
)

type seriesKey struct {
	Symbol    Symbol
	Timeframe Timeframe
}

// series is a bounded, timestamp-ordered run of candles for one
// (symbol, timeframe). Single writer (the ingestion path), many readers.
type series struct {
	candles []Candle
}

type cacheEntry struct {
	candles  []Candle
	cachedAt time.Time
}

// StoreConfig tunes the candle store.
type StoreConfig struct {
	CacheTTL            time.Duration
	VolatilityThreshold float64
	MaxCandlesPerSeries int
}

// Store owns per-symbol, per-timeframe candle rings. Base-timeframe candles
// are ingested from adapter streams; registered higher timeframes are kept
// up to date by aggregation.
type Store struct {
	mu sync.RWMutex

	base   map[Symbol]Timeframe
	series map[seriesKey]*series
	higher map[Symbol][]Timeframe

	cache    map[string]cacheEntry
	cacheTTL time.Duration

	volThreshold float64
	maxPerSeries int

	droppedOutOfOrder int64
	cacheInvalidations int64
	cleanups           int64

	log zerolog.Logger
}

// NewStore creates a candle store with the given configuration.
func NewStore(cfg StoreConfig, log zerolog.Logger) *Store {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.VolatilityThreshold <= 0 {
		cfg.VolatilityThreshold = DefaultVolatilityThreshold
	}
	if cfg.MaxCandlesPerSeries <= 0 {
		cfg.MaxCandlesPerSeries = 5000
	}
	return &Store{
		base:         make(map[Symbol]Timeframe),
		series:       make(map[seriesKey]*series),
		higher:       make(map[Symbol][]Timeframe),
		cache:        make(map[string]cacheEntry),
		cacheTTL:     cfg.CacheTTL,
		volThreshold: cfg.VolatilityThreshold,
		maxPerSeries: cfg.MaxCandlesPerSeries,
		log:          log.With().Str("component", "candle_store").Logger(),
	}
}

// RegisterSymbol declares a symbol's base timeframe. Ingest only accepts
// candles at the base timeframe.
func (s *Store) RegisterSymbol(symbol Symbol, base Timeframe) error {
	if !base.Valid() {
		return fmt.Errorf("invalid base timeframe %q", base)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base[symbol] = base
	k := seriesKey{symbol, base}
	if s.series[k] == nil {
		s.series[k] = &series{}
	}
	return nil
}

// BaseTimeframe returns the registered base timeframe for a symbol.
func (s *Store) BaseTimeframe(symbol Symbol) (Timeframe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tf, ok := s.base[symbol]
	return tf, ok
}

// AddTimeframe registers a higher timeframe for a symbol and backfills it by
// aggregating the base candles already held.
func (s *Store) AddTimeframe(symbol Symbol, tf Timeframe) error {
	if !tf.Valid() {
		return fmt.Errorf("invalid timeframe %q", tf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.base[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", symbol)
	}
	if tf == base {
		return nil
	}
	if tf.IntervalMs() <= base.IntervalMs() {
		return fmt.Errorf("timeframe %s not above base %s", tf, base)
	}
	for _, existing := range s.higher[symbol] {
		if existing == tf {
			return nil
		}
	}
	s.higher[symbol] = append(s.higher[symbol], tf)
	sort.Slice(s.higher[symbol], func(i, j int) bool {
		return s.higher[symbol][i].IntervalMs() < s.higher[symbol][j].IntervalMs()
	})
	s.series[seriesKey{symbol, tf}] = &series{}
	s.backfillLocked(symbol, tf)
	return nil
}

// backfillLocked rebuilds a higher timeframe series from the base ring.
func (s *Store) backfillLocked(symbol Symbol, tf Timeframe) {
	base := s.series[seriesKey{symbol, s.base[symbol]}]
	target := s.series[seriesKey{symbol, tf}]
	target.candles = target.candles[:0]
	if len(base.candles) == 0 {
		return
	}
	iv := tf.IntervalMs()
	start := 0
	window := windowStart(base.candles[0].Time, iv)
	for i := 1; i <= len(base.candles); i++ {
		if i == len(base.candles) || windowStart(base.candles[i].Time, iv) != window {
			target.candles = append(target.candles, Aggregate(base.candles[start:i], tf))
			if i < len(base.candles) {
				start = i
				window = windowStart(base.candles[i].Time, iv)
			}
		}
	}
}

// Ingest adds a base-timeframe candle for a symbol. A newer timestamp appends,
// an equal timestamp replaces the in-progress tail candle, an older timestamp
// is dropped. Registered higher timeframes are updated by aggregation and
// matching cache entries are invalidated.
func (s *Store) Ingest(symbol Symbol, candle Candle) error {
	if err := candle.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.base[symbol]
	if !ok {
		return fmt.Errorf("symbol %s not registered", symbol)
	}
	ser := s.series[seriesKey{symbol, base}]

	if n := len(ser.candles); n > 0 {
		last := ser.candles[n-1].Time
		switch {
		case candle.Time > last:
			ser.candles = append(ser.candles, candle)
		case candle.Time == last:
			ser.candles[n-1] = candle
		default:
			s.droppedOutOfOrder++
			s.log.Debug().
				Str("symbol", string(symbol)).
				Int64("candle_time", candle.Time).
				Int64("last_time", last).
				Msg("dropped out-of-order candle")
			return nil
		}
	} else {
		ser.candles = append(ser.candles, candle)
	}

	if len(ser.candles) > s.maxPerSeries {
		ser.candles = trimFront(ser.candles, len(ser.candles)-s.maxPerSeries)
	}

	s.updateHigherLocked(symbol, candle)
	s.invalidateSymbolLocked(symbol)
	return nil
}

// updateHigherLocked re-aggregates the in-progress window of every registered
// higher timeframe after a base candle append or tail replace.
func (s *Store) updateHigherLocked(symbol Symbol, candle Candle) {
	base := s.series[seriesKey{symbol, s.base[symbol]}]
	for _, tf := range s.higher[symbol] {
		iv := tf.IntervalMs()
		ws := windowStart(candle.Time, iv)

		// Collect the base candles belonging to this window from the tail.
		first := len(base.candles)
		for first > 0 && base.candles[first-1].Time >= ws {
			first--
		}
		if first == len(base.candles) {
			continue
		}
		agg := Aggregate(base.candles[first:], tf)

		target := s.series[seriesKey{symbol, tf}]
		if n := len(target.candles); n > 0 && target.candles[n-1].Time == agg.Time {
			target.candles[n-1] = agg
		} else {
			target.candles = append(target.candles, agg)
			if len(target.candles) > s.maxPerSeries {
				target.candles = trimFront(target.candles, len(target.candles)-s.maxPerSeries)
			}
		}
	}
}

// Get returns the last n candles for (symbol, tf). For non-base timeframes
// the pending aggregate candle is excluded unless includeIncomplete is set.
// Cached results are served while younger than the TTL.
func (s *Store) Get(symbol Symbol, tf Timeframe, n int, includeIncomplete, useCache bool) []Candle {
	key := fmt.Sprintf("%s|%s|%d|%t", symbol, tf, n, includeIncomplete)

	if useCache {
		s.mu.RLock()
		if entry, ok := s.cache[key]; ok && time.Since(entry.cachedAt) <= s.cacheTTL {
			out := entry.candles
			s.mu.RUnlock()
			return out
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candles := s.tailLocked(symbol, tf, n, includeIncomplete)
	if useCache {
		s.cache[key] = cacheEntry{candles: candles, cachedAt: time.Now()}
	}
	return candles
}

// tailLocked copies the last n candles of a series.
func (s *Store) tailLocked(symbol Symbol, tf Timeframe, n int, includeIncomplete bool) []Candle {
	ser, ok := s.series[seriesKey{symbol, tf}]
	if !ok || len(ser.candles) == 0 {
		return nil
	}
	candles := ser.candles

	// The tail of a higher timeframe is the in-progress aggregate while the
	// latest base candle still falls in its window.
	if base, okBase := s.base[symbol]; okBase && tf != base && !includeIncomplete {
		baseSer := s.series[seriesKey{symbol, base}]
		if len(baseSer.candles) > 0 {
			lastBase := baseSer.candles[len(baseSer.candles)-1].Time
			if windowStart(lastBase, tf.IntervalMs()) == candles[len(candles)-1].Time {
				candles = candles[:len(candles)-1]
			}
		}
	}

	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out
}

// Len reports how many candles a series currently holds.
func (s *Store) Len(symbol Symbol, tf Timeframe) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ser, ok := s.series[seriesKey{symbol, tf}]; ok {
		return len(ser.candles)
	}
	return 0
}

// DroppedOutOfOrder returns the count of rejected out-of-order ingests.
func (s *Store) DroppedOutOfOrder() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.droppedOutOfOrder
}

// CacheInvalidations returns how many times the cache was flushed wholesale.
func (s *Store) CacheInvalidations() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheInvalidations
}

// invalidateSymbolLocked drops cache entries whose key includes the symbol.
func (s *Store) invalidateSymbolLocked(symbol Symbol) {
	prefix := string(symbol) + "|"
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
}

// Start launches the maintenance timers: TTL cache sweep, volatility check
// and memory cleanup. They stop when ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	go s.maintenanceLoop(ctx)
}

func (s *Store) maintenanceLoop(ctx context.Context) {
	cacheTicker := time.NewTicker(s.cacheTTL)
	volTicker := time.NewTicker(5 * time.Second)
	memTicker := time.NewTicker(30 * time.Second)
	defer cacheTicker.Stop()
	defer volTicker.Stop()
	defer memTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cacheTicker.C:
			s.sweepExpiredCache()
		case <-volTicker.C:
			s.checkVolatility()
		case <-memTicker.C:
			s.CleanupMemory()
		}
	}
}

func (s *Store) sweepExpiredCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, entry := range s.cache {
		if now.Sub(entry.cachedAt) > s.cacheTTL {
			delete(s.cache, k)
		}
	}
}

// checkVolatility flushes the whole cache when the mean absolute return of
// the last volatilityWindow base candles exceeds the threshold for any symbol.
func (s *Store) checkVolatility() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, base := range s.base {
		ser := s.series[seriesKey{symbol, base}]
		if ser == nil || len(ser.candles) < volatilityWindow+1 {
			continue
		}
		tail := ser.candles[len(ser.candles)-volatilityWindow-1:]
		sum := 0.0
		for i := 1; i < len(tail); i++ {
			if tail[i-1].Close > 0 {
				sum += math.Abs(tail[i].Close-tail[i-1].Close) / tail[i-1].Close
			}
		}
		mean := sum / float64(volatilityWindow)
		if mean > s.volThreshold {
			s.cache = make(map[string]cacheEntry)
			s.cacheInvalidations++
			s.log.Info().
				Str("symbol", string(symbol)).
				Float64("mean_abs_return", mean).
				Msg("volatility spike, candle cache flushed")
			return
		}
	}
}

// EstimatedMemoryBytes approximates the store's memory footprint.
func (s *Store) EstimatedMemoryBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimatedMemoryLocked()
}

func (s *Store) estimatedMemoryLocked() int64 {
	var total int64
	for _, ser := range s.series {
		total += int64(len(ser.candles)) * bytesPerCandle
	}
	total += int64(len(s.cache)) * bytesPerCacheEntry
	return total
}

// CleanupMemory applies graduated cleanup based on the estimated footprint:
// 50% above the emergency threshold, 35% above warning, 20% when approaching
// warning. Each series keeps at least minCandlesPerSeries candles.
func (s *Store) CleanupMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	usage := s.estimatedMemoryLocked()
	var fraction float64
	switch {
	case usage >= memoryEmergencyBytes:
		fraction = 0.50
	case usage >= memoryWarningBytes:
		fraction = 0.35
	case float64(usage) >= float64(memoryWarningBytes)*0.8:
		fraction = 0.20
	default:
		return
	}

	for _, ser := range s.series {
		drop := int(float64(len(ser.candles)) * fraction)
		if len(ser.candles)-drop < minCandlesPerSeries {
			drop = len(ser.candles) - minCandlesPerSeries
		}
		if drop > 0 {
			ser.candles = trimFront(ser.candles, drop)
		}
	}
	s.cache = make(map[string]cacheEntry)
	s.cleanups++
	s.log.Warn().
		Int64("usage_bytes", usage).
		Float64("fraction", fraction).
		Msg("candle store memory cleanup")
}

// trimFront drops n candles from the front without retaining the old backing
// array.
func trimFront(candles []Candle, n int) []Candle {
	out := make([]Candle, len(candles)-n)
	copy(out, candles[n:])
	return out
}
