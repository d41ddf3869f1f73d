package signal

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PatternStats is the aggregate history for one pattern id.
type PatternStats struct {
	Uses     int     `json:"uses"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnL float64 `json:"totalPnL"`
	AvgPnL   float64 `json:"avgPnL"`
}

// PatternStore serves pattern statistics and records trade outcomes.
type PatternStore interface {
	Stats(ctx context.Context, patternID string) (PatternStats, error)
	RecordOutcome(ctx context.Context, patternID string, win bool, pnl float64) error
}

// ----- In-memory store -----

// MemoryStore is the default store for paper/test runs.
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[string]PatternStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]PatternStats)}
}

func (s *MemoryStore) Stats(ctx context.Context, patternID string) (PatternStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[patternID], nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, patternID string, win bool, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[patternID]
	st.Uses++
	if win {
		st.Wins++
	} else {
		st.Losses++
	}
	st.TotalPnL += pnl
	st.AvgPnL = st.TotalPnL / float64(st.Uses)
	s.stats[patternID] = st
	return nil
}

// Seed installs canned statistics, for tests.
func (s *MemoryStore) Seed(patternID string, stats PatternStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[patternID] = stats
}

// ----- Redis store -----

// RedisStore keeps pattern statistics in a hash per pattern so multiple bot
// processes share one history.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func patternKey(id string) string { return "pattern:" + id }

func (s *RedisStore) Stats(ctx context.Context, patternID string) (PatternStats, error) {
	fields, err := s.rdb.HGetAll(ctx, patternKey(patternID)).Result()
	if err != nil {
		return PatternStats{}, err
	}
	var st PatternStats
	st.Uses, _ = strconv.Atoi(fields["uses"])
	st.Wins, _ = strconv.Atoi(fields["wins"])
	st.Losses, _ = strconv.Atoi(fields["losses"])
	st.TotalPnL, _ = strconv.ParseFloat(fields["totalPnL"], 64)
	if st.Uses > 0 {
		st.AvgPnL = st.TotalPnL / float64(st.Uses)
	}
	return st, nil
}

func (s *RedisStore) RecordOutcome(ctx context.Context, patternID string, win bool, pnl float64) error {
	key := patternKey(patternID)
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "uses", 1)
	if win {
		pipe.HIncrBy(ctx, key, "wins", 1)
	} else {
		pipe.HIncrBy(ctx, key, "losses", 1)
	}
	pipe.HIncrByFloat(ctx, key, "totalPnL", pnl)
	_, err := pipe.Exec(ctx)
	return err
}
