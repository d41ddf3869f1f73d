package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/market"
)

func newManager(t *testing.T, balance float64) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), balance, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestOpenPositionDebitsBalance(t *testing.T) {
	m := newManager(t, 10_000)

	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{Symbol: market.MustSymbol("BTC/USD")}))

	s := m.Snapshot()
	assert.Equal(t, 0.1, s.Position)
	assert.Equal(t, 50_000.0, s.EntryPrice)
	assert.InDelta(t, 5_000, s.Balance, 1e-9)
	assert.InDelta(t, 5_000, s.InPosition, 1e-9)
	assert.Equal(t, 1, s.TradeCount)
	assert.Equal(t, 1, s.DailyTradeCount)
	assert.Len(t, s.ActiveTrades, 1)
}

func TestOpenPositionWeightedAverageEntry(t *testing.T) {
	m := newManager(t, 200_000)

	require.NoError(t, m.OpenPosition("ord-1", 1, 50_000, Trade{}))
	require.NoError(t, m.OpenPosition("ord-2", 1, 60_000, Trade{}))

	s := m.Snapshot()
	assert.InDelta(t, 55_000, s.EntryPrice, 1e-9)
	assert.InDelta(t, 2, s.Position, 1e-12)
}

func TestOpenRejectsOverdraft(t *testing.T) {
	m := newManager(t, 1_000)

	err := m.OpenPosition("ord-1", 1, 50_000, Trade{})
	require.Error(t, err)

	// Rollback: state untouched, no tx entry for the failed op.
	s := m.Snapshot()
	assert.Equal(t, 1_000.0, s.Balance)
	assert.Zero(t, s.Position)
	assert.Empty(t, m.TxLog())
}

func TestClosePositionRealizesPnL(t *testing.T) {
	m := newManager(t, 10_000)
	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{Action: "BUY"}))

	// +2% move: pnl = 0.1 * 50000 * 0.02 = 100.
	require.NoError(t, m.ClosePosition(51_000, false, 0))

	s := m.Snapshot()
	assert.InDelta(t, 100, s.RealizedPnL, 1e-9)
	assert.InDelta(t, 10_100, s.Balance, 1e-9)
	assert.Zero(t, s.Position)
	assert.Zero(t, s.EntryPrice)
	assert.Zero(t, s.InPosition)
	assert.Empty(t, s.ActiveTrades, "full close removes BUY-side trades")
	assert.Empty(t, m.Validate())
}

func TestPartialCloseKeepsEntry(t *testing.T) {
	m := newManager(t, 10_000)
	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{Action: "BUY"}))

	require.NoError(t, m.ClosePosition(51_000, true, 0.04))

	s := m.Snapshot()
	assert.InDelta(t, 0.06, s.Position, 1e-12)
	assert.Equal(t, 50_000.0, s.EntryPrice)
	assert.InDelta(t, 0.04*50_000*0.02, s.RealizedPnL, 1e-9)
	assert.Len(t, s.ActiveTrades, 1, "partial close keeps the trade")
}

func TestMutationRollbackOnError(t *testing.T) {
	m := newManager(t, 10_000)

	err := m.ClosePosition(50_000, false, 0) // nothing open
	require.Error(t, err)
	s := m.Snapshot()
	assert.Equal(t, 10_000.0, s.Balance)
}

func TestListenerObservesPostUpdateState(t *testing.T) {
	m := newManager(t, 10_000)

	var seen []float64
	m.Subscribe(func(op string, s AccountState) {
		seen = append(seen, s.Position)
	})
	// A panicking listener must not affect state or other listeners.
	m.Subscribe(func(op string, s AccountState) {
		panic("bad listener")
	})
	var last float64
	m.Subscribe(func(op string, s AccountState) {
		last = s.Position
	})

	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{}))

	require.Len(t, seen, 1)
	assert.Equal(t, 0.1, seen[0])
	assert.Equal(t, 0.1, last, "listener after the panicking one still runs")
	assert.Equal(t, 0.1, m.Snapshot().Position)
}

func TestTxLogBounded(t *testing.T) {
	m := newManager(t, 1_000_000)

	for i := 0; i < txLogCap+20; i++ {
		require.NoError(t, m.UpdateBalance(1, "drip"))
	}
	log := m.TxLog()
	assert.Len(t, log, txLogCap)
	assert.Equal(t, "update_balance", log[len(log)-1].Op)
}

func TestPauseResumeGate(t *testing.T) {
	m := newManager(t, 10_000)

	assert.False(t, m.IsPaused())
	require.NoError(t, m.PauseTrading("drift detected"))
	assert.True(t, m.IsPaused())
	s := m.Snapshot()
	assert.Equal(t, "drift detected", s.PauseReason)
	assert.NotZero(t, s.PausedAt)

	require.NoError(t, m.ResumeTrading())
	assert.False(t, m.IsPaused())
	assert.Zero(t, m.Snapshot().PausedAt)
}

func TestEmergencyReset(t *testing.T) {
	m := newManager(t, 10_000)
	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{}))

	safe := 7_500.0
	require.NoError(t, m.EmergencyReset(&safe))

	s := m.Snapshot()
	assert.Zero(t, s.Position)
	assert.Empty(t, s.ActiveTrades)
	assert.Equal(t, 7_500.0, s.Balance)
	assert.Equal(t, 7_500.0, s.TotalBalance)
	assert.True(t, s.RecoveryMode)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 10_000, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{Action: "BUY", Symbol: market.MustSymbol("BTC/USD")}))
	require.NoError(t, m.OpenPosition("ord-2", 0.05, 51_000, Trade{Action: "BUY"}))
	require.NoError(t, m.PauseTrading("maintenance"))
	m.Flush()

	reloaded, err := NewManager(dir, 999, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)

	s := reloaded.Snapshot()
	assert.InDelta(t, m.Snapshot().Balance, s.Balance, 1e-9)
	assert.InDelta(t, 0.15, s.Position, 1e-12)
	assert.Equal(t, "maintenance", s.PauseReason)
	require.Len(t, s.ActiveTrades, 2)

	// Entries array preserves insertion order.
	trades := s.TradesInOrder()
	assert.Equal(t, 0.1, trades[0].Size)
	assert.Equal(t, 0.05, trades[1].Size)
}

func TestBacktestModeSkipsPersistence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 10_000, features.ModeBacktest, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{}))
	m.Flush()

	_, statErr := os.Stat(filepath.Join(dir, "state.json"))
	assert.True(t, os.IsNotExist(statErr), "backtest mode must not write state.json")
}

// TestPersistenceDebounced: disk writes happen outside the mutation path, on
// the debounce timer; a burst of mutations becomes one file write.
func TestPersistenceDebounced(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 10_000, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)
	m.persistDelay = 30 * time.Millisecond

	require.NoError(t, m.OpenPosition("ord-1", 0.05, 50_000, Trade{Action: "BUY"}))
	require.NoError(t, m.OpenPosition("ord-2", 0.05, 50_000, Trade{Action: "BUY"}))

	path := filepath.Join(dir, "state.json")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "mutation must not write synchronously")

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "debounced write never landed")

	// The flushed file carries both mutations.
	reloaded, err := NewManager(dir, 999, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, reloaded.Snapshot().Position, 1e-12)
}

func TestCorruptStateFileRefusesStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{broken"), 0o600))

	_, err := NewManager(dir, 10_000, features.ModePaper, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt state file")
}

func TestValidateFindsDrift(t *testing.T) {
	m := newManager(t, 10_000)
	assert.Empty(t, m.Validate())

	// Force an inconsistent totalBalance through a raw mutation.
	require.NoError(t, m.mutate("test_skew", "", func(s *AccountState) error {
		s.TotalBalance = s.Balance + 500
		return nil
	}))
	issues := m.Validate()
	require.NotEmpty(t, issues)
}

func TestForceSyncToVenueTruth(t *testing.T) {
	m := newManager(t, 10_000)
	require.NoError(t, m.OpenPosition("ord-1", 0.1, 50_000, Trade{Action: "BUY"}))

	require.NoError(t, m.ForceSync(0.2, 49_000, 3_000, "reconciler auto-correct"))
	s := m.Snapshot()
	assert.Equal(t, 0.2, s.Position)
	assert.Equal(t, 49_000.0, s.EntryPrice)
	assert.Equal(t, 3_000.0, s.Balance)
	assert.InDelta(t, 3_000+0.2*49_000, s.TotalBalance, 1e-9)

	require.NoError(t, m.ForceSync(0, 0, 5_000, "flat on venue"))
	s = m.Snapshot()
	assert.Zero(t, s.Position)
	assert.Empty(t, s.ActiveTrades)
	assert.Equal(t, 5_000.0, s.TotalBalance)
}
