package profit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, entry, size float64, cfg Config) *Manager {
	t.Helper()
	m, err := New(entry, size, t0, cfg, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestTierExitRealizesProfit(t *testing.T) {
	// 1.0 BTC at 50 000 with the default ladder. Crossing the first target
	// at 50 250 exits 30% and banks 0.30 * 50 000 * 0.005 = 75.
	m := newManager(t, 50_000, 1.0, Config{})

	d := m.Update(50_100, t0.Add(time.Minute))
	assert.Equal(t, ActionHold, d.Action)

	d = m.Update(50_250, t0.Add(2*time.Minute))
	assert.Equal(t, ActionExitPartial, d.Action)
	assert.Equal(t, "tier_target", d.Reason)
	assert.InDelta(t, 0.30, d.Size, 1e-9)
	assert.Equal(t, 0, d.Tier)
	assert.InDelta(t, 0.70, m.Remaining(), 1e-9)
	assert.InDelta(t, 75.0, m.RealizedPnL(), 1e-9)

	// The same tier never fires twice.
	d = m.Update(50_250, t0.Add(3*time.Minute))
	assert.NotEqual(t, ActionExitPartial, d.Action)
}

func TestTrailingStopLifecycle(t *testing.T) {
	// Open at 100, ride to 103, then give back through the trailing stop at
	// 103 * (1 - 0.002) = 102.794. A single wick below does not exit; the
	// second consecutive breach does.
	m := newManager(t, 100, 1.0, Config{
		EnableTrailing: true,
		Tiers:          []Tier{{TargetPct: 0.10, ExitFraction: 1.0}}, // out of reach
	})

	d := m.Update(101, t0.Add(time.Minute))
	assert.Equal(t, ActionUpdate, d.Action)
	assert.InDelta(t, 100.798, d.Stop, 1e-9)

	m.Update(102, t0.Add(2*time.Minute))
	d = m.Update(103, t0.Add(3*time.Minute))
	assert.Equal(t, ActionUpdate, d.Action)
	assert.InDelta(t, 102.794, m.CurrentStop(), 1e-9)

	d = m.Update(102.8, t0.Add(4*time.Minute))
	assert.Equal(t, ActionHold, d.Action)

	d = m.Update(102.5, t0.Add(5*time.Minute))
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "trailing_breach_pending", d.Reason)

	d = m.Update(101.9, t0.Add(6*time.Minute))
	assert.Equal(t, ActionExitFull, d.Action)
	assert.Equal(t, "trailing_stop", d.Reason)
	assert.InDelta(t, 1.0, d.Size, 1e-9)
	assert.True(t, m.Closed())
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{
		EnableTrailing: true,
		Tiers:          []Tier{{TargetPct: 0.10, ExitFraction: 1.0}},
	})

	m.Update(103, t0.Add(time.Minute))
	stop := m.CurrentStop()

	// A pullback that stays above the stop must not loosen it.
	m.Update(102.9, t0.Add(2*time.Minute))
	assert.Equal(t, stop, m.CurrentStop())

	// A new high tightens it.
	m.Update(104, t0.Add(3*time.Minute))
	assert.Greater(t, m.CurrentStop(), stop)
}

func TestInitialStopLossFiresImmediately(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{StopLossPct: 0.02})

	d := m.Update(97.9, t0.Add(time.Minute))
	assert.Equal(t, ActionExitFull, d.Action)
	assert.Equal(t, "stop_loss", d.Reason)
	assert.True(t, m.Closed())
}

func TestMinHoldGuardBlocksExits(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{MinHoldMinutes: 1})

	// Stop-level price inside the hold window returns hold, not an exit.
	d := m.Update(97, t0.Add(10*time.Second))
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "min_hold", d.Reason)
	assert.False(t, m.Closed())

	d = m.Update(97, t0.Add(2*time.Minute))
	assert.Equal(t, ActionExitFull, d.Action)
}

func TestBreakevenStopArmsOnce(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{
		EnableBreakeven: true,
		Tiers:           []Tier{{TargetPct: 0.10, ExitFraction: 1.0}},
	})

	d := m.Update(100.25, t0.Add(time.Minute))
	assert.Equal(t, ActionUpdate, d.Action)
	assert.InDelta(t, 100.1, m.CurrentStop(), 1e-9) // entry * (1 + feeBuffer)

	// Further gains without trailing enabled leave the stop alone.
	d = m.Update(100.5, t0.Add(2*time.Minute))
	assert.Equal(t, ActionHold, d.Action)
	assert.InDelta(t, 100.1, m.CurrentStop(), 1e-9)
}

func TestTimeExitGatedOnConfig(t *testing.T) {
	gated := newManager(t, 100, 1.0, Config{MaxHoldMinutes: 30})
	d := gated.Update(100.1, t0.Add(time.Hour))
	assert.Equal(t, ActionHold, d.Action, "time exits disabled by default")

	enabled := newManager(t, 100, 1.0, Config{MaxHoldMinutes: 30, EnableTimeExits: true})
	d = enabled.Update(100.1, t0.Add(time.Hour))
	assert.Equal(t, ActionExitFull, d.Action)
	assert.Equal(t, "time_exit", d.Reason)
}

func TestFullLadderClosesPosition(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{})

	now := t0.Add(time.Minute)
	for _, price := range []float64{100.5, 101.0, 101.5, 102.5} {
		d := m.Update(price, now)
		require.Equal(t, ActionExitPartial, d.Action, "price %.2f", price)
		now = now.Add(time.Minute)
	}

	assert.True(t, m.Closed())
	assert.Zero(t, m.Remaining())
	// 0.3*100*0.005 + 0.3*100*0.01 + 0.2*100*0.015 + 0.2*100*0.025
	assert.InDelta(t, 0.15+0.30+0.30+0.50, m.RealizedPnL(), 1e-9)

	d := m.Update(105, now)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "closed", d.Reason)
}

func TestTierValidation(t *testing.T) {
	_, err := New(100, 1, t0, Config{
		Tiers: []Tier{{TargetPct: 0.01, ExitFraction: 0.5}, {TargetPct: 0.01, ExitFraction: 0.5}},
	}, zerolog.Nop())
	assert.Error(t, err, "targets must strictly increase")

	_, err = New(100, 1, t0, Config{
		Tiers: []Tier{{TargetPct: 0.01, ExitFraction: 0.7}, {TargetPct: 0.02, ExitFraction: 0.7}},
	}, zerolog.Nop())
	assert.Error(t, err, "exit fractions must not exceed 1")

	_, err = New(0, 1, t0, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestVolatilityRescalesDistances(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{})

	// High volatility widens the stop from 98 to 97 and pushes the first
	// tier target from 100.5 to 100.7.
	m.SetVolatility(0.025)
	assert.InDelta(t, 97.0, m.CurrentStop(), 1e-9)
	d := m.Update(100.5, t0.Add(time.Minute))
	assert.Equal(t, ActionHold, d.Action)
	d = m.Update(100.7, t0.Add(2*time.Minute))
	assert.Equal(t, ActionExitPartial, d.Action)

	// Low volatility narrows the target for the next tier: 1% becomes 0.8%.
	m.SetVolatility(0.003)
	d = m.Update(100.8, t0.Add(3*time.Minute))
	assert.Equal(t, ActionExitPartial, d.Action)
	assert.Equal(t, 1, d.Tier)
}

func TestVolatilityNeverLoosensArmedStop(t *testing.T) {
	m := newManager(t, 100, 1.0, Config{
		EnableTrailing: true,
		Tiers:          []Tier{{TargetPct: 0.10, ExitFraction: 1.0}},
	})

	m.Update(103, t0.Add(time.Minute))
	stop := m.CurrentStop()
	require.Greater(t, stop, 100.0)

	m.SetVolatility(0.03)
	assert.Equal(t, stop, m.CurrentStop())
}
