// Package profit drives the per-position exit state machine: tiered partial
// exits, a tighten-only trailing stop, a breakeven stop and a time-based
// exit. It never places orders; each price update returns a directive for the
// orchestrator to execute.
package profit

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/features"
)

// Action is the directive verb returned to the orchestrator.
type Action string

const (
	ActionHold        Action = "hold"
	ActionUpdate      Action = "update"
	ActionExitPartial Action = "exit_partial"
	ActionExitFull    Action = "exit_full"
)

// Directive is the outcome of one price update.
type Directive struct {
	Action Action  `json:"action"`
	Reason string  `json:"reason"`
	Size   float64 `json:"size,omitempty"`
	Stop   float64 `json:"stop,omitempty"`
	Tier   int     `json:"tier,omitempty"`
}

// Tier is one partial-exit target.
type Tier struct {
	TargetPct    float64
	TargetPrice  float64
	ExitFraction float64
	Completed    bool
}

// Volatility classification boundaries and distance multipliers.
const (
	volHighThreshold = 0.02
	volLowThreshold  = 0.005

	highStopMult, highTargetMult, highTrailMult = 1.5, 1.4, 1.3
	lowStopMult, lowTargetMult, lowTrailMult    = 0.7, 0.8, 0.7
)

// Config tunes one manager instance. Zero values take the defaults.
type Config struct {
	StopLossPct        float64 // default 0.02
	TrailMinProfitPct  float64 // default 0.003, arms the trailing stop
	TrailDistancePct   float64 // default 0.002
	BreakevenPct       float64 // default 0.002, arms the breakeven stop
	FeeBufferPct       float64 // default 0.001, breakeven stop offset
	MaxHoldMinutes     float64 // default 180
	MinHoldMinutes     float64 // default 0.05, blocks exits before it elapses
	Tiers              []Tier  // default 0.5/1/1.5/2.5 pct at 30/30/20/20
	EnableTrailing     bool
	EnableBreakeven    bool
	EnableTimeExits    bool
	ConfidenceMult     float64 // scales tier targets, default 1.0
	MarketMult         float64 // scales tier targets, default 1.0
}

// ConfigFromFlags derives the enable switches from the feature flags.
func ConfigFromFlags(flags *features.Manager) Config {
	return Config{
		EnableTrailing:  flags.IsEnabled(features.FlagTrailingStops),
		EnableBreakeven: flags.IsEnabled(features.FlagBreakevenStops),
		EnableTimeExits: flags.IsEnabled(features.FlagTimeBasedExits),
	}
}

func defaultTiers() []Tier {
	return []Tier{
		{TargetPct: 0.005, ExitFraction: 0.30},
		{TargetPct: 0.010, ExitFraction: 0.30},
		{TargetPct: 0.015, ExitFraction: 0.20},
		{TargetPct: 0.025, ExitFraction: 0.20},
	}
}

// Manager is the exit state machine for one open long position.
type Manager struct {
	cfg Config

	entry        float64
	originalSize float64
	remaining    float64
	entryTime    time.Time

	highWater float64
	lowWater  float64

	currentStop     float64
	initialStop     float64
	trailingActive  bool
	breakevenActive bool

	// The trailing stop requires two consecutive observations below it
	// before firing, so a single wick does not give back the position.
	trailBreaches int

	stopMult, targetMult, trailMult float64

	tiers       []Tier
	realizedPnL float64
	closed      bool

	log zerolog.Logger
}

// New builds a manager for a long position opened at entry with sizeBase.
func New(entry, sizeBase float64, openedAt time.Time, cfg Config, log zerolog.Logger) (*Manager, error) {
	if entry <= 0 || sizeBase <= 0 {
		return nil, fmt.Errorf("profit: non-positive entry or size")
	}
	applyDefaults(&cfg)
	if err := validateTiers(cfg.Tiers); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          cfg,
		entry:        entry,
		originalSize: sizeBase,
		remaining:    sizeBase,
		entryTime:    openedAt,
		highWater:    entry,
		lowWater:     entry,
		stopMult:     1,
		targetMult:   1,
		trailMult:    1,
		log:          log.With().Str("component", "profit").Logger(),
	}

	m.initialStop = entry * (1 - cfg.StopLossPct*m.stopMult)
	m.currentStop = m.initialStop
	m.tiers = make([]Tier, len(cfg.Tiers))
	copy(m.tiers, cfg.Tiers)
	m.retargetTiers()
	return m, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = 0.02
	}
	if cfg.TrailMinProfitPct <= 0 {
		cfg.TrailMinProfitPct = 0.003
	}
	if cfg.TrailDistancePct <= 0 {
		cfg.TrailDistancePct = 0.002
	}
	if cfg.BreakevenPct <= 0 {
		cfg.BreakevenPct = 0.002
	}
	if cfg.FeeBufferPct <= 0 {
		cfg.FeeBufferPct = 0.001
	}
	if cfg.MaxHoldMinutes <= 0 {
		cfg.MaxHoldMinutes = 180
	}
	if cfg.MinHoldMinutes <= 0 {
		cfg.MinHoldMinutes = 0.05
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = defaultTiers()
	}
	if cfg.ConfidenceMult <= 0 {
		cfg.ConfidenceMult = 1
	}
	if cfg.MarketMult <= 0 {
		cfg.MarketMult = 1
	}
}

func validateTiers(tiers []Tier) error {
	sum := 0.0
	prev := 0.0
	for i, t := range tiers {
		if t.TargetPct <= prev {
			return fmt.Errorf("profit: tier %d target %.4f not strictly increasing", i, t.TargetPct)
		}
		prev = t.TargetPct
		sum += t.ExitFraction
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("profit: tier exit fractions sum to %.4f > 1", sum)
	}
	return nil
}

// retargetTiers recomputes uncompleted tier prices from the current
// multipliers. Completed tiers keep their historical targets.
func (m *Manager) retargetTiers() {
	for i := range m.tiers {
		if m.tiers[i].Completed {
			continue
		}
		pct := m.tiers[i].TargetPct * m.targetMult * m.cfg.MarketMult * m.cfg.ConfidenceMult
		m.tiers[i].TargetPrice = m.entry * (1 + pct)
	}
}

// SetVolatility reclassifies the regime from the 20-period return stddev and
// rescales stop, target and trail distances. An armed trailing or breakeven
// stop never loosens; only the original protective stop is recomputed.
func (m *Manager) SetVolatility(vol float64) {
	switch {
	case vol >= volHighThreshold:
		m.stopMult, m.targetMult, m.trailMult = highStopMult, highTargetMult, highTrailMult
	case vol < volLowThreshold:
		m.stopMult, m.targetMult, m.trailMult = lowStopMult, lowTargetMult, lowTrailMult
	default:
		m.stopMult, m.targetMult, m.trailMult = 1, 1, 1
	}
	m.retargetTiers()

	if !m.trailingActive && !m.breakevenActive {
		m.currentStop = m.entry * (1 - m.cfg.StopLossPct*m.stopMult)
	}
}

// Closed reports whether the position has fully exited.
func (m *Manager) Closed() bool { return m.closed }

// Remaining returns the unexited base size.
func (m *Manager) Remaining() float64 { return m.remaining }

// CurrentStop returns the governing stop price.
func (m *Manager) CurrentStop() float64 { return m.currentStop }

// RealizedPnL returns the profit realized by completed tier exits.
func (m *Manager) RealizedPnL() float64 { return m.realizedPnL }

// Update feeds one price observation through the state machine.
func (m *Manager) Update(price float64, now time.Time) Directive {
	if m.closed || price <= 0 {
		return Directive{Action: ActionHold, Reason: "closed"}
	}

	if price > m.highWater {
		m.highWater = price
	}
	if price < m.lowWater {
		m.lowWater = price
	}

	heldMinutes := now.Sub(m.entryTime).Minutes()

	// Minimum-hold guard: no exit directive before it elapses.
	if heldMinutes < m.cfg.MinHoldMinutes {
		return Directive{Action: ActionHold, Reason: "min_hold"}
	}

	// Hard stop: the initial stop-loss fires on first touch.
	if !m.trailingActive && price <= m.currentStop {
		return m.fullExit("stop_loss")
	}

	// Trailing stop: fires on the second consecutive breach.
	if m.trailingActive && price <= m.currentStop {
		m.trailBreaches++
		if m.trailBreaches >= 2 {
			return m.fullExit("trailing_stop")
		}
		return Directive{Action: ActionHold, Reason: "trailing_breach_pending"}
	}
	m.trailBreaches = 0

	// Time exit.
	if m.cfg.EnableTimeExits && heldMinutes >= m.cfg.MaxHoldMinutes {
		return m.fullExit("time_exit")
	}

	// Tier exits: take the first uncompleted tier the price has crossed.
	for i := range m.tiers {
		t := &m.tiers[i]
		if t.Completed || price < t.TargetPrice {
			continue
		}
		t.Completed = true
		size := t.ExitFraction * m.originalSize
		if size > m.remaining {
			size = m.remaining
		}
		m.remaining -= size
		m.realizedPnL += size * m.entry * t.TargetPct
		if m.remaining <= 1e-12 {
			m.remaining = 0
			m.closed = true
		}
		return Directive{Action: ActionExitPartial, Reason: "tier_target", Size: size, Tier: i}
	}

	// Breakeven stop: tighter-only move to entry plus the fee buffer.
	gain := (price - m.entry) / m.entry
	updated := false
	if m.cfg.EnableBreakeven && !m.breakevenActive && gain >= m.cfg.BreakevenPct {
		be := m.entry * (1 + m.cfg.FeeBufferPct)
		if be > m.currentStop {
			m.currentStop = be
			m.breakevenActive = true
			updated = true
		}
	}

	// Trailing stop: arm past the profit threshold, then tighten only.
	if m.cfg.EnableTrailing && gain >= m.cfg.TrailMinProfitPct {
		trail := m.highWater * (1 - m.cfg.TrailDistancePct*m.trailMult)
		if trail > m.currentStop {
			m.currentStop = trail
			m.trailingActive = true
			updated = true
		}
	}

	if updated {
		return Directive{Action: ActionUpdate, Reason: "stop_moved", Stop: m.currentStop}
	}
	return Directive{Action: ActionHold, Reason: "no_change"}
}

func (m *Manager) fullExit(reason string) Directive {
	size := m.remaining
	m.remaining = 0
	m.closed = true
	return Directive{Action: ActionExitFull, Reason: reason, Size: size}
}
