// Package reconcile periodically diffs the local account state against venue
// truth and acts on the drift: record, auto-correct, pause, or hard-stop.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/market"
	"multibroker-trading-bot/internal/state"
)

const (
	defaultInterval = 30 * time.Second
	historyCap      = 100

	// Below this the venue position counts as dust, not an unknown position.
	positionEpsilon = 1e-8
)

// Severity classifies one reconciliation's drift.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeveritySmall    Severity = "small"
	SeverityLarge    Severity = "large"
	SeverityCritical Severity = "critical"
)

// Thresholds set the warning and pause boundaries per drift dimension.
type Thresholds struct {
	PositionWarnBase   float64
	PositionPauseBase  float64
	BalanceWarnQuote   float64
	BalancePauseQuote  float64
}

// DefaultThresholds suit a single-symbol spot account in USD terms.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PositionWarnBase:  0.0005,
		PositionPauseBase: 0.005,
		BalanceWarnQuote:  1.0,
		BalancePauseQuote: 50.0,
	}
}

// Drift is one reconciliation record.
type Drift struct {
	PositionDriftBase  float64  `json:"positionDriftBase"`
	BalanceDriftQuote  float64  `json:"balanceDriftQuote"`
	HasUnknownPosition bool     `json:"hasUnknownPosition"`
	Severity           Severity `json:"severity"`
	TsMs               int64    `json:"tsMs"`
}

// Result is the outcome of one ReconcileNow call.
type Result struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped"`
	Busy    bool   `json:"busy"`
	Drift   *Drift `json:"drift,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Stats summarizes the drift history.
type Stats struct {
	Count            int     `json:"count"`
	AvgPositionDrift float64 `json:"avgPositionDrift"`
	MaxPositionDrift float64 `json:"maxPositionDrift"`
	AvgBalanceDrift  float64 `json:"avgBalanceDrift"`
	MaxBalanceDrift  float64 `json:"maxBalanceDrift"`
	CriticalCount    int     `json:"criticalCount"`
}

// Reconciler compares state against one adapter for one symbol.
type Reconciler struct {
	adapter    broker.Adapter
	state      *state.Manager
	symbol     market.Symbol
	mode       features.Mode
	thresholds Thresholds
	interval   time.Duration
	log        zerolog.Logger

	busy    atomic.Bool
	onDrift func(Drift, string)

	mu      sync.Mutex
	history []Drift
}

// New builds a reconciler. adapter may be nil; reconciliation then reports
// skipped success.
func New(adapter broker.Adapter, st *state.Manager, symbol market.Symbol, mode features.Mode, thresholds Thresholds, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		adapter:    adapter,
		state:      st,
		symbol:     symbol,
		mode:       mode,
		thresholds: thresholds,
		interval:   defaultInterval,
		log:        log.With().Str("component", "reconciler").Logger(),
	}
}

// OnDrift registers a callback invoked after each completed reconciliation
// with the recorded drift and the action taken. Set before Start.
func (r *Reconciler) OnDrift(fn func(Drift, string)) {
	r.onDrift = fn
}

// SetInterval overrides the loop cadence, for tests and config.
func (r *Reconciler) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Start runs one reconciliation synchronously so trading never begins on
// unreliable state, then launches the periodic loop. The first failure is
// returned and nothing is started.
func (r *Reconciler) Start(ctx context.Context) error {
	res, err := r.ReconcileNow(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: first run failed: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("reconcile: first run did not succeed")
	}

	go r.loop(ctx)
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileNow(ctx); err != nil {
				r.log.Error().Err(err).Msg("periodic reconciliation failed")
			}
		}
	}
}

// ReconcileNow fetches venue truth, classifies drift and applies the action
// table. Overlapping invocations return a busy result immediately. Paper mode
// and nil adapters skip with success. A fetch failure pauses trading
// (fail-closed) and returns the error.
func (r *Reconciler) ReconcileNow(ctx context.Context) (Result, error) {
	if r.mode == features.ModePaper || r.mode == features.ModeBacktest || r.adapter == nil {
		return Result{Success: true, Skipped: true}, nil
	}
	if !r.busy.CompareAndSwap(false, true) {
		return Result{Busy: true}, nil
	}
	defer r.busy.Store(false)

	venue, err := r.fetchVenueTruth(ctx)
	if err != nil {
		// One failed fetch discards the whole sequence and fails closed.
		if perr := r.state.PauseTrading("reconciliation fetch failed: " + err.Error()); perr != nil {
			r.log.Error().Err(perr).Msg("pause after fetch failure failed")
		}
		return Result{}, fmt.Errorf("reconcile: fetch venue truth: %w", err)
	}

	local := r.state.Snapshot()
	drift := r.classify(local, venue)
	r.record(drift)

	action, err := r.act(drift, local, venue)
	if err != nil {
		return Result{}, err
	}
	if r.onDrift != nil {
		r.onDrift(drift, action)
	}
	return Result{Success: true, Drift: &drift, Action: action}, nil
}

// venueTruth is one consistent fetch sequence.
type venueTruth struct {
	positionBase float64
	entryPrice   float64
	balanceQuote float64
}

func (r *Reconciler) fetchVenueTruth(ctx context.Context) (venueTruth, error) {
	balance, err := r.adapter.GetBalance(ctx)
	if err != nil {
		return venueTruth{}, fmt.Errorf("balance: %w", err)
	}
	positions, err := r.adapter.GetPositions(ctx)
	if err != nil {
		return venueTruth{}, fmt.Errorf("positions: %w", err)
	}
	if _, err := r.adapter.GetOpenOrders(ctx); err != nil {
		return venueTruth{}, fmt.Errorf("open orders: %w", err)
	}

	truth := venueTruth{balanceQuote: balance[r.symbol.Quote()]}
	for _, p := range positions {
		if p.Symbol == r.symbol {
			truth.positionBase = p.SizeBase
			truth.entryPrice = p.EntryPrice
			break
		}
	}
	return truth, nil
}

func (r *Reconciler) classify(local state.AccountState, venue venueTruth) Drift {
	d := Drift{
		PositionDriftBase: math.Abs(venue.positionBase - local.Position),
		BalanceDriftQuote: math.Abs(venue.balanceQuote - local.Balance),
		TsMs:              time.Now().UnixMilli(),
	}
	d.HasUnknownPosition = venue.positionBase > positionEpsilon && local.Position == 0

	t := r.thresholds
	switch {
	case d.HasUnknownPosition:
		d.Severity = SeverityCritical
	case d.PositionDriftBase > t.PositionPauseBase || d.BalanceDriftQuote > t.BalancePauseQuote:
		d.Severity = SeverityLarge
	case d.PositionDriftBase > t.PositionWarnBase || d.BalanceDriftQuote > t.BalanceWarnQuote:
		d.Severity = SeveritySmall
	default:
		d.Severity = SeverityNone
	}
	return d
}

func (r *Reconciler) act(d Drift, local state.AccountState, venue venueTruth) (string, error) {
	switch d.Severity {
	case SeverityNone:
		return "none", nil

	case SeveritySmall:
		entry := local.EntryPrice
		if venue.entryPrice > 0 {
			entry = venue.entryPrice
		}
		if err := r.state.ForceSync(venue.positionBase, entry, venue.balanceQuote, "reconciliation"); err != nil {
			return "", fmt.Errorf("reconcile: auto-correct: %w", err)
		}
		r.log.Info().
			Float64("position_drift", d.PositionDriftBase).
			Float64("balance_drift", d.BalanceDriftQuote).
			Msg("small drift auto-corrected")
		return "auto_correct", nil

	case SeverityLarge:
		reason := fmt.Sprintf("large drift: position %.8f, balance %.2f", d.PositionDriftBase, d.BalanceDriftQuote)
		if err := r.state.PauseTrading(reason); err != nil {
			return "", err
		}
		r.log.Warn().Str("reason", reason).Msg("TRADING PAUSED")
		return "pause", nil

	case SeverityCritical:
		reason := fmt.Sprintf("critical drift: venue holds %.8f base with no local position", d.PositionDriftBase)
		if err := r.state.MarkRecoveryMode(reason); err != nil {
			return "", err
		}
		r.log.Error().Str("reason", reason).Msg("TRADING PAUSED (hard stop)")
		return "hard_stop", nil
	}
	return "", nil
}

// EmergencySync forces the local state to venue truth and clears the drift
// history. Human-initiated; overrides the busy guard semantics by waiting.
func (r *Reconciler) EmergencySync(ctx context.Context) error {
	if r.adapter == nil {
		return fmt.Errorf("reconcile: no adapter to sync against")
	}
	venue, err := r.fetchVenueTruth(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: emergency sync fetch: %w", err)
	}
	local := r.state.Snapshot()
	entry := local.EntryPrice
	if venue.entryPrice > 0 {
		entry = venue.entryPrice
	}
	if err := r.state.ForceSync(venue.positionBase, entry, venue.balanceQuote, "emergency sync"); err != nil {
		return err
	}

	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
	r.log.Warn().Msg("emergency sync applied, drift history cleared")
	return nil
}

func (r *Reconciler) record(d Drift) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, d)
	if len(r.history) > historyCap {
		r.history = r.history[len(r.history)-historyCap:]
	}
}

// History returns a copy of the drift records, oldest first.
func (r *Reconciler) History() []Drift {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Drift(nil), r.history...)
}

// Stats aggregates the drift history.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Count: len(r.history)}
	if s.Count == 0 {
		return s
	}
	for _, d := range r.history {
		s.AvgPositionDrift += d.PositionDriftBase
		s.AvgBalanceDrift += d.BalanceDriftQuote
		if d.PositionDriftBase > s.MaxPositionDrift {
			s.MaxPositionDrift = d.PositionDriftBase
		}
		if d.BalanceDriftQuote > s.MaxBalanceDrift {
			s.MaxBalanceDrift = d.BalanceDriftQuote
		}
		if d.Severity == SeverityCritical {
			s.CriticalCount++
		}
	}
	s.AvgPositionDrift /= float64(s.Count)
	s.AvgBalanceDrift /= float64(s.Count)
	return s
}
