// Package state holds the single source of truth for balance, position and
// active trades. Every mutation funnels through one serialization point:
// snapshot, validate, apply, stamp, log, notify, persist. A failed mutation
// restores the snapshot and leaves no trace.
package state

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/market"
)

const (
	txLogCap = 100

	// balance + inPosition must equal totalBalance within this epsilon.
	balanceEpsilon = 0.01

	// Mutations within this window collapse into one disk write.
	persistDebounce = 500 * time.Millisecond
)

// Trade is one active trade entry, keyed by order id in the trades map.
type Trade struct {
	Action     string        `json:"action"`
	Type       string        `json:"type"`
	Size       float64       `json:"size"`
	Price      float64       `json:"price"`
	EntryPrice float64       `json:"entryPrice"`
	EntryTime  int64         `json:"entryTime"`
	Symbol     market.Symbol `json:"symbol,omitempty"`
	DecisionID string        `json:"decisionId,omitempty"`
}

// AccountState is the mutable account snapshot. Trades preserve insertion
// order via tradeOrder; the map is the lookup index.
type AccountState struct {
	Balance        float64
	TotalBalance   float64
	InPosition     float64
	Position       float64
	EntryPrice     float64
	EntryTime      int64 // 0 when flat
	ActiveTrades   map[string]Trade
	tradeOrder     []string
	RealizedPnL    float64
	UnrealizedPnL  float64
	TradeCount     int
	DailyTradeCount int
	IsTrading      bool
	RecoveryMode   bool
	LastUpdateMs   int64
	PausedAt       int64 // 0 when not paused
	PauseReason    string
}

// TotalPnL is realized plus unrealized.
func (s *AccountState) TotalPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}

func (s *AccountState) clone() AccountState {
	cp := *s
	cp.ActiveTrades = make(map[string]Trade, len(s.ActiveTrades))
	for k, v := range s.ActiveTrades {
		cp.ActiveTrades[k] = v
	}
	cp.tradeOrder = append([]string(nil), s.tradeOrder...)
	return cp
}

// TradesInOrder returns active trades in insertion order.
func (s *AccountState) TradesInOrder() []Trade {
	out := make([]Trade, 0, len(s.tradeOrder))
	for _, id := range s.tradeOrder {
		if t, ok := s.ActiveTrades[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// TxEntry is one transaction log record.
type TxEntry struct {
	TsMs   int64  `json:"tsMs"`
	Op     string `json:"op"`
	Detail string `json:"detail"`
}

// Listener receives a post-mutation snapshot. Called synchronously inside the
// mutation's critical section so it always observes post-update state; panics
// are swallowed.
type Listener func(op string, snapshot AccountState)

// Manager serializes all account mutations and owns persistence.
type Manager struct {
	mu    sync.Mutex
	state AccountState

	listeners []Listener
	txLog     []TxEntry

	persistTimer *time.Timer
	persistDelay time.Duration

	path string
	mode features.Mode
	log  zerolog.Logger
}

// NewManager loads persisted state from <dataDir>/state.json. Backtest mode
// always starts clean and never writes.
func NewManager(dataDir string, startingBalance float64, mode features.Mode, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		path:         filepath.Join(dataDir, "state.json"),
		mode:         mode,
		persistDelay: persistDebounce,
		log:          log.With().Str("component", "state").Logger(),
		state: AccountState{
			Balance:      startingBalance,
			TotalBalance: startingBalance,
			IsTrading:    true,
			ActiveTrades: make(map[string]Trade),
		},
	}

	if mode != features.ModeBacktest {
		if err := m.load(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("state: load %s: %w", m.path, err)
			}
			m.log.Info().Str("path", m.path).Msg("no persisted state, starting fresh")
		}
	}
	return m, nil
}

// Subscribe registers a listener for post-mutation snapshots.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// TxLog returns a copy of the transaction log, oldest first.
func (m *Manager) TxLog() []TxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TxEntry(nil), m.txLog...)
}

// IsPaused reports whether trading is gated off.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.state.IsTrading
}

// mutate is the single serialization point. fn runs against the live state;
// on error or failed validation the pre-mutation snapshot is restored.
func (m *Manager) mutate(op, detail string, fn func(*AccountState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()

	if err := fn(&m.state); err != nil {
		m.state = snapshot
		return err
	}
	if err := checkMutation(&m.state); err != nil {
		m.state = snapshot
		return fmt.Errorf("state: %s rejected: %w", op, err)
	}

	m.state.LastUpdateMs = time.Now().UnixMilli()
	m.appendTxLocked(op, detail)
	m.notifyLocked(op)
	m.schedulePersistLocked()
	return nil
}

// checkMutation rejects states no mutation may produce.
func checkMutation(s *AccountState) error {
	if s.Balance < 0 {
		return fmt.Errorf("negative balance %.8f", s.Balance)
	}
	if s.Position < 0 {
		return fmt.Errorf("negative position %.8f", s.Position)
	}
	for _, v := range []float64{s.Balance, s.Position, s.InPosition, s.EntryPrice} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite field")
		}
	}
	return nil
}

// ----- Operations -----

// OpenPosition increases the position, weighted-averaging the entry price if
// one is already open, debits the balance and records the active trade.
func (m *Manager) OpenPosition(orderID string, sizeBase, price float64, trade Trade) error {
	if sizeBase <= 0 || price <= 0 {
		return fmt.Errorf("state: open with non-positive size or price")
	}
	detail := fmt.Sprintf("size=%.8f price=%.2f order=%s", sizeBase, price, orderID)
	return m.mutate("open_position", detail, func(s *AccountState) error {
		cost := sizeBase * price
		if cost > s.Balance {
			return fmt.Errorf("state: cost %.2f exceeds balance %.2f", cost, s.Balance)
		}

		if s.Position > 0 {
			total := s.Position + sizeBase
			s.EntryPrice = (s.EntryPrice*s.Position + price*sizeBase) / total
			s.Position = total
		} else {
			s.Position = sizeBase
			s.EntryPrice = price
			s.EntryTime = time.Now().UnixMilli()
		}
		s.Balance -= cost
		s.InPosition += cost

		trade.Size = sizeBase
		trade.Price = price
		trade.EntryPrice = s.EntryPrice
		if trade.EntryTime == 0 {
			trade.EntryTime = time.Now().UnixMilli()
		}
		if trade.Action == "" {
			trade.Action = "BUY"
		}
		if _, exists := s.ActiveTrades[orderID]; !exists {
			s.tradeOrder = append(s.tradeOrder, orderID)
		}
		s.ActiveTrades[orderID] = trade

		s.TradeCount++
		s.DailyTradeCount++
		return nil
	})
}

// ClosePosition realizes PnL from the price-change percent against entry.
// A full close clears the entry price and removes BUY-side active trades.
func (m *Manager) ClosePosition(price float64, partial bool, size float64) error {
	detail := fmt.Sprintf("price=%.2f partial=%t size=%.8f", price, partial, size)
	return m.mutate("close_position", detail, func(s *AccountState) error {
		if s.Position <= 0 {
			return fmt.Errorf("state: close with no open position")
		}
		if s.EntryPrice <= 0 {
			return fmt.Errorf("state: close with no entry price")
		}

		closedSize := s.Position
		if partial {
			if size <= 0 || size > s.Position {
				return fmt.Errorf("state: partial close size %.8f out of range", size)
			}
			closedSize = size
		}

		pct := (price - s.EntryPrice) / s.EntryPrice
		s.RealizedPnL += closedSize * s.EntryPrice * pct
		s.Balance += closedSize * price
		s.InPosition -= closedSize * s.EntryPrice
		if s.InPosition < 0 {
			s.InPosition = 0
		}
		s.Position -= closedSize

		if !partial || s.Position <= 0 {
			s.Position = 0
			s.EntryPrice = 0
			s.EntryTime = 0
			s.InPosition = 0
			s.removeBuyTrades()
		}
		s.TotalBalance = s.Balance + s.InPosition
		return nil
	})
}

func (s *AccountState) removeBuyTrades() {
	kept := s.tradeOrder[:0]
	for _, id := range s.tradeOrder {
		if t, ok := s.ActiveTrades[id]; ok && t.Action == "BUY" {
			delete(s.ActiveTrades, id)
			continue
		}
		kept = append(kept, id)
	}
	s.tradeOrder = kept
}

// UpdateBalance applies a signed delta with a reason for the transaction log.
func (m *Manager) UpdateBalance(delta float64, reason string) error {
	detail := fmt.Sprintf("delta=%.2f reason=%s", delta, reason)
	return m.mutate("update_balance", detail, func(s *AccountState) error {
		s.Balance += delta
		s.TotalBalance = s.Balance + s.InPosition
		return nil
	})
}

// PauseTrading gates the orchestrator off.
func (m *Manager) PauseTrading(reason string) error {
	return m.mutate("pause_trading", reason, func(s *AccountState) error {
		s.IsTrading = false
		s.PausedAt = time.Now().UnixMilli()
		s.PauseReason = reason
		return nil
	})
}

// ResumeTrading lifts the gate.
func (m *Manager) ResumeTrading() error {
	return m.mutate("resume_trading", "", func(s *AccountState) error {
		s.IsTrading = true
		s.PausedAt = 0
		s.PauseReason = ""
		return nil
	})
}

// SetUnrealizedPnL updates the mark-to-market figure from the latest close.
func (m *Manager) SetUnrealizedPnL(pnl float64) error {
	return m.mutate("update_unrealized", "", func(s *AccountState) error {
		s.UnrealizedPnL = pnl
		return nil
	})
}

// ForceSync overwrites position and balance with venue truth. Used by the
// reconciler's auto-correct and emergencySync paths.
func (m *Manager) ForceSync(position, entryPrice, balance float64, reason string) error {
	detail := fmt.Sprintf("position=%.8f balance=%.2f reason=%s", position, balance, reason)
	return m.mutate("force_sync", detail, func(s *AccountState) error {
		s.Position = position
		s.EntryPrice = entryPrice
		if position <= 0 {
			s.EntryPrice = 0
			s.EntryTime = 0
			s.InPosition = 0
			s.removeBuyTrades()
		} else {
			s.InPosition = position * entryPrice
		}
		s.Balance = balance
		s.TotalBalance = s.Balance + s.InPosition
		return nil
	})
}

// Validate checks the steady-state invariants and returns the issues found.
func (m *Manager) Validate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var issues []string
	s := &m.state
	if s.Balance < 0 {
		issues = append(issues, fmt.Sprintf("negative balance %.8f", s.Balance))
	}
	if s.Position < 0 {
		issues = append(issues, fmt.Sprintf("negative position %.8f", s.Position))
	}
	if math.Abs(s.Balance+s.InPosition-s.TotalBalance) > balanceEpsilon {
		issues = append(issues, fmt.Sprintf("balance %.2f + inPosition %.2f != totalBalance %.2f",
			s.Balance, s.InPosition, s.TotalBalance))
	}
	if s.Position > 0 && s.EntryPrice <= 0 {
		issues = append(issues, "open position without entry price")
	}
	if s.Position == 0 && s.InPosition > balanceEpsilon {
		issues = append(issues, fmt.Sprintf("flat but inPosition %.2f", s.InPosition))
	}
	return issues
}

// EmergencyReset wipes positions and active trades and forces recovery mode.
// A non-nil safeBalance overrides the balance.
func (m *Manager) EmergencyReset(safeBalance *float64) error {
	return m.mutate("emergency_reset", "", func(s *AccountState) error {
		s.Position = 0
		s.EntryPrice = 0
		s.EntryTime = 0
		s.InPosition = 0
		s.UnrealizedPnL = 0
		s.ActiveTrades = make(map[string]Trade)
		s.tradeOrder = nil
		if safeBalance != nil {
			s.Balance = *safeBalance
		}
		s.TotalBalance = s.Balance
		s.RecoveryMode = true
		return nil
	})
}

// MarkRecoveryMode pauses trading and flags the state for a hard stop; only
// an explicit human resume lifts it.
func (m *Manager) MarkRecoveryMode(reason string) error {
	return m.mutate("mark_recovery", reason, func(s *AccountState) error {
		s.IsTrading = false
		s.PausedAt = time.Now().UnixMilli()
		s.PauseReason = reason
		s.RecoveryMode = true
		return nil
	})
}

// ResetDailyCount zeroes the daily trade counter at day rollover.
func (m *Manager) ResetDailyCount() error {
	return m.mutate("reset_daily_count", "", func(s *AccountState) error {
		s.DailyTradeCount = 0
		return nil
	})
}

// ----- Internals -----

func (m *Manager) appendTxLocked(op, detail string) {
	m.txLog = append(m.txLog, TxEntry{TsMs: m.state.LastUpdateMs, Op: op, Detail: detail})
	if len(m.txLog) > txLogCap {
		m.txLog = m.txLog[len(m.txLog)-txLogCap:]
	}
}

// notifyLocked fans out synchronously inside the critical section so every
// listener observes post-update state. Panics are swallowed.
func (m *Manager) notifyLocked(op string) {
	snapshot := m.state.clone()
	for _, l := range m.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("op", op).Msg("state listener panicked")
				}
			}()
			l(op, snapshot)
		}()
	}
}

// schedulePersistLocked arms the debounce timer. Mutations landing inside
// the window collapse into a single write, keeping disk I/O out of the
// mutation critical section.
func (m *Manager) schedulePersistLocked() {
	if m.mode == features.ModeBacktest {
		return
	}
	if m.persistTimer != nil {
		return
	}
	m.persistTimer = time.AfterFunc(m.persistDelay, func() { m.Flush() })
}

// Flush writes the current state to disk now, cancelling any pending
// debounced write. Called on shutdown so the final mutations are not lost.
func (m *Manager) Flush() {
	m.mu.Lock()
	if m.persistTimer != nil {
		m.persistTimer.Stop()
		m.persistTimer = nil
	}
	if m.mode == features.ModeBacktest {
		m.mu.Unlock()
		return
	}
	data, err := json.MarshalIndent(toPersisted(&m.state), "", "  ")
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("state marshal failed")
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.log.Error().Err(err).Msg("state write failed")
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.log.Error().Err(err).Msg("state rename failed")
	}
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("corrupt state file: %w", err)
	}
	m.state = p.toState()
	m.log.Info().
		Float64("balance", m.state.Balance).
		Float64("position", m.state.Position).
		Int("active_trades", len(m.state.ActiveTrades)).
		Msg("state restored")
	return nil
}
