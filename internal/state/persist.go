package state

import (
	"encoding/json"
	"fmt"
)

// persistedState is the on-disk schema. activeTrades serializes as an array
// of [orderId, trade] entries to preserve insertion order.
type persistedState struct {
	Balance         float64      `json:"balance"`
	TotalBalance    float64      `json:"totalBalance"`
	InPosition      float64      `json:"inPosition"`
	Position        float64      `json:"position"`
	EntryPrice      float64      `json:"entryPrice"`
	EntryTime       *int64       `json:"entryTime"`
	ActiveTrades    []tradeEntry `json:"activeTrades"`
	RealizedPnL     float64      `json:"realizedPnL"`
	UnrealizedPnL   float64      `json:"unrealizedPnL"`
	TotalPnL        float64      `json:"totalPnL"`
	TradeCount      int          `json:"tradeCount"`
	DailyTradeCount int          `json:"dailyTradeCount"`
	IsTrading       bool         `json:"isTrading"`
	RecoveryMode    bool         `json:"recoveryMode"`
	LastUpdate      int64        `json:"lastUpdate"`
	PausedAt        *int64       `json:"pausedAt"`
	PauseReason     *string      `json:"pauseReason"`
}

type tradeEntry struct {
	ID    string
	Trade Trade
}

func (e tradeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.ID, e.Trade})
}

func (e *tradeEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("trade entry is not a pair: %w", err)
	}
	if err := json.Unmarshal(raw[0], &e.ID); err != nil {
		return fmt.Errorf("trade entry id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Trade); err != nil {
		return fmt.Errorf("trade entry body: %w", err)
	}
	return nil
}

func toPersisted(s *AccountState) persistedState {
	p := persistedState{
		Balance:         s.Balance,
		TotalBalance:    s.TotalBalance,
		InPosition:      s.InPosition,
		Position:        s.Position,
		EntryPrice:      s.EntryPrice,
		ActiveTrades:    make([]tradeEntry, 0, len(s.tradeOrder)),
		RealizedPnL:     s.RealizedPnL,
		UnrealizedPnL:   s.UnrealizedPnL,
		TotalPnL:        s.TotalPnL(),
		TradeCount:      s.TradeCount,
		DailyTradeCount: s.DailyTradeCount,
		IsTrading:       s.IsTrading,
		RecoveryMode:    s.RecoveryMode,
		LastUpdate:      s.LastUpdateMs,
	}
	if s.EntryTime != 0 {
		t := s.EntryTime
		p.EntryTime = &t
	}
	if s.PausedAt != 0 {
		t := s.PausedAt
		p.PausedAt = &t
		r := s.PauseReason
		p.PauseReason = &r
	}
	for _, id := range s.tradeOrder {
		if t, ok := s.ActiveTrades[id]; ok {
			p.ActiveTrades = append(p.ActiveTrades, tradeEntry{ID: id, Trade: t})
		}
	}
	return p
}

func (p persistedState) toState() AccountState {
	s := AccountState{
		Balance:         p.Balance,
		TotalBalance:    p.TotalBalance,
		InPosition:      p.InPosition,
		Position:        p.Position,
		EntryPrice:      p.EntryPrice,
		ActiveTrades:    make(map[string]Trade, len(p.ActiveTrades)),
		RealizedPnL:     p.RealizedPnL,
		UnrealizedPnL:   p.UnrealizedPnL,
		TradeCount:      p.TradeCount,
		DailyTradeCount: p.DailyTradeCount,
		IsTrading:       p.IsTrading,
		RecoveryMode:    p.RecoveryMode,
		LastUpdateMs:    p.LastUpdate,
	}
	if p.EntryTime != nil {
		s.EntryTime = *p.EntryTime
	}
	if p.PausedAt != nil {
		s.PausedAt = *p.PausedAt
	}
	if p.PauseReason != nil {
		s.PauseReason = *p.PauseReason
	}
	for _, e := range p.ActiveTrades {
		s.ActiveTrades[e.ID] = e.Trade
		s.tradeOrder = append(s.tradeOrder, e.ID)
	}
	return s
}
