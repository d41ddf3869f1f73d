package broker

import (
	"fmt"
	"sync"

	"multibroker-trading-bot/internal/market"
)

// SymbolMap is a bidirectional mapping between canonical symbols and one
// venue's native symbols. The round-trip law holds for every registered
// pair: FromVenue(ToVenue(s)) == s.
type SymbolMap struct {
	mu        sync.RWMutex
	toVenue   map[market.Symbol]string
	fromVenue map[string]market.Symbol
	broker    string
}

// NewSymbolMap builds a map for a broker from canonical→venue pairs.
func NewSymbolMap(brokerName string, pairs map[market.Symbol]string) *SymbolMap {
	m := &SymbolMap{
		toVenue:   make(map[market.Symbol]string, len(pairs)),
		fromVenue: make(map[string]market.Symbol, len(pairs)),
		broker:    brokerName,
	}
	for canonical, venue := range pairs {
		m.toVenue[canonical] = venue
		m.fromVenue[venue] = canonical
	}
	return m
}

// Register adds one mapping.
func (m *SymbolMap) Register(canonical market.Symbol, venue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toVenue[canonical] = venue
	m.fromVenue[venue] = canonical
}

// ToVenue converts a canonical symbol to the venue form.
func (m *SymbolMap) ToVenue(symbol market.Symbol) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.toVenue[symbol]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: symbol %s not supported", m.broker, symbol)
}

// FromVenue converts a venue symbol back to canonical form.
func (m *SymbolMap) FromVenue(venue string) (market.Symbol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.fromVenue[venue]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%s: unknown venue symbol %q", m.broker, venue)
}

// Symbols lists every supported canonical symbol.
func (m *SymbolMap) Symbols() []market.Symbol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]market.Symbol, 0, len(m.toVenue))
	for s := range m.toVenue {
		out = append(out, s)
	}
	return out
}
