// Package events is the typed pub/sub bus between the engine and its outer
// surfaces (dashboard hub, journal, metrics). Publishing never blocks the
// caller; subscribers run on their own goroutines.
package events

import (
	"sync"
	"time"
)

// Type classifies an event on the bus.
type Type string

const (
	TypeTradeOpened    Type = "TRADE_OPENED"
	TypeTradeClosed    Type = "TRADE_CLOSED"
	TypeOrderPlaced    Type = "ORDER_PLACED"
	TypeSignal         Type = "SIGNAL_GENERATED"
	TypeStateUpdate    Type = "STATE_UPDATE"
	TypeTradingPaused  Type = "TRADING_PAUSED"
	TypeTradingResumed Type = "TRADING_RESUMED"
	TypeDriftDetected  Type = "DRIFT_DETECTED"
	TypeError          Type = "ERROR"
)

// Event is one bus message.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one event.
type Subscriber func(Event)

// Bus fans events out to per-type and catch-all subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event asynchronously to every matching subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened announces a filled entry.
func (b *Bus) PublishTradeOpened(symbol string, size, price float64, orderID string) {
	b.Publish(Event{
		Type: TypeTradeOpened,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"size":     size,
			"price":    price,
			"order_id": orderID,
		},
	})
}

// PublishTradeClosed announces a full or partial exit.
func (b *Bus) PublishTradeClosed(symbol string, size, price, pnl float64, reason string) {
	b.Publish(Event{
		Type: TypeTradeClosed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"size":   size,
			"price":  price,
			"pnl":    pnl,
			"reason": reason,
		},
	})
}

// PublishSignal announces an evaluated decision.
func (b *Bus) PublishSignal(symbol, direction string, confidence float64, reasons []string) {
	b.Publish(Event{
		Type: TypeSignal,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"direction":  direction,
			"confidence": confidence,
			"reasons":    reasons,
		},
	})
}

// PublishStateUpdate carries a fresh state snapshot toward the dashboard.
func (b *Bus) PublishStateUpdate(snapshot interface{}) {
	b.Publish(Event{
		Type: TypeStateUpdate,
		Data: map[string]interface{}{"state": snapshot},
	})
}

// PublishPaused announces a trading halt with its reason.
func (b *Bus) PublishPaused(reason string) {
	b.Publish(Event{
		Type: TypeTradingPaused,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishResumed announces trading resumption.
func (b *Bus) PublishResumed() {
	b.Publish(Event{Type: TypeTradingResumed, Data: map[string]interface{}{}})
}

// PublishDrift announces a reconciliation drift finding.
func (b *Bus) PublishDrift(adapter, severity, action string, balanceDrift, positionDrift float64) {
	b.Publish(Event{
		Type: TypeDriftDetected,
		Data: map[string]interface{}{
			"adapter":        adapter,
			"severity":       severity,
			"action":         action,
			"balance_drift":  balanceDrift,
			"position_drift": positionDrift,
		},
	})
}

// PublishError announces a recoverable engine error.
func (b *Bus) PublishError(source string, err error) {
	data := map[string]interface{}{"source": source}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: TypeError, Data: data})
}
