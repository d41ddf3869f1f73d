package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedSubscriberReceivesOnlyItsType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 2)

	bus.Subscribe(TypeTradeOpened, func(e Event) { got <- e })

	bus.PublishTradeOpened("BTC/USD", 0.5, 50_000, "o-1")
	bus.PublishPaused("drift")

	select {
	case e := <-got:
		assert.Equal(t, TypeTradeOpened, e.Type)
		assert.Equal(t, "BTC/USD", e.Data["symbol"])
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("trade opened event not delivered")
	}

	select {
	case e := <-got:
		t.Fatalf("unexpected second event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen []Type
	done := make(chan struct{}, 3)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishSignal("BTC/USD", "BUY", 78, []string{"rsi_oversold"})
	bus.PublishDrift("kraken", "small", "auto_correct", 0.5, 0)
	bus.PublishResumed()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []Type{TypeSignal, TypeDriftDetected, TypeTradingResumed}, seen)
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.PublishError("engine", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}
