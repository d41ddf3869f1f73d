package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/market"
	"multibroker-trading-bot/internal/state"
)

var btcusd = market.MustSymbol("BTC/USD")

// fakeAdapter serves canned venue truth and can fail on demand.
type fakeAdapter struct {
	mu        sync.Mutex
	balance   broker.Balance
	positions []broker.Position
	failWith  error
	holds     chan struct{} // when set, GetBalance blocks until closed
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Disconnect() error                 { return nil }
func (f *fakeAdapter) IsConnected() bool                 { return true }
func (f *fakeAdapter) BrokerName() string                { return "fake" }
func (f *fakeAdapter) AssetType() broker.AssetType       { return broker.AssetCrypto }
func (f *fakeAdapter) SupportedSymbols() []market.Symbol { return []market.Symbol{btcusd} }
func (f *fakeAdapter) MinOrderSize(market.Symbol) float64 { return 0 }
func (f *fakeAdapter) Fees() broker.Fees                 { return broker.Fees{} }
func (f *fakeAdapter) IsTradeableNow(market.Symbol) bool { return true }

func (f *fakeAdapter) GetBalance(ctx context.Context) (broker.Balance, error) {
	f.mu.Lock()
	holds := f.holds
	err := f.failWith
	bal := f.balance
	f.mu.Unlock()
	if holds != nil {
		<-holds
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (f *fakeAdapter) GetPositions(ctx context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.positions, nil
}

func (f *fakeAdapter) GetOpenOrders(ctx context.Context) ([]broker.Order, error) { return nil, nil }
func (f *fakeAdapter) PlaceOrder(ctx context.Context, o broker.Order) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, id string) (bool, error) { return false, nil }
func (f *fakeAdapter) GetOrderStatus(ctx context.Context, id string) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, s market.Symbol) (broker.Ticker, error) {
	return broker.Ticker{}, nil
}
func (f *fakeAdapter) GetCandles(ctx context.Context, s market.Symbol, tf market.Timeframe, n int) ([]market.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOrderBook(ctx context.Context, s market.Symbol, d int) (broker.OrderBook, error) {
	return broker.OrderBook{}, nil
}
func (f *fakeAdapter) SubscribeTicker(market.Symbol, broker.TickerCallback) error  { return nil }
func (f *fakeAdapter) SubscribeCandles(market.Symbol, market.Timeframe, broker.CandleCallback) error {
	return nil
}
func (f *fakeAdapter) SubscribeOrderBook(market.Symbol, broker.OrderBookCallback) error { return nil }
func (f *fakeAdapter) SubscribeAccount(broker.AccountCallback) error                    { return nil }
func (f *fakeAdapter) UnsubscribeAll() error                                            { return nil }
func (f *fakeAdapter) ToVenueSymbol(s market.Symbol) (string, error)                    { return string(s), nil }
func (f *fakeAdapter) FromVenueSymbol(v string) (market.Symbol, error) {
	return market.ParseSymbol(v)
}

func newFixture(t *testing.T, venueBalance float64, venuePosition float64) (*Reconciler, *state.Manager, *fakeAdapter) {
	t.Helper()
	st, err := state.NewManager(t.TempDir(), venueBalance, features.ModeLive, zerolog.Nop())
	require.NoError(t, err)

	adapter := &fakeAdapter{balance: broker.Balance{"USD": venueBalance}}
	if venuePosition > 0 {
		adapter.positions = []broker.Position{{Symbol: btcusd, SizeBase: venuePosition, EntryPrice: 50_000}}
	}
	r := New(adapter, st, btcusd, features.ModeLive, DefaultThresholds(), zerolog.Nop())
	return r, st, adapter
}

func TestNoDriftRecordsAndDoesNothing(t *testing.T) {
	r, st, _ := newFixture(t, 10_000, 0)

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, SeverityNone, res.Drift.Severity)
	assert.Equal(t, "none", res.Action)
	assert.False(t, st.IsPaused())
	assert.Len(t, r.History(), 1)
}

func TestSmallDriftAutoCorrects(t *testing.T) {
	r, st, adapter := newFixture(t, 10_000, 0)
	adapter.balance = broker.Balance{"USD": 10_005} // 5 quote over the warn threshold

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SeveritySmall, res.Drift.Severity)
	assert.Equal(t, "auto_correct", res.Action)
	assert.Equal(t, 10_005.0, st.Snapshot().Balance)
	assert.False(t, st.IsPaused())
}

func TestLargeDriftPausesTrading(t *testing.T) {
	r, st, adapter := newFixture(t, 10_000, 0)
	adapter.balance = broker.Balance{"USD": 10_500}

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SeverityLarge, res.Drift.Severity)
	assert.Equal(t, "pause", res.Action)
	assert.True(t, st.IsPaused())
	assert.False(t, st.Snapshot().RecoveryMode)
}

func TestCriticalDriftHardStops(t *testing.T) {
	// Venue holds 0.01 BTC, local state is flat.
	r, st, _ := newFixture(t, 10_000, 0.01)

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, res.Drift.Severity)
	assert.True(t, res.Drift.HasUnknownPosition)
	assert.Equal(t, "hard_stop", res.Action)
	assert.True(t, st.IsPaused())
	assert.True(t, st.Snapshot().RecoveryMode)

	stats := r.Stats()
	assert.Equal(t, 1, stats.CriticalCount)
}

func TestOnDriftCallbackSeesDriftAndAction(t *testing.T) {
	r, _, adapter := newFixture(t, 10_000, 0)
	adapter.balance = broker.Balance{"USD": 10_005}

	var gotDrift Drift
	var gotAction string
	r.OnDrift(func(d Drift, action string) {
		gotDrift = d
		gotAction = action
	})

	_, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SeveritySmall, gotDrift.Severity)
	assert.Equal(t, "auto_correct", gotAction)
}

func TestFetchFailureFailsClosed(t *testing.T) {
	r, st, adapter := newFixture(t, 10_000, 0)
	adapter.failWith = errors.New("boom")

	_, err := r.ReconcileNow(context.Background())
	require.Error(t, err)
	assert.True(t, st.IsPaused(), "fetch failure must pause trading")
}

func TestBusyGuardReturnsImmediately(t *testing.T) {
	r, _, adapter := newFixture(t, 10_000, 0)
	hold := make(chan struct{})
	adapter.holds = hold

	done := make(chan Result, 1)
	go func() {
		res, _ := r.ReconcileNow(context.Background())
		done <- res
	}()

	// Spin until the first call holds the busy flag.
	for !r.busy.Load() {
	}
	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Busy)

	close(hold)
	first := <-done
	assert.True(t, first.Success)
}

func TestPaperModeSkips(t *testing.T) {
	st, err := state.NewManager(t.TempDir(), 10_000, features.ModePaper, zerolog.Nop())
	require.NoError(t, err)
	r := New(&fakeAdapter{}, st, btcusd, features.ModePaper, DefaultThresholds(), zerolog.Nop())

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Skipped)
}

func TestNilAdapterSkips(t *testing.T) {
	st, err := state.NewManager(t.TempDir(), 10_000, features.ModeLive, zerolog.Nop())
	require.NoError(t, err)
	r := New(nil, st, btcusd, features.ModeLive, DefaultThresholds(), zerolog.Nop())

	res, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestStartFailsOnFirstRunFailure(t *testing.T) {
	r, _, adapter := newFixture(t, 10_000, 0)
	adapter.failWith = errors.New("venue down")

	err := r.Start(context.Background())
	require.Error(t, err)
}

func TestEmergencySyncClearsHistory(t *testing.T) {
	r, st, adapter := newFixture(t, 10_000, 0)
	adapter.balance = broker.Balance{"USD": 10_500}

	_, err := r.ReconcileNow(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, r.History())

	require.NoError(t, r.EmergencySync(context.Background()))
	assert.Empty(t, r.History())
	assert.Equal(t, 10_500.0, st.Snapshot().Balance)
}

func TestHistoryBounded(t *testing.T) {
	r, _, _ := newFixture(t, 10_000, 0)
	for i := 0; i < historyCap+10; i++ {
		_, err := r.ReconcileNow(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, r.History(), historyCap)
}
