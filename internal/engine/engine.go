// Package engine is the orchestrator: it owns the per-symbol main loop that
// turns candle events into indicator bundles, entry decisions and exit
// directives, and it starts the sibling timers (reconciler, candle-store
// maintenance, daily counter reset).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/broker"
	"multibroker-trading-bot/internal/events"
	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/market"
	"multibroker-trading-bot/internal/profit"
	"multibroker-trading-bot/internal/reconcile"
	"multibroker-trading-bot/internal/signal"
	"multibroker-trading-bot/internal/state"
)

const (
	defaultWindowSize    = 100
	defaultMinConfidence = 60.0
	candleQueueSize      = 256
)

// Config tunes one engine instance.
type Config struct {
	Symbol        market.Symbol
	Timeframe     market.Timeframe
	BaseOrderSize float64 // base-currency size before the pattern multiplier
	MinConfidence float64 // default 60
	WindowSize    int     // candles per indicator bundle, default 100
	Backfill      int     // historical candles fetched at start, default WindowSize
}

// SignalEvaluator is the decision source. Satisfied by *signal.Engine.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, symbol market.Symbol, tf market.Timeframe, b indicators.Bundle, patternIDs []string) signal.Decision
}

// Deps are the collaborating components, wired in main.
type Deps struct {
	Adapter    broker.Adapter
	Store      *market.Store
	Indicators *indicators.Engine
	Signals    SignalEvaluator
	State      *state.Manager
	Reconciler *reconcile.Reconciler
	Flags      *features.Manager
	Patterns   signal.PatternStore // may be nil
	Bus        *events.Bus
}

// Engine drives one symbol. Candle events from the adapter are queued onto a
// bounded channel so the stream reader is never blocked; the main loop drains
// it strictly in order.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	candleCh chan broker.CandleEvent
	dropped  int64

	// Position-scoped, owned by the main loop goroutine.
	pm           *profit.Manager
	openPatterns []string
	openDecision string
}

// New builds an engine. The config is normalized with defaults.
func New(cfg Config, deps Deps, log zerolog.Logger) (*Engine, error) {
	if !cfg.Symbol.Valid() {
		return nil, fmt.Errorf("engine: invalid symbol %q", cfg.Symbol)
	}
	if !cfg.Timeframe.Valid() {
		return nil, fmt.Errorf("engine: invalid timeframe %q", cfg.Timeframe)
	}
	if cfg.BaseOrderSize <= 0 {
		return nil, fmt.Errorf("engine: base order size must be positive")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinConfidence
	}
	if cfg.Backfill <= 0 {
		cfg.Backfill = cfg.WindowSize
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		log:      log.With().Str("component", "engine").Str("symbol", string(cfg.Symbol)).Logger(),
		candleCh: make(chan broker.CandleEvent, candleQueueSize),
	}, nil
}

// Run backfills history, subscribes to the candle stream, starts the sibling
// tasks and drains the main loop until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.deps.Store.RegisterSymbol(e.cfg.Symbol, e.cfg.Timeframe); err != nil {
		return err
	}
	e.deps.Store.Start(ctx)

	if err := e.backfill(ctx); err != nil {
		e.log.Warn().Err(err).Msg("historical backfill unavailable, warming up from stream")
	}
	e.restorePosition()

	if err := e.deps.Adapter.SubscribeCandles(e.cfg.Symbol, e.cfg.Timeframe, e.enqueue); err != nil {
		return fmt.Errorf("candle subscription: %w", err)
	}

	if e.deps.Reconciler != nil {
		if err := e.deps.Reconciler.Start(ctx); err != nil {
			return fmt.Errorf("reconciler first run: %w", err)
		}
	}
	go e.dailyResetLoop(ctx)

	e.log.Info().Str("timeframe", string(e.cfg.Timeframe)).Msg("engine running")
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case ev := <-e.candleCh:
			e.onCandle(ctx, ev)
		}
	}
}

// enqueue is the stream callback. The reader must never block, so a full
// queue drops the event and counts it; the next candle replaces it anyway.
func (e *Engine) enqueue(ev broker.CandleEvent) {
	select {
	case e.candleCh <- ev:
	default:
		e.dropped++
		e.log.Warn().Int64("t", ev.Candle.Time).Msg("candle queue full, event dropped")
	}
}

func (e *Engine) backfill(ctx context.Context) error {
	candles, err := e.deps.Adapter.GetCandles(ctx, e.cfg.Symbol, e.cfg.Timeframe, e.cfg.Backfill)
	if err != nil {
		return err
	}
	for _, c := range candles {
		if err := e.deps.Store.Ingest(e.cfg.Symbol, c); err != nil {
			return err
		}
	}
	e.log.Info().Int("candles", len(candles)).Msg("backfill complete")
	return nil
}

// restorePosition rebuilds the exit state machine after a restart when
// persisted state carries an open position.
func (e *Engine) restorePosition() {
	snap := e.deps.State.Snapshot()
	if snap.Position <= 0 || snap.EntryPrice <= 0 {
		return
	}
	pm, err := profit.New(snap.EntryPrice, snap.Position, time.UnixMilli(snap.EntryTime),
		profit.ConfigFromFlags(e.deps.Flags), e.log)
	if err != nil {
		e.log.Error().Err(err).Msg("cannot restore exit manager, pausing")
		_ = e.deps.State.PauseTrading("position restore failed")
		return
	}
	e.pm = pm
	e.log.Info().Float64("position", snap.Position).Float64("entry", snap.EntryPrice).
		Msg("restored open position")
}

// onCandle is one main-loop iteration.
func (e *Engine) onCandle(ctx context.Context, ev broker.CandleEvent) {
	if ev.Symbol != e.cfg.Symbol || ev.Timeframe != e.cfg.Timeframe {
		return
	}
	if err := e.deps.Store.Ingest(e.cfg.Symbol, ev.Candle); err != nil {
		e.log.Warn().Err(err).Msg("candle rejected")
		return
	}

	candles := e.deps.Store.Get(e.cfg.Symbol, e.cfg.Timeframe, e.cfg.WindowSize, true, true)
	if len(candles) == 0 {
		return
	}
	seriesKey := string(e.cfg.Symbol) + "|" + string(e.cfg.Timeframe)
	bundle := e.deps.Indicators.ComputeBundle(seriesKey, candles)

	snap := e.deps.State.Snapshot()
	if snap.Position > 0 {
		_ = e.deps.State.SetUnrealizedPnL(snap.Position * (bundle.Price - snap.EntryPrice))
	}
	if !snap.IsTrading {
		return
	}

	if snap.Position == 0 {
		e.maybeOpen(ctx, bundle, candles, ev.Candle, snap)
	} else {
		e.managePosition(ctx, bundle, ev.Candle, snap)
	}
}

func (e *Engine) maybeOpen(ctx context.Context, bundle indicators.Bundle, candles []market.Candle, candle market.Candle, snap state.AccountState) {
	patterns := signal.DetectPatterns(candles)
	d := e.deps.Signals.Evaluate(ctx, e.cfg.Symbol, e.cfg.Timeframe, bundle, patterns)
	if e.deps.Bus != nil {
		e.deps.Bus.PublishSignal(string(e.cfg.Symbol), string(d.Direction), d.Confidence, d.Reasons)
	}

	if d.Direction != signal.DirectionBuy || d.Confidence < e.cfg.MinConfidence {
		return
	}
	if float64(snap.DailyTradeCount) >= e.deps.Flags.TierValue("maxDailyTrades") {
		e.log.Warn().Int("count", snap.DailyTradeCount).Msg("daily trade cap reached")
		return
	}

	size := e.cfg.BaseOrderSize * d.SizeMultiplier
	if size < e.deps.Adapter.MinOrderSize(e.cfg.Symbol) {
		e.log.Debug().Float64("size", size).Msg("sized below venue minimum, skipping")
		return
	}

	res, err := e.deps.Adapter.PlaceOrder(ctx, broker.Order{
		Symbol:     e.cfg.Symbol,
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeMarket,
		Size:       size,
		ClientID:   uuid.NewString(),
		DecisionID: d.ID,
	})
	if err != nil {
		e.log.Error().Err(err).Float64("size", size).Msg("entry order failed")
		if e.deps.Bus != nil {
			e.deps.Bus.PublishError("engine.entry", err)
		}
		return
	}

	fillPrice := res.AvgPrice
	if fillPrice <= 0 {
		fillPrice = bundle.Price
	}
	filled := res.Filled
	if filled <= 0 {
		filled = size
	}

	// Candle time, not wall clock: the exit machine's hold timers must use
	// the same clock its price updates will, and backtests replay history.
	now := time.UnixMilli(candle.Time)
	if err := e.deps.State.OpenPosition(res.OrderID, filled, fillPrice, state.Trade{
		Action:     "buy",
		Type:       string(broker.OrderTypeMarket),
		Size:       filled,
		Price:      fillPrice,
		EntryPrice: fillPrice,
		EntryTime:  now.UnixMilli(),
		Symbol:     e.cfg.Symbol,
		DecisionID: d.ID,
	}); err != nil {
		// Filled at the venue but unrecordable locally: stop before the
		// books diverge further. The reconciler owns the repair.
		e.log.Error().Err(err).Msg("fill could not be recorded, pausing")
		_ = e.deps.State.PauseTrading("unrecorded fill: " + err.Error())
		return
	}

	pm, err := profit.New(fillPrice, filled, now, profit.ConfigFromFlags(e.deps.Flags), e.log)
	if err != nil {
		e.log.Error().Err(err).Msg("exit manager init failed, pausing")
		_ = e.deps.State.PauseTrading("exit manager init: " + err.Error())
		return
	}
	pm.SetVolatility(bundle.Volatility)
	e.pm = pm
	e.openPatterns = patterns
	e.openDecision = d.ID

	e.log.Info().Str("order", res.OrderID).Float64("size", filled).Float64("price", fillPrice).
		Float64("confidence", d.Confidence).Msg("position opened")
	if e.deps.Bus != nil {
		e.deps.Bus.PublishTradeOpened(string(e.cfg.Symbol), filled, fillPrice, res.OrderID)
	}
}

func (e *Engine) managePosition(ctx context.Context, bundle indicators.Bundle, candle market.Candle, snap state.AccountState) {
	if e.pm == nil {
		e.restorePosition()
		if e.pm == nil {
			return
		}
	}
	e.pm.SetVolatility(bundle.Volatility)

	d := e.pm.Update(bundle.Price, time.UnixMilli(candle.Time))
	switch d.Action {
	case profit.ActionHold:
		return
	case profit.ActionUpdate:
		e.log.Debug().Float64("stop", d.Stop).Msg("stop moved")
		return
	case profit.ActionExitPartial:
		e.exit(ctx, bundle.Price, d.Size, true, d.Reason, snap)
	case profit.ActionExitFull:
		size := snap.Position
		e.exit(ctx, bundle.Price, size, false, d.Reason, snap)
	}
}

// exit submits the sell and settles local state. A failed exit order pauses
// trading: the exit machine has already advanced and a silent retry would
// double-sell.
func (e *Engine) exit(ctx context.Context, price, size float64, partial bool, reason string, snap state.AccountState) {
	res, err := e.deps.Adapter.PlaceOrder(ctx, broker.Order{
		Symbol:   e.cfg.Symbol,
		Side:     broker.SideSell,
		Type:     broker.OrderTypeMarket,
		Size:     size,
		ClientID: uuid.NewString(),
	})
	if err != nil && !errors.Is(err, broker.ErrOrderRejected) {
		e.log.Error().Err(err).Str("reason", reason).Msg("exit order failed, pausing")
		_ = e.deps.State.PauseTrading("exit order failed: " + err.Error())
		return
	}
	if err != nil {
		e.log.Error().Err(err).Str("reason", reason).Msg("exit order rejected, pausing")
		_ = e.deps.State.PauseTrading("exit order rejected: " + err.Error())
		return
	}

	fillPrice := res.AvgPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	if err := e.deps.State.ClosePosition(fillPrice, partial, size); err != nil {
		e.log.Error().Err(err).Msg("close could not be recorded, pausing")
		_ = e.deps.State.PauseTrading("unrecorded close: " + err.Error())
		return
	}

	pnl := size * (fillPrice - snap.EntryPrice)
	e.log.Info().Str("reason", reason).Float64("size", size).Float64("price", fillPrice).
		Float64("pnl", pnl).Bool("partial", partial).Msg("position exited")
	if e.deps.Bus != nil {
		e.deps.Bus.PublishTradeClosed(string(e.cfg.Symbol), size, fillPrice, pnl, reason)
	}

	if !partial {
		e.recordOutcomes(ctx, pnl+e.pmRealized())
		e.pm = nil
		e.openPatterns = nil
		e.openDecision = ""
	}
}

func (e *Engine) pmRealized() float64 {
	if e.pm == nil {
		return 0
	}
	return e.pm.RealizedPnL()
}

// recordOutcomes feeds the trade result back into the pattern store so the
// next evaluation's quality reflects it.
func (e *Engine) recordOutcomes(ctx context.Context, pnl float64) {
	if e.deps.Patterns == nil {
		return
	}
	for _, id := range e.openPatterns {
		if err := e.deps.Patterns.RecordOutcome(ctx, id, pnl > 0, pnl); err != nil {
			e.log.Warn().Err(err).Str("pattern", id).Msg("outcome not recorded")
		}
	}
}

// dailyResetLoop zeroes the daily trade counter at each UTC midnight.
func (e *Engine) dailyResetLoop(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			if err := e.deps.State.ResetDailyCount(); err != nil {
				e.log.Warn().Err(err).Msg("daily count reset failed")
			}
		}
	}
}

func (e *Engine) shutdown() {
	if err := e.deps.Adapter.UnsubscribeAll(); err != nil {
		e.log.Warn().Err(err).Msg("unsubscribe on shutdown")
	}
	if err := e.deps.Adapter.Disconnect(); err != nil {
		e.log.Warn().Err(err).Msg("disconnect on shutdown")
	}
	e.deps.State.Flush()
	e.log.Info().Msg("engine stopped")
}
