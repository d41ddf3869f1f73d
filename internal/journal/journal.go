// Package journal persists trades and decisions to PostgreSQL for later
// analysis. The engine runs fine without a database: a nil *Journal accepts
// every call and does nothing.
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/events"
)

const writeTimeout = 5 * time.Second

// Journal wraps the connection pool.
type Journal struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// TradeRow is one journaled trade.
type TradeRow struct {
	OrderID  string
	Symbol   string
	Side     string
	Size     float64
	Price    float64
	OpenedAt time.Time
}

// Open connects, pings and migrates. An empty dsn returns a nil journal,
// which is valid and inert.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Journal, error) {
	if dsn == "" {
		return nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}

	j := &Journal{pool: pool, log: log.With().Str("component", "journal").Logger()}
	if err := j.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	j.log.Info().Msg("journal connected")
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			order_id VARCHAR(128) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			size DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION,
			pnl DOUBLE PRECISION,
			exit_reason VARCHAR(64),
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reasons TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON decisions(symbol)`,
	}
	for _, m := range migrations {
		if _, err := j.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("journal migration: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (j *Journal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
}

// RecordOpen inserts a trade row at entry.
func (j *Journal) RecordOpen(ctx context.Context, t TradeRow) error {
	if j == nil {
		return nil
	}
	_, err := j.pool.Exec(ctx, `
		INSERT INTO trades (order_id, symbol, side, size, entry_price, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		t.OrderID, t.Symbol, t.Side, t.Size, t.Price, t.OpenedAt)
	return err
}

// RecordClose completes the most recent open trade for the symbol. Partial
// exits are journaled as their own closed rows keyed by a synthetic id.
func (j *Journal) RecordClose(ctx context.Context, symbol string, size, exitPrice, pnl float64, reason string, closedAt time.Time) error {
	if j == nil {
		return nil
	}
	_, err := j.pool.Exec(ctx, `
		UPDATE trades
		SET exit_price = $2, pnl = $3, exit_reason = $4, closed_at = $5
		WHERE order_id = (
			SELECT order_id FROM trades
			WHERE symbol = $1 AND closed_at IS NULL
			ORDER BY opened_at DESC LIMIT 1
		)`,
		symbol, exitPrice, pnl, reason, closedAt)
	return err
}

// RecordDecision inserts one decision row.
func (j *Journal) RecordDecision(ctx context.Context, decisionID, symbol, direction string, confidence float64, reasons []string) error {
	if j == nil {
		return nil
	}
	_, err := j.pool.Exec(ctx, `
		INSERT INTO decisions (decision_id, symbol, direction, confidence, reasons)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (decision_id) DO NOTHING`,
		decisionID, symbol, direction, confidence, strings.Join(reasons, ","))
	return err
}

// ObserveBus journals trade events as they happen. Failures are logged and
// dropped; the journal is an observer, never a gate.
func (j *Journal) ObserveBus(bus *events.Bus) {
	if j == nil || bus == nil {
		return
	}
	bus.Subscribe(events.TypeTradeOpened, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		orderID, _ := e.Data["order_id"].(string)
		symbol, _ := e.Data["symbol"].(string)
		size, _ := e.Data["size"].(float64)
		price, _ := e.Data["price"].(float64)
		if err := j.RecordOpen(ctx, TradeRow{
			OrderID: orderID, Symbol: symbol, Side: "BUY",
			Size: size, Price: price, OpenedAt: e.Timestamp,
		}); err != nil {
			j.log.Warn().Err(err).Msg("trade open not journaled")
		}
	})
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		symbol, _ := e.Data["symbol"].(string)
		size, _ := e.Data["size"].(float64)
		price, _ := e.Data["price"].(float64)
		pnl, _ := e.Data["pnl"].(float64)
		reason, _ := e.Data["reason"].(string)
		if err := j.RecordClose(ctx, symbol, size, price, pnl, reason, e.Timestamp); err != nil {
			j.log.Warn().Err(err).Msg("trade close not journaled")
		}
	})
}
