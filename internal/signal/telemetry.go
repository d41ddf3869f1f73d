package signal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"multibroker-trading-bot/internal/features"
	"multibroker-trading-bot/internal/indicators"
	"multibroker-trading-bot/internal/market"
)

const telemetryVersion = "1"

// DecisionRecord is the input to one telemetry line.
type DecisionRecord struct {
	Symbol    market.Symbol
	Timeframe market.Timeframe
	Bundle    indicators.Bundle
	Patterns  []string
	RiskFlags []string
	Decision  Decision
	Mode      features.Mode
	AdapterID string
}

// decisionLine is the on-disk JSONL schema.
type decisionLine struct {
	TsMs       int64  `json:"tsMs"`
	Type       string `json:"type"`
	DecisionID string `json:"decisionId"`
	Input      struct {
		Symbol             market.Symbol      `json:"symbol"`
		Timeframe          market.Timeframe   `json:"timeframe"`
		Action             string             `json:"action"`
		OriginalConfidence float64            `json:"originalConfidence"`
		Indicators         map[string]float64 `json:"indicators"`
		PatternIDs         []string           `json:"patternIds"`
		RiskFlags          []string           `json:"riskFlags"`
	} `json:"input"`
	Output struct {
		Decision       Direction `json:"decision"`
		Confidence     float64   `json:"confidence"`
		ReasonSummary  string    `json:"reasonSummary"`
		PatternQuality float64   `json:"patternQuality"`
	} `json:"output"`
	Meta struct {
		Version   string        `json:"version"`
		AdapterID string        `json:"adapterId"`
		Mode      features.Mode `json:"mode"`
		Module    string        `json:"module"`
	} `json:"meta"`
}

// DecisionLogger appends one JSON line per decision to <logsDir>/decisions.log.
type DecisionLogger struct {
	mu   sync.Mutex
	file *os.File
	log  zerolog.Logger
}

// NewDecisionLogger opens (or creates) the decision log for appending.
func NewDecisionLogger(logsDir string, log zerolog.Logger) (*DecisionLogger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "decisions.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{file: f, log: log.With().Str("component", "telemetry").Logger()}, nil
}

// Log writes one decision line. Telemetry failures are logged, never raised;
// a decision must not fail because its audit line could not be written.
func (l *DecisionLogger) Log(rec DecisionRecord) {
	line := decisionLine{
		TsMs:       time.Now().UnixMilli(),
		Type:       "decision",
		DecisionID: rec.Decision.ID,
	}
	line.Input.Symbol = rec.Symbol
	line.Input.Timeframe = rec.Timeframe
	line.Input.Action = string(rec.Decision.Direction)
	line.Input.OriginalConfidence = rec.Decision.Confidence
	line.Input.Indicators = map[string]float64{
		"price":      rec.Bundle.Price,
		"rsi":        rec.Bundle.RSI,
		"macd":       rec.Bundle.MACD.MACD,
		"macdSignal": rec.Bundle.MACD.Signal,
		"ema9":       rec.Bundle.EMA9,
		"ema20":      rec.Bundle.EMA20,
		"ema50":      rec.Bundle.EMA50,
		"atr":        rec.Bundle.ATR,
		"volatility": rec.Bundle.Volatility,
		"stochasticK": rec.Bundle.Stochastic.K,
		"stochasticD": rec.Bundle.Stochastic.D,
		"twoPole":    rec.Bundle.TwoPole,
	}
	line.Input.PatternIDs = rec.Patterns
	line.Input.RiskFlags = rec.RiskFlags
	line.Output.Decision = rec.Decision.Direction
	line.Output.Confidence = rec.Decision.Confidence
	line.Output.ReasonSummary = strings.Join(rec.Decision.Reasons, ",")
	line.Output.PatternQuality = rec.Decision.PatternQuality
	line.Meta.Version = telemetryVersion
	line.Meta.AdapterID = rec.AdapterID
	line.Meta.Mode = rec.Mode
	line.Meta.Module = "signal"

	data, err := json.Marshal(line)
	if err != nil {
		l.log.Error().Err(err).Msg("decision marshal failed")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.log.Error().Err(err).Msg("decision write failed")
	}
}

// Close flushes and closes the log file.
func (l *DecisionLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
