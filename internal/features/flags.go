package features

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Mode is the process trading mode, detected from the environment at boot.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeTest     Mode = "test"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// Tier scales resource caps per subscription level.
type Tier string

const (
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierElite   Tier = "elite"
	TierML      Tier = "ml"
)

// Flag names used across the engine.
const (
	FlagAdvancedIndicators = "ADVANCED_INDICATORS"
	FlagMLEnhancedSignals  = "ML_ENHANCED_SIGNALS"
	FlagMLVolumeAnalysis   = "ML_VOLUME_ANALYSIS"
	FlagPatternSizing      = "PATTERN_BASED_SIZING"
	FlagTimeBasedExits     = "TIME_BASED_EXITS"
	FlagTrailingStops      = "TRAILING_STOPS"
	FlagBreakevenStops     = "BREAKEVEN_STOPS"
)

// legacyAliases maps historical flag names to their canonical names so old
// feature files keep resolving.
var legacyAliases = map[string]string{
	"ADV_INDICATORS":        FlagAdvancedIndicators,
	"ML_SIGNALS":            FlagMLEnhancedSignals,
	"VOLUME_ANALYSIS":       FlagMLVolumeAnalysis,
	"PATTERN_SIZING":        FlagPatternSizing,
	"TIME_EXITS":            FlagTimeBasedExits,
	"TRAILING_STOP":         FlagTrailingStops,
	"BREAKEVEN_STOP":        FlagBreakevenStops,
	"ENABLE_TRAILING_STOPS": FlagTrailingStops,
}

// tierLimits maps each tier to its scalar caps.
var tierLimits = map[Tier]map[string]float64{
	TierStarter: {"maxPositions": 1, "maxDailyTrades": 10, "leverage": 1, "patternLimit": 50},
	TierPro:     {"maxPositions": 3, "maxDailyTrades": 30, "leverage": 3, "patternLimit": 200},
	TierElite:   {"maxPositions": 5, "maxDailyTrades": 100, "leverage": 5, "patternLimit": 1000},
	TierML:      {"maxPositions": 10, "maxDailyTrades": 250, "leverage": 10, "patternLimit": 5000},
}

// FlagDef is one flag's definition in the feature file.
type FlagDef struct {
	Enabled    bool                   `json:"enabled"`
	Settings   map[string]interface{} `json:"settings,omitempty"`
	ShadowMode bool                   `json:"shadowMode,omitempty"`
}

type flagFile struct {
	Features map[string]FlagDef `json:"features"`
}

// Manager holds the process-wide flag map and tier limits. The flag map is
// swapped atomically on reload; readers see either the previous or the new
// map, never a partial one.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]FlagDef

	path string
	mode Mode
	tier Tier
	log  zerolog.Logger
}

// DetectMode derives the trading mode from environment variables. Backtest
// and test take precedence; live requires an explicit opt-in; paper is the
// safe default.
func DetectMode() Mode {
	if envTrue("BACKTEST_MODE") {
		return ModeBacktest
	}
	if envTrue("TEST_MODE") {
		return ModeTest
	}
	if envTrue("PAPER_TRADING") {
		return ModePaper
	}
	mode := strings.ToLower(os.Getenv("TRADING_MODE"))
	if mode == "live" || envTrue("ENABLE_LIVE_TRADING") {
		return ModeLive
	}
	return ModePaper
}

// DetectTier reads TRADING_TIER, defaulting to starter.
func DetectTier() Tier {
	switch Tier(strings.ToLower(os.Getenv("TRADING_TIER"))) {
	case TierPro:
		return TierPro
	case TierElite:
		return TierElite
	case TierML:
		return TierML
	default:
		return TierStarter
	}
}

func envTrue(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "1" || v == "true" || v == "yes"
}

// NewManager loads the feature file and detects mode/tier from the
// environment. An unreadable or malformed file is a startup error.
func NewManager(path string, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		flags: make(map[string]FlagDef),
		path:  path,
		mode:  DetectMode(),
		tier:  DetectTier(),
		log:   log.With().Str("component", "features").Logger(),
	}
	if path != "" {
		if err := m.Reload(); err != nil {
			return nil, fmt.Errorf("feature file %s: %w", path, err)
		}
	}
	m.log.Info().
		Str("mode", string(m.mode)).
		Str("tier", string(m.tier)).
		Int("flags", len(m.flags)).
		Msg("feature flags loaded")
	return m, nil
}

// NewStaticManager builds a manager from an in-memory flag map, used by tests
// and the backtest harness.
func NewStaticManager(flags map[string]FlagDef, mode Mode, tier Tier) *Manager {
	if flags == nil {
		flags = make(map[string]FlagDef)
	}
	return &Manager{flags: flags, mode: mode, tier: tier, log: zerolog.Nop()}
}

// Reload re-reads the feature file and swaps the flag map atomically.
func (m *Manager) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var file flagFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if file.Features == nil {
		return fmt.Errorf("missing features block")
	}

	m.mu.Lock()
	m.flags = file.Features
	m.mu.Unlock()
	return nil
}

// resolve canonicalizes a flag name through the legacy alias table.
func resolve(name string) string {
	if canonical, ok := legacyAliases[name]; ok {
		return canonical
	}
	return name
}

func (m *Manager) lookup(name string) (FlagDef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if def, ok := m.flags[name]; ok {
		return def, true
	}
	def, ok := m.flags[resolve(name)]
	return def, ok
}

// IsEnabled reports whether a flag is on. Unknown flags are off.
func (m *Manager) IsEnabled(name string) bool {
	def, ok := m.lookup(name)
	return ok && def.Enabled
}

// ShadowMode reports whether a flag is in shadow mode: evaluated and logged
// but forbidden from affecting behavior.
func (m *Manager) ShadowMode(name string) bool {
	def, ok := m.lookup(name)
	return ok && def.ShadowMode
}

// Setting returns a scalar from the flag's settings block, or def when the
// flag or key is absent.
func (m *Manager) Setting(name, key string, def interface{}) interface{} {
	flag, ok := m.lookup(name)
	if !ok || flag.Settings == nil {
		return def
	}
	if v, ok := flag.Settings[key]; ok {
		return v
	}
	return def
}

// SettingFloat returns a numeric setting, tolerating JSON's float decoding.
func (m *Manager) SettingFloat(name, key string, def float64) float64 {
	v := m.Setting(name, key, def)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return def
}

// TierValue returns a tier-scoped scalar limit such as maxPositions,
// maxDailyTrades, leverage or patternLimit.
func (m *Manager) TierValue(key string) float64 {
	if limits, ok := tierLimits[m.tier]; ok {
		return limits[key]
	}
	return tierLimits[TierStarter][key]
}

// Mode returns the detected trading mode.
func (m *Manager) Mode() Mode { return m.mode }

// Tier returns the detected tier.
func (m *Manager) Tier() Tier { return m.tier }

// Snapshot returns a copy of the current flag map for status reporting.
func (m *Manager) Snapshot() map[string]FlagDef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]FlagDef, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}
