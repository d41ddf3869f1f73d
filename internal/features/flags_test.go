package features

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFeatureFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	path := writeFeatureFile(t, `{
		"features": {
			"PATTERN_BASED_SIZING": {"enabled": true, "settings": {"minQuality": -0.5}},
			"ML_ENHANCED_SIGNALS": {"enabled": true, "shadowMode": true},
			"ADVANCED_INDICATORS": {"enabled": false}
		}
	}`)

	m, err := NewManager(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !m.IsEnabled(FlagPatternSizing) {
		t.Error("PATTERN_BASED_SIZING should be enabled")
	}
	if m.IsEnabled(FlagAdvancedIndicators) {
		t.Error("disabled flag reported enabled")
	}
	if m.IsEnabled("NO_SUCH_FLAG") {
		t.Error("unknown flag must default to disabled")
	}
	if !m.ShadowMode(FlagMLEnhancedSignals) {
		t.Error("shadow mode not reported")
	}
	if got := m.SettingFloat(FlagPatternSizing, "minQuality", 0); got != -0.5 {
		t.Errorf("setting = %v, want -0.5", got)
	}
	if got := m.SettingFloat(FlagPatternSizing, "missing", 7); got != 7 {
		t.Errorf("missing setting default = %v, want 7", got)
	}
}

func TestLegacyAliasResolution(t *testing.T) {
	path := writeFeatureFile(t, `{
		"features": {"PATTERN_BASED_SIZING": {"enabled": true}}
	}`)
	m, err := NewManager(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsEnabled("PATTERN_SIZING") {
		t.Error("legacy alias should resolve to the canonical flag")
	}
}

func TestMalformedFileRefusesStart(t *testing.T) {
	path := writeFeatureFile(t, `{"features": not-json`)
	if _, err := NewManager(path, zerolog.Nop()); err == nil {
		t.Fatal("malformed feature file must fail startup")
	}

	path = writeFeatureFile(t, `{}`)
	if _, err := NewManager(path, zerolog.Nop()); err == nil {
		t.Fatal("feature file without features block must fail startup")
	}
}

// TestReloadSwapsAtomically: a reload that flips a flag is visible to the
// very next lookup.
func TestReloadSwapsAtomically(t *testing.T) {
	path := writeFeatureFile(t, `{
		"features": {"PATTERN_BASED_SIZING": {"enabled": true}}
	}`)
	m, err := NewManager(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsEnabled(FlagPatternSizing) {
		t.Fatal("precondition: flag enabled")
	}

	if err := os.WriteFile(path, []byte(`{
		"features": {"PATTERN_BASED_SIZING": {"enabled": false}}
	}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.IsEnabled(FlagPatternSizing) {
		t.Fatal("reload did not take effect")
	}
}

func TestModeDetection(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want Mode
	}{
		{"default is paper", map[string]string{}, ModePaper},
		{"backtest wins", map[string]string{"BACKTEST_MODE": "true", "TRADING_MODE": "live"}, ModeBacktest},
		{"test mode", map[string]string{"TEST_MODE": "1"}, ModeTest},
		{"explicit live", map[string]string{"TRADING_MODE": "live"}, ModeLive},
		{"live via enable flag", map[string]string{"ENABLE_LIVE_TRADING": "true"}, ModeLive},
		{"paper overrides live", map[string]string{"PAPER_TRADING": "true", "TRADING_MODE": "live"}, ModePaper},
	}

	envKeys := []string{"BACKTEST_MODE", "TEST_MODE", "TRADING_MODE", "ENABLE_LIVE_TRADING", "PAPER_TRADING"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range envKeys {
				t.Setenv(k, "")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if got := DetectMode(); got != tc.want {
				t.Errorf("mode = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTierValues(t *testing.T) {
	m := NewStaticManager(nil, ModePaper, TierPro)
	if got := m.TierValue("maxDailyTrades"); got != 30 {
		t.Errorf("pro maxDailyTrades = %v, want 30", got)
	}
	if got := m.TierValue("maxPositions"); got != 3 {
		t.Errorf("pro maxPositions = %v, want 3", got)
	}

	starter := NewStaticManager(nil, ModePaper, TierStarter)
	elite := NewStaticManager(nil, ModePaper, TierElite)
	if starter.TierValue("leverage") >= elite.TierValue("leverage") {
		t.Error("tier leverage should scale upward")
	}
}
