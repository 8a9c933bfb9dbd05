package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// ============================================================================
// TEST: Defaults and overrides
// ============================================================================

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Expected missing file to be tolerated, got %v", err)
	}

	if cfg.SchedulerConfig.TickInterval != 5*time.Second {
		t.Errorf("Expected tick interval 5s, got %v", cfg.SchedulerConfig.TickInterval)
	}
	if cfg.RecoveryConfig.RecoveryThreshold != 0.75 {
		t.Errorf("Expected recovery threshold 0.75, got %v", cfg.RecoveryConfig.RecoveryThreshold)
	}
	if cfg.ConsensusConfig.MinQuorum != 2 {
		t.Errorf("Expected min quorum 2, got %d", cfg.ConsensusConfig.MinQuorum)
	}
	if cfg.SupervisorConfig.StaleAfter != 60*time.Second {
		t.Errorf("Expected stale after 60s, got %v", cfg.SupervisorConfig.StaleAfter)
	}
	if cfg.SupervisorConfig.ControlChannel != "digit-bot:control" {
		t.Errorf("Expected control channel digit-bot:control, got %s", cfg.SupervisorConfig.ControlChannel)
	}
	if cfg.DatabaseConfig.Enabled {
		t.Errorf("Expected database disabled by default")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"scheduler":{"max_parallel":3},"broker":{"currency":"EUR"}}`)
	t.Setenv("SCHEDULER_MAX_PARALLEL", "7")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "2s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.SchedulerConfig.MaxParallel != 7 {
		t.Errorf("Expected env max_parallel 7, got %d", cfg.SchedulerConfig.MaxParallel)
	}
	if cfg.SchedulerConfig.TickInterval != 2*time.Second {
		t.Errorf("Expected env tick interval 2s, got %v", cfg.SchedulerConfig.TickInterval)
	}
	if cfg.BrokerConfig.Currency != "EUR" {
		t.Errorf("Expected file currency EUR, got %s", cfg.BrokerConfig.Currency)
	}
}

func TestMalformedFile(t *testing.T) {
	path := writeConfig(t, `{"scheduler":`)
	if _, err := LoadFrom(path); err == nil {
		t.Errorf("Expected parse error for malformed config")
	}
}

// ============================================================================
// TEST: Validation
// ============================================================================

func TestValidationRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"multiplier not above one", map[string]string{"RECOVERY_MULTIPLIER": "1"}},
		{"threshold above one", map[string]string{"RECOVERY_THRESHOLD": "1.5"}},
		{"conservative bounds inverted", map[string]string{"RECOVERY_MIN_CONSERVATIVE_OPS": "5", "RECOVERY_MAX_CONSERVATIVE_OPS": "3"}},
		{"duration ticks too long", map[string]string{"BROKER_DURATION_TICKS": "11"}},
		{"auth without secret", map[string]string{"AUTH_ENABLED": "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json")); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestGenerateSampleConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := GenerateSampleConfig(path); err != nil {
		t.Fatalf("GenerateSampleConfig failed: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("Sample config should load, got %v", err)
	}
	if !cfg.BrokerConfig.PaperMode {
		t.Errorf("Expected sample to default to paper mode")
	}
	if cfg.RecoveryConfig.RolloverSpec != "5 0 0 * * *" {
		t.Errorf("Expected rollover spec from sample, got %q", cfg.RecoveryConfig.RolloverSpec)
	}
}
