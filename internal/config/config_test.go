package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("max_concurrent: 4\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/ralphd/config.yaml, etc.).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("max_concurrent: 2\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broadcast:\n  mqtt:\n    enabled: true\n    broker_url: ${RALPHD_TEST_BROKER}\n"), 0600)
	os.Setenv("RALPHD_TEST_BROKER", "tcp://broker.example:1883")
	defer os.Unsetenv("RALPHD_TEST_BROKER")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broadcast.MQTT.BrokerURL != "tcp://broker.example:1883" {
		t.Errorf("broker_url = %q, want expansion", cfg.Broadcast.MQTT.BrokerURL)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.RunDir != "./data/runs" {
		t.Errorf("expected default run_dir './data/runs', got %q", cfg.RunDir)
	}
	if cfg.DatabasePath != "./data/queue.db" {
		t.Errorf("expected default database_path './data/queue.db', got %q", cfg.DatabasePath)
	}
	if cfg.PollIntervalMS != 100 {
		t.Errorf("expected default poll_interval_ms 100, got %d", cfg.PollIntervalMS)
	}
	if cfg.MaxConcurrent != 1 {
		t.Errorf("expected default max_concurrent 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.TaskTimeoutMS != 7_200_000 {
		t.Errorf("expected default task_timeout_ms 7200000, got %d", cfg.TaskTimeoutMS)
	}
	if cfg.EventHistorySize != 1000 {
		t.Errorf("expected default event_history_size 1000, got %d", cfg.EventHistorySize)
	}
	if cfg.Broadcast.MQTT.Topic != "ralphd/tasks" {
		t.Errorf("expected default mqtt topic 'ralphd/tasks', got %q", cfg.Broadcast.MQTT.Topic)
	}
}

func TestValidate_MaxConcurrentMustBePositive(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrent = 0

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_concurrent") {
		t.Fatalf("expected max_concurrent validation error, got %v", err)
	}
}

func TestValidate_MQTTEnabledRequiresBrokerURL(t *testing.T) {
	cfg := Default()
	cfg.Broadcast.MQTT.Enabled = true
	cfg.Broadcast.MQTT.BrokerURL = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "broadcast.mqtt.broker_url") {
		t.Fatalf("expected broker_url validation error, got %v", err)
	}
}

func TestValidate_MQTTDisabledSkipsBrokerCheck(t *testing.T) {
	cfg := Default()
	cfg.Broadcast.MQTT.Enabled = false
	cfg.Broadcast.MQTT.BrokerURL = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mqtt should skip broker_url check, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}
