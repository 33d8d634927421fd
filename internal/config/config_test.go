package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_ServerPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port 0")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}

	cfg.Server.Port = 65535
	if err := Validate(cfg); err != nil {
		t.Fatalf("port 65535 should be valid: %v", err)
	}
}

func TestValidate_MissingHost(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Host = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestValidate_Pipeline(t *testing.T) {
	cfg := Defaults()
	cfg.Pipeline.IdleMillis = 5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for idleMillis=5")
	}

	cfg = Defaults()
	cfg.Pipeline.BurstLimit = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative burstLimit")
	}

	cfg = Defaults()
	cfg.Pipeline.BurstLimit = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("burstLimit=0 means unbounded and should be valid: %v", err)
	}
}

func TestValidate_SchedulerWorkers(t *testing.T) {
	for _, n := range []int{0, 65} {
		cfg := Defaults()
		cfg.Scheduler.Workers = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for workers=%d", n)
		}
	}
}

func TestValidate_TranscriptNeedsPath(t *testing.T) {
	cfg := Defaults()
	cfg.Transcript.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled transcript without dbPath")
	}
	cfg.Transcript.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled transcript needs no path: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Host = ""
	cfg.Relay.Path = "ws"
	cfg.Metrics.Endpoint = "metrics"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.host", "relay.path", "metrics.endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_RelayMetricsCollision(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = cfg.Relay.Port
	cfg.Metrics.Endpoint = cfg.Relay.Path
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for colliding relay and metrics routes")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Server.Host = "chat.example.org"
	original.Account.UserID = "alice"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("config file should not be group/world readable, mode %o", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Server.Host != "chat.example.org" || loaded.Account.UserID != "alice" {
		t.Fatalf("unexpected round trip: %+v %+v", loaded.Server, loaded.Account)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"server": {
			"port": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for server.port=0")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	os.WriteFile(cfgFile, []byte(`{"account": {"userId": "bob"}}`), 0o644)

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Account.UserID != "bob" {
		t.Errorf("expected bob, got %q", cfg.Account.UserID)
	}
	if cfg.Pipeline.IdleMillis != 300 || cfg.Server.Port != 7777 {
		t.Errorf("unset fields should keep defaults: %+v %+v", cfg.Pipeline, cfg.Server)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CHATWIRE_PASSWORD", "hunter2")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"server": {"host": "${TEST_CHATWIRE_HOST:-chat.local}", "port": 4000, "dialTimeoutSeconds": 5},
		"account": {"userId": "alice", "password": "${TEST_CHATWIRE_PASSWORD}"}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Account.Password != "hunter2" {
		t.Fatalf("expected password from env, got %q", cfg.Account.Password)
	}
	if cfg.Server.Host != "chat.local" {
		t.Fatalf("expected default host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Addr() != "chat.local:4000" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr())
	}
}

// --- Durations ---

func TestPipelineDurations(t *testing.T) {
	p := Defaults().Pipeline
	if p.Idle() != 300*time.Millisecond {
		t.Errorf("idle: %v", p.Idle())
	}
	if p.StopTimeout() != 5*time.Second || p.PromptTimeout() != 30*time.Second {
		t.Errorf("timeouts: %v %v", p.StopTimeout(), p.PromptTimeout())
	}
	if p.Lookahead() != 3*time.Second {
		t.Errorf("lookahead: %v", p.Lookahead())
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "server.host")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "localhost" {
		t.Fatalf("expected 'localhost', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "account.channel", "lobby"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Account.Channel != "lobby" {
		t.Fatalf("expected 'lobby', got %q", cfg.Account.Channel)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "transcript.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Transcript.Enabled {
		t.Fatal("expected transcript.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.idleMillis", "150"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Pipeline.IdleMillis != 150 {
		t.Fatalf("expected 150, got %d", cfg.Pipeline.IdleMillis)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Account.Password = "correct-horse-battery"
	cfg.Relay.Token = "relay-token-12345678"

	sanitized := Sanitize(cfg)

	if sanitized.Account.Password == cfg.Account.Password {
		t.Fatal("password should be masked")
	}
	if sanitized.Relay.Token == cfg.Relay.Token {
		t.Fatal("relay token should be masked")
	}
	if cfg.Account.Password != "correct-horse-battery" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Account.Password = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Account.Password != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Account.Password)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"server.host", "general.logLevel", "pipeline.idleMillis", "relay.path"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}

	sorted := SortedPaths(cfg)
	if len(sorted) != len(paths) || !sort.StringsAreSorted(sorted) {
		t.Errorf("SortedPaths should list every path in order: %v", sorted)
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestAccount_Ignores(t *testing.T) {
	var a AccountConfig
	if err := json.Unmarshal([]byte(`{"userId": "me", "ignore": ["spammer", 42]}`), &a); err != nil {
		t.Fatal(err)
	}
	if !a.Ignores("spammer") || !a.Ignores("42") {
		t.Errorf("expected both ids ignored: %v", a.Ignore)
	}
	if a.Ignores("friend") {
		t.Error("friend should not be ignored")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_PASSWORD", "pw-abc123")
	result := ExpandEnvVars(`{"password": "${TEST_PASSWORD}"}`)
	expected := `{"password": "pw-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-7777}"}`)
	expected := `{"port": "7777"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}
