package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for chatwire.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Server     ServerConfig     `json:"server"`
	Account    AccountConfig    `json:"account"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Protocol   ProtocolConfig   `json:"protocol"`
	Transcript TranscriptConfig `json:"transcript"`
	Relay      RelayConfig      `json:"relay"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ServerConfig is the chat server to connect to.
type ServerConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	DialTimeoutSeconds int    `json:"dialTimeoutSeconds"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSeconds) * time.Second
}

type AccountConfig struct {
	UserID   string         `json:"userId"`
	Password string         `json:"password,omitempty"`
	Nickname string         `json:"nickname,omitempty"` // set after login when non-empty
	Channel  string         `json:"channel,omitempty"`  // joined after login when non-empty
	Ignore   FlexStringList `json:"ignore,omitempty"`   // user IDs whose speech is not shown or relayed
}

// Ignores reports whether speech from userID should be hidden.
func (a AccountConfig) Ignores(userID string) bool {
	for _, id := range a.Ignore {
		if id == userID {
			return true
		}
	}
	return false
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// PipelineConfig tunes the input pipeline and interactor timing.
type PipelineConfig struct {
	IdleMillis           int `json:"idleMillis"`           // quiet period that flushes partial lines
	BurstLimit           int `json:"burstLimit"`           // max runes per read burst, 0 = unbounded
	StopTimeoutSeconds   int `json:"stopTimeoutSeconds"`   // wait for the reader on teardown
	PromptTimeoutSeconds int `json:"promptTimeoutSeconds"` // wait for an expected prompt
	LookaheadMillis      int `json:"lookaheadMillis"`      // per-line wait when probing for a prompt
}

func (p PipelineConfig) Idle() time.Duration {
	return time.Duration(p.IdleMillis) * time.Millisecond
}

func (p PipelineConfig) StopTimeout() time.Duration {
	return time.Duration(p.StopTimeoutSeconds) * time.Second
}

func (p PipelineConfig) PromptTimeout() time.Duration {
	return time.Duration(p.PromptTimeoutSeconds) * time.Second
}

func (p PipelineConfig) Lookahead() time.Duration {
	return time.Duration(p.LookaheadMillis) * time.Millisecond
}

type SchedulerConfig struct {
	Workers int `json:"workers"`
}

// ProtocolConfig selects a server dialect. An empty profile uses the stock
// prompts and commands.
type ProtocolConfig struct {
	Profile string `json:"profile,omitempty"`
}

// TranscriptConfig configures the SQLite session transcript.
type TranscriptConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// RelayConfig configures the WebSocket event relay.
type RelayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Token   string `json:"token,omitempty"` // required as ?token= when set
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.chatwire).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatwire"
	}
	return filepath.Join(home, ".chatwire")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Transcript.DBPath = expandPath(cfg.Transcript.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Protocol.Profile = expandPath(cfg.Protocol.Profile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold the account password.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Host == "" {
		errs = append(errs, "server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.DialTimeoutSeconds < 1 {
		errs = append(errs, "server.dialTimeoutSeconds must be >= 1")
	}

	if cfg.Pipeline.IdleMillis < 10 {
		errs = append(errs, "pipeline.idleMillis must be >= 10")
	}
	if cfg.Pipeline.BurstLimit < 0 {
		errs = append(errs, "pipeline.burstLimit must be >= 0")
	}
	if cfg.Pipeline.StopTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.stopTimeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.PromptTimeoutSeconds < 1 {
		errs = append(errs, "pipeline.promptTimeoutSeconds must be >= 1")
	}
	if cfg.Pipeline.LookaheadMillis < 1 {
		errs = append(errs, "pipeline.lookaheadMillis must be >= 1")
	}

	if cfg.Scheduler.Workers < 1 || cfg.Scheduler.Workers > 64 {
		errs = append(errs, "scheduler.workers must be between 1 and 64")
	}

	if cfg.Transcript.Enabled && cfg.Transcript.DBPath == "" {
		errs = append(errs, "transcript.dbPath is required when the transcript is enabled")
	}
	if cfg.Transcript.RetentionDays < 0 {
		errs = append(errs, "transcript.retentionDays must be >= 0")
	}

	if cfg.Relay.Port < 0 || cfg.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Relay.Path, "/") {
		errs = append(errs, "relay.path must start with /")
	}
	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}
	if cfg.Relay.Enabled && cfg.Metrics.Enabled && cfg.Relay.Port == cfg.Metrics.Port &&
		cfg.Relay.Host == cfg.Metrics.Host && cfg.Relay.Path == cfg.Metrics.Endpoint {
		errs = append(errs, "relay.path and metrics.endpoint collide on the same listener")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func expandPath(path string) string {
	return ExpandPath(path)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
