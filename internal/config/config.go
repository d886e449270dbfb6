package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"copybot/internal/domain"
)

// Config is the root configuration for CopyBot.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Telegram    TelegramConfig    `json:"telegram"`
	Store       StoreConfig       `json:"store"`
	Rules       []RuleSpec        `json:"rules,omitempty"`
	RulesFile   string            `json:"rulesFile,omitempty"` // optional YAML file with more static rules
	Server      ServerConfig      `json:"server"`
	Metrics     MetricsConfig     `json:"metrics"`
	Tracing     TracingConfig     `json:"tracing"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type GeneralConfig struct {
	LogLevel            string `json:"logLevel"`
	LogFile             string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentCopies int    `json:"maxConcurrentCopies"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled"`
	Token       string         `json:"token"`
	APIEndpoint string         `json:"apiEndpoint,omitempty"` // Bot API URL template, e.g. a local bot server
	AllowFrom   FlexStringList `json:"allowFrom"`             // user ids allowed to run commands
	Mode        string         `json:"mode"`                  // "polling" | "webhook"
	WebhookURL  string         `json:"webhookUrl,omitempty"`  // public URL registered with setWebhook
	WebhookPath string         `json:"webhookPath"`
	PollTimeout int            `json:"pollTimeout"` // long-poll timeout in seconds
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
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

// Contains reports whether id is listed.
func (f FlexStringList) Contains(id string) bool {
	for _, v := range f {
		if strings.TrimSpace(v) == id {
			return true
		}
	}
	return false
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// RuleSpec is a copy rule as written by hand, in config.json or in the
// YAML rules file. Target is a numeric chat id or an @channel username.
type RuleSpec struct {
	Name      string `json:"name,omitempty" yaml:"name"`
	Source    int64  `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Thread    int    `json:"thread,omitempty" yaml:"thread"`
	Silent    bool   `json:"silent,omitempty" yaml:"silent"`
	Protect   bool   `json:"protect,omitempty" yaml:"protect"`
	NoPreview bool   `json:"noPreview,omitempty" yaml:"noPreview"`
	TTL       string `json:"ttl,omitempty" yaml:"ttl"` // Go duration; empty never expires
}

// Validate checks one rule and returns a description per problem.
func (r RuleSpec) Validate() []string {
	var errs []string
	if r.Source == 0 {
		errs = append(errs, "source chat id is required")
	}
	if _, _, err := domain.ParseChatTarget(r.Target); err != nil {
		errs = append(errs, err.Error())
	}
	if r.Thread < 0 {
		errs = append(errs, "thread must be >= 0")
	}
	if r.TTL != "" {
		if d, err := time.ParseDuration(r.TTL); err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("ttl %q must be a positive duration", r.TTL))
		}
	}
	return errs
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// MetricsConfig configures the Prometheus endpoint served by the HTTP server.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TracingConfig configures OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"` // host:port of the collector
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName"`
}

// MaintenanceConfig schedules housekeeping such as pruning expired rules.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // five-field cron expression
}

// DefaultConfigDir returns the default config directory (~/.copybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".copybot"
	}
	return filepath.Join(home, ".copybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

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

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.RulesFile = ExpandPath(cfg.RulesFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as indented JSON. The file holds the bot token, so it is
// created owner-readable only.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentCopies < 1 || cfg.General.MaxConcurrentCopies > 100 {
		errs = append(errs, "general.maxConcurrentCopies must be between 1 and 100")
	}

	switch cfg.Telegram.Mode {
	case "polling":
	case "webhook":
		if cfg.Telegram.Enabled && cfg.Telegram.WebhookURL == "" {
			errs = append(errs, "telegram.webhookUrl is required in webhook mode")
		}
		if cfg.Telegram.Enabled && !cfg.Server.Enabled {
			errs = append(errs, "telegram webhook mode requires server.enabled")
		}
	default:
		errs = append(errs, "telegram.mode must be one of: polling, webhook")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}
	if !strings.HasPrefix(cfg.Telegram.WebhookPath, "/") {
		errs = append(errs, "telegram.webhookPath must start with /")
	}
	if cfg.Telegram.PollTimeout < 1 || cfg.Telegram.PollTimeout > 600 {
		errs = append(errs, "telegram.pollTimeout must be between 1 and 600")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	for i, r := range cfg.Rules {
		for _, e := range r.Validate() {
			errs = append(errs, fmt.Sprintf("rules[%d]: %s", i, e))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Path == cfg.Telegram.WebhookPath {
		errs = append(errs, "metrics.path and telegram.webhookPath must differ")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing is enabled")
	}

	if cfg.Maintenance.Enabled {
		if _, err := cron.ParseStandard(cfg.Maintenance.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("maintenance.schedule: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory (used by wizard and Load).
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
