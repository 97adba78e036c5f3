package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the outreach daemon.
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Tracker   TrackerConfig   `json:"tracker" yaml:"tracker"`
	Delivery  DeliveryConfig  `json:"delivery" yaml:"delivery"`
	CRM       CRMConfig       `json:"crm" yaml:"crm"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" | "json"
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type TransportConfig struct {
	Kind           string         `json:"kind" yaml:"kind"` // "whatsapp" | "telegram"
	TimeoutSeconds int            `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	WhatsApp       WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Telegram       TelegramConfig `json:"telegram" yaml:"telegram"`
}

// WhatsAppConfig points at the WhatsApp Web bridge.
type WhatsAppConfig struct {
	BaseURL          string `json:"baseUrl" yaml:"baseUrl"`
	APIKey           string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	MaxMessageLength int    `json:"maxMessageLength" yaml:"maxMessageLength"`
}

type TelegramConfig struct {
	Token    string `json:"token" yaml:"token"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // Bot API endpoint override
}

type MonitorConfig struct {
	IntervalSeconds     int `json:"intervalSeconds" yaml:"intervalSeconds"`
	ProbeTimeoutSeconds int `json:"probeTimeoutSeconds" yaml:"probeTimeoutSeconds"`
}

type TrackerConfig struct {
	IntervalSeconds     int `json:"intervalSeconds" yaml:"intervalSeconds"`
	CheckTimeoutSeconds int `json:"checkTimeoutSeconds" yaml:"checkTimeoutSeconds"`
	MaxAgeHours         int `json:"maxAgeHours" yaml:"maxAgeHours"`
	MaxAttempts         int `json:"maxAttempts" yaml:"maxAttempts"`
}

// DeliveryConfig tunes the coordinator's send path and queue drains.
type DeliveryConfig struct {
	DrainBatchSize       int `json:"drainBatchSize" yaml:"drainBatchSize"`
	DrainWorkers         int `json:"drainWorkers" yaml:"drainWorkers"`
	DrainIntervalSeconds int `json:"drainIntervalSeconds" yaml:"drainIntervalSeconds"` // 0 = reconnect drains only
	SendIntervalSeconds  int `json:"sendIntervalSeconds" yaml:"sendIntervalSeconds"`   // pacing between batch sends
	SendTimeoutSeconds   int `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds"`
	EventBufferSize      int `json:"eventBufferSize" yaml:"eventBufferSize"`
}

type CRMConfig struct {
	Kind           string       `json:"kind" yaml:"kind"` // "none" | "monday"
	TimeoutSeconds int          `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Monday         MondayConfig `json:"monday" yaml:"monday"`
}

type MondayConfig struct {
	APIToken               string `json:"apiToken,omitempty" yaml:"apiToken,omitempty"`
	BoardID                string `json:"boardId" yaml:"boardId"`
	StatusColumn           string `json:"statusColumn" yaml:"statusColumn"`
	NotesColumn            string `json:"notesColumn,omitempty" yaml:"notesColumn,omitempty"`
	Endpoint               string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	MaxRetries             int    `json:"maxRetries" yaml:"maxRetries"`
	BreakerFailures        int    `json:"breakerFailures" yaml:"breakerFailures"`
	BreakerCooldownSeconds int    `json:"breakerCooldownSeconds" yaml:"breakerCooldownSeconds"`
}

// HTTPConfig configures the operations endpoint (/healthz, /metrics, /stats, /queue).
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c TransportConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
func (c MonitorConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }
func (c MonitorConfig) ProbeTimeout() time.Duration { return seconds(c.ProbeTimeoutSeconds) }
func (c TrackerConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }
func (c TrackerConfig) CheckTimeout() time.Duration { return seconds(c.CheckTimeoutSeconds) }
func (c TrackerConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeHours) * time.Hour }
func (c DeliveryConfig) DrainInterval() time.Duration { return seconds(c.DrainIntervalSeconds) }
func (c DeliveryConfig) SendInterval() time.Duration { return seconds(c.SendIntervalSeconds) }
func (c DeliveryConfig) SendTimeout() time.Duration { return seconds(c.SendTimeoutSeconds) }
func (c CRMConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
func (c MondayConfig) BreakerCooldown() time.Duration { return seconds(c.BreakerCooldownSeconds) }

// DefaultConfigDir returns the default config directory (~/.outreach).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".outreach"
	}
	return filepath.Join(home, ".outreach")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads the nearest .env file from the working directory upwards.
// Variables already set in the environment win.
func LoadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	for dir := cwd; ; {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// Load reads a JSON or YAML (by extension) config over Defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Logging.Level = env.GetString("OUTREACH_LOG_LEVEL", cfg.Logging.Level)
	cfg.Storage.DBPath = env.GetString("OUTREACH_DB_PATH", cfg.Storage.DBPath)
	cfg.HTTP.Addr = env.GetString("OUTREACH_HTTP_ADDR", cfg.HTTP.Addr)
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
		def, hasDefault := "", len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			def = groups[2]
		}
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Save writes cfg as indented JSON, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// The file may hold bridge and CRM tokens.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks ranges and enums and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		add("logging.format must be one of: text, json")
	}
	if cfg.Storage.DBPath == "" {
		add("storage.dbPath is required")
	}

	switch cfg.Transport.Kind {
	case "whatsapp":
		if cfg.Transport.WhatsApp.BaseURL == "" {
			add("transport.whatsapp.baseUrl is required")
		}
		if cfg.Transport.WhatsApp.MaxMessageLength < 1 {
			add("transport.whatsapp.maxMessageLength must be >= 1")
		}
	case "telegram":
		if cfg.Transport.Telegram.Token == "" {
			add("transport.telegram.token is required")
		}
	default:
		add("transport.kind must be one of: whatsapp, telegram")
	}
	if cfg.Transport.TimeoutSeconds < 1 {
		add("transport.timeoutSeconds must be >= 1")
	}

	if cfg.Monitor.IntervalSeconds < 1 {
		add("monitor.intervalSeconds must be >= 1")
	}
	if cfg.Monitor.ProbeTimeoutSeconds < 1 {
		add("monitor.probeTimeoutSeconds must be >= 1")
	}
	if cfg.Tracker.IntervalSeconds < 1 {
		add("tracker.intervalSeconds must be >= 1")
	}
	if cfg.Tracker.CheckTimeoutSeconds < 1 {
		add("tracker.checkTimeoutSeconds must be >= 1")
	}
	if cfg.Tracker.MaxAgeHours < 1 {
		add("tracker.maxAgeHours must be >= 1")
	}
	if cfg.Tracker.MaxAttempts < 1 {
		add("tracker.maxAttempts must be >= 1")
	}

	d := cfg.Delivery
	if d.DrainBatchSize < 1 || d.DrainBatchSize > 1000 {
		add("delivery.drainBatchSize must be between 1 and 1000")
	}
	if d.DrainWorkers < 1 || d.DrainWorkers > 64 {
		add("delivery.drainWorkers must be between 1 and 64")
	}
	if d.DrainIntervalSeconds < 0 {
		add("delivery.drainIntervalSeconds must be >= 0")
	}
	if d.SendIntervalSeconds < 0 {
		add("delivery.sendIntervalSeconds must be >= 0")
	}
	if d.SendTimeoutSeconds < 1 {
		add("delivery.sendTimeoutSeconds must be >= 1")
	}
	if d.EventBufferSize < 1 {
		add("delivery.eventBufferSize must be >= 1")
	}

	switch cfg.CRM.Kind {
	case "none":
	case "monday":
		if cfg.CRM.Monday.APIToken == "" {
			add("crm.monday.apiToken is required")
		}
		if cfg.CRM.Monday.BoardID == "" {
			add("crm.monday.boardId is required")
		}
		if cfg.CRM.Monday.MaxRetries < 0 {
			add("crm.monday.maxRetries must be >= 0")
		}
	default:
		add("crm.kind must be one of: none, monday")
	}
	if cfg.CRM.TimeoutSeconds < 1 {
		add("crm.timeoutSeconds must be >= 1")
	}

	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		add("http.addr is required when http is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
