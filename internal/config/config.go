// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CASEFILL_BRIDGE_LISTEN_ADDR.
const EnvPrefix = "CASEFILL"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Target() TargetConfig
	Bridge() BridgeConfig
	Store() StoreConfig
	Mapping() MappingConfig
	Fill() FillConfig
	Rounds() RoundsConfig
	Snapshot() SnapshotConfig
	Driver() DriverConfig

	// CLI flag setters
	SetBrowserHeadless(bool)
	SetBridgeListenAddr(string)
	SetDriverAutoStart(bool)
	SetStoreBackend(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	TargetCfg   TargetConfig   `mapstructure:"target" yaml:"target"`
	BridgeCfg   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
	MappingCfg  MappingConfig  `mapstructure:"mapping" yaml:"mapping"`
	FillCfg     FillConfig     `mapstructure:"fill" yaml:"fill"`
	RoundsCfg   RoundsConfig   `mapstructure:"rounds" yaml:"rounds"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	DriverCfg   DriverConfig   `mapstructure:"driver" yaml:"driver"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Target() TargetConfig     { return c.TargetCfg }
func (c *Config) Bridge() BridgeConfig     { return c.BridgeCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }
func (c *Config) Mapping() MappingConfig   { return c.MappingCfg }
func (c *Config) Fill() FillConfig         { return c.FillCfg }
func (c *Config) Rounds() RoundsConfig     { return c.RoundsCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }
func (c *Config) Driver() DriverConfig     { return c.DriverCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetBridgeListenAddr(a string)   { c.BridgeCfg.ListenAddr = a }
func (c *Config) SetDriverAutoStart(b bool)      { c.DriverCfg.AutoStart = b }
func (c *Config) SetStoreBackend(backend string) { c.StoreCfg.Backend = backend }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	Development bool        `mapstructure:"development" yaml:"development"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chromium instance that hosts the target site.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir       string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// TargetConfig maps form codes to the government site URL that hosts them.
type TargetConfig struct {
	DefaultURL string            `mapstructure:"default_url" yaml:"default_url"`
	FormURLs   map[string]string `mapstructure:"form_urls" yaml:"form_urls"`
}

// URLFor returns the start URL for a form code. Lookups are case-insensitive because
// viper lower-cases map keys.
func (t TargetConfig) URLFor(formCode string) string {
	if u, ok := t.FormURLs[strings.ToLower(formCode)]; ok && u != "" {
		return u
	}
	if u, ok := t.FormURLs[formCode]; ok && u != "" {
		return u
	}
	return t.DefaultURL
}

// BridgeConfig configures the dashboard-facing HTTP/WebSocket endpoint.
type BridgeConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Build          int           `mapstructure:"build" yaml:"build"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// StoreConfig selects and configures the durable session store.
type StoreConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
	Redis       Redis  `mapstructure:"redis" yaml:"redis"`
}

// Redis holds go-redis connection settings.
type Redis struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// MappingConfig configures the client of the external mapping service.
type MappingConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Path       string        `mapstructure:"path" yaml:"path"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	ExpirySkew time.Duration `mapstructure:"expiry_skew" yaml:"expiry_skew"`
	Gemini     GeminiConfig  `mapstructure:"gemini" yaml:"gemini"`
}

// GeminiConfig configures the local development mapper.
type GeminiConfig struct {
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float32 `mapstructure:"temperature" yaml:"temperature"`
}

// FillConfig tunes the fill engine.
type FillConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	SettleDelay         time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	StepDelay           time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	HighlightDuration   time.Duration `mapstructure:"highlight_duration" yaml:"highlight_duration"`
	Popup               PopupConfig   `mapstructure:"popup" yaml:"popup"`
}

// PopupConfig controls how long the engine waits for portal-rendered option lists.
type PopupConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CloseWait       time.Duration `mapstructure:"close_wait" yaml:"close_wait"`
	TriggerClass    string        `mapstructure:"trigger_class" yaml:"trigger_class"`
}

// RoundsConfig controls the multi-round convergence loop.
type RoundsConfig struct {
	MaxRounds     int           `mapstructure:"max_rounds" yaml:"max_rounds"`
	RerenderDelay time.Duration `mapstructure:"rerender_delay" yaml:"rerender_delay"`
}

// SnapshotConfig bounds the compact markup sent to the mapping service.
type SnapshotConfig struct {
	SoftCap        int    `mapstructure:"soft_cap" yaml:"soft_cap"`
	HardCap        int    `mapstructure:"hard_cap" yaml:"hard_cap"`
	MaxClassTokens int    `mapstructure:"max_class_tokens" yaml:"max_class_tokens"`
	ClassPattern   string `mapstructure:"class_pattern" yaml:"class_pattern"`
}

// DriverConfig controls the page driver attached to the target tab.
type DriverConfig struct {
	AutoStart bool `mapstructure:"auto_start" yaml:"auto_start"`
	Overlay   bool `mapstructure:"overlay" yaml:"overlay"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.service_name", "casefill")
	v.SetDefault("logger.log_file", "~/.casefill/casefill.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.casefill/profile")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.navigation_timeout", "90s")

	// -- Target --
	v.SetDefault("target.default_url", "https://my.uscis.gov/")

	// -- Bridge --
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8765")
	v.SetDefault("bridge.allowed_origins", []string{"*"})
	v.SetDefault("bridge.build", 1)
	v.SetDefault("bridge.write_timeout", "10s")
	v.SetDefault("bridge.ping_interval", "30s")

	// -- Store --
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.namespace", "casefill")
	v.SetDefault("store.sqlite_path", "~/.casefill/session.db")
	v.SetDefault("store.redis.addr", "127.0.0.1:6379")

	// -- Mapping --
	v.SetDefault("mapping.provider", "http")
	v.SetDefault("mapping.path", "/api/v1/autofill/ai-map")
	v.SetDefault("mapping.timeout", "60s")
	v.SetDefault("mapping.rate_limit", 0.5)
	v.SetDefault("mapping.rate_burst", 3)
	v.SetDefault("mapping.expiry_skew", "5s")
	v.SetDefault("mapping.gemini.model", "gemini-2.5-flash")
	v.SetDefault("mapping.gemini.temperature", 0.1)

	// -- Fill --
	v.SetDefault("fill.confidence_threshold", 0.5)
	v.SetDefault("fill.settle_delay", "100ms")
	v.SetDefault("fill.step_delay", "300ms")
	v.SetDefault("fill.highlight_duration", "2s")
	v.SetDefault("fill.popup.initial_interval", "50ms")
	v.SetDefault("fill.popup.max_interval", "400ms")
	v.SetDefault("fill.popup.multiplier", 1.6)
	v.SetDefault("fill.popup.timeout", "3s")
	v.SetDefault("fill.popup.close_wait", "300ms")
	v.SetDefault("fill.popup.trigger_class", "MuiSelect-select")

	// -- Rounds --
	v.SetDefault("rounds.max_rounds", 3)
	v.SetDefault("rounds.rerender_delay", "1500ms")

	// -- Snapshot --
	v.SetDefault("snapshot.soft_cap", 60000)
	v.SetDefault("snapshot.hard_cap", 100000)
	v.SetDefault("snapshot.max_class_tokens", 3)
	v.SetDefault("snapshot.class_pattern", `^(Mui|css-|ant-|chakra-|v-|usa-|form-|select|radio|checkbox)`)

	// -- Driver --
	v.SetDefault("driver.auto_start", false)
	v.SetDefault("driver.overlay", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are only ever taken from the environment.
	_ = v.BindEnv("mapping.gemini.api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("store.postgres_url", EnvPrefix+"_POSTGRES_URL", "DATABASE_URL")
	_ = v.BindEnv("store.redis.password", EnvPrefix+"_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.BrowserCfg.UserDataDir, &c.StoreCfg.SQLitePath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BridgeCfg.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr is required")
	}
	if c.TargetCfg.DefaultURL == "" && len(c.TargetCfg.FormURLs) == 0 {
		return fmt.Errorf("target.default_url or target.form_urls must be set")
	}
	if err := c.StoreCfg.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if err := c.MappingCfg.Validate(); err != nil {
		return fmt.Errorf("mapping configuration invalid: %w", err)
	}
	if err := c.FillCfg.Validate(); err != nil {
		return fmt.Errorf("fill configuration invalid: %w", err)
	}
	if c.RoundsCfg.MaxRounds <= 0 {
		return fmt.Errorf("rounds.max_rounds must be a positive integer")
	}
	if err := c.SnapshotCfg.Validate(); err != nil {
		return fmt.Errorf("snapshot configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the store selection.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case "memory":
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if s.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres backend. Ensure CASEFILL_POSTGRES_URL is set")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (want memory, sqlite, postgres or redis)", s.Backend)
	}
	return nil
}

// Validate checks the mapping client settings.
func (m *MappingConfig) Validate() error {
	switch m.Provider {
	case "http":
		if !strings.HasPrefix(m.Path, "/") {
			return fmt.Errorf("path must start with '/'")
		}
	case "gemini":
		if m.Gemini.APIKey == "" {
			return fmt.Errorf("gemini API key is required but not found. Ensure CASEFILL_GEMINI_API_KEY is set")
		}
	default:
		return fmt.Errorf("unknown provider %q (want http or gemini)", m.Provider)
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if m.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

// Validate checks the fill engine settings.
func (f *FillConfig) Validate() error {
	if f.ConfidenceThreshold < 0.0 || f.ConfidenceThreshold > 1.0 {
		return fmt.Errorf("confidence_threshold must be between 0.0 and 1.0")
	}
	if f.Popup.Timeout <= 0 {
		return fmt.Errorf("popup.timeout must be a positive duration")
	}
	if f.Popup.Multiplier < 1.0 {
		return fmt.Errorf("popup.multiplier must be at least 1.0")
	}
	return nil
}

// Validate checks the snapshot caps.
func (s *SnapshotConfig) Validate() error {
	if s.SoftCap <= 0 || s.HardCap <= 0 {
		return fmt.Errorf("soft_cap and hard_cap must be positive")
	}
	if s.SoftCap > s.HardCap {
		return fmt.Errorf("soft_cap (%d) must not exceed hard_cap (%d)", s.SoftCap, s.HardCap)
	}
	if _, err := regexp.Compile(s.ClassPattern); err != nil {
		return fmt.Errorf("class_pattern is not a valid regular expression: %w", err)
	}
	return nil
}
