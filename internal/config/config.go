// Package config holds the application configuration loaded through viper.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Guide() GuideConfig
	Store() StoreConfig
	Bridge() BridgeConfig
	Manifest() ManifestConfig

	// Setters used by CLI flags.
	SetManifestPath(string)
	SetStartURL(string)
	SetBrowserDriver(string)
	SetBrowserHeadless(bool)
	SetBridgeEnabled(bool)
	SetBridgeListen(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	GuideCfg    GuideConfig    `mapstructure:"guide" yaml:"guide"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
	BridgeCfg   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	ManifestCfg ManifestConfig `mapstructure:"manifest" yaml:"manifest"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Guide() GuideConfig       { return c.GuideCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }
func (c *Config) Bridge() BridgeConfig     { return c.BridgeCfg }
func (c *Config) Manifest() ManifestConfig { return c.ManifestCfg }

func (c *Config) SetManifestPath(p string)  { c.ManifestCfg.Path = p }
func (c *Config) SetStartURL(u string)      { c.BrowserCfg.StartURL = u }
func (c *Config) SetBrowserDriver(d string) { c.BrowserCfg.Driver = d }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetBridgeEnabled(b bool)   { c.BridgeCfg.Enabled = b }
func (c *Config) SetBridgeListen(a string)  { c.BridgeCfg.Listen = a }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the terminal color of each log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser drivers.
const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
)

// BrowserConfig selects and tunes the live page backend.
type BrowserConfig struct {
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	Headless bool           `mapstructure:"headless" yaml:"headless"`
	Args     []string       `mapstructure:"args" yaml:"args"`
	Viewport map[string]int `mapstructure:"viewport" yaml:"viewport"`
	StartURL string         `mapstructure:"start_url" yaml:"start_url"`
	// ControlURL attaches to an already running browser instead of launching one.
	ControlURL        string        `mapstructure:"control_url" yaml:"control_url"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
}

// GuideConfig tunes step sequencing.
type GuideConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// ConfirmTimeout of zero defers to the manifest default; negative disables it.
	ConfirmTimeout  time.Duration  `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	ScrollSettle    time.Duration  `mapstructure:"scroll_settle" yaml:"scroll_settle"`
	TestIDAttribute string         `mapstructure:"test_id_attribute" yaml:"test_id_attribute"`
	UserContext     map[string]any `mapstructure:"user_context" yaml:"user_context"`
}

// StoreConfig selects where flow progress is kept.
type StoreConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	Path       string `mapstructure:"path" yaml:"path"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	SessionKey string `mapstructure:"session_key" yaml:"session_key"`
	// Timeout bounds each progress write.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BridgeConfig configures the overlay/chat bridge server.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	// AuthSecret enables HS256 bearer token checks when set.
	AuthSecret     string   `mapstructure:"auth_secret" yaml:"auth_secret"`
	CommandRate    float64  `mapstructure:"command_rate" yaml:"command_rate"`
	CommandBurst   int      `mapstructure:"command_burst" yaml:"command_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ManifestConfig locates the manifest.
type ManifestConfig struct {
	Path     string        `mapstructure:"path" yaml:"path"`
	Watch    bool          `mapstructure:"watch" yaml:"watch"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "clippi")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
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
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.debug", false)
	// -- Guide --
	v.SetDefault("guide.poll_interval", "100ms")
	v.SetDefault("guide.confirm_timeout", "0s")
	v.SetDefault("guide.scroll_settle", "300ms")
	v.SetDefault("guide.test_id_attribute", "data-testid")
	// -- Store --
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "~/.clippi/progress.json")
	v.SetDefault("store.session_key", "default")
	v.SetDefault("store.timeout", "5s")
	// -- Bridge --
	v.SetDefault("bridge.enabled", false)
	v.SetDefault("bridge.listen", "127.0.0.1:7717")
	v.SetDefault("bridge.command_rate", 10.0)
	v.SetDefault("bridge.command_burst", 20)
	// -- Manifest --
	v.SetDefault("manifest.path", "clippi.manifest.json")
	v.SetDefault("manifest.watch", false)
	v.SetDefault("manifest.debounce", "200ms")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are usually injected through the environment only.
	_ = v.BindEnv("store.dsn", "CLIPPI_STORE_DSN")
	_ = v.BindEnv("bridge.auth_secret", "CLIPPI_BRIDGE_SECRET")

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
	for _, p := range []*string{&c.ManifestCfg.Path, &c.StoreCfg.Path, &c.LoggerCfg.LogFile} {
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

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Driver {
	case DriverChromedp, DriverRod:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverRod, c.BrowserCfg.Driver)
	}
	if c.GuideCfg.PollInterval <= 0 {
		return fmt.Errorf("guide.poll_interval must be a positive duration")
	}
	switch c.StoreCfg.Driver {
	case "memory":
	case "file":
		if c.StoreCfg.Path == "" {
			return fmt.Errorf("store.path is required for the file store")
		}
	case "postgres":
		if c.StoreCfg.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.driver must be memory, file or postgres, got %q", c.StoreCfg.Driver)
	}
	if c.BridgeCfg.Enabled {
		if c.BridgeCfg.Listen == "" {
			return fmt.Errorf("bridge.listen is required when the bridge is enabled")
		}
		if c.BridgeCfg.CommandRate <= 0 || c.BridgeCfg.CommandBurst <= 0 {
			return fmt.Errorf("bridge.command_rate and bridge.command_burst must be positive")
		}
	}
	return nil
}
