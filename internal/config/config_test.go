package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "clippi", cfg.Logger().ServiceName)
	assert.Equal(t, "green", cfg.Logger().Colors.Info)
	assert.Equal(t, DriverChromedp, cfg.Browser().Driver)
	assert.Equal(t, 1280, cfg.Browser().Viewport["width"])
	assert.Equal(t, 30*time.Second, cfg.Browser().NavigationTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Guide().PollInterval)
	assert.Zero(t, cfg.Guide().ConfirmTimeout)
	assert.Equal(t, "data-testid", cfg.Guide().TestIDAttribute)
	assert.Equal(t, "memory", cfg.Store().Driver)
	assert.Equal(t, 5*time.Second, cfg.Store().Timeout)
	assert.Equal(t, 10.0, cfg.Bridge().CommandRate)
	assert.Equal(t, 200*time.Millisecond, cfg.Manifest().Debounce)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.BrowserCfg.Driver = "selenium" }, "browser.driver"},
		{"zero poll", func(c *Config) { c.GuideCfg.PollInterval = 0 }, "guide.poll_interval"},
		{"file store without path", func(c *Config) { c.StoreCfg.Driver = "file"; c.StoreCfg.Path = "" }, "store.path"},
		{"postgres without dsn", func(c *Config) { c.StoreCfg.Driver = "postgres" }, "store.dsn"},
		{"unknown store", func(c *Config) { c.StoreCfg.Driver = "redis" }, "store.driver"},
		{"bridge without listen", func(c *Config) { c.BridgeCfg.Enabled = true; c.BridgeCfg.Listen = "" }, "bridge.listen"},
		{"bridge zero rate", func(c *Config) { c.BridgeCfg.Enabled = true; c.BridgeCfg.CommandRate = 0 }, "command_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("rod is accepted", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.SetBrowserDriver(DriverRod)
		assert.NoError(t, cfg.Validate())
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetManifestPath("m.json")
	cfg.SetStartURL("https://app.test")
	cfg.SetBrowserHeadless(true)
	cfg.SetBridgeEnabled(true)
	cfg.SetBridgeListen(":9000")

	assert.Equal(t, "m.json", cfg.Manifest().Path)
	assert.Equal(t, "https://app.test", cfg.Browser().StartURL)
	assert.True(t, cfg.Browser().Headless)
	assert.True(t, cfg.Bridge().Enabled)
	assert.Equal(t, ":9000", cfg.Bridge().Listen)
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  driver: rod
  viewport:
    width: 1440
    height: 900
guide:
  poll_interval: 50ms
  confirm_timeout: -1s
  user_context:
    plan: pro
    seats: 4
store:
  driver: file
  path: ~/progress.json
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, DriverRod, cfg.Browser().Driver)
		assert.Equal(t, 1440, cfg.Browser().Viewport["width"])
		assert.Equal(t, 50*time.Millisecond, cfg.Guide().PollInterval)
		assert.Equal(t, -time.Second, cfg.Guide().ConfirmTimeout)
		assert.Equal(t, "pro", cfg.Guide().UserContext["plan"])
		assert.False(t, strings.HasPrefix(cfg.Store().Path, "~"), "home directory is expanded")
		assert.Equal(t, "info", cfg.Logger().Level, "defaults still apply")
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("guide.poll_interval", "0s")

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "guide.poll_interval")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv("CLIPPI_STORE_DSN", "postgres://clippi@localhost/clippi")
		t.Setenv("CLIPPI_BRIDGE_SECRET", "s3cret")

		v := viper.New()
		SetDefaults(v)
		v.Set("store.driver", "postgres")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "postgres://clippi@localhost/clippi", cfg.Store().DSN)
		assert.Equal(t, "s3cret", cfg.Bridge().AuthSecret)
	})
}
