package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/graphext/clippi-sub000/internal/config"
	"github.com/graphext/clippi-sub000/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// envFile is loaded, if present, before the environment is read.
const envFile = ".env"

// NewRootCommand builds a fresh command tree. Each call returns independent
// flag state, so tests and embedders can run it repeatedly.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:           "clippi",
		Short:         "Clippi guides users through web UIs step by step.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, cfg)

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting clippi.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./clippi.yaml)")
	root.PersistentFlags().StringP("manifest", "m", "", "path to the guidance manifest")

	root.AddCommand(
		newTargetsCmd(),
		newCheckCmd(),
		newGuideCmd(),
		newServeCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with a signal aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger := observability.GetLogger()
		logger.Error("Command failed.", zap.Error(err))
		root.PrintErrln("Error:", err)
		return err
	}
	return nil
}

// initializeConfig reads the config file, .env and CLIPPI_* variables into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("clippi")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CLIPPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// applyFlagOverrides copies explicitly set flags over file and env values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("manifest") {
		p, _ := flags.GetString("manifest")
		cfg.SetManifestPath(p)
	}
	if f := flags.Lookup("url"); f != nil && f.Changed {
		cfg.SetStartURL(f.Value.String())
	}
	if f := flags.Lookup("driver"); f != nil && f.Changed {
		cfg.SetBrowserDriver(f.Value.String())
	}
	if f := flags.Lookup("headless"); f != nil && f.Changed {
		b, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(b)
	}
	if f := flags.Lookup("bridge"); f != nil && f.Changed {
		b, _ := flags.GetBool("bridge")
		cfg.SetBridgeEnabled(b)
	}
	if f := flags.Lookup("listen"); f != nil && f.Changed {
		cfg.SetBridgeListen(f.Value.String())
	}
}

// getConfig returns the configuration stored by PersistentPreRunE.
func getConfig(cmd *cobra.Command) (config.Interface, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Interface)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
