package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/boxlite-ai/claudebox/internal/config"
	"github.com/boxlite-ai/claudebox/internal/logging"
	"github.com/boxlite-ai/claudebox/internal/manager"
	"github.com/boxlite-ai/claudebox/internal/sandbox"
)

var rootCmd = &cobra.Command{
	Use:   "claudebox",
	Short: "Run Claude Code in isolated sandbox sessions",
	Long: `ClaudeBox orchestrates persistent, isolated sandbox sessions in which
Claude Code executes tasks. Sessions survive process restarts, are safe
against concurrent access, and enforce a resolved security policy before
any agent code runs.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/claudebox/config.yaml)")
	rootCmd.PersistentFlags().String("workspace-root", "", "workspace root directory (default is $HOME/.claudebox)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workspace.root", rootCmd.PersistentFlags().Lookup("workspace-root"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/claudebox")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLAUDEBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// buildManager assembles the session manager from the effective
// configuration. The returned logger must be closed by the caller.
func buildManager() (*manager.Manager, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(cfg.Workspace.ResolveRoot(), cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}

	var runtime sandbox.Runtime
	switch cfg.Runtime.Kind {
	case "fake":
		runtime = sandbox.NewFakeRuntime()
	default:
		runtime = sandbox.NewLocalRuntime()
	}

	m, err := manager.New(cfg, runtime, logger)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return m, logger, nil
}
