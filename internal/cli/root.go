// Package cli provides the command-line interface for the option-chain streamer.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chainstream/internal/config"
	"chainstream/internal/logging"
	"chainstream/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-01-01"
)

// skipConfig marks commands that run without loading config.toml.
const skipConfig = "skip-config"

// App holds the application dependencies shared by commands.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "chainstream",
		Short: "MCX option-chain streamer",
		Long: `chainstream streams a live, filtered MCX commodity option chain.

It selects strikes inside a volatility band around each futures price,
computes per-strike metrics as ticks arrive and publishes snapshots to
WebSocket clients. Large universes are sharded across worker processes.

Use 'chainstream instruments sync' before the first 'chainstream serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default: ~/.config/chainstream)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newWorkerCmd(app))
	rootCmd.AddCommand(newCalendarCmd(app))
	rootCmd.AddCommand(newInstrumentsCmd(app))
	rootCmd.AddCommand(newHolidaysCmd(app))
	rootCmd.AddCommand(newSettingsCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))

	return rootCmd
}

// load reads configuration and builds the process logger. Workers log to
// stderr because stdout carries IPC.
func (a *App) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	a.Config = cfg

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.JSON = cfg.Logging.JSON
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	logCfg.Stderr = cmd.Name() == "worker"
	a.Logger = logging.NewLoggerWithConfig(logCfg)

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

// openStore opens the reference store at the configured path.
func (a *App) openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(a.Config.Store.Path)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("chainstream v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}
