package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sofr-tracker/internal/app"
	"sofr-tracker/internal/config"
	"sofr-tracker/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "sofr-tracker",
	Short: "Synchronise SOFR, EFFR, policy rates and reverse repo volumes into PostgreSQL",
	// Errors are printed once by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}
		a, err := loadApp(cfgFile, logLevel)
		if err != nil {
			return err
		}
		a.Out = cmd.OutOrStdout()
		appHandle = a
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "sofr-tracker: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file (default ./config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(
		syncCmd,
		backfillCmd,
		serveCmd,
		statusCmd,
		exportCmd,
		migrateCmd,
		versionCmd,
	)
}

// loadApp reads configuration once per process and builds the shared handle.
func loadApp(path, level string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Logging.Level = level
	}
	return app.NewApp(cfg, logging.NewLogger(cfg.Logging)), nil
}

func getApp() *app.App {
	if appHandle == nil {
		panic("cli: app used before PersistentPreRunE")
	}
	return appHandle
}
