package main

import (
	stdLog "log"
	"os"
	"time"

	"github.com/Astemirdum/library-ledger/library/app"
	"github.com/Astemirdum/library-ledger/library/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// @title Library ledger API
// @version 1.0
// @description Loans, returns, fines and reservations of a lending library.
// @host localhost:8060
// @BasePath /
func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		stdLog.Fatal("load envs from .env ", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool
	loadConfig := func() *config.Config {
		opts := []config.Option{config.WithWriteTimeout(time.Minute)}
		if debug {
			opts = append(opts, config.WithLogLevel(zapcore.DebugLevel))
		}
		return config.NewConfig(opts...)
	}

	root := &cobra.Command{
		Use:          "library",
		Short:        "Circulation ledger of a lending library",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and, when enabled, the restock consumer",
			Run: func(*cobra.Command, []string) {
				app.Run(loadConfig())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(*cobra.Command, []string) error {
				return app.Migrate(loadConfig())
			},
		},
		&cobra.Command{
			Use:   "sweep-fines",
			Short: "Charge or refresh fines of overdue loans once",
			RunE: func(*cobra.Command, []string) error {
				return app.SweepFines(loadConfig())
			},
		},
	)
	return root
}
