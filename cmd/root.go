package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/softteacher/internal/config"
	"github.com/andresmejia3/softteacher/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the loaded training configuration shared by subcommands
	Cfg *config.Config
	// Index is the labeled-item index, opened on first use
	Index store.Index

	dbURL      string
	configPath string
	envPath    string
	debug      bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "softteacher",
	Short:   "Semi-supervised detection training with cross-view contrastive losses",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(envPath); err != nil {
			return fmt.Errorf("failed to load %s: %w", envPath, err)
		}

		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		if configPath == "" {
			Cfg = config.Default()
		} else if Cfg, err = config.Load(configPath); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Index != nil {
			// the command context may already be cancelled (Ctrl+C)
			Index.Close(context.Background())
		}
	},
}

// openIndex connects to the configured labeled-item index. A postgres index
// with no DSN in the config uses --db or the environment.
func openIndex(ctx context.Context) (store.Index, error) {
	if Index != nil {
		return Index, nil
	}
	dsn := Cfg.Index.DSN
	if Cfg.Index.Driver == "postgres" && dsn == "" {
		dsn = config.DatabaseURL(dbURL)
	}
	idx, err := store.Open(ctx, Cfg.Index.Driver, dsn, Cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s index: %w", Cfg.Index.Driver, err)
	}
	Index = idx
	return idx, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the labeled-item index (default: $SOFTTEACHER_DB, then POSTGRES_*)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML training config (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env-file", ".env", "Environment file loaded before anything else")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
