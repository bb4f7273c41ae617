package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"companion/internal/app"
	"companion/internal/config"
	"companion/internal/logging"
)

var (
	home       string
	cfgPath    string
	passphrase string
	logLevel   string

	settings config.Config
	logger   *slog.Logger
	wire     *app.Wire
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Multi-device messaging companion client",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".companion")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			path := cfgPath
			if path == "" {
				if def := filepath.Join(home, "config.yaml"); fileExists(def) {
					path = def
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			l, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			if err != nil {
				return err
			}

			settings, logger = cfg, l
			wire = app.NewWire(app.Config{Home: home, Settings: cfg, Logger: l})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.companion)")
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default <home>/config.yaml when present)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the credentials")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(initCmd(), pairCmd(), fingerprintCmd(), connectCmd(), sendCmd(), resolveCmd(), existsCmd(),
		preKeysCmd(), keysCmd(), logoutCmd())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

func requirePassphrase() error {
	if passphrase == "" {
		return errors.New("passphrase required (-p)")
	}
	return nil
}

// openClient unlocks the credentials and opens the key store.
func openClient(ctx context.Context) (*app.Client, error) {
	if err := requirePassphrase(); err != nil {
		return nil, err
	}
	return wire.Open(ctx, passphrase)
}

// connectClient opens the client and waits until login has been processed.
func connectClient(ctx context.Context) (*app.Client, error) {
	c, err := openClient(ctx)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, settings.Server.ConnectTimeout.Std())
	defer cancel()
	if err := c.Connect(cctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to %s: %w", settings.Server.Address, err)
	}
	if err := c.WaitReady(cctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("logging in: %w", err)
	}
	return c, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
