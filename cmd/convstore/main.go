// ABOUTME: Entry point for the convstore admin CLI
// ABOUTME: Loads config, opens the store and dispatches cobra subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/convstore/internal/config"
	"github.com/2389/convstore/internal/store"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	if cerr := a.teardown(); err == nil {
		err = cerr
	}
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the root has set it up.
type app struct {
	configPath string

	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLStore
	closeLog func() error
}

// newRootCmd builds the command tree. The caller must call teardown on the
// returned app once the command has run.
func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "convstore",
		Short: "Administer the conversation store",
		Long: `convstore manages the persistence layer behind the chat service:
conversations, message trees, agent executions and knowledge base metadata.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("CONVSTORE_CONFIG"),
		"config file (YAML, or TOML with a .toml extension)")

	root.AddCommand(
		newMigrateCmd(a),
		newConversationsCmd(a),
		newStatsCmd(a),
		newVerifyCmd(a),
		newKBCmd(a),
	)
	return root, a
}

func (a *app) setup(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := config.SetupLogger(cfg.Logging, logOut)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	a.logger = logger
	a.closeLog = closeLog

	location := cfg.Database.Path
	if cfg.Database.Driver == string(store.DialectPostgres) {
		location = cfg.Database.DSN
	}
	s, err := store.Open(store.Dialect(cfg.Database.Driver), location, storeOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	a.store = s
	return nil
}

// storeOptions maps the config onto store options. max_retries: 0 in the
// config turns retries off; the config defaults supply the usual count.
func storeOptions(cfg *config.Config, logger *slog.Logger) store.Options {
	retries := cfg.Database.MaxRetries
	if retries == 0 {
		retries = store.NoRetries
	}
	return store.Options{
		Logger:         logger,
		DefaultModel:   cfg.Conversations.DefaultModel,
		MaxTitleLength: cfg.Conversations.MaxTitleLength,
		BusyTimeout:    cfg.Database.BusyTimeout,
		MaxRetries:     retries,
	}
}

func (a *app) teardown() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.closeLog != nil {
		if cerr := a.closeLog(); err == nil {
			err = cerr
		}
		a.closeLog = nil
	}
	return err
}
