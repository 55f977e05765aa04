package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/troupebot/troupe/pkg/troupe/actor"
	"github.com/troupebot/troupe/pkg/troupe/gateway/discord"
	"github.com/troupebot/troupe/pkg/troupe/llm"
	"github.com/troupebot/troupe/pkg/troupe/store"
)

// newServeCmd creates the `troupe serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and connect to Discord",
		Long: `Start troupe as a daemon: open the persona store, connect to the
Discord gateway, register the slash-command admin surface, and process
messages until interrupted.

Examples:
  troupe serve
  troupe serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Resolve secrets (keyring → env → config) ──
	actor.ResolveSecrets(cfg, logger)
	if cfg.Discord.Token == "" {
		return fmt.Errorf("no Discord token configured")
	}

	// ── Open persona store ──
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.Store.Path)

	// ── Wire engine and gateway ──
	// The gateway is created first: the engine consumes it as its history
	// and delivery implementation, then binds back as admin and handler.
	client := llm.New(cfg.API, logger)
	gw := discord.New(discord.Config{
		Token:        cfg.Discord.Token,
		GuildID:      cfg.Discord.GuildID,
		ManagerRole:  cfg.ManagerRole,
		DeliveryName: cfg.DeliveryName,
	}, st, logger)
	engine := actor.New(cfg, st, client, gw, gw, logger)
	gw.Bind(engine, engine.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Connect ──
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("connecting gateway: %w", err)
	}

	if err := engine.Compactor().StartSweep(ctx); err != nil {
		logger.Error("failed to start compaction sweep", "error", err)
	}

	// ── Wait for shutdown ──
	logger.Info("troupe running. Press Ctrl+C to stop.",
		"manager_role", cfg.ManagerRole,
		"model", cfg.API.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		engine.Compactor().StopSweep()
		gw.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// resolveConfig loads config from an explicit path or standard locations,
// falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*actor.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := actor.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := actor.FindConfigFile(); found != "" {
		cfg, err := actor.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	// No config file: defaults plus env/keyring secrets still make a
	// runnable setup.
	slog.Info("no config file found, using defaults")
	return actor.DefaultConfig(), nil
}
