package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/config"
	"github.com/pengelbrecht/ticketflow/internal/engine"
	"github.com/pengelbrecht/ticketflow/internal/forge"
	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/publish"
	"github.com/pengelbrecht/ticketflow/internal/update"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticketflow",
		Short: "File-driven ticket processor for coding agents",
		Long: `Ticketflow watches a folder of Markdown tickets, runs a coding agent on each
one, publishes the result to a Gitea repository as a pull request and moves the
ticket through todo, doing, review, failed and completed folders.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default ./"+config.DefaultFile+")")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: text or json")

	root.AddCommand(
		serveCmd(),
		processCmd(),
		statusCmd(),
		boardCmd(),
		upgradeCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig reads the config named by --config and applies the logging
// flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, l config.Logging) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", l.Format)
	}
}

// newProcessor wires the processing path from cfg. Agent output goes to
// stdout and stderr.
func newProcessor(cfg *config.Config, logger *slog.Logger, stdout, stderr io.Writer, moveDelay bool) (*pipeline.Lifecycle, *engine.Processor, error) {
	ids := cfg.IDPattern()
	lc := pipeline.NewLifecycle(cfg.Layout(), pipeline.Options{IDs: ids, Logger: logger})

	adCfg := cfg.AdapterConfig()
	adCfg.Stdout = stdout
	adCfg.Stderr = stderr
	adCfg.Logger = logger
	adapter := agent.NewAdapter(cfg.CLIAgent(), adCfg)

	var pub engine.Publisher
	if cfg.Git.Enabled {
		var f publish.Forge
		g, err := forge.NewGitea(cfg.ForgeConfig(), logger)
		switch {
		case errors.Is(err, forge.ErrNoToken):
			logger.Warn("no remote token configured, results are committed locally only")
		case err != nil:
			return nil, nil, fmt.Errorf("remote: %w", err)
		default:
			f = g
		}
		pub = publish.New(cfg.PublishConfig(), f, logger)
	}

	pcfg := engine.ProcessorConfig{IDs: ids}
	if moveDelay {
		pcfg.MoveDelay = cfg.Processing.MoveDelay
	}
	return lc, engine.NewProcessor(lc, adapter, pub, pcfg, logger), nil
}

func updateNotice(ctx context.Context, w io.Writer) {
	if notice := update.CheckPeriodically(ctx, version); notice != "" {
		fmt.Fprintln(w, notice)
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
