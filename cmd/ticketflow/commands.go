package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/pengelbrecht/ticketflow/internal/engine"
	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/queue"
	"github.com/pengelbrecht/ticketflow/internal/tui"
	"github.com/pengelbrecht/ticketflow/internal/update"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the intake folder and process tickets",
		Long: `Serve processes every ticket already in the intake folder, then watches it
for new ones. Tickets run concurrently up to processing.concurrency. When the
webhook is enabled, merged pull requests move their tickets from review to
completed.

SIGINT or SIGTERM stops intake and waits up to shutdown.timeout for running
tickets before cancelling them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lc, proc, err := newProcessor(cfg, logger, cmd.OutOrStdout(), cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			svc := engine.NewService(engine.ServiceConfig{
				Concurrency:     cfg.Processing.Concurrency,
				WatchDebounce:   cfg.Processing.WatchDebounce,
				ShutdownTimeout: cfg.Shutdown.Timeout,
				ForceGrace:      cfg.Agent.KillGrace + 5*time.Second,
				Webhook:         cfg.Webhook.Enabled,
				WebhookAddr:     cfg.Webhook.Addr,
				WebhookCfg:      cfg.WebhookConfig(),
			}, lc, proc, logger)

			go func() {
				if notice := update.CheckPeriodically(ctx, version); notice != "" {
					logger.Info(notice)
				}
			}()

			logger.Info("ticketflow starting",
				"version", version,
				"intake", cfg.Folders.Intake,
				"concurrency", cfg.Processing.Concurrency,
				"git", cfg.Git.Enabled,
				"webhook", cfg.Webhook.Enabled,
			)
			if err := svc.Run(ctx); err != nil {
				if errors.Is(err, engine.ErrForcedShutdown) {
					logger.Error("shutdown timed out, running tickets were cancelled", "timeout", cfg.Shutdown.Timeout)
				}
				return err
			}
			logger.Info("ticketflow stopped")
			return nil
		},
	}
}

func processCmd() *cobra.Command {
	var jsonl bool
	cmd := &cobra.Command{
		Use:   "process <ticket>",
		Short: "Process one ticket from the intake folder and exit",
		Long: `Process runs a single ticket that is already in the intake folder through
the same path the daemon uses, printing agent output and a summary. The command
fails when the ticket ends up in the failed folder.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := engine.NewHeadlessOutput(jsonl)
			out.SetWriter(cmd.OutOrStdout())

			lc, proc, err := newProcessor(cfg, logger, out.Writer(), out.Writer(), false)
			if err != nil {
				return err
			}
			if err := lc.Layout().Ensure(); err != nil {
				return err
			}

			name := filepath.Base(args[0])
			stage, ok := lc.Locate(name)
			switch {
			case !ok:
				return fmt.Errorf("%s not found in %s", name, cfg.Folders.Intake)
			case stage != pipeline.Intake:
				return fmt.Errorf("%s is in %s, not %s", name, stage, pipeline.Intake)
			}

			proc.OnTicketStart = out.Start
			proc.OnTicketEnd = out.Complete
			o := proc.Process(ctx, queue.Ref{Path: lc.Path(pipeline.Intake, name)})
			if ctx.Err() != nil {
				out.Interrupted()
			}

			switch {
			case o.Err != nil:
				return o.Err
			case o.Stage == pipeline.Failed:
				return fmt.Errorf("%s failed, see %s", name, lc.Path(pipeline.Failed, pipeline.ErrorRecordName(name)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonl, "jsonl", false, "emit JSON Lines events instead of text")
	return cmd
}

type stageListing struct {
	Stage   string   `json:"stage"`
	Dir     string   `json:"dir"`
	Count   int      `json:"count"`
	Tickets []string `json:"tickets"`
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tickets in every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lc := pipeline.NewLifecycle(cfg.Layout(), pipeline.Options{IDs: cfg.IDPattern(), Logger: logger})
			snap, err := lc.Snapshot()
			if err != nil {
				return err
			}

			listings := make([]stageListing, 0, len(pipeline.Stages))
			for _, s := range pipeline.Stages {
				names := snap[s]
				if names == nil {
					names = []string{}
				}
				listings = append(listings, stageListing{
					Stage:   s.String(),
					Dir:     lc.Layout().Dir(s),
					Count:   len(names),
					Tickets: names,
				})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listings)
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Stage", "Folder", "Count", "Tickets"})
			for _, l := range listings {
				tw.AppendRow(table.Row{l.Stage, l.Dir, l.Count, strings.Join(l.Tickets, "\n")})
			}
			tw.AppendFooter(table.Row{"Total", "", snap.Total(), ""})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func boardCmd() *cobra.Command {
	var (
		url      string
		local    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Live board of the ticket pipeline",
		Long: `Board shows every stage as a column and refreshes it continuously. Unless
--local is given it polls the daemon's /health endpoint to mark the tickets that
are running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lc := pipeline.NewLifecycle(cfg.Layout(), pipeline.Options{IDs: cfg.IDPattern(), Logger: logger})

			bcfg := tui.Config{Snapshots: lc, Interval: interval}
			if url == "" && cfg.Webhook.Enabled {
				url = healthBaseURL(cfg.Webhook.Addr)
			}
			if !local && url != "" {
				bcfg.Health = tui.NewHealthClient(strings.TrimSuffix(url, "/"))
			}

			p := tea.NewProgram(tui.New(bcfg), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "daemon base URL (default derived from webhook.addr)")
	cmd.Flags().BoolVar(&local, "local", false, "read the folders only, without polling the daemon")
	cmd.Flags().DurationVar(&interval, "interval", tui.DefaultInterval, "refresh interval")
	return cmd
}

// healthBaseURL turns a listen address into a URL a local client can reach.
func healthBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade ticketflow to the latest version",
		Long:  `Downloads the latest release and replaces the running binary in-place.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current version: %s\n", version)
			fmt.Fprintln(out, "Checking for updates...")

			newVersion, err := update.Update(cmd.Context(), version)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Upgraded to %s\n", newVersion)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ticketflow %s\n", version)
			updateNotice(cmd.Context(), cmd.ErrOrStderr())
		},
	}
}
