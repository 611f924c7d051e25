package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/queue"
	"github.com/pengelbrecht/ticketflow/internal/watcher"
	"github.com/pengelbrecht/ticketflow/internal/webhook"
)

// ErrForcedShutdown is returned by Service.Run when in-flight tickets did not
// finish within the shutdown timeout.
var ErrForcedShutdown = errors.New("forced shutdown: in-flight tickets did not finish")

// DefaultShutdownTimeout bounds the drain after a stop request.
const DefaultShutdownTimeout = 30 * time.Second

// DefaultForceGrace is the agent kill grace plus a margin for writing records.
const DefaultForceGrace = agent.DefaultKillGrace + 5*time.Second

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Concurrency     int
	WatchDebounce   time.Duration
	ShutdownTimeout time.Duration

	// ForceGrace bounds the wait for cancelled tickets to reach Failed after
	// a forced shutdown. It should cover the agent kill grace.
	ForceGrace time.Duration

	// Webhook enables the event receiver on WebhookAddr, or on Listener when
	// set.
	Webhook     bool
	WebhookAddr string
	Listener    net.Listener
	WebhookCfg  webhook.Config
}

// Service is the long-running daemon: it watches Intake, dispatches tickets
// through the queue, serves the webhook and coordinates shutdown.
type Service struct {
	cfg    ServiceConfig
	lc     *pipeline.Lifecycle
	proc   *Processor
	logger *slog.Logger

	// OnReady is called once the watcher and listener are running (optional).
	OnReady func(q *queue.Queue)
}

// NewService creates a Service.
func NewService(cfg ServiceConfig, lc *pipeline.Lifecycle, proc *Processor, logger *slog.Logger) *Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ForceGrace <= 0 {
		cfg.ForceGrace = DefaultForceGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, lc: lc, proc: proc, logger: logger}
}

// Run blocks until ctx is done or the watcher or listener fails. It then stops
// accepting work and waits up to ShutdownTimeout for in-flight tickets.
// Tickets keep running after ctx is cancelled; only the forced shutdown
// cancels them, and Run waits up to ForceGrace for them to reach Failed.
func (s *Service) Run(ctx context.Context) error {
	layout := s.lc.Layout()
	if err := layout.Ensure(); err != nil {
		return err
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	q := queue.New(workCtx, queue.Config{
		Concurrency: s.cfg.Concurrency,
		Logger:      s.logger,
	}, s.proc.Handle)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// Listen before the watcher so a bind failure cannot strand submitted tickets.
	var ln net.Listener
	if s.cfg.Webhook {
		ln = s.cfg.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", s.cfg.WebhookAddr)
			if err != nil {
				q.Close()
				return fmt.Errorf("webhook listener: %w", err)
			}
		}
	}

	errCh := make(chan error, 2)
	running := 0

	w := watcher.New(layout.Intake, s.cfg.WatchDebounce, s.logger)
	running++
	go func() {
		errCh <- componentExit(runCtx, "watcher", w.Run(runCtx, func(path string) {
			q.Submit(queue.Ref{Path: path})
		}))
	}()

	if ln != nil {
		srv := webhook.New(s.cfg.WebhookCfg, s.lc, q, s.logger)
		running++
		go func() {
			errCh <- componentExit(runCtx, "webhook server", srv.Serve(runCtx, ln))
		}()
	}

	s.logger.Info("ticket processor started",
		"intake", layout.Intake,
		"concurrency", s.cfg.Concurrency,
		"webhook", s.cfg.Webhook)
	if s.OnReady != nil {
		s.OnReady(q)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
	case runErr = <-errCh:
		running--
		if runErr != nil {
			s.logger.Error("component failed, shutting down", "error", runErr)
		}
	}

	stop()
	q.Close()
	for ; running > 0; running-- {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
		}
	}

	s.logger.Info("waiting for in-flight tickets", "processing", q.InFlight(), "timeout", s.cfg.ShutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := q.Drain(drainCtx); err != nil {
		s.logger.Error("forcing shutdown", "processing", q.InFlight())
		cancelWork()

		// Cancelled tickets still move to Failed and write their records.
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), s.cfg.ForceGrace)
		defer cancelGrace()
		if err := q.Drain(graceCtx); err != nil {
			s.logger.Error("tickets still running after cancellation", "processing", q.InFlight())
		}
		return ErrForcedShutdown
	}

	s.logger.Info("shutdown complete")
	return runErr
}

// componentExit reports why a long-running component returned. Returning
// without an error while ctx is still live is a failure too.
func componentExit(ctx context.Context, name string, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", name, err)
	case ctx.Err() == nil:
		return fmt.Errorf("%s stopped unexpectedly", name)
	}
	return nil
}
