// Package engine runs tickets through the pipeline: admission, agent
// execution, the Review or Failed transition and publishing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/pipeline"
	"github.com/pengelbrecht/ticketflow/internal/queue"
	"github.com/pengelbrecht/ticketflow/internal/retry"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// Executor runs one ticket. agent.Adapter implements it.
type Executor interface {
	Execute(ctx context.Context, t *ticket.Ticket, dir string) *agent.Result
}

// Publisher runs the remote steps after a ticket reaches Review.
// publish.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, t *ticket.Ticket, res *agent.Result) error
}

// DefaultMoveDelay lets writers finish before a ticket is admitted.
const DefaultMoveDelay = 500 * time.Millisecond

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// MoveDelay is waited before admission. Zero admits immediately.
	MoveDelay time.Duration

	// IDs extracts ticket IDs from filenames.
	IDs ticket.IDPattern
}

// Outcome describes how one ticket left the processing path.
type Outcome struct {
	Filename string
	TaskID   string

	// Stage is where the ticket ended up. Intake means it was never admitted.
	Stage pipeline.Stage

	// Result is nil when the agent never ran.
	Result *agent.Result

	// Err is set when the ticket could not be admitted or parsed, or when a
	// transition failed. Publish errors are reported in PublishErr.
	Err        error
	PublishErr error

	Duration time.Duration
}

// Processor is the per-ticket processing path.
type Processor struct {
	lc     *pipeline.Lifecycle
	exec   Executor
	pub    Publisher
	cfg    ProcessorConfig
	logger *slog.Logger
	sleep  retry.SleepFunc

	// Callbacks for output integration (optional)
	OnTicketStart func(t *ticket.Ticket)
	OnTicketEnd   func(o *Outcome)
}

// NewProcessor creates a Processor. pub may be nil to skip publishing.
func NewProcessor(lc *pipeline.Lifecycle, exec Executor, pub Publisher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		lc:     lc,
		exec:   exec,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		sleep:  retry.Sleep,
	}
}

// Handle adapts Process to queue.Handler.
func (p *Processor) Handle(ctx context.Context, ref queue.Ref) {
	p.Process(ctx, ref)
}

// Process takes the ticket at ref from Intake to Review or Failed. Any error
// or panic after admission leaves the ticket in Failed if it is still in
// InProgress.
func (p *Processor) Process(ctx context.Context, ref queue.Ref) (out *Outcome) {
	name := ref.Name()
	start := time.Now()
	out = &Outcome{Filename: name, Stage: pipeline.Intake}
	out.TaskID, _ = p.cfg.IDs.Extract(name)
	logger := p.logger.With("ticket", name, "task_id", out.TaskID)

	defer func() {
		out.Duration = time.Since(start)
		if p.OnTicketEnd != nil {
			p.OnTicketEnd(out)
		}
	}()

	logger.Info("processing ticket")

	if p.cfg.MoveDelay > 0 {
		if err := p.sleep(ctx, p.cfg.MoveDelay); err != nil {
			out.Err = err
			logger.Warn("ticket not admitted", "error", err)
			return out
		}
	}

	if err := p.lc.Admit(name); err != nil {
		out.Err = err
		if errors.Is(err, pipeline.ErrNotInStage) {
			logger.Warn("ticket no longer in intake", "error", err)
		} else {
			logger.Error("admitting ticket", "error", err)
		}
		return out
	}
	out.Stage = pipeline.InProgress

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing ticket", "panic", r, "stack", string(debug.Stack()))
			out.Err = fmt.Errorf("panic: %v", r)
			p.failIfInProgress(name, out, pipeline.ErrorRecord{Error: out.Err.Error()}, logger)
		}
	}()

	t, err := p.load(name)
	if err != nil {
		out.Err = err
		logger.Error("reading ticket", "error", err)
		p.failIfInProgress(name, out, pipeline.ErrorRecord{Error: err.Error()}, logger)
		return out
	}
	out.TaskID = t.ID

	if p.OnTicketStart != nil {
		p.OnTicketStart(t)
	}

	res := p.exec.Execute(ctx, t, p.lc.Layout().InProgress)
	out.Result = res

	if !res.Success {
		p.failIfInProgress(name, out, recordFor(res), logger)
		logger.Error("ticket failed", "exit", string(res.Exit), "error", res.Error)
		return out
	}

	if err := p.lc.Succeed(name); err != nil {
		out.Err = err
		logger.Error("moving ticket to review", "error", err)
		rec := recordFor(res)
		rec.Error = err.Error()
		p.failIfInProgress(name, out, rec, logger)
		return out
	}
	out.Stage = pipeline.Review
	logger.Info("ticket processed, moved to review")

	if p.pub != nil {
		if err := p.pub.Publish(ctx, t, res); err != nil {
			out.PublishErr = err
			logger.Error("git operations failed", "error", err)
		}
	}
	return out
}

func (p *Processor) load(name string) (*ticket.Ticket, error) {
	data, err := os.ReadFile(p.lc.Path(pipeline.InProgress, name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return ticket.Parse(name, data, p.cfg.IDs)
}

// failIfInProgress moves name to Failed with rec if it is still in
// InProgress. A missing ticket is not an error here.
func (p *Processor) failIfInProgress(name string, out *Outcome, rec pipeline.ErrorRecord, logger *slog.Logger) {
	err := p.lc.Fail(name, rec)
	switch {
	case err == nil:
		out.Stage = pipeline.Failed
	case errors.Is(err, pipeline.ErrNotInStage):
		if s, ok := p.lc.Locate(name); ok {
			out.Stage = s
		}
	default:
		logger.Error("moving ticket to failed", "error", err)
		if out.Err == nil {
			out.Err = err
		}
	}
}

// recordFor builds the error record of a failed attempt.
func recordFor(res *agent.Result) pipeline.ErrorRecord {
	rec := pipeline.ErrorRecord{
		AttemptID: res.AttemptID,
		Model:     res.Model,
		Exit:      string(res.Exit),
		Error:     res.Error,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
	}
	if res.HasExitCode() {
		code := res.ExitCode
		rec.ExitCode = &code
	}
	return rec
}
