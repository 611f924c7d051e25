package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// Default values for AdapterConfig.
const (
	DefaultModel      = "ollama/qwen2.5-coder:7b"
	DefaultTimeout    = 30 * time.Minute
	DefaultBackendEnv = "OLLAMA_API_BASE"
	DefaultBackendURL = "http://host.containers.internal:11434"
)

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// DefaultModel is used when a ticket names no model.
	DefaultModel string

	Timeout   time.Duration
	KillGrace time.Duration

	// BackendEnv is the variable that tells the agent where the model
	// server lives; BackendURL is its value. Either empty skips it.
	BackendEnv string
	BackendURL string

	// Stdout and Stderr receive live child output. Nil means the parent's
	// own streams.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Adapter runs one ticket through an Agent.
type Adapter struct {
	agent   Agent
	cfg     AdapterConfig
	prompts *PromptBuilder
	logger  *slog.Logger
}

// NewAdapter wraps a.
func NewAdapter(a Agent, cfg AdapterConfig) *Adapter {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		agent:   a,
		cfg:     cfg,
		prompts: NewPromptBuilder(),
		logger:  logger,
	}
}

// Model returns the model t runs with: its own override or the default.
func (ad *Adapter) Model(t *ticket.Ticket) string {
	if t != nil && t.Model != "" {
		return t.Model
	}
	return ad.cfg.DefaultModel
}

// Execute runs t with dir as the working directory. It always returns a
// Result.
func (ad *Adapter) Execute(ctx context.Context, t *ticket.Ticket, dir string) *Result {
	model := ad.Model(t)
	prompt := ad.prompts.Build(t)

	var env []string
	if ad.cfg.BackendEnv != "" && ad.cfg.BackendURL != "" {
		env = append(env, ad.cfg.BackendEnv+"="+ad.cfg.BackendURL)
	}

	logger := ad.logger.With("ticket", t.Filename, "task_id", t.ID)
	logger.Info("executing ticket", "agent", ad.agent.Name(), "model", model, "prompt_length", len(prompt))

	res := ad.agent.Run(ctx, prompt, RunOpts{
		Model:     model,
		Dir:       dir,
		Env:       env,
		Timeout:   ad.cfg.Timeout,
		KillGrace: ad.cfg.KillGrace,
		Stdout:    ad.cfg.Stdout,
		Stderr:    ad.cfg.Stderr,
	})
	if res == nil {
		res = &Result{Exit: ExitSpawnError, ExitCode: -1, Error: "agent returned no result"}
	}
	res.Model = model
	res.TicketID = t.ID

	if res.Success {
		logger.Info("ticket executed", "attempt", res.AttemptID, "duration", res.Duration)
	} else {
		logger.Error("ticket execution failed",
			"attempt", res.AttemptID,
			"exit", string(res.Exit),
			"exit_code", res.ExitCode,
			"error", res.Error)
	}
	return res
}
