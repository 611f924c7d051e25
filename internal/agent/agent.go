package agent

import (
	"context"
	"io"
	"time"
)

// Agent runs an external task-execution process.
type Agent interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Run executes the agent with the given prompt. It never returns nil and
	// never fails outright: spawn errors, non-zero exits, timeouts and
	// cancellation are all reported in the Result.
	Run(ctx context.Context, prompt string, opts RunOpts) *Result
}

// RunOpts configures an agent run.
type RunOpts struct {
	// Model is passed to the agent's --model flag. Empty omits the flag.
	Model string

	// Dir is the working directory of the child process.
	Dir string

	// Env holds extra KEY=VALUE pairs added to the parent's environment.
	Env []string

	// Timeout for the entire run. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// KillGrace is how long a terminated child gets before it is killed.
	KillGrace time.Duration

	// Stdout and Stderr receive output as it is produced. Output is always
	// buffered in the Result as well.
	Stdout io.Writer
	Stderr io.Writer
}

// Exit classifies how a run ended.
type Exit string

const (
	// ExitNormal means the process exited on its own; see Result.ExitCode.
	ExitNormal Exit = "exit"

	// ExitTimeout means the timeout fired first and the process was terminated.
	ExitTimeout Exit = "timeout"

	// ExitSpawnError means the process could not be started.
	ExitSpawnError Exit = "spawn_error"

	// ExitCancelled means the caller's context ended the run.
	ExitCancelled Exit = "cancelled"
)

// Result is the outcome of one processing attempt.
type Result struct {
	// AttemptID uniquely identifies this attempt in logs and error records.
	AttemptID string

	Success bool
	Exit    Exit

	// ExitCode is the process exit code, or -1 when the process did not exit
	// normally.
	ExitCode int

	Stdout string
	Stderr string

	Model    string
	TicketID string

	// Error is a human-readable failure description. Empty on success.
	Error string

	// Duration is how long the run took.
	Duration time.Duration
}

// HasExitCode reports whether ExitCode came from the process itself.
func (r *Result) HasExitCode() bool {
	return r.Exit == ExitNormal && r.ExitCode >= 0
}
