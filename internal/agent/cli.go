package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultKillGrace is used when RunOpts.KillGrace is zero.
const DefaultKillGrace = 10 * time.Second

// TimeoutNote is recorded in Stderr when a run is terminated by its timeout.
const TimeoutNote = "Process killed due to timeout"

// CLIAgent runs a command-line coding agent. The prompt is passed with
// --message, followed by --auto-approve and --model.
type CLIAgent struct {
	// Command is the executable. Defaults to "npx".
	Command string

	// Args come before the generated flags. Defaults to ["kodu"] when
	// Command is empty.
	Args []string
}

// NewKoduAgent runs "npx kodu".
func NewKoduAgent() *CLIAgent {
	return &CLIAgent{Command: "npx", Args: []string{"kodu"}}
}

// Name returns the agent's program name.
func (a *CLIAgent) Name() string {
	args := a.args()
	if len(args) > 0 {
		return args[0]
	}
	return filepath.Base(a.command())
}

// Available checks if the command is installed and accessible.
func (a *CLIAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Run executes the agent. Exactly one of process exit, timeout or ctx
// cancellation decides the Result; the timer is stopped on every path.
func (a *CLIAgent) Run(ctx context.Context, prompt string, opts RunOpts) *Result {
	start := time.Now()
	res := &Result{
		AttemptID: uuid.NewString(),
		Model:     opts.Model,
		ExitCode:  -1,
	}

	args := append([]string{}, a.args()...)
	args = append(args, "--message", prompt, "--auto-approve")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	cmd := exec.Command(a.command(), args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	// Orphaned grandchildren may hold the pipes open after the child is gone.
	cmd.WaitDelay = grace

	var stdout, stderr syncBuffer
	cmd.Stdout = tee(&stdout, opts.Stdout)
	cmd.Stderr = tee(&stderr, opts.Stderr)

	if err := cmd.Start(); err != nil {
		res.Exit = ExitSpawnError
		res.Error = fmt.Sprintf("failed to start %s: %v", a.command(), err)
		res.Stderr = err.Error()
		res.Duration = time.Since(start)
		return res
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		classifyExit(res, err)

	case <-timeout:
		terminate(cmd, done, grace)
		res.Exit = ExitTimeout
		res.Error = fmt.Sprintf("process timed out after %v", opts.Timeout)
		res.Stdout = stdout.String()
		res.Stderr = joinNonEmpty(TimeoutNote, stderr.String())

	case <-ctx.Done():
		terminate(cmd, done, grace)
		res.Exit = ExitCancelled
		res.Error = fmt.Sprintf("process cancelled: %v", ctx.Err())
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	}

	res.Duration = time.Since(start)
	return res
}

func classifyExit(res *Result, err error) {
	res.Exit = ExitNormal
	if err == nil {
		res.Success = true
		res.ExitCode = 0
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			res.Error = fmt.Sprintf("process terminated: %v", exitErr)
			return
		}
		res.Error = fmt.Sprintf("process exited with code %d", res.ExitCode)
		return
	}
	res.Error = fmt.Sprintf("waiting for process: %v", err)
}

// terminate sends SIGTERM and kills the process if it is still running after
// grace. It does not block.
func terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			_ = cmd.Process.Kill()
			<-done
		}
	}()
}

// command returns the agent binary.
func (a *CLIAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "npx"
}

func (a *CLIAgent) args() []string {
	if a.Command == "" && len(a.Args) == 0 {
		return []string{"kodu"}
	}
	return a.Args
}

func tee(buf io.Writer, live io.Writer) io.Writer {
	if live == nil {
		return buf
	}
	return io.MultiWriter(buf, live)
}

func joinNonEmpty(parts ...string) string {
	var b bytes.Buffer
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p)
	}
	return b.String()
}

// syncBuffer is a bytes.Buffer safe for a writer and a concurrent reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
