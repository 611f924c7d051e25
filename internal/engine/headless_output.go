package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// HeadlessOutput formats output for headless mode, optimized for LLM consumption.
// Supports both human-readable (default) and JSON Lines formats.
type HeadlessOutput struct {
	jsonl bool

	mu     sync.Mutex
	writer io.Writer
}

// NewHeadlessOutput creates a new headless output formatter.
// If jsonl is true, outputs JSON Lines format; otherwise human-readable with [PREFIX] tags.
func NewHeadlessOutput(jsonl bool) *HeadlessOutput {
	return &HeadlessOutput{
		jsonl:  jsonl,
		writer: os.Stdout,
	}
}

// SetWriter sets a custom writer (mainly for testing).
func (h *HeadlessOutput) SetWriter(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writer = w
}

// Start outputs the start of a ticket run.
func (h *HeadlessOutput) Start(t *ticket.Ticket) {
	if h.jsonl {
		h.writeJSON(map[string]interface{}{
			"type":     "start",
			"ticket":   t.Filename,
			"task_id":  t.ID,
			"title":    t.Title,
			"priority": string(t.Priority),
			"model":    t.Model,
		})
		return
	}
	h.printf("[START] %s - %s\n", t.Filename, t.DisplayTitle("Untitled Task"))
	if t.Priority != "" {
		h.printf("[START] Priority: %s\n", t.Priority)
	}
}

// Output outputs agent text (streaming).
func (h *HeadlessOutput) Output(text string) {
	if h.jsonl {
		for _, line := range strings.Split(text, "\n") {
			if strings.TrimSpace(line) != "" {
				h.writeJSON(map[string]interface{}{
					"type": "output",
					"text": line,
				})
			}
		}
		return
	}
	h.printf("%s", text)
}

// Writer returns an io.Writer that feeds Output, for the agent's live streams.
func (h *HeadlessOutput) Writer() io.Writer {
	return outputWriter{h}
}

type outputWriter struct {
	h *HeadlessOutput
}

func (w outputWriter) Write(p []byte) (int, error) {
	w.h.Output(string(p))
	return len(p), nil
}

// Error outputs an error message.
func (h *HeadlessOutput) Error(err error) {
	if h.jsonl {
		h.writeJSON(map[string]interface{}{
			"type":  "error",
			"error": err.Error(),
		})
		return
	}
	h.printf("\n[ERROR] %s\n", err.Error())
}

// Complete outputs the final summary.
func (h *HeadlessOutput) Complete(o *Outcome) {
	if h.jsonl {
		data := map[string]interface{}{
			"type":        "complete",
			"ticket":      o.Filename,
			"task_id":     o.TaskID,
			"stage":       o.Stage.String(),
			"duration_ms": o.Duration.Milliseconds(),
		}
		if o.Result != nil {
			data["attempt_id"] = o.Result.AttemptID
			data["model"] = o.Result.Model
			data["exit"] = string(o.Result.Exit)
			if o.Result.HasExitCode() {
				data["exit_code"] = o.Result.ExitCode
			}
		}
		if o.Err != nil {
			data["error"] = o.Err.Error()
		}
		if o.PublishErr != nil {
			data["publish_error"] = o.PublishErr.Error()
		}
		h.writeJSON(data)
		return
	}

	h.printf("[COMPLETE] %s -> %s (%v)\n", o.Filename, o.Stage, o.Duration.Round(time.Millisecond))
	if o.Result != nil {
		h.printf("[COMPLETE] Attempt %s, model %s, exit %s\n", o.Result.AttemptID, o.Result.Model, o.Result.Exit)
		if o.Result.Error != "" {
			h.printf("[COMPLETE] Error: %s\n", o.Result.Error)
		}
	}
	if o.Err != nil {
		h.printf("[COMPLETE] Error: %s\n", o.Err)
	}
	if o.PublishErr != nil {
		h.printf("[COMPLETE] Publish failed: %s\n", o.PublishErr)
	}
}

// Interrupted outputs when run is interrupted.
func (h *HeadlessOutput) Interrupted() {
	if h.jsonl {
		h.writeJSON(map[string]interface{}{
			"type": "interrupted",
		})
		return
	}
	h.printf("\n[INTERRUPTED] Run interrupted by user\n")
}

func (h *HeadlessOutput) printf(format string, args ...interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.writer, format, args...)
}

// writeJSON writes a JSON object as a single line.
func (h *HeadlessOutput) writeJSON(data map[string]interface{}) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.writer, string(b))
}
