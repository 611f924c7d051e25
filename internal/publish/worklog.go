package publish

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/pengelbrecht/ticketflow/internal/agent"
	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// WorkLogName is the summary document committed into every ticket repository.
const WorkLogName = "WORK_LOG.md"

// WorkLog renders the summary of one processing attempt.
func WorkLog(t *ticket.Ticket, res *agent.Result, processed time.Time) string {
	var b strings.Builder

	status := "Failed"
	model, output, attempt := "", "", ""
	if res != nil {
		if res.Success {
			status = "Success"
		}
		model, output, attempt = res.Model, res.Stdout, res.AttemptID
	}
	if strings.TrimSpace(output) == "" {
		output = "No output"
	}

	fmt.Fprintf(&b, "# Task %s: %s\n\n", t.ID, t.DisplayTitle("Untitled Task"))

	b.WriteString("## Processing Details\n")
	fmt.Fprintf(&b, "- **Model**: %s\n", model)
	fmt.Fprintf(&b, "- **Processed**: %s\n", processed.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Status**: %s\n", status)
	if attempt != "" {
		fmt.Fprintf(&b, "- **Attempt**: %s\n", attempt)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Description\n%s\n\n", orNA(t.Description))

	b.WriteString("## Acceptance Criteria\n")
	if len(t.AcceptanceCriteria) == 0 {
		b.WriteString("N/A")
	}
	for i, c := range t.AcceptanceCriteria {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, c)
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Output\n```\n%s\n```\n", output)
	return b.String()
}

func writeWorkLog(dir string, t *ticket.Ticket, res *agent.Result, processed time.Time) error {
	path := filepath.Join(dir, WorkLogName)
	if err := atomic.WriteFile(path, strings.NewReader(WorkLog(t, res, processed))); err != nil {
		return fmt.Errorf("writing work log: %w", err)
	}
	return nil
}
