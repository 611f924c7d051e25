package agent

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

// PromptBuilder turns a ticket into the single prompt handed to the agent.
// Sections appear in a fixed order and only when their field is set.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder creates a new PromptBuilder with the default template.
func NewPromptBuilder() *PromptBuilder {
	tmpl := template.Must(template.New("prompt").Funcs(template.FuncMap{
		"inc":  func(i int) int { return i + 1 },
		"join": strings.Join,
	}).Parse(promptTemplate))
	return &PromptBuilder{tmpl: tmpl}
}

// Build generates the prompt for t.
func (pb *PromptBuilder) Build(t *ticket.Ticket) string {
	var buf strings.Builder

	data := templateData{Title: "Task"}
	if t != nil {
		data.Title = t.DisplayTitle("Task")
		data.Description = t.Description
		data.AcceptanceCriteria = t.AcceptanceCriteria
		data.Dependencies = t.Dependencies
		data.Labels = t.Labels
		data.Priority = string(t.Priority)
		data.EstimatedHours = estimate(t.EstimatedHours)
		if strings.TrimSpace(t.Body) != "" {
			data.Body = t.Body
		}
	}

	if err := pb.tmpl.Execute(&buf, data); err != nil {
		// This should never happen with a valid template
		return fmt.Sprintf("Error generating prompt: %v", err)
	}

	return buf.String()
}

// estimate renders an estimate verbatim, adding the unit to bare numbers.
func estimate(s string) string {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s + " hours"
	}
	return s
}

// templateData holds the data passed to the prompt template.
type templateData struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Dependencies       []string
	Labels             []string
	Priority           string
	EstimatedHours     string
	Body               string
}

// promptTemplate is the Go template for ticket prompts.
const promptTemplate = `# {{.Title}}

{{if .Description}}## Description
{{.Description}}

{{end}}{{if .AcceptanceCriteria}}## Acceptance Criteria
{{range $i, $c := .AcceptanceCriteria}}{{inc $i}}. {{$c}}
{{end}}
{{end}}{{if .Dependencies}}## Dependencies
This task depends on: {{join .Dependencies ", "}}

{{end}}{{if .Labels}}## Labels
{{join .Labels ", "}}

{{end}}{{if .Priority}}## Priority
{{.Priority}}

{{end}}{{if .EstimatedHours}}## Estimated Time
{{.EstimatedHours}}

{{end}}{{if .Body}}## Additional Details
{{.Body}}

{{end}}## Instructions
Please implement this task according to the description and acceptance criteria above. Make sure all acceptance criteria are met. Write clean, well-documented, and tested code. Follow best practices and coding standards.
`
