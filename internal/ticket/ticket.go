// Package ticket parses ticket documents: a YAML front-matter header followed
// by a free-text markdown body.
package ticket

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIDRegex extracts the numeric ID from filenames like "task-7.md".
const DefaultIDRegex = `task-(\d+)`

var (
	// ErrNoID is returned when a filename carries no ticket ID.
	ErrNoID = errors.New("no ticket id in filename")

	// ErrInvalidPriority is returned for a priority outside low/medium/high.
	ErrInvalidPriority = errors.New("invalid priority")
)

// Priority is the urgency of a ticket.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities or unset.
func (p Priority) Valid() bool {
	switch p {
	case PriorityNone, PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Ticket is one unit of work read from a ticket document.
type Ticket struct {
	// ID is the numeric ID taken from the filename.
	ID string `yaml:"-"`

	// Filename is the base name of the document. It is stable across stages.
	Filename string `yaml:"-"`

	Title              string     `yaml:"title"`
	Description        string     `yaml:"description"`
	Priority           Priority   `yaml:"priority"`
	Labels             stringList `yaml:"labels"`
	Model              string     `yaml:"model"`
	AcceptanceCriteria stringList `yaml:"acceptanceCriteria"`
	// EstimatedHours is kept as written: "2.5", "2-3" and "4h" all parse.
	EstimatedHours     string     `yaml:"estimatedHours"`
	Dependencies       stringList `yaml:"dependencies"`

	// Body is the free text after the header.
	Body string `yaml:"-"`
}

// DisplayTitle returns the title, or fallback if the ticket has none.
func (t *Ticket) DisplayTitle(fallback string) string {
	if strings.TrimSpace(t.Title) == "" {
		return fallback
	}
	return t.Title
}

// stringList accepts either a YAML sequence or a single scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == "" {
			*l = nil
			return nil
		}
		*l = stringList{n.Value}
		return nil
	case yaml.SequenceNode:
		out := make(stringList, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: list items must be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected a list", n.Line)
}

// IDPattern extracts ticket IDs from filenames. The first capture group of the
// expression is the ID.
type IDPattern struct {
	re *regexp.Regexp
}

// NewIDPattern compiles expr. It must contain at least one capture group.
func NewIDPattern(expr string) (IDPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return IDPattern{}, fmt.Errorf("compiling id pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return IDPattern{}, fmt.Errorf("id pattern %q has no capture group", expr)
	}
	return IDPattern{re: re}, nil
}

// MustIDPattern is like NewIDPattern but panics on error.
func MustIDPattern(expr string) IDPattern {
	p, err := NewIDPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Extract returns the ID embedded in name.
func (p IDPattern) Extract(name string) (string, bool) {
	re := p.re
	if re == nil {
		re = defaultIDPattern.re
	}
	m := re.FindStringSubmatch(name)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

var defaultIDPattern = MustIDPattern(DefaultIDRegex)

var reviewTitleRe = regexp.MustCompile(`(?i)\[Task (\d+)\]`)

// ReviewTitleID extracts the ticket ID from a review request title such as
// "[Task 7] Add login page".
func ReviewTitleID(title string) (string, bool) {
	m := reviewTitleRe.FindStringSubmatch(title)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// Parse reads a ticket document named name.
func Parse(name string, data []byte, ids IDPattern) (*Ticket, error) {
	id, ok := ids.Extract(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoID)
	}

	header, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	t := &Ticket{}
	if len(bytes.TrimSpace(header)) > 0 {
		if err := yaml.Unmarshal(header, t); err != nil {
			return nil, fmt.Errorf("%s: parsing front matter: %w", name, err)
		}
	}

	t.Priority = Priority(strings.ToLower(strings.TrimSpace(string(t.Priority))))
	if !t.Priority.Valid() {
		return nil, fmt.Errorf("%s: %w %q", name, ErrInvalidPriority, t.Priority)
	}

	t.ID = id
	t.Filename = name
	t.Body = body
	return t, nil
}

// splitFrontMatter separates a "---" delimited header from the body. A
// document without an opening delimiter is all body.
func splitFrontMatter(data []byte) ([]byte, string, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") && text != "---" {
		return nil, text, nil
	}

	rest := strings.TrimPrefix(text, "---")
	rest = strings.TrimPrefix(rest, "\n")

	lines := strings.SplitAfter(rest, "\n")
	offset := 0
	for _, line := range lines {
		if strings.TrimRight(line, "\n") == "---" {
			header := rest[:offset]
			body := strings.TrimPrefix(rest[offset+len(line):], "\n")
			return []byte(header), body, nil
		}
		offset += len(line)
	}
	return nil, "", errors.New("front matter is not closed")
}
