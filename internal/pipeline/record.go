package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const errorRecordSuffix = ".error.log"

// ErrorRecord is the JSON document written next to a failed ticket.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	TaskID    string    `json:"task_id,omitempty"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Exit      string    `json:"exit,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
}

// ErrorRecordName derives the error record filename from a ticket filename:
// "task-7.md" becomes "task-7.error.log".
func ErrorRecordName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + errorRecordSuffix
}

// IsErrorRecord reports whether name is an error record.
func IsErrorRecord(name string) bool {
	return strings.HasSuffix(name, errorRecordSuffix)
}

// ReadErrorRecord loads the error record at path.
func ReadErrorRecord(path string) (*ErrorRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec ErrorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing error record %s: %w", path, err)
	}
	return &rec, nil
}

func writeErrorRecord(path string, rec ErrorRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding error record: %w", err)
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return nil
}
