// Package pipeline implements the folder-based ticket lifecycle.
//
// A ticket's stage is the directory that currently holds its file. Every
// transition is a single os.Rename between two stage directories, so a ticket
// is always in exactly one stage. A rename that loses a race (the source was
// already moved) abandons the transition and reports ErrNotInStage.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pengelbrecht/ticketflow/internal/ticket"
)

var (
	// ErrInvalidTransition is returned for a move the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrNotInStage is returned when the ticket is not in the source stage.
	ErrNotInStage = errors.New("ticket not in source stage")

	// ErrExists is returned when the target stage already holds a file with the same name.
	ErrExists = errors.New("ticket already exists in target stage")
)

// Stage is a step of the ticket lifecycle.
type Stage int

const (
	Intake Stage = iota
	InProgress
	Review
	Failed
	Completed
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{Intake, InProgress, Review, Failed, Completed}

func (s Stage) String() string {
	switch s {
	case Intake:
		return "intake"
	case InProgress:
		return "in_progress"
	case Review:
		return "review"
	case Failed:
		return "failed"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Terminal reports whether the engine never moves a ticket out of s.
func (s Stage) Terminal() bool {
	return s == Failed || s == Completed
}

var transitions = map[Stage][]Stage{
	Intake:     {InProgress},
	InProgress: {Review, Failed},
	Review:     {Completed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Layout maps each stage to its directory.
type Layout struct {
	Intake     string
	InProgress string
	Review     string
	Failed     string
	Completed  string
}

// Dir returns the directory of stage s.
func (l Layout) Dir(s Stage) string {
	switch s {
	case Intake:
		return l.Intake
	case InProgress:
		return l.InProgress
	case Review:
		return l.Review
	case Failed:
		return l.Failed
	case Completed:
		return l.Completed
	}
	return ""
}

// Ensure creates every stage directory.
func (l Layout) Ensure() error {
	for _, s := range Stages {
		dir := l.Dir(s)
		if dir == "" {
			return fmt.Errorf("no directory configured for stage %s", s)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s directory: %w", s, err)
		}
	}
	return nil
}

// Options configures a Lifecycle.
type Options struct {
	// IDs extracts ticket IDs from filenames. Zero value uses ticket.DefaultIDRegex.
	IDs ticket.IDPattern

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Lifecycle owns stage transitions for one Layout. It is safe for concurrent use.
type Lifecycle struct {
	layout Layout
	ids    ticket.IDPattern
	logger *slog.Logger
	now    func() time.Time
}

// NewLifecycle creates a Lifecycle over layout.
func NewLifecycle(layout Layout, opts Options) *Lifecycle {
	l := &Lifecycle{
		layout: layout,
		ids:    opts.IDs,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Layout returns the directories this Lifecycle moves tickets between.
func (l *Lifecycle) Layout() Layout {
	return l.layout
}

// Path returns where name would live in stage s.
func (l *Lifecycle) Path(s Stage, name string) string {
	return filepath.Join(l.layout.Dir(s), name)
}

// Transition moves name from one stage to another with a single rename.
// It returns ErrExists when the destination already holds name. That check
// is not atomic with the rename, and rename(2) replaces an existing file, so
// it only guards against collisions left by earlier runs. Concurrent moves
// of one ticket are prevented by the queue's dedup, not here.
func (l *Lifecycle) Transition(name string, from, to Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	src := l.Path(from, name)
	dst := l.Path(to, name)

	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("moving %s to %s: %w", name, to, ErrExists)
	}

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("moving %s from %s: %w", name, from, ErrNotInStage)
		}
		return fmt.Errorf("moving %s from %s to %s: %w", name, from, to, err)
	}

	l.logger.Info("ticket moved", "ticket", name, "from", from.String(), "to", to.String())
	return nil
}

// Admit moves name from Intake to InProgress.
func (l *Lifecycle) Admit(name string) error {
	return l.Transition(name, Intake, InProgress)
}

// Succeed moves name from InProgress to Review.
func (l *Lifecycle) Succeed(name string) error {
	return l.Transition(name, InProgress, Review)
}

// Fail moves name from InProgress to Failed and then writes rec next to it.
// The record is written only after the move; a failure to write it is logged
// and does not undo the transition.
func (l *Lifecycle) Fail(name string, rec ErrorRecord) error {
	if err := l.Transition(name, InProgress, Failed); err != nil {
		return err
	}

	if rec.Filename == "" {
		rec.Filename = name
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if rec.TaskID == "" {
		rec.TaskID, _ = l.ids.Extract(name)
	}

	path := filepath.Join(l.layout.Failed, ErrorRecordName(name))
	if err := writeErrorRecord(path, rec); err != nil {
		l.logger.Error("writing error record", "ticket", name, "path", path, "error", err)
	}
	return nil
}

// Complete moves the Review ticket whose ID is exactly id to Completed.
// It returns moved == false with a nil error when no such ticket is in Review.
func (l *Lifecycle) Complete(id string) (name string, moved bool, err error) {
	name, ok, err := l.findByID(Review, id)
	if err != nil || !ok {
		return "", false, err
	}
	if err := l.Transition(name, Review, Completed); err != nil {
		return name, false, err
	}
	return name, true, nil
}

func (l *Lifecycle) findByID(s Stage, id string) (string, bool, error) {
	names, err := l.list(s)
	if err != nil {
		return "", false, err
	}
	for _, name := range names {
		if got, ok := l.ids.Extract(name); ok && got == id {
			return name, true, nil
		}
	}
	return "", false, nil
}

// Locate returns the stage that holds name.
func (l *Lifecycle) Locate(name string) (Stage, bool) {
	for _, s := range Stages {
		if _, err := os.Lstat(l.Path(s, name)); err == nil {
			return s, true
		}
	}
	return 0, false
}

// Snapshot lists ticket documents per stage. Error records and dotfiles are
// left out.
type Snapshot map[Stage][]string

// Total returns the number of tickets across all stages.
func (s Snapshot) Total() int {
	n := 0
	for _, names := range s {
		n += len(names)
	}
	return n
}

// Snapshot reads every stage directory. A missing directory is an empty stage.
func (l *Lifecycle) Snapshot() (Snapshot, error) {
	snap := make(Snapshot, len(Stages))
	for _, s := range Stages {
		names, err := l.list(s)
		if err != nil {
			return nil, err
		}
		snap[s] = names
	}
	return snap, nil
}

func (l *Lifecycle) list(s Stage) ([]string, error) {
	entries, err := os.ReadDir(l.layout.Dir(s))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s directory: %w", s, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || IsErrorRecord(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
