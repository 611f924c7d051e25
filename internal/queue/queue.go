// Package queue implements the bounded-concurrency dispatch queue.
//
// The queue owns the in-flight set: a filename is added on Submit and removed
// once its handler returns, even if the handler panics. A Submit for a
// filename that is already in flight is dropped. Admission is FIFO under a
// fixed concurrency limit.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 2

// Ref points at a ticket file observed in the intake stage.
type Ref struct {
	Path string
}

// Name returns the ticket filename, the in-flight key.
func (r Ref) Name() string {
	return filepath.Base(r.Path)
}

// Handler processes one ticket. It runs on its own goroutine.
type Handler func(ctx context.Context, ref Ref)

// Config configures a Queue.
type Config struct {
	Concurrency int
	Logger      *slog.Logger
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	// Size is the number of admitted items waiting for a slot.
	Size int `json:"queueSize"`

	// Pending is the number of items currently running.
	Pending int `json:"queuePending"`

	// Processing is the sorted in-flight set.
	Processing []string `json:"processing"`
}

// Queue dispatches Refs to a Handler.
type Queue struct {
	ctx     context.Context
	handler Handler
	limit   int
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	waiting  []Ref
	running  int
	closed   bool
	idle     chan struct{}
}

// New creates a Queue. Handlers receive ctx.
func New(ctx context.Context, cfg Config, handler Handler) *Queue {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)

	return &Queue{
		ctx:      ctx,
		handler:  handler,
		limit:    limit,
		logger:   logger,
		inFlight: make(map[string]struct{}),
		idle:     idle,
	}
}

// Submit admits ref. It returns false without queuing anything when the
// filename is already in flight or the queue is closed.
func (q *Queue) Submit(ref Ref) bool {
	name := ref.Name()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("queue closed, dropping ticket", "ticket", name)
		return false
	}
	if _, ok := q.inFlight[name]; ok {
		q.logger.Warn("ticket already being processed, skipping", "ticket", name)
		return false
	}

	if len(q.inFlight) == 0 {
		q.idle = make(chan struct{})
	}
	q.inFlight[name] = struct{}{}
	q.waiting = append(q.waiting, ref)
	q.dispatchLocked()
	return true
}

// dispatchLocked starts waiting items while slots are free. q.mu must be held.
func (q *Queue) dispatchLocked() {
	for q.running < q.limit && len(q.waiting) > 0 {
		ref := q.waiting[0]
		q.waiting[0] = Ref{}
		q.waiting = q.waiting[1:]
		q.running++
		go q.run(ref)
	}
}

func (q *Queue) run(ref Ref) {
	name := ref.Name()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ticket handler panicked",
				"ticket", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}

		q.mu.Lock()
		delete(q.inFlight, name)
		q.running--
		q.dispatchLocked()
		if len(q.inFlight) == 0 {
			close(q.idle)
		}
		q.mu.Unlock()
	}()

	q.handler(q.ctx, ref)
}

// Close stops new admissions. Work already admitted still runs.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain blocks until every admitted item has finished or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of admitted items waiting for a slot.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Pending returns the number of items currently running.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// InFlight returns the in-flight filenames, sorted.
func (q *Queue) InFlight() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlightLocked()
}

func (q *Queue) inFlightLocked() []string {
	names := make([]string, 0, len(q.inFlight))
	for name := range q.inFlight {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns size, pending and the in-flight set under one lock.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:       len(q.waiting),
		Pending:    q.running,
		Processing: q.inFlightLocked(),
	}
}
