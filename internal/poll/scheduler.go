// Package poll drives periodic refreshes for a dashboard view.
//
// A Scheduler runs each registered Task once when the view is activated and
// then on a fixed interval until the view is deactivated. It replaces push
// notifications for clients that can only poll.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one periodic refresh. Run receives background=false for the
// initial load after activation and background=true for every later run.
type Task struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context, background bool) error
}

// ErrorHandler receives failures from task runs.
type ErrorHandler func(task string, err error, background bool)

var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("poll: duplicate task name")
	// ErrInvalidTask is returned for tasks without a name, period or Run func.
	ErrInvalidTask = errors.New("poll: invalid task")
	// ErrUnknownTask is returned by Refresh for names never registered.
	ErrUnknownTask = errors.New("poll: unknown task")
)

type taskState struct {
	task    Task
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64

	// pendingReload is set when Reload finds a run in flight. The initial
	// load then starts as soon as that run returns. Guarded by Scheduler.mu.
	pendingReload bool
}

// Scheduler owns the polling loops for one view. It is safe for concurrent use.
type Scheduler struct {
	logger  *slog.Logger
	onError ErrorHandler

	mu     sync.Mutex
	tasks  []*taskState
	byName map[string]*taskState
	active bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler replaces the default logging error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) { s.onError = h }
}

// NewScheduler creates an inactive scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		byName: make(map[string]*taskState),
	}
	s.onError = s.logError
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logError is the default handler: background failures are expected noise
// while the data store blips, initial-load failures are not.
func (s *Scheduler) logError(task string, err error, background bool) {
	if background {
		s.logger.Debug("background refresh failed", "task", task, "error", err)
		return
	}
	s.logger.Warn("initial load failed", "task", task, "error", err)
}

// Register adds a task. If the scheduler is already active the task starts
// immediately with an initial load.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" || task.Period <= 0 || task.Run == nil {
		return ErrInvalidTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[task.Name]; exists {
		return ErrDuplicateTask
	}
	ts := &taskState{task: task}
	s.tasks = append(s.tasks, ts)
	s.byName[task.Name] = ts

	if s.active {
		s.startLocked(ts)
	}
	return nil
}

// Activate starts every task. Each runs once right away as an initial load
// and then on its own ticker. Activating an active scheduler is a no-op.
func (s *Scheduler) Activate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.active = true
	for _, ts := range s.tasks {
		s.startLocked(ts)
	}
	s.logger.Debug("poll scheduler activated", "tasks", len(s.tasks))
}

// Deactivate stops every loop and waits for in-flight runs to return. Once
// it returns no task runs and no error is reported until the next Activate.
func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("poll scheduler deactivated")
}

// Active reports whether the scheduler is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Refresh runs the named task now, outside its interval, as a background
// run. It is a no-op while inactive or while a run of the same task is in
// flight.
func (s *Scheduler) Refresh(name string) error {
	return s.trigger(name, true)
}

// Reload is like Refresh but runs the task as an initial load, so failures
// reach the error handler as user-visible. A Reload that finds a run in
// flight is not dropped: it runs once the in-flight run returns.
func (s *Scheduler) Reload(name string) error {
	return s.trigger(name, false)
}

func (s *Scheduler) trigger(name string, background bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.byName[name]
	if !ok {
		return ErrUnknownTask
	}
	if !s.active {
		return nil
	}
	s.launchLocked(s.ctx, ts, background)
	return nil
}

// Stats reports how many runs started and how many ticks were skipped
// because the previous run was still in flight.
func (s *Scheduler) Stats(name string) (runs, skipped int64) {
	s.mu.Lock()
	ts, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return ts.runs.Load(), ts.skipped.Load()
}

// startLocked launches the initial load and the ticker loop for ts.
// s.mu must be held.
func (s *Scheduler) startLocked(ts *taskState) {
	ctx := s.ctx
	s.launchLocked(ctx, ts, false)

	s.wg.Add(1)
	go s.loop(ctx, ts)
}

func (s *Scheduler) loop(ctx context.Context, ts *taskState) {
	defer s.wg.Done()

	ticker := time.NewTicker(ts.task.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if ctx.Err() == nil {
				s.launchLocked(ctx, ts, true)
			}
			s.mu.Unlock()
		}
	}
}

// launchLocked starts one run of ts unless one is already in flight. A
// background run is then skipped; an initial load is queued behind it.
// s.mu must be held so the WaitGroup is never grown after Deactivate.
func (s *Scheduler) launchLocked(ctx context.Context, ts *taskState, background bool) {
	if !ts.running.CompareAndSwap(false, true) {
		if background {
			ts.skipped.Add(1)
		} else {
			ts.pendingReload = true
		}
		return
	}
	ts.runs.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := ts.task.Run(ctx, background)
		// Failures caused by deactivation are not reported.
		if err != nil && ctx.Err() == nil {
			s.onError(ts.task.Name, err, background)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		ts.running.Store(false)
		if ts.pendingReload {
			ts.pendingReload = false
			if ctx.Err() == nil {
				s.launchLocked(ctx, ts, false)
			}
		}
	}()
}
