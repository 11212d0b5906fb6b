package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recorder) run(_ context.Context, background bool) error {
	r.mu.Lock()
	r.calls = append(r.calls, background)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := NewScheduler(quietLogger())
	noop := func(context.Context, bool) error { return nil }

	if err := s.Register(Task{Name: "", Period: time.Second, Run: noop}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("empty name: %v", err)
	}
	if err := s.Register(Task{Name: "x", Period: 0, Run: noop}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("zero period: %v", err)
	}
	if err := s.Register(Task{Name: "x", Period: time.Second, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Task{Name: "x", Period: time.Second, Run: noop}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate: %v", err)
	}
	if err := s.Refresh("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown refresh: %v", err)
	}
}

func TestNothingRunsUntilActivated(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewScheduler(quietLogger())
	_ = s.Register(Task{Name: "sessions", Period: 10 * time.Millisecond, Run: rec.run})

	time.Sleep(50 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("inactive scheduler ran %d times", n)
	}
	if err := s.Refresh("sessions"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatal("Refresh must be a no-op while inactive")
	}
}

func TestInitialLoadThenBackground(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewScheduler(quietLogger())
	_ = s.Register(Task{Name: "sessions", Period: 15 * time.Millisecond, Run: rec.run})

	s.Activate(context.Background())
	waitFor(t, func() bool { return len(rec.snapshot()) >= 3 })
	s.Deactivate()

	calls := rec.snapshot()
	if calls[0] {
		t.Fatal("first run must be an initial load")
	}
	for i, bg := range calls[1:] {
		if !bg {
			t.Fatalf("run %d should be background", i+1)
		}
	}
}

func TestDeactivateStopsDelivery(t *testing.T) {
	t.Parallel()
	var delivered atomic.Int64
	var afterStop atomic.Bool
	var stopped atomic.Bool

	s := NewScheduler(quietLogger())
	_ = s.Register(Task{
		Name:   "messages",
		Period: 5 * time.Millisecond,
		Run: func(ctx context.Context, _ bool) error {
			select {
			case <-time.After(3 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			if stopped.Load() {
				afterStop.Store(true)
			}
			delivered.Add(1)
			return nil
		},
	})

	s.Activate(context.Background())
	waitFor(t, func() bool { return delivered.Load() >= 2 })
	s.Deactivate()
	stopped.Store(true)

	time.Sleep(40 * time.Millisecond)
	if afterStop.Load() {
		t.Fatal("a run completed after Deactivate returned")
	}
	if s.Active() {
		t.Fatal("scheduler still active")
	}

	// Deactivate is idempotent.
	s.Deactivate()
}

func TestSlowRunSkipsTicks(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32

	s := NewScheduler(quietLogger())
	_ = s.Register(Task{
		Name:   "presence",
		Period: 5 * time.Millisecond,
		Run: func(ctx context.Context, _ bool) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})

	s.Activate(context.Background())
	waitFor(t, func() bool {
		_, skipped := s.Stats("presence")
		return skipped >= 3
	})
	close(release)
	s.Deactivate()

	if maxInFlight.Load() != 1 {
		t.Fatalf("runs overlapped: max in flight %d", maxInFlight.Load())
	}
}

func TestErrorHandlerReceivesBackgroundFlag(t *testing.T) {
	t.Parallel()
	type report struct {
		task       string
		background bool
	}
	var mu sync.Mutex
	var reports []report
	boom := errors.New("store unavailable")

	s := NewScheduler(quietLogger(), WithErrorHandler(func(task string, err error, background bool) {
		if !errors.Is(err, boom) {
			t.Errorf("unexpected error %v", err)
		}
		mu.Lock()
		reports = append(reports, report{task, background})
		mu.Unlock()
	}))
	_ = s.Register(Task{
		Name:   "sessions",
		Period: 10 * time.Millisecond,
		Run:    func(context.Context, bool) error { return boom },
	})

	s.Activate(context.Background())
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) >= 2
	})
	s.Deactivate()

	mu.Lock()
	defer mu.Unlock()
	if reports[0].background || reports[0].task != "sessions" {
		t.Fatalf("first report = %+v, want initial load", reports[0])
	}
	if !reports[1].background {
		t.Fatal("second report should be background")
	}
}

func TestRegisterWhileActiveStartsImmediately(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewScheduler(quietLogger())
	s.Activate(context.Background())
	defer s.Deactivate()

	_ = s.Register(Task{Name: "late", Period: time.Hour, Run: rec.run})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if rec.snapshot()[0] {
		t.Fatal("late task's first run should be an initial load")
	}

	if err := s.Refresh("late"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
}

func TestReactivate(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewScheduler(quietLogger())
	_ = s.Register(Task{Name: "sessions", Period: time.Hour, Run: rec.run})

	s.Activate(context.Background())
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	s.Deactivate()

	s.Activate(context.Background())
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	s.Deactivate()

	calls := rec.snapshot()
	if calls[0] || calls[1] {
		t.Fatal("every activation starts with an initial load")
	}
}

func TestReloadRunsAsInitialLoad(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewScheduler(quietLogger())
	_ = s.Register(Task{Name: "messages", Period: time.Hour, Run: rec.run})

	s.Activate(context.Background())
	defer s.Deactivate()
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })

	if err := s.Reload("messages"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	if rec.snapshot()[1] {
		t.Fatal("Reload should run as an initial load")
	}
}

func TestReloadWaitsForInFlightRun(t *testing.T) {
	t.Parallel()
	type report struct {
		err        error
		background bool
	}
	var mu sync.Mutex
	var calls []bool
	var reports []report
	gone := errors.New("session not found")
	release := make(chan struct{})

	s := NewScheduler(quietLogger(), WithErrorHandler(func(_ string, err error, background bool) {
		mu.Lock()
		reports = append(reports, report{err, background})
		mu.Unlock()
	}))
	_ = s.Register(Task{
		Name:   "messages",
		Period: time.Hour,
		Run: func(ctx context.Context, background bool) error {
			mu.Lock()
			calls = append(calls, background)
			n := len(calls)
			mu.Unlock()
			if n == 1 {
				<-release
				return nil
			}
			return gone
		},
	})

	s.Activate(context.Background())
	defer s.Deactivate()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})

	// The first run is still blocked, so this reload has to queue.
	if err := s.Reload("messages"); err != nil {
		t.Fatal(err)
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] || calls[1] {
		t.Fatalf("runs = %v, want two initial loads", calls)
	}
	if !errors.Is(reports[0].err, gone) || reports[0].background {
		t.Fatalf("report = %+v, want initial-load failure", reports[0])
	}
	if _, skipped := s.Stats("messages"); skipped != 0 {
		t.Fatalf("queued reload counted as skipped: %d", skipped)
	}
}

func TestQueuedReloadDroppedOnDeactivate(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	started := make(chan struct{})

	s := NewScheduler(quietLogger())
	_ = s.Register(Task{
		Name:   "messages",
		Period: time.Hour,
		Run: func(ctx context.Context, _ bool) error {
			if runs.Add(1) == 1 {
				close(started)
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	s.Activate(context.Background())
	<-started
	if err := s.Reload("messages"); err != nil {
		t.Fatal(err)
	}
	s.Deactivate()

	time.Sleep(20 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, queued reload must not outlive Deactivate", n)
	}
}
