package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/session"
	"github.com/ashureev/supportdesk/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	errs    []error
}

func (f *fakePurger) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	return 1, nil
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestSweepUsesRetentionCutoff(t *testing.T) {
	t.Parallel()
	p := &fakePurger{}
	w := NewWorker(p, 24*time.Hour, time.Minute, quietLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	n, err := w.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if want := now.Add(-24 * time.Hour); !p.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", p.cutoffs[0], want)
	}
}

func TestSweepRetriesLockedDatabase(t *testing.T) {
	t.Parallel()
	p := &fakePurger{errs: []error{errors.New("database is locked"), errors.New("SQLITE_BUSY")}}
	w := NewWorker(p, time.Hour, time.Minute, quietLogger())

	n, err := w.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if p.calls() != 3 {
		t.Fatalf("calls = %d, want 3", p.calls())
	}
}

func TestSweepDoesNotRetryOtherErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk on fire")
	p := &fakePurger{errs: []error{boom}}
	w := NewWorker(p, time.Hour, time.Minute, quietLogger())

	if _, err := w.Sweep(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if p.calls() != 1 {
		t.Fatalf("calls = %d, want 1", p.calls())
	}
}

func TestDisabledWorkerNeverSweeps(t *testing.T) {
	t.Parallel()
	p := &fakePurger{}
	w := NewWorker(p, 0, 5*time.Millisecond, quietLogger())
	if w.Enabled() {
		t.Fatal("zero retention should disable the worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if p.calls() != 0 {
		t.Fatalf("disabled worker swept %d times", p.calls())
	}
}

func TestStartSweepsUntilCanceled(t *testing.T) {
	t.Parallel()
	p := &fakePurger{}
	w := NewWorker(p, time.Hour, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for p.calls() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("worker never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	after := p.calls()
	time.Sleep(30 * time.Millisecond)
	if p.calls() != after {
		t.Fatal("worker kept sweeping after cancel")
	}
}

func TestSweepAgainstRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := store.NewMemory()
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	reg := session.NewRegistry(repo, quietLogger(), session.WithClock(func() time.Time { return clock }))

	old, err := reg.Create(ctx, domain.GuestIdentity{UserID: "g1", Name: "Old", Email: "old@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Close(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	stillOpen, _ := reg.Create(ctx, domain.GuestIdentity{UserID: "g2", Name: "Open", Email: "open@example.com"})

	w := NewWorker(reg, time.Hour, time.Minute, quietLogger())
	w.now = func() time.Time { return clock.Add(2 * time.Hour) }

	n, err := w.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if s, _ := repo.GetSession(ctx, old.ID); s != nil {
		t.Fatal("expired closed session still present")
	}
	if s, _ := repo.GetSession(ctx, stillOpen.ID); s == nil {
		t.Fatal("open session must survive retention")
	}
}
