package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	"github.com/ashureev/supportdesk/internal/poll"
	"github.com/spf13/pflag"
)

// watcher renders polled sessions and, optionally, one chat transcript.
// Output only happens when the data actually changed.
type watcher struct {
	e         *env
	sessionID string
	limit     int

	outMu    sync.Mutex
	sessions poll.Snapshot[[]*domain.Session]
	messages poll.Snapshot[[]*domain.Message]
	lastList string
	seen     map[string]bool
}

func watchCommand(fs *pflag.FlagSet) runFunc {
	sessionID := fs.String("session", "", "also follow the messages of this session")
	interval := fs.Duration("interval", 2*time.Second, "polling interval")
	limit := fs.Int("limit", 50, "messages to load per poll")
	once := fs.Bool("once", false, "load once and exit")
	return func(ctx context.Context, e *env, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unexpected argument: %s", args[0])
		}
		if *interval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		w := &watcher{e: e, sessionID: *sessionID, limit: *limit, seen: make(map[string]bool)}
		if *once {
			return w.loadOnce(ctx)
		}
		return w.run(ctx, *interval)
	}
}

func (w *watcher) tasks(interval time.Duration) []poll.Task {
	tasks := []poll.Task{{Name: "sessions", Period: interval, Run: w.loadSessions}}
	if w.sessionID != "" {
		tasks = append(tasks, poll.Task{Name: "messages", Period: interval, Run: w.loadMessages})
	}
	return tasks
}

func (w *watcher) loadOnce(ctx context.Context) error {
	for _, t := range w.tasks(time.Second) {
		if err := t.Run(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) run(ctx context.Context, interval time.Duration) error {
	logger := slog.New(slog.NewTextHandler(w.e.errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sched := poll.NewScheduler(logger, poll.WithErrorHandler(w.reportError))
	for _, t := range w.tasks(interval) {
		if err := sched.Register(t); err != nil {
			return err
		}
	}

	w.printf("Watching every %s, Ctrl-C to stop.\n", interval)
	sched.Activate(ctx)
	<-ctx.Done()
	sched.Deactivate()
	return nil
}

// reportError shows initial-load failures. Background failures keep the
// last rendered output and stay quiet.
func (w *watcher) reportError(task string, err error, background bool) {
	if background {
		return
	}
	w.printf("%s: %v\n", task, err)
}

func (w *watcher) printf(format string, args ...any) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	fmt.Fprintf(w.e.out, format, args...)
}

func (w *watcher) render(fn func(out io.Writer)) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	fn(w.e.out)
}

func (w *watcher) loadSessions(ctx context.Context, background bool) error {
	list, err := w.e.client.ListSessions(ctx, "", background)
	if showErr := w.sessions.Apply(list, err, background); showErr != nil || err != nil {
		return showErr
	}

	key := fingerprint(list)
	w.outMu.Lock()
	changed := key != w.lastList
	w.lastList = key
	w.outMu.Unlock()
	if !changed {
		return nil
	}

	w.render(func(out io.Writer) {
		fmt.Fprintf(out, "\n== sessions at %s ==\n", time.Now().Format("15:04:05"))
		writeSessions(out, list)
	})
	return nil
}

func (w *watcher) loadMessages(ctx context.Context, background bool) error {
	msgs, err := w.e.client.Messages(ctx, w.sessionID, w.limit, background)
	if showErr := w.messages.Apply(msgs, err, background); showErr != nil || err != nil {
		return showErr
	}

	var fresh []*domain.Message
	w.outMu.Lock()
	for _, m := range msgs {
		if !w.seen[m.ID] {
			w.seen[m.ID] = true
			fresh = append(fresh, m)
		}
	}
	w.outMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	w.render(func(out io.Writer) { writeMessages(out, fresh) })
	return nil
}

func fingerprint(list []*domain.Session) string {
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s|%s|%s|%d;", s.ID, s.Status, s.AgentID, s.UpdatedAt.UnixNano())
	}
	return b.String()
}
