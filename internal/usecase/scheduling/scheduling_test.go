package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCatalogRefresh, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddTask(Task{Name: "catalog", Schedule: "50ms", Action: ActionCatalogRefresh}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerRunNow(t *testing.T) {
	ran := make(chan struct{}, 1)

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAuditRetention, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	if err := s.AddTask(Task{Name: "audit", Schedule: "@hourly", Action: ActionAuditRetention, RunNow: true}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
		t.Fatal("task ran before Start")
	case <-time.After(50 * time.Millisecond):
	}

	s.Start(context.Background())
	defer s.Stop()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("RunNow task did not run on Start")
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(newTestLogger())
	if err := s.AddTask(Task{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"}); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerDuplicateTask(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionRegistryRescan, func(context.Context) error { return nil })

	task := Task{Name: "rescan", Schedule: "1m", Action: ActionRegistryRescan}
	if err := s.AddTask(task); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask(task); err == nil {
		t.Error("expected error for duplicate task name")
	}
}

func TestSchedulerStopCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	var canceled atomic.Bool

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCatalogRefresh, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	})
	s.AddTask(Task{Name: "slow", Schedule: "@hourly", Action: ActionCatalogRefresh, RunNow: true})
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	s.Stop()
	if !canceled.Load() {
		t.Error("Stop returned before the running task saw cancellation")
	}
}

func TestSchedulerTaskTimeout(t *testing.T) {
	errc := make(chan error, 1)

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCatalogRefresh, func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})
	s.AddTask(Task{
		Name: "bounded", Schedule: "@hourly", Action: ActionCatalogRefresh,
		Timeout: 20 * time.Millisecond, RunNow: true,
	})
	s.Start(context.Background())
	defer s.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task timeout not applied")
	}
}

func TestSchedulerFailingTaskKeepsRunning(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCatalogRefresh, func(ctx context.Context) error {
		count.Add(1)
		return errors.New("index unreachable")
	})
	s.AddTask(Task{Name: "flaky", Schedule: "30ms", Action: ActionCatalogRefresh})
	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 2 {
		t.Errorf("failing task ran %d times, expected repeated runs", c)
	}
}

func TestSchedulerRemoveTask(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionCatalogRefresh, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	s.AddTask(Task{Name: "catalog", Schedule: "30ms", Action: ActionCatalogRefresh})
	s.RegisterAction(ActionAuditRetention, func(context.Context) error { return nil })
	s.AddTask(Task{Name: "audit", Schedule: "@hourly", Action: ActionAuditRetention})

	if err := s.RemoveTask("catalog"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTask("catalog"); err == nil {
		t.Error("expected error removing an unknown task")
	}
	if got := s.Tasks(); len(got) != 1 || got[0] != "audit" {
		t.Errorf("Tasks() = %v", got)
	}

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	if count.Load() != 0 {
		t.Error("removed task still ran")
	}
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAuditRetention, func(context.Context) error { return nil })
	s.AddTask(Task{Name: "audit", Schedule: "@hourly", Action: ActionAuditRetention})

	if !s.NextRun("missing").IsZero() {
		t.Error("unknown task should have no next run")
	}

	s.Start(context.Background())
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)

	next := s.NextRun("audit")
	if next.IsZero() || next.Before(time.Now()) || next.After(time.Now().Add(time.Hour+time.Minute)) {
		t.Errorf("NextRun = %v", next)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, ok := range []string{"0 */6 * * *", "@hourly", "@every 10m", "30m", "250ms"} {
		if _, err := ParseSchedule(ok); err != nil {
			t.Errorf("ParseSchedule(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "-5m", "0s", "every tuesday"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", bad)
		}
	}

	sched, _ := ParseSchedule("250ms")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Errorf("Next = %v", got)
	}
}

func TestSchedulerTasks(t *testing.T) {
	s := NewScheduler(newTestLogger())
	s.RegisterAction(ActionAuditRetention, func(context.Context) error { return nil })
	for _, n := range []string{"b", "a", "c"} {
		if err := s.AddTask(Task{Name: n, Schedule: "1h", Action: ActionAuditRetention}); err != nil {
			t.Fatal(err)
		}
	}
	got := s.Tasks()
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Tasks() = %v", got)
	}
}
