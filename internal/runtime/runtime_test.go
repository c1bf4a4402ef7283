package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/dispatch/internal/config"
	"github.com/rzbill/dispatch/internal/dispatch"
	pebblestore "github.com/rzbill/dispatch/internal/storage/pebble"
	"github.com/rzbill/dispatch/internal/task"
	"github.com/rzbill/dispatch/internal/worker"
	"github.com/rzbill/dispatch/pkg/id"
)

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestOpenRejectsUnknownDefaultPriority(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DefaultPriority = "URGENT"
	if _, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg}); err == nil {
		t.Fatal("want error for unknown priority name")
	}
}

func TestEndToEndExecution(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Workers = 2
	cfg.PollWaitMs = 50
	cfg.ReconcileIntervalMs = 50

	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	done := make(chan string, 1)
	rt.Handlers().RegisterFunc("greet", func(_ context.Context, _ *task.Task, data json.RawMessage) error {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		done <- body.Name
		return nil
	})

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Stop()

	snap, err := rt.Engine().Submit(ctx, dispatch.SubmitRequest{
		Priority: task.High,
		Payload:  []byte(`{"type":"greet","data":{"name":"ada"}}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case name := <-done:
		if name != "ada" {
			t.Fatalf("handler saw %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task never executed")
	}

	tid, _ := id.Parse(snap.ID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := rt.Engine().GetStatus(ctx, tid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got.Status == task.StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want SUCCEEDED", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEndToEndRetry(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Workers = 1
	cfg.PollWaitMs = 50
	cfg.ReconcileIntervalMs = 25
	cfg.BackoffBaseMs = 25
	cfg.BackoffCapMs = 50

	rt, err := Open(Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	calls := make(chan int, 8)
	attempt := 0
	rt.Handlers().RegisterFunc("flaky", func(context.Context, *task.Task, json.RawMessage) error {
		attempt++
		calls <- attempt
		if attempt < 2 {
			return worker.Retryable(context.DeadlineExceeded)
		}
		return nil
	})

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Stop()

	snap, err := rt.Engine().Submit(ctx, dispatch.SubmitRequest{
		Payload: []byte(`{"type":"flaky","data":{}}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for i := 1; i <= 2; i++ {
		select {
		case n := <-calls:
			if n != i {
				t.Fatalf("attempt order: got %d, want %d", n, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d never ran", i)
		}
	}

	tid, _ := id.Parse(snap.ID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := rt.Engine().GetStatus(ctx, tid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got.Status == task.StatusSucceeded {
			if got.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", got.Attempts)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want SUCCEEDED", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
