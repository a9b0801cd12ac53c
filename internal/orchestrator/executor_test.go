package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/courierlabs/courier/internal/model"
	"github.com/courierlabs/courier/internal/tenant"

	_ "github.com/mattn/go-sqlite3"
)

// gatedCompleter blocks every completion until release is closed.
type gatedCompleter struct {
	release chan struct{}
	calls   chan struct{}
}

func (g *gatedCompleter) Complete(ctx context.Context, cfg model.APIConfig, msgs []model.ChatMessage) (string, error) {
	g.calls <- struct{}{}
	<-g.release
	return "COMPLETE: done", nil
}

func TestEnqueueSingleFlight(t *testing.T) {
	reg, err := tenant.NewRegistry(filepath.Join(t.TempDir(), "tenants"), tenant.Options{})
	if err != nil {
		t.Fatalf("NewRegistry() = %v, want nil", err)
	}
	defer reg.Close()

	repos, err := reg.Repos(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Repos() = %v, want nil", err)
	}
	seedDirector(t, repos)

	gc := &gatedCompleter{
		release: make(chan struct{}),
		calls:   make(chan struct{}, 8),
	}
	exec := NewExecutor(newTestOrchestrator(gc), reg)

	if !exec.Enqueue("alice", "th1", "tr1") {
		t.Fatalf("Enqueue() = false, want a new drive loop started")
	}
	<-gc.calls // the loop is now mid-step

	if exec.Enqueue("alice", "th1", "tr1") {
		t.Errorf("Enqueue(in-flight) = true, want dropped")
	}
	// A different thread is independent.
	if err := repos.PutThread(context.Background(), model.ConversationThread{
		ID: "th2", Kind: model.KindDirector, DirectorID: "dir1",
		Status: model.StatusCompleted}); err != nil {
		t.Fatalf("PutThread() = %v, want nil", err)
	}
	if !exec.Enqueue("alice", "th2", "tr1") {
		t.Errorf("Enqueue(other thread) = false, want started")
	}

	close(gc.release)
	exec.Wait()

	th, err := repos.Thread(context.Background(), "th1")
	if err != nil {
		t.Fatalf("Thread() = %v, want nil", err)
	}
	if th.Status != model.StatusCompleted {
		t.Errorf("Status = %q after drive loop, want completed", th.Status)
	}

	// Once the loop exits the thread may be enqueued again; the
	// terminal state makes it a no-op step.
	if !exec.Enqueue("alice", "th1", "tr1") {
		t.Errorf("Enqueue(after completion) = false, want accepted")
	}
	exec.Wait()
}
