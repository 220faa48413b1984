package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/buildflow/internal/domain"
	"github.com/splax/buildflow/internal/repository"
)

func TestStoreGetStatusMissingReturnsNotFound(t *testing.T) {
	store := NewStore()
	if _, err := store.GetStatus(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSetStatusLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.SaveDeployment(ctx, &domain.Deployment{ID: "dep-1"})
	_ = store.SetStatus(ctx, "dep-1", domain.StatusUploaded)
	_ = store.SetStatus(ctx, "dep-1", domain.StatusDeployed)

	got, err := store.GetStatus(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if got != domain.StatusDeployed {
		t.Fatalf("expected deployed, got %q", got)
	}

	if err := store.DeleteStatus(ctx, "dep-1"); err != nil {
		t.Fatalf("DeleteStatus returned error: %v", err)
	}
	if _, err := store.GetStatus(ctx, "dep-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.GetDeployment(ctx, "dep-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected deployment record removed, got %v", err)
	}
}

func TestStoreSubscribeReceivesChanges(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.StatusChange, 1)
	go func() {
		_ = store.SubscribeStatus(ctx, func(change domain.StatusChange) {
			received <- change
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		_ = store.SetStatus(context.Background(), "dep-2", domain.StatusUploaded)
		select {
		case change := <-received:
			if change.DeploymentID != "dep-2" || change.Status != domain.StatusUploaded {
				t.Fatalf("unexpected change: %+v", change)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for status change")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStoreDeploymentCopiesFiles(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	files := []string{"index.html"}
	if err := store.SaveDeployment(ctx, &domain.Deployment{ID: "dep-3", Files: files}); err != nil {
		t.Fatalf("SaveDeployment returned error: %v", err)
	}
	files[0] = "mutated"

	got, err := store.GetDeployment(ctx, "dep-3")
	if err != nil {
		t.Fatalf("GetDeployment returned error: %v", err)
	}
	if got.Files[0] != "index.html" {
		t.Fatalf("expected stored manifest to be isolated, got %v", got.Files)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("Push returned error: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Pop returned error: %v", err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestQueuePopTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue()
	if _, err := q.Pop(context.Background(), 20*time.Millisecond); !errors.Is(err, repository.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(context.Background(), "late")
	}()
	got, err := q.Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Pop returned error: %v", err)
	}
	if got != "late" {
		t.Fatalf("expected late, got %q", got)
	}
}
