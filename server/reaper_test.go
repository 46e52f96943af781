package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zeptools/sqlrelay/backend/backendmock"
)

type refreshRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *refreshRecorder) Refresh(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), ids...))
	return nil
}

func (r *refreshRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestReaperReapsAndRefreshes(t *testing.T) {
	pool := backendmock.NewPool(backendmock.NewScript())
	mgr := NewManager()
	mgr.AddBackendPool("main", pool, &backendmock.Dialect{})
	t.Cleanup(mgr.Close)

	stale, err := mgr.OpenSession("main")
	if err != nil {
		t.Fatal(err)
	}

	rec := &refreshRecorder{}
	reaper := NewReaper(context.Background(), mgr, rec, 5*time.Millisecond, time.Millisecond)
	if err := reaper.Start(); err != nil {
		t.Fatal(err)
	}
	defer reaper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(mgr.SessionIDs()) == 0 && rec.count() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s not reaped, refreshes %d", stale.ID, rec.count())
		}
		time.Sleep(2 * time.Millisecond)
	}

	reaper.Stop()
	select {
	case err := <-reaper.Done():
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper did not shut down")
	}
}
