package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

type flakyBackend struct {
	*InMemoryStateBackend
	mu   sync.Mutex
	fail map[string]bool
}

func (b *flakyBackend) Save(projectID string, state ProjectState) error {
	b.mu.Lock()
	fail := b.fail[projectID]
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.InMemoryStateBackend.Save(projectID, state)
}

func TestCheckpointerFlushKeepsFailedProjectsDirty(t *testing.T) {
	reg := NewRegistry()
	backend := &flakyBackend{InMemoryStateBackend: NewInMemoryStateBackend(), fail: map[string]bool{"p2": true}}
	checkpointer := NewCheckpointer(reg, backend, nil)

	reg.Record("p1", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	reg.Record("p2", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	if err := checkpointer.Flush(); err == nil {
		t.Fatalf("expected flush error for p2")
	}
	projects, _ := backend.Load()
	if _, ok := projects["p1"]; !ok || len(projects) != 1 {
		t.Fatalf("expected only p1 to be saved, got %v", projects)
	}

	backend.mu.Lock()
	backend.fail["p2"] = false
	backend.mu.Unlock()
	if err := checkpointer.Flush(); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	projects, _ = backend.Load()
	if len(projects) != 2 {
		t.Fatalf("expected p2 to be retried, got %v", projects)
	}
}

func TestCheckpointerRestoreAndStop(t *testing.T) {
	backend := NewInMemoryStateBackend()
	_ = backend.Save("p1", ProjectState{Pages: []protocol.Page{{ID: "home", Name: "Home"}}})

	reg := NewRegistry()
	checkpointer := NewCheckpointer(reg, backend, nil)
	count, err := checkpointer.Restore()
	if err != nil || count != 1 {
		t.Fatalf("restore: count=%d err=%v", count, err)
	}
	if err := checkpointer.Start("not a schedule"); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	if err := checkpointer.Start("@every 1h"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := checkpointer.Start("@every 1h"); err == nil {
		t.Fatalf("expected second start to fail")
	}

	reg.Record("p1", protocol.PageAdd{PageID: "about", PageName: "About", UserID: "u1"})
	if err := checkpointer.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	projects, _ := backend.Load()
	if len(projects["p1"].Pages) != 2 {
		t.Fatalf("expected stop to flush pending changes, got %+v", projects["p1"])
	}
}
