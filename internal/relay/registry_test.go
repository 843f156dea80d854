package relay

import (
	"encoding/json"
	"testing"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

func TestRegistryRecordsPageTraffic(t *testing.T) {
	reg := NewRegistry()
	reg.Record("p1", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	reg.Record("p1", protocol.PageAdd{PageID: "about", PageName: "About", UserID: "u1",
		PageData: &protocol.PageData{Components: json.RawMessage(`[]`), Styles: "a{}"}})
	reg.Record("p1", protocol.PageAdd{PageID: "about", PageName: "Duplicate", UserID: "u2"})
	reg.Record("p1", protocol.PageUpdate{PageID: "about", PageName: "About us", UserID: "u2"})
	reg.Record("p1", protocol.PageUpdate{PageID: "missing", PageName: "Ghost", UserID: "u2"})

	sync, known := reg.FullSync("p1")
	if !known {
		t.Fatalf("expected p1 to be known")
	}
	if sync.ProjectID != "p1" || len(sync.Pages) != 2 {
		t.Fatalf("unexpected full sync: %+v", sync)
	}
	if sync.Pages[0].ID != "home" || sync.Pages[1].Name != "About us" || sync.Pages[1].Styles != "a{}" {
		t.Fatalf("unexpected pages: %+v", sync.Pages)
	}
}

func TestRegistryNeverListsRemovedPages(t *testing.T) {
	reg := NewRegistry()
	reg.Record("p1", protocol.PageAdd{PageID: "page-1", PageName: "About", UserID: "u1"})
	reg.Record("p1", protocol.PageRemove{PageID: "page-1", UserID: "u1"})
	reg.Record("p1", protocol.PageAdd{PageID: "page-1", PageName: "About", UserID: "u2"})

	sync, known := reg.FullSync("p1")
	if !known || len(sync.Pages) != 0 {
		t.Fatalf("removed page listed again: known=%v %+v", known, sync.Pages)
	}
	unknown, known := reg.FullSync("unknown")
	if known || unknown.Pages == nil || len(unknown.Pages) != 0 {
		t.Fatalf("expected empty, unknown listing for unknown project, got known=%v %+v", known, unknown.Pages)
	}
	reg.SetDocument("doc-only", protocol.Document{Styles: "s"})
	if _, known := reg.FullSync("doc-only"); known {
		t.Fatalf("a document alone must not make the page listing authoritative")
	}
}

func TestRegistryFullUpdateRefreshesPageContent(t *testing.T) {
	reg := NewRegistry()
	reg.Record("p1", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	reg.Record("p1", protocol.EditorFullUpdate{UserID: "u1", PageID: "home",
		Data: protocol.Document{Components: json.RawMessage(`[2]`), Styles: "b{}"}})
	reg.Record("p1", protocol.EditorFullUpdate{UserID: "u1", PageID: "missing",
		Data: protocol.Document{Styles: "x"}})

	sync, _ := reg.FullSync("p1")
	if len(sync.Pages) != 1 || string(sync.Pages[0].Components) != `[2]` || sync.Pages[0].Styles != "b{}" {
		t.Fatalf("unexpected pages after full update: %+v", sync.Pages)
	}
}

func TestRegistryDirtyTracking(t *testing.T) {
	reg := NewRegistry()
	if changed := reg.Record("p1", protocol.PageSelect{PageID: "home", UserID: "u1"}); changed {
		t.Fatalf("select must not change the registry")
	}
	reg.Record("p1", protocol.PageAdd{PageID: "home", PageName: "Home", UserID: "u1"})
	reg.SetDocument("p2", protocol.Document{Components: json.RawMessage(`[1]`)})

	dirty := reg.TakeDirty()
	if len(dirty) != 2 {
		t.Fatalf("expected two dirty projects, got %d", len(dirty))
	}
	if dirty["p2"].Document == nil || string(dirty["p2"].Document.Components) != `[1]` {
		t.Fatalf("expected document in p2 state, got %+v", dirty["p2"])
	}
	if again := reg.TakeDirty(); len(again) != 0 {
		t.Fatalf("dirty marks not cleared: %v", again)
	}
	reg.MarkDirty("p1", "missing")
	if again := reg.TakeDirty(); len(again) != 1 {
		t.Fatalf("expected p1 to be dirty again, got %d", len(again))
	}
}

func TestRegistryRestore(t *testing.T) {
	reg := NewRegistry()
	reg.Restore(map[string]ProjectState{
		"p1": {
			Pages:    []protocol.Page{{ID: "home", Name: "Home"}, {ID: "gone", Name: "Gone"}},
			Deleted:  []string{"gone"},
			Document: &protocol.Document{Styles: "s"},
		},
	})
	restored, _ := reg.FullSync("p1")
	pages := restored.Pages
	if len(pages) != 1 || pages[0].ID != "home" {
		t.Fatalf("unexpected restored pages: %+v", pages)
	}
	if doc, ok := reg.Document("p1"); !ok || doc.Styles != "s" {
		t.Fatalf("expected restored document")
	}
	reg.Record("p1", protocol.PageAdd{PageID: "gone", PageName: "Gone", UserID: "u1"})
	if again, _ := reg.FullSync("p1"); len(again.Pages) != 1 {
		t.Fatalf("restored tombstone did not block re-add")
	}
	if len(reg.TakeDirty()) != 0 {
		t.Fatalf("restore must not mark projects dirty")
	}
}
