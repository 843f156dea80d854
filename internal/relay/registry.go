package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

// ProjectState is what the relay remembers about a project from the traffic it
// forwarded. It is not authoritative; it only answers page:request-sync and the
// document API.
type ProjectState struct {
	Pages     []protocol.Page    `json:"pages"`
	Deleted   []string           `json:"deletedPages"`
	Document  *protocol.Document `json:"document,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

type projectEntry struct {
	order   []string
	pages   map[string]protocol.Page
	deleted map[string]struct{}
	doc     *protocol.Document
	updated time.Time
	dirty   bool
}

// Registry keeps the per-project page listing replayed to joining clients.
type Registry struct {
	mu       sync.Mutex
	projects map[string]*projectEntry
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{projects: map[string]*projectEntry{}, now: time.Now}
}

func (r *Registry) entryLocked(projectID string) *projectEntry {
	entry, ok := r.projects[projectID]
	if !ok {
		entry = &projectEntry{pages: map[string]protocol.Page{}, deleted: map[string]struct{}{}}
		r.projects[projectID] = entry
	}
	return entry
}

// Record folds a relayed message into the project's listing. It reports whether
// anything changed.
func (r *Registry) Record(projectID string, msg protocol.Message) bool {
	if projectID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(projectID)
	changed := false
	switch m := msg.(type) {
	case protocol.PageAdd:
		if _, gone := entry.deleted[m.PageID]; gone {
			break
		}
		if _, exists := entry.pages[m.PageID]; exists {
			break
		}
		page := protocol.Page{ID: m.PageID, Name: m.PageName}
		if m.PageData != nil {
			page.Components = m.PageData.Components
			page.Styles = m.PageData.Styles
		}
		entry.pages[m.PageID] = page
		entry.order = append(entry.order, m.PageID)
		changed = true
	case protocol.PageRemove:
		if _, gone := entry.deleted[m.PageID]; !gone {
			entry.deleted[m.PageID] = struct{}{}
			changed = true
		}
		if _, exists := entry.pages[m.PageID]; exists {
			delete(entry.pages, m.PageID)
			entry.order = removeID(entry.order, m.PageID)
			changed = true
		}
	case protocol.PageUpdate:
		page, exists := entry.pages[m.PageID]
		if !exists {
			break
		}
		if m.PageName != "" {
			page.Name = m.PageName
		}
		if m.PageData != nil {
			page.Components = m.PageData.Components
			page.Styles = m.PageData.Styles
		}
		entry.pages[m.PageID] = page
		changed = true
	case protocol.EditorFullUpdate:
		doc := m.Data
		entry.doc = &doc
		if page, exists := entry.pages[m.PageID]; exists {
			page.Components = doc.Components
			page.Styles = doc.Styles
			entry.pages[m.PageID] = page
		}
		changed = true
	}
	if changed {
		entry.updated = r.now().UTC()
		entry.dirty = true
	}
	return changed
}

// FullSync lists the live pages of a project in the order they were added. known
// is false until the registry has seen page traffic for the project; an empty
// listing is then not authoritative.
func (r *Registry) FullSync(projectID string) (listing protocol.PageFullSync, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := protocol.PageFullSync{ProjectID: projectID, Pages: []protocol.Page{}}
	entry, ok := r.projects[projectID]
	if !ok || (len(entry.order) == 0 && len(entry.deleted) == 0) {
		return out, false
	}
	for _, id := range entry.order {
		out.Pages = append(out.Pages, entry.pages[id])
	}
	return out, true
}

func (r *Registry) Document(projectID string) (protocol.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.projects[projectID]
	if !ok || entry.doc == nil {
		return protocol.Document{}, false
	}
	return *entry.doc, true
}

func (r *Registry) SetDocument(projectID string, doc protocol.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entryLocked(projectID)
	entry.doc = &doc
	entry.updated = r.now().UTC()
	entry.dirty = true
}

// Restore replaces the registry contents with previously checkpointed state.
func (r *Registry) Restore(projects map[string]ProjectState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = map[string]*projectEntry{}
	for projectID, state := range projects {
		entry := r.entryLocked(projectID)
		for _, id := range state.Deleted {
			entry.deleted[id] = struct{}{}
		}
		for _, page := range state.Pages {
			if _, gone := entry.deleted[page.ID]; gone || page.ID == "" {
				continue
			}
			if _, exists := entry.pages[page.ID]; exists {
				continue
			}
			entry.pages[page.ID] = page
			entry.order = append(entry.order, page.ID)
		}
		if state.Document != nil {
			doc := *state.Document
			entry.doc = &doc
		}
		entry.updated = state.UpdatedAt
	}
}

// TakeDirty returns the state of every project changed since the last call and
// clears their dirty marks.
func (r *Registry) TakeDirty() map[string]ProjectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]ProjectState{}
	for projectID, entry := range r.projects {
		if !entry.dirty {
			continue
		}
		out[projectID] = entry.stateLocked()
		entry.dirty = false
	}
	return out
}

// MarkDirty flags projects whose checkpoint failed so the next run retries them.
func (r *Registry) MarkDirty(projectIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, projectID := range projectIDs {
		if entry, ok := r.projects[projectID]; ok {
			entry.dirty = true
		}
	}
}

func (e *projectEntry) stateLocked() ProjectState {
	state := ProjectState{Pages: []protocol.Page{}, Deleted: []string{}, UpdatedAt: e.updated}
	for _, id := range e.order {
		state.Pages = append(state.Pages, e.pages[id])
	}
	for id := range e.deleted {
		state.Deleted = append(state.Deleted, id)
	}
	sort.Strings(state.Deleted)
	if e.doc != nil {
		doc := *e.doc
		state.Document = &doc
	}
	return state
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
