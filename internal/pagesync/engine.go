// Package pagesync keeps the local page collection of a project consistent with
// the other collaborators in its room.
//
// An Engine is not safe for concurrent use. It is driven from a single event loop
// goroutine which also delivers inbound room messages, so surface callbacks may
// re-enter engine methods without locking.
package pagesync

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/storage"
)

const (
	DefaultPageID   = "home"
	DefaultPageName = "Home"
)

// PageSurface is the editing widget as seen by the engine.
type PageSurface interface {
	Pages() []protocol.Page
	Page(id string) (protocol.Page, bool)
	AddPage(page protocol.Page) error
	RemovePage(id string) error
	// UpdatePage renames the page when name is non-empty and replaces its content
	// when data is non-nil.
	UpdatePage(id, name string, data *protocol.PageData) error
	SelectPage(id string) error
	SelectedPage() string
}

// Emitter sends page events to the room. Emit reports whether the message left.
type Emitter interface {
	Emit(msg protocol.Message) bool
}

type SnapshotStore interface {
	Read(projectID string) (storage.Snapshot, bool)
	Write(projectID string, snap storage.Snapshot) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	UserID string
	// SelectionSync applies remote page:select events. Off by default.
	SelectionSync bool
	// MaxTombstones bounds the tombstone set; 0 keeps every id for the session.
	MaxTombstones   int
	DefaultPageID   string
	DefaultPageName string
	Now             func() time.Time
	NewPageID       func() string
	Logger          Logger
}

// guard is a set of flags marking why the engine is currently mutating the surface.
type guard uint8

const (
	guardApplyingRemote guard = 1 << iota
	guardInitialLoad
	guardSelectingPage
)

type Engine struct {
	surface PageSurface
	emitter Emitter
	store   SnapshotStore
	opts    Options

	projectID  string
	guard      guard
	tombstones *TombstoneSet
	loaded     map[string]struct{}
}

func NewEngine(surface PageSurface, emitter Emitter, store SnapshotStore, opts Options) (*Engine, error) {
	if surface == nil {
		return nil, errors.New("pagesync: surface is required")
	}
	if emitter == nil {
		return nil, errors.New("pagesync: emitter is required")
	}
	if store == nil {
		return nil, errors.New("pagesync: snapshot store is required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("pagesync: user id is required")
	}
	if opts.DefaultPageID == "" {
		opts.DefaultPageID = DefaultPageID
	}
	if opts.DefaultPageName == "" {
		opts.DefaultPageName = DefaultPageName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewPageID == nil {
		opts.NewPageID = newPageID
	}
	return &Engine{
		surface:    surface,
		emitter:    emitter,
		store:      store,
		opts:       opts,
		tombstones: NewTombstoneSet(opts.MaxTombstones),
		loaded:     map[string]struct{}{},
	}, nil
}

func newPageID() string {
	return "page-" + strings.ToLower(ulid.Make().String())
}

// enter sets g for the duration of a mutation. The returned release restores the
// previous flags and must be deferred.
func (e *Engine) enter(g guard) func() {
	prev := e.guard
	e.guard |= g
	return func() { e.guard = prev }
}

func (e *Engine) applyingRemote() bool {
	return e.guard&guardApplyingRemote != 0
}

func (e *Engine) ProjectID() string {
	return e.projectID
}

func (e *Engine) Loaded(id string) bool {
	_, ok := e.loaded[id]
	return ok
}

func (e *Engine) Tombstoned(id string) bool {
	return e.tombstones.Has(id)
}

// Pages returns the loaded pages in surface order.
func (e *Engine) Pages() []protocol.Page {
	var out []protocol.Page
	for _, page := range e.surface.Pages() {
		if e.Loaded(page.ID) {
			out = append(out, page)
		}
	}
	return out
}

// Load bootstraps the page collection of projectID from the snapshot store and
// the surface. Nothing is emitted or saved while loading. When no page survives a
// default page is created.
func (e *Engine) Load(projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return errors.New("pagesync: project id is required")
	}
	release := e.enter(guardInitialLoad)
	defer release()

	e.projectID = projectID
	e.loaded = map[string]struct{}{}
	e.tombstones.reset(nil)

	snap, ok := e.store.Read(projectID)
	if ok {
		e.tombstones.reset(snap.DeletedPages)
		for _, page := range snap.Pages {
			if e.tombstones.Has(page.ID) {
				continue
			}
			if _, exists := e.surface.Page(page.ID); exists {
				continue
			}
			if err := e.surface.AddPage(page); err != nil {
				return &SurfaceError{Op: "add", PageID: page.ID, Err: err}
			}
		}
	} else {
		e.logf("no stored pages for project=%s", projectID)
	}
	for _, page := range e.surface.Pages() {
		if e.tombstones.Has(page.ID) {
			if err := e.surface.RemovePage(page.ID); err != nil {
				return &SurfaceError{Op: "remove", PageID: page.ID, Err: err}
			}
			continue
		}
		e.loaded[page.ID] = struct{}{}
	}
	if err := e.ensurePage(); err != nil {
		return err
	}
	return e.ensureSelection()
}

// AddPage creates a page with a fresh id.
func (e *Engine) AddPage(name string) (protocol.Page, error) {
	return e.AddPageWithID(e.opts.NewPageID(), name, nil)
}

func (e *Engine) AddPageWithID(id, name string, data *protocol.PageData) (protocol.Page, error) {
	if e.projectID == "" {
		return protocol.Page{}, ErrNotLoaded
	}
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		id = e.opts.NewPageID()
	}
	if name == "" {
		return protocol.Page{}, ErrEmptyName
	}
	if e.tombstones.Has(id) {
		return protocol.Page{}, ErrTombstoned
	}
	if e.Loaded(id) {
		existing, _ := e.surface.Page(id)
		return existing, ErrPageExists
	}
	page := protocol.Page{ID: id, Name: name, Components: emptyComponents()}
	if data != nil {
		page.Components = data.Components
		page.Styles = data.Styles
	}
	if err := e.surface.AddPage(page); err != nil {
		return protocol.Page{}, &SurfaceError{Op: "add", PageID: id, Err: err}
	}
	e.loaded[id] = struct{}{}
	pageData := page.Data()
	e.emitLocal(protocol.PageAdd{
		PageID:    id,
		PageName:  name,
		PageData:  &pageData,
		UserID:    e.opts.UserID,
		ProjectID: e.projectID,
		Timestamp: e.timestamp(),
	})
	e.save()
	return page, nil
}

// RemovePage deletes and tombstones a loaded page. The last page cannot be removed.
func (e *Engine) RemovePage(id string) error {
	if e.projectID == "" {
		return ErrNotLoaded
	}
	page, ok := e.loadedPage(id)
	if !ok {
		return ErrUnknownPage
	}
	if len(e.loaded) == 1 {
		return ErrLastPage
	}
	if err := e.removeLoaded(id); err != nil {
		return err
	}
	e.tombstones.Add(id)
	e.emitLocal(protocol.PageRemove{
		PageID:    id,
		PageName:  page.Name,
		UserID:    e.opts.UserID,
		ProjectID: e.projectID,
		Timestamp: e.timestamp(),
	})
	if err := e.ensureSelection(); err != nil {
		e.logf("reselect after removing %s: %v", id, err)
	}
	e.save()
	return nil
}

func (e *Engine) RenamePage(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" && e.projectID != "" {
		return ErrEmptyName
	}
	return e.UpdatePage(id, name, nil)
}

func (e *Engine) UpdatePageContent(id string, data protocol.PageData) error {
	return e.UpdatePage(id, "", &data)
}

// UpdatePage renames the page and replaces its content in one edit, announced
// with a single page:update. An empty name or nil data leaves that part alone;
// with neither there is nothing to do.
func (e *Engine) UpdatePage(id, name string, data *protocol.PageData) error {
	if e.projectID == "" {
		return ErrNotLoaded
	}
	if _, ok := e.loadedPage(id); !ok {
		return ErrUnknownPage
	}
	name = strings.TrimSpace(name)
	if name == "" && data == nil {
		return nil
	}
	if err := e.surface.UpdatePage(id, name, data); err != nil {
		op := "update"
		if data == nil {
			op = "rename"
		}
		return &SurfaceError{Op: op, PageID: id, Err: err}
	}
	e.emitLocal(protocol.PageUpdate{
		PageID:    id,
		PageName:  name,
		PageData:  data,
		UserID:    e.opts.UserID,
		ProjectID: e.projectID,
		Timestamp: e.timestamp(),
	})
	e.save()
	return nil
}

// SelectPage mounts a page in the editor and tells the room. Selecting the page
// that is already being selected is a no-op.
func (e *Engine) SelectPage(id string) error {
	if e.projectID == "" {
		return ErrNotLoaded
	}
	if e.guard&guardSelectingPage != 0 {
		return nil
	}
	page, ok := e.loadedPage(id)
	if !ok {
		return ErrUnknownPage
	}
	release := e.enter(guardSelectingPage)
	defer release()
	if err := e.surface.SelectPage(id); err != nil {
		return &SurfaceError{Op: "select", PageID: id, Err: err}
	}
	e.emitLocal(protocol.PageSelect{
		PageID:    id,
		PageName:  page.Name,
		UserID:    e.opts.UserID,
		ProjectID: e.projectID,
		Timestamp: e.timestamp(),
	})
	return nil
}

// RequestSync asks the room for an authoritative page listing. It is called after
// every confirmed join.
func (e *Engine) RequestSync() bool {
	if e.projectID == "" {
		return false
	}
	return e.emitter.Emit(protocol.PageRequestSync{ProjectID: e.projectID, UserID: e.opts.UserID})
}

func (e *Engine) emitLocal(msg protocol.Message) {
	if e.guard&(guardApplyingRemote|guardInitialLoad) != 0 {
		return
	}
	if !e.emitter.Emit(msg) {
		e.logf("debug: %s not sent; room not joined", msg.Event())
	}
}

func (e *Engine) save() {
	if e.guard&guardInitialLoad != 0 {
		return
	}
	snap := storage.Snapshot{Pages: e.Pages(), DeletedPages: e.tombstones.List()}
	if _, err := e.store.Write(e.projectID, snap); err != nil {
		e.logf("save pages project=%s: %v", e.projectID, err)
	}
}

func (e *Engine) loadedPage(id string) (protocol.Page, bool) {
	if !e.Loaded(id) {
		return protocol.Page{}, false
	}
	return e.surface.Page(id)
}

func (e *Engine) removeLoaded(id string) error {
	if err := e.surface.RemovePage(id); err != nil {
		return &SurfaceError{Op: "remove", PageID: id, Err: err}
	}
	delete(e.loaded, id)
	return nil
}

// ensurePage creates the default page when nothing is loaded. A tombstoned
// default id is never reused.
func (e *Engine) ensurePage() error {
	if len(e.loaded) > 0 {
		return nil
	}
	id := e.opts.DefaultPageID
	if e.tombstones.Has(id) {
		id = e.opts.NewPageID()
	}
	page := protocol.Page{ID: id, Name: e.opts.DefaultPageName, Components: emptyComponents()}
	if err := e.surface.AddPage(page); err != nil {
		return &SurfaceError{Op: "add", PageID: id, Err: err}
	}
	e.loaded[id] = struct{}{}
	return nil
}

// ensureSelection mounts the first loaded page when the selection is gone.
func (e *Engine) ensureSelection() error {
	if e.Loaded(e.surface.SelectedPage()) {
		return nil
	}
	pages := e.Pages()
	if len(pages) == 0 {
		return nil
	}
	release := e.enter(guardSelectingPage)
	defer release()
	if err := e.surface.SelectPage(pages[0].ID); err != nil {
		return &SurfaceError{Op: "select", PageID: pages[0].ID, Err: err}
	}
	return nil
}

func (e *Engine) timestamp() int64 {
	return e.opts.Now().UnixMilli()
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Logger == nil {
		return
	}
	e.opts.Logger.Printf(format, args...)
}

func emptyComponents() json.RawMessage {
	return json.RawMessage("[]")
}
