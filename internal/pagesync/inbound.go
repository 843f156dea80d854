package pagesync

import (
	"github.com/agentworkforce/pagerelay/internal/protocol"
)

// HandleMessage applies one inbound room message. Own echoes, messages for other
// projects and events targeting tombstoned pages are dropped.
func (e *Engine) HandleMessage(msg protocol.Message) {
	if e.projectID == "" {
		return
	}
	switch m := msg.(type) {
	case protocol.PageAdd:
		if e.accept(m.Event(), m.UserID, m.ProjectID) {
			e.applyAdd(m)
		}
	case protocol.PageRemove:
		if e.accept(m.Event(), m.UserID, m.ProjectID) {
			e.applyRemove(m)
		}
	case protocol.PageUpdate:
		if e.accept(m.Event(), m.UserID, m.ProjectID) {
			e.applyUpdate(m)
		}
	case protocol.PageSelect:
		if e.accept(m.Event(), m.UserID, m.ProjectID) {
			e.applySelect(m)
		}
	case protocol.PageFullSync:
		if e.accept(m.Event(), "", m.ProjectID) {
			e.applyFullSync(m)
		}
	case protocol.PageRequestSync:
		// Answered by the relay from its registry.
	case protocol.EditorFullUpdate, protocol.UserJoin, protocol.UserLeave, protocol.PresenceUpdate:
		// Not page state.
	default:
		e.logf("ignoring unsupported message %T", msg)
	}
}

func (e *Engine) accept(event protocol.EventName, userID, projectID string) bool {
	if userID != "" && userID == e.opts.UserID {
		return false
	}
	if projectID != "" && projectID != e.projectID {
		e.logf("debug: dropping %s for project=%s; active project=%s", event, projectID, e.projectID)
		return false
	}
	return true
}

func (e *Engine) applyAdd(m protocol.PageAdd) {
	if e.tombstones.Has(m.PageID) || e.Loaded(m.PageID) {
		return
	}
	release := e.enter(guardApplyingRemote)
	defer release()

	page := protocol.Page{ID: m.PageID, Name: m.PageName, Components: emptyComponents()}
	if page.Name == "" {
		page.Name = m.PageID
	}
	if m.PageData != nil {
		page.Components = m.PageData.Components
		page.Styles = m.PageData.Styles
	}
	if err := e.surface.AddPage(page); err != nil {
		e.logf("apply remote add page=%s: %v", m.PageID, err)
		return
	}
	e.loaded[m.PageID] = struct{}{}
	e.save()
}

// applyRemove tombstones the id even when the page was never loaded here, so a
// later add or full sync cannot bring it back.
func (e *Engine) applyRemove(m protocol.PageRemove) {
	release := e.enter(guardApplyingRemote)
	defer release()

	e.tombstones.Add(m.PageID)
	if e.Loaded(m.PageID) {
		if err := e.removeLoaded(m.PageID); err != nil {
			e.logf("apply remote remove page=%s: %v", m.PageID, err)
		}
		if err := e.ensurePage(); err != nil {
			e.logf("restore default page: %v", err)
		}
		if err := e.ensureSelection(); err != nil {
			e.logf("reselect after remote remove: %v", err)
		}
	}
	e.save()
}

func (e *Engine) applyUpdate(m protocol.PageUpdate) {
	if e.tombstones.Has(m.PageID) {
		return
	}
	if !e.Loaded(m.PageID) {
		e.logf("dropping update for unknown page=%s", m.PageID)
		return
	}
	release := e.enter(guardApplyingRemote)
	defer release()

	if err := e.surface.UpdatePage(m.PageID, m.PageName, m.PageData); err != nil {
		e.logf("apply remote update page=%s: %v", m.PageID, err)
		return
	}
	e.save()
}

func (e *Engine) applySelect(m protocol.PageSelect) {
	if !e.opts.SelectionSync {
		return
	}
	if e.tombstones.Has(m.PageID) || !e.Loaded(m.PageID) {
		return
	}
	release := e.enter(guardApplyingRemote | guardSelectingPage)
	defer release()

	if err := e.surface.SelectPage(m.PageID); err != nil {
		e.logf("apply remote select page=%s: %v", m.PageID, err)
	}
}

// applyFullSync replaces every loaded page except the default page with the
// authoritative listing. Tombstones are left as they are and filter the listing.
func (e *Engine) applyFullSync(m protocol.PageFullSync) {
	release := e.enter(guardApplyingRemote)
	defer release()

	for _, page := range e.Pages() {
		if page.ID == e.opts.DefaultPageID {
			continue
		}
		if err := e.removeLoaded(page.ID); err != nil {
			e.logf("full sync remove page=%s: %v", page.ID, err)
		}
	}
	for _, page := range m.Pages {
		if page.ID == "" || e.tombstones.Has(page.ID) {
			continue
		}
		if e.Loaded(page.ID) {
			var data *protocol.PageData
			if page.Components != nil {
				d := page.Data()
				data = &d
			}
			if err := e.surface.UpdatePage(page.ID, page.Name, data); err != nil {
				e.logf("full sync update page=%s: %v", page.ID, err)
			}
			continue
		}
		if page.Components == nil {
			page.Components = emptyComponents()
		}
		if page.Name == "" {
			page.Name = page.ID
		}
		if err := e.surface.AddPage(page); err != nil {
			e.logf("full sync add page=%s: %v", page.ID, err)
			continue
		}
		e.loaded[page.ID] = struct{}{}
	}
	if err := e.ensurePage(); err != nil {
		e.logf("restore default page: %v", err)
	}
	if err := e.ensureSelection(); err != nil {
		e.logf("reselect after full sync: %v", err)
	}
	e.logf("debug: full sync applied project=%s pages=%d", e.projectID, len(e.loaded))
	e.save()
}

// ApplyRemoteDocument replaces one page's content with a collaborator's
// editor:full-update. Tombstoned and unknown pages are left alone.
func (e *Engine) ApplyRemoteDocument(pageID string, doc protocol.Document) error {
	if e.projectID == "" {
		return ErrNotLoaded
	}
	if e.tombstones.Has(pageID) {
		return ErrTombstoned
	}
	if !e.Loaded(pageID) {
		return ErrUnknownPage
	}
	release := e.enter(guardApplyingRemote)
	defer release()

	data := protocol.PageData{Components: doc.Components, Styles: doc.Styles}
	if err := e.surface.UpdatePage(pageID, "", &data); err != nil {
		return &SurfaceError{Op: "apply document", PageID: pageID, Err: err}
	}
	e.save()
	return nil
}
