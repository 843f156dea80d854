// Package broadcast implements the debounced capture, persist and broadcast loop
// for the whole editing surface document.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
)

const (
	DefaultDelay       = time.Second
	DefaultSaveTimeout = 10 * time.Second
)

// DocumentSurface exposes the document of the page being edited.
type DocumentSurface interface {
	SelectedPage() string
	Document() (protocol.Document, error)
}

// DocumentTarget applies a collaborator's document to one page. The page engine
// implements it so that remote content goes through its guards and snapshots.
type DocumentTarget interface {
	ApplyRemoteDocument(pageID string, doc protocol.Document) error
}

type DocumentSaver interface {
	SaveDocument(ctx context.Context, projectID string, doc protocol.Document) error
}

// Notifier shows a transient message to the user.
type Notifier interface {
	Notify(message string)
}

// Room is the membership the coordinator broadcasts through.
type Room interface {
	Active() bool
	ProjectID() string
	Emit(msg protocol.Message) bool
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Session     session.Session
	Delay       time.Duration
	SaveTimeout time.Duration
	Saver       DocumentSaver
	Notifier    Notifier
	Logger      Logger
	// Debouncer builds the debounce function; defaults to debounce.New.
	Debouncer func(after time.Duration) func(f func())
	// Post runs flushes on the owning event loop. When nil flushes run on the
	// debounce timer goroutine.
	Post func(fn func()) bool
}

// Coordinator is driven from a single event loop, like the page engine. Only the
// debounce timer and persistence run on other goroutines.
type Coordinator struct {
	surface  DocumentSurface
	target   DocumentTarget
	room     Room
	opts     Options
	debounce func(f func())

	applyingRemote bool
	suppressNext   bool

	saves sync.WaitGroup
}

func NewCoordinator(surface DocumentSurface, target DocumentTarget, room Room, opts Options) (*Coordinator, error) {
	if surface == nil {
		return nil, errors.New("broadcast: surface is required")
	}
	if target == nil {
		return nil, errors.New("broadcast: document target is required")
	}
	if room == nil {
		return nil, errors.New("broadcast: room is required")
	}
	if strings.TrimSpace(opts.Session.UserID) == "" {
		return nil, errors.New("broadcast: session user id is required")
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Debouncer == nil {
		opts.Debouncer = debounce.New
	}
	return &Coordinator{
		surface:  surface,
		target:   target,
		room:     room,
		opts:     opts,
		debounce: opts.Debouncer(opts.Delay),
	}, nil
}

// NotifyChange records a change of the surface document and restarts the debounce
// timer. A change made while applying a remote full update is not broadcast.
func (c *Coordinator) NotifyChange() {
	c.suppressNext = c.applyingRemote
	c.debounce(func() {
		if c.opts.Post == nil {
			c.flush()
			return
		}
		if !c.opts.Post(c.flush) {
			c.logf("document flush dropped; event loop closed")
		}
	})
}

// HandleFullUpdate applies a collaborator's broadcast to the page it was captured
// from. Updates for pages that are not loaded here are dropped by the target.
func (c *Coordinator) HandleFullUpdate(msg protocol.EditorFullUpdate) {
	if msg.UserID == c.opts.Session.UserID {
		return
	}
	if msg.ProjectID != "" && msg.ProjectID != c.room.ProjectID() {
		return
	}
	pageID := msg.PageID
	if pageID == "" {
		pageID = c.surface.SelectedPage()
	}
	c.applyingRemote = true
	defer func() { c.applyingRemote = false }()
	if err := c.target.ApplyRemoteDocument(pageID, msg.Data); err != nil {
		c.logf("apply full update from %s page=%s: %v", msg.UserID, pageID, err)
	}
}

func (c *Coordinator) flush() {
	suppressed := c.suppressNext
	c.suppressNext = false

	pageID := c.surface.SelectedPage()
	doc, err := c.surface.Document()
	if err != nil {
		c.logf("capture document: %v", err)
		return
	}
	projectID := c.room.ProjectID()
	if c.opts.Saver != nil && projectID != "" {
		c.saves.Add(1)
		go c.save(projectID, doc)
	}
	if suppressed || !c.room.Active() {
		return
	}
	c.room.Emit(protocol.EditorFullUpdate{
		UserID:    c.opts.Session.UserID,
		UserName:  c.opts.Session.UserName,
		ProjectID: projectID,
		PageID:    pageID,
		Data:      doc,
	})
}

func (c *Coordinator) save(projectID string, doc protocol.Document) {
	defer c.saves.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SaveTimeout)
	defer cancel()
	if err := c.opts.Saver.SaveDocument(ctx, projectID, doc); err != nil {
		c.logf("save document project=%s: %v", projectID, err)
		if c.opts.Notifier != nil {
			c.opts.Notifier.Notify("Could not save the document; changes are still shared with collaborators.")
		}
	}
}

// Wait blocks until in-flight document saves finish.
func (c *Coordinator) Wait() {
	c.saves.Wait()
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}
