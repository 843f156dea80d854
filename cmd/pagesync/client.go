package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/pagerelay/internal/broadcast"
	"github.com/agentworkforce/pagerelay/internal/config"
	"github.com/agentworkforce/pagerelay/internal/eventloop"
	"github.com/agentworkforce/pagerelay/internal/pagesync"
	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/room"
	"github.com/agentworkforce/pagerelay/internal/session"
	"github.com/agentworkforce/pagerelay/internal/storage"
	"github.com/agentworkforce/pagerelay/internal/surface"
	"github.com/agentworkforce/pagerelay/internal/transport"
)

type logger interface {
	Printf(format string, args ...any)
}

// client wires one project's page directory to the relay. Engine and
// coordinator calls all run on loop.
type client struct {
	cfg    config.Client
	logger logger

	loop        *eventloop.Loop
	transport   *transport.Manager
	room        *room.Membership
	store       *storage.SQLiteStore
	surface     *surface.FileSurface
	engine      *pagesync.Engine
	coordinator *broadcast.Coordinator
	documents   *broadcast.HTTPClient

	cancel context.CancelFunc
}

func newClient(cfg config.Client, log logger, httpClient *http.Client) (*client, error) {
	sess, err := clientSession(cfg)
	if err != nil {
		return nil, err
	}
	return newClientWithDialer(cfg, sess, log, httpClient, transport.WebsocketDialer{})
}

func newClientWithDialer(cfg config.Client, sess session.Session, log logger, httpClient *http.Client, dialer transport.Dialer) (*client, error) {
	primary, err := storage.OpenSQLiteStore(cfg.StorePath, storage.SQLiteOptions{MaxBytes: cfg.StoreMaxBytes})
	if err != nil {
		return nil, err
	}
	secondary := storage.NewMemoryStore("session", int(cfg.SessionMaxBytes))
	chain, err := storage.NewChain(log, storage.DefaultTiers(primary, secondary)...)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	pages, err := surface.OpenFileSurface(cfg.Dir, log)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}

	loop := eventloop.New(0)
	manager := transport.NewManager(transport.ManagerOptions{
		URL:            cfg.RelayURL,
		Session:        sess,
		Dialer:         dialer,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
	})
	membership := room.NewMembership(manager, sess, log)

	engine, err := pagesync.NewEngine(pages, membership, chain, pagesync.Options{
		UserID:        sess.UserID,
		SelectionSync: cfg.SelectionSync,
		MaxTombstones: cfg.MaxTombstones,
		Logger:        log,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}

	var documents *broadcast.HTTPClient
	var saver broadcast.DocumentSaver
	if strings.TrimSpace(cfg.BackendURL) != "" {
		documents = broadcast.NewHTTPClient(cfg.BackendURL, sess.Token, httpClient)
		saver = documents
	}
	coordinator, err := broadcast.NewCoordinator(pages, engine, membership, broadcast.Options{
		Session:     sess,
		Delay:       cfg.DebounceDelay,
		SaveTimeout: cfg.SaveTimeout,
		Saver:       saver,
		Notifier:    logNotifier{logger: log},
		Logger:      log,
		Post:        loop.Post,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}

	c := &client{
		cfg:         cfg,
		logger:      log,
		loop:        loop,
		transport:   manager,
		room:        membership,
		store:       primary,
		surface:     pages,
		engine:      engine,
		coordinator: coordinator,
		documents:   documents,
	}
	manager.Subscribe(c.receive,
		protocol.EventPageAdd,
		protocol.EventPageRemove,
		protocol.EventPageUpdate,
		protocol.EventPageSelect,
		protocol.EventPageFullSync,
		protocol.EventEditorFullUpdate,
		protocol.EventPresenceUpdate,
	)
	membership.OnJoined(func(string) {
		loop.Post(func() { c.engine.RequestSync() })
	})
	return c, nil
}

// clientSession derives the identity from the token so that user ids match what
// the relay authenticates.
func clientSession(cfg config.Client) (session.Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		sess := session.Anonymous(cfg.UserName)
		if cfg.UserID != "" {
			sess.UserID = cfg.UserID
		}
		return sess, nil
	}
	sess, err := session.FromToken(cfg.Token)
	if err != nil {
		return session.Session{}, fmt.Errorf("read token: %w", err)
	}
	if cfg.UserName != "" {
		sess.UserName = cfg.UserName
	}
	return sess, nil
}

// Start runs the event loop, loads the project and begins watching the page
// directory. It does not connect.
func (c *client) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() { _ = c.loop.Run(ctx) }()

	var loadErr error
	if err := c.loop.Call(ctx, func() {
		loadErr = c.engine.Load(c.cfg.ProjectID)
		c.room.Join(c.cfg.ProjectID)
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return fmt.Errorf("load project %s: %w", c.cfg.ProjectID, loadErr)
	}
	c.seedDocument(ctx)
	go func() {
		if err := c.surface.Watch(ctx, surfaceEvents{c}); err != nil && !errors.Is(err, context.Canceled) {
			c.logf("watch %s: %v", c.surface.Root(), err)
		}
	}()
	return nil
}

// seedDocument fills the selected page from the backend copy of the document,
// when there is one. It runs before the watcher starts so nothing is echoed.
func (c *client) seedDocument(ctx context.Context) {
	if c.documents == nil {
		return
	}
	timeout := c.cfg.SaveTimeout
	if timeout <= 0 {
		timeout = config.DefaultSaveTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	doc, err := c.documents.LoadDocument(fetchCtx, c.cfg.ProjectID)
	cancel()
	switch {
	case errors.Is(err, broadcast.ErrNoDocument):
		c.logf("debug: no stored document for %s", c.cfg.ProjectID)
		return
	case err != nil:
		c.logf("load document %s: %v", c.cfg.ProjectID, err)
		return
	}
	var applyErr error
	if err := c.loop.Call(ctx, func() {
		applyErr = c.engine.ApplyRemoteDocument(c.surface.SelectedPage(), doc)
	}); err != nil {
		c.logf("seed document: %v", err)
		return
	}
	if applyErr != nil {
		c.logf("seed document %s: %v", c.cfg.ProjectID, applyErr)
	}
}

func (c *client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, c.cfg.ProjectID)
}

func (c *client) Connected() bool {
	return c.transport.Connected()
}

func (c *client) Close() error {
	c.room.Leave()
	c.transport.Disconnect()
	if c.cancel != nil {
		c.cancel()
	}
	c.coordinator.Wait()
	return c.store.Close()
}

func (c *client) receive(msg protocol.Message) {
	c.loop.Post(func() {
		switch m := msg.(type) {
		case protocol.EditorFullUpdate:
			c.coordinator.HandleFullUpdate(m)
		case protocol.PresenceUpdate:
			c.logf("debug: %d collaborators in %s", len(m.Users), c.cfg.ProjectID)
		default:
			c.engine.HandleMessage(msg)
		}
	})
}

func (c *client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

// surfaceEvents turns edits made in the page directory into engine operations.
type surfaceEvents struct {
	c *client
}

func (s surfaceEvents) PageCreated(page protocol.Page) {
	s.c.loop.Post(func() {
		data := page.Data()
		if _, err := s.c.engine.AddPageWithID(page.ID, page.Name, &data); err != nil {
			s.c.logf("add page %s: %v", page.ID, err)
		}
	})
}

func (s surfaceEvents) PageChanged(page protocol.Page) {
	s.c.loop.Post(func() {
		current, ok := s.c.surface.Page(page.ID)
		if !ok {
			return
		}
		var name string
		if page.Name != "" && page.Name != current.Name {
			name = page.Name
		}
		var data *protocol.PageData
		if page.Styles != current.Styles || !sameJSON(page.Components, current.Components) {
			changed := page.Data()
			data = &changed
		}
		if name == "" && data == nil {
			return
		}
		if err := s.c.engine.UpdatePage(page.ID, name, data); err != nil {
			s.c.logf("update page %s: %v", page.ID, err)
			return
		}
		if data != nil && s.c.surface.SelectedPage() == page.ID {
			s.c.coordinator.NotifyChange()
		}
	})
}

func (s surfaceEvents) PageDeleted(id string) {
	s.c.loop.Post(func() {
		err := s.c.engine.RemovePage(id)
		switch {
		case err == nil:
		case errors.Is(err, pagesync.ErrLastPage):
			s.c.logf("page %s is the last page; restoring it", id)
			if err := s.c.surface.RestorePage(id); err != nil {
				s.c.logf("restore page %s: %v", id, err)
			}
		default:
			s.c.logf("remove page %s: %v", id, err)
		}
	})
}

func (s surfaceEvents) PageSelected(id string) {
	s.c.loop.Post(func() {
		if err := s.c.engine.SelectPage(id); err != nil {
			s.c.logf("select page %s: %v", id, err)
		}
	})
}

// sameJSON compares two component trees ignoring formatting. An absent tree
// equals an empty one.
func sameJSON(a, b json.RawMessage) bool {
	return compactJSON(a) == compactJSON(b)
}

func compactJSON(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "[]"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

type logNotifier struct {
	logger logger
}

func (n logNotifier) Notify(message string) {
	if n.logger != nil {
		n.logger.Printf("%s", message)
	}
}
