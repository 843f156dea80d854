// Package transport owns the single relay connection of a session.
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

type Conn interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, token, projectID string) (Conn, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Handler func(env protocol.Envelope)

type HandlerID uint64

type ManagerOptions struct {
	URL            string
	Session        session.Session
	Dialer         Dialer
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         Logger
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type Manager struct {
	url            string
	session        session.Session
	dialer         Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration
	logger         Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	projectID  string
	cancelRead context.CancelFunc
	lastErr    error
	nextID     HandlerID
	handlers   map[protocol.EventName][]handlerEntry
	listeners  []func(connected bool)

	writeMu sync.Mutex
}

func NewManager(opts ManagerOptions) *Manager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Manager{
		url:            strings.TrimSpace(opts.URL),
		session:        opts.Session,
		dialer:         dialer,
		connectTimeout: connectTimeout,
		writeTimeout:   writeTimeout,
		logger:         opts.Logger,
		handlers:       map[protocol.EventName][]handlerEntry{},
	}
}

// Connect dials the relay unless a connection exists or is being established. It
// needs a credential and a project id and is a no-op without them.
func (m *Manager) Connect(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	m.mu.Lock()
	if m.conn != nil || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if !m.session.HasCredential() {
		m.mu.Unlock()
		m.logf("transport: connect skipped, no credential")
		return ErrMissingCredential
	}
	if projectID == "" {
		m.mu.Unlock()
		m.logf("transport: connect skipped, no project id")
		return ErrMissingProject
	}
	m.state = StateConnecting
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.url, m.session.Token, projectID)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.state = StateDisconnected
		m.conn = nil
		m.lastErr = &ConnectError{URL: m.url, Err: err}
		connectErr := m.lastErr
		m.mu.Unlock()
		m.logf("transport: %v", connectErr)
		return connectErr
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.conn = conn
	m.projectID = projectID
	m.state = StateConnected
	m.cancelRead = cancelRead
	m.lastErr = nil
	m.mu.Unlock()

	m.logf("transport: connected to %s for project %s", m.url, projectID)
	m.notifyState(true)
	go m.readLoop(readCtx, conn)
	return nil
}

// Disconnect closes the live connection, if any.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.drop(conn, nil)
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProjectID returns the project the live connection was opened for.
func (m *Manager) ProjectID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ""
	}
	return m.projectID
}

// LastError returns the error of the most recent failed connect or read, nil after a
// successful connect.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Emit sends msg over the live connection. It never fails loudly: while disconnected
// it logs and reports false so the editor keeps working offline.
func (m *Manager) Emit(msg protocol.Message) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		if msg != nil {
			m.logf("transport: warning: dropping %s while disconnected", msg.Event())
		}
		return false
	}
	env, err := protocol.Encode(msg)
	if err != nil {
		m.logf("transport: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	m.writeMu.Lock()
	err = conn.Write(ctx, env)
	m.writeMu.Unlock()
	if err != nil {
		m.logf("transport: write %s failed: %v", env.Event, err)
		m.drop(conn, err)
		return false
	}
	return true
}

func (m *Manager) On(event protocol.EventName, fn Handler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})
	return id
}

func (m *Manager) Off(event protocol.EventName, id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[event]
	for i, entry := range entries {
		if entry.id == id {
			m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.handlers[event]) == 0 {
		delete(m.handlers, event)
	}
}

// Subscribe decodes inbound envelopes of the given events and hands the typed message
// to fn. Malformed payloads are logged and dropped.
func (m *Manager) Subscribe(fn func(protocol.Message), events ...protocol.EventName) []HandlerID {
	ids := make([]HandlerID, 0, len(events))
	for _, event := range events {
		ids = append(ids, m.On(event, func(env protocol.Envelope) {
			msg, err := protocol.Decode(env)
			if err != nil {
				m.logf("transport: dropping inbound %s: %v", env.Event, err)
				return
			}
			fn(msg)
		}))
	}
	return ids
}

// OnStateChange registers fn for connect and disconnect transitions.
func (m *Manager) OnStateChange(fn func(connected bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.drop(conn, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[env.Event]...)
	m.mu.Unlock()
	if len(entries) == 0 {
		m.logf("debug: transport: no handler for %s", env.Event)
		return
	}
	for _, entry := range entries {
		entry.fn(env)
	}
}

func (m *Manager) drop(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if cause != nil {
		m.lastErr = cause
	}
	cancelRead := m.cancelRead
	m.cancelRead = nil
	m.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	_ = conn.Close()
	if cause != nil {
		m.logf("transport: disconnected: %v", cause)
	} else {
		m.logf("transport: disconnected")
	}
	m.notifyState(false)
}

func (m *Manager) notifyState(connected bool) {
	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
