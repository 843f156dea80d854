// Package room tracks which collaboration room the session belongs to and gates
// outbound traffic on that membership.
package room

import (
	"strings"
	"sync"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
)

// Transport is the subset of the connection manager membership relies on.
type Transport interface {
	Connected() bool
	Emit(msg protocol.Message) bool
	OnStateChange(fn func(connected bool))
}

type Logger interface {
	Printf(format string, args ...any)
}

type Membership struct {
	transport Transport
	session   session.Session
	logger    Logger

	mu        sync.Mutex
	projectID string
	joined    bool
	onJoined  []func(projectID string)
}

func NewMembership(transport Transport, sess session.Session, logger Logger) *Membership {
	m := &Membership{
		transport: transport,
		session:   sess,
		logger:    logger,
	}
	transport.OnStateChange(m.handleState)
	return m
}

// OnJoined registers fn to run after each confirmed join.
func (m *Membership) OnJoined(fn func(projectID string)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoined = append(m.onJoined, fn)
}

// Join makes projectID the active room. The intent is recorded immediately and the
// join notification goes out as soon as the transport is connected.
func (m *Membership) Join(projectID string) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return
	}
	m.mu.Lock()
	if m.projectID == projectID && m.joined && m.transport.Connected() {
		m.mu.Unlock()
		return
	}
	switching := m.projectID != "" && m.projectID != projectID
	m.mu.Unlock()

	if switching {
		m.Leave()
	}

	m.mu.Lock()
	m.projectID = projectID
	m.joined = false
	m.mu.Unlock()

	if m.transport.Connected() {
		m.confirmJoin()
		return
	}
	m.logf("room: join %s pending connection", projectID)
}

// Leave announces departure when possible and always clears local membership.
func (m *Membership) Leave() {
	m.mu.Lock()
	projectID := m.projectID
	m.projectID = ""
	m.joined = false
	m.mu.Unlock()

	if projectID == "" {
		return
	}
	if m.transport.Connected() {
		m.transport.Emit(protocol.UserLeave{UserID: m.session.UserID, ProjectID: projectID})
	}
	m.logf("room: left %s", projectID)
}

// ProjectID returns the project of the current membership intent.
func (m *Membership) ProjectID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectID
}

// Active reports whether the join was confirmed over a live connection.
func (m *Membership) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projectID != "" && m.joined && m.transport.Connected()
}

// Emit forwards msg only while the membership is active.
func (m *Membership) Emit(msg protocol.Message) bool {
	if !m.Active() {
		if msg != nil {
			m.logf("room: not in a room, dropping %s", msg.Event())
		}
		return false
	}
	return m.transport.Emit(msg)
}

func (m *Membership) handleState(connected bool) {
	if !connected {
		m.mu.Lock()
		m.joined = false
		m.mu.Unlock()
		return
	}
	m.confirmJoin()
}

func (m *Membership) confirmJoin() {
	m.mu.Lock()
	projectID := m.projectID
	if projectID == "" || m.joined {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if !m.transport.Emit(protocol.UserJoin{
		UserID:    m.session.UserID,
		UserName:  m.session.UserName,
		ProjectID: projectID,
	}) {
		return
	}

	m.mu.Lock()
	if m.projectID != projectID {
		m.mu.Unlock()
		return
	}
	m.joined = true
	callbacks := append([]func(string){}, m.onJoined...)
	m.mu.Unlock()

	m.logf("room: joined %s", projectID)
	for _, fn := range callbacks {
		fn(projectID)
	}
}

func (m *Membership) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
