package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/pagerelay/internal/protocol"
	"github.com/agentworkforce/pagerelay/internal/session"
	"github.com/agentworkforce/pagerelay/internal/transport"
)

type Logger interface {
	Printf(format string, args ...any)
}

type client struct {
	id      uint64
	user    session.Session
	bound   string
	conn    transport.Conn
	send    chan protocol.Envelope
	done    chan struct{}
	closing sync.Once

	// guarded by Hub.mu
	projectID string
	name      string
}

func (c *client) close() {
	c.closing.Do(func() { close(c.done) })
}

// Hub groups connections into rooms keyed by project id and relays messages
// between the members of a room.
type Hub struct {
	registry     *Registry
	logger       Logger
	writeTimeout time.Duration
	queueSize    int
	limiter      *rateLimiter

	nextID atomic.Uint64
	mu     sync.Mutex
	rooms  map[string]map[*client]struct{}
}

type HubOptions struct {
	WriteTimeout time.Duration
	SendQueue    int
	// RateLimitMax caps inbound messages per user per RateLimitWindow; 0 disables.
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          Logger
}

func NewHub(registry *Registry, opts HubOptions) *Hub {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if opts.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  opts.RateLimitWindow,
			max:     opts.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Hub{
		registry:     registry,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.SendQueue,
		limiter:      limiter,
		rooms:        map[string]map[*client]struct{}{},
	}
}

// Serve runs one authenticated connection until it closes. boundProject, when
// set, is the only project the connection may join.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn, user session.Session, boundProject string) {
	c := &client{
		id:    h.nextID.Add(1),
		user:  user,
		bound: boundProject,
		conn:  conn,
		send:  make(chan protocol.Envelope, h.queueSize),
		done:  make(chan struct{}),
		name:  user.UserName,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, c)
	}()

	h.logf("debug: connection opened user=%s id=%d", user.UserID, c.id)
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if h.limiter != nil && !h.limiter.allow(user.UserID, time.Now().UTC()) {
			h.logf("rate limit exceeded user=%s; dropping %s", user.UserID, env.Event)
			continue
		}
		h.Handle(c, env)
	}
	h.leave(c)
	c.close()
	cancel()
	<-writerDone
	_ = conn.Close()
	h.logf("debug: connection closed user=%s id=%d", user.UserID, c.id)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			// Unblock the reader when the client was dropped as a slow consumer.
			_ = c.conn.Close()
			return
		case env := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.conn.Write(writeCtx, env)
			cancel()
			if err != nil {
				h.logf("write to user=%s failed: %v", c.user.UserID, err)
				c.close()
				_ = c.conn.Close()
				return
			}
		}
	}
}

// Handle processes one inbound envelope from c.
func (h *Hub) Handle(c *client, env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		h.logf("dropping message from user=%s: %v", c.user.UserID, err)
		return
	}
	switch m := msg.(type) {
	case protocol.UserJoin:
		if !h.fromSender(c, m.UserID, m.Event()) {
			return
		}
		if c.bound != "" && m.ProjectID != c.bound {
			h.logf("user=%s may not join project=%s on a connection bound to %s", c.user.UserID, m.ProjectID, c.bound)
			return
		}
		h.join(c, m.ProjectID, m.UserName)
	case protocol.UserLeave:
		if h.fromSender(c, m.UserID, m.Event()) {
			h.leave(c)
		}
	case protocol.PageRequestSync:
		projectID := h.projectOf(c)
		if projectID == "" || (m.ProjectID != "" && m.ProjectID != projectID) {
			h.logf("ignoring request-sync from user=%s outside its room", c.user.UserID)
			return
		}
		listing, known := h.registry.FullSync(projectID)
		if !known {
			h.logf("debug: no page listing for project=%s; leaving request-sync from user=%s unanswered", projectID, c.user.UserID)
			return
		}
		h.sendMessage(c, listing)
	case protocol.PageAdd:
		h.relay(c, m, m.UserID, m.ProjectID)
	case protocol.PageRemove:
		h.relay(c, m, m.UserID, m.ProjectID)
	case protocol.PageUpdate:
		h.relay(c, m, m.UserID, m.ProjectID)
	case protocol.PageSelect:
		h.relay(c, m, m.UserID, m.ProjectID)
	case protocol.EditorFullUpdate:
		h.relay(c, m, m.UserID, m.ProjectID)
	case protocol.PageFullSync, protocol.PresenceUpdate:
		h.logf("dropping relay-only %s from user=%s", msg.Event(), c.user.UserID)
	}
}

func (h *Hub) fromSender(c *client, userID string, event protocol.EventName) bool {
	if userID == c.user.UserID {
		return true
	}
	h.logf("dropping %s: user id %q does not match authenticated user %q", event, userID, c.user.UserID)
	return false
}

func (h *Hub) relay(c *client, msg protocol.Message, userID, projectID string) {
	if !h.fromSender(c, userID, msg.Event()) {
		return
	}
	current := h.projectOf(c)
	if current == "" {
		h.logf("dropping %s from user=%s: not in a room", msg.Event(), c.user.UserID)
		return
	}
	if projectID != "" && projectID != current {
		h.logf("dropping %s for project=%s from user=%s in project=%s", msg.Event(), projectID, c.user.UserID, current)
		return
	}
	h.registry.Record(current, msg)
	env, err := protocol.Encode(msg)
	if err != nil {
		h.logf("encode %s: %v", msg.Event(), err)
		return
	}
	h.mu.Lock()
	others := h.membersLocked(current, c)
	h.mu.Unlock()
	for _, other := range others {
		h.enqueue(other, env)
	}
}

func (h *Hub) join(c *client, projectID, userName string) {
	h.mu.Lock()
	if c.projectID == projectID {
		roster := h.rosterLocked(projectID)
		h.mu.Unlock()
		h.sendMessage(c, roster)
		return
	}
	previous := h.removeLocked(c)
	if userName != "" {
		c.name = userName
	}
	room, ok := h.rooms[projectID]
	if !ok {
		room = map[*client]struct{}{}
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
	c.projectID = projectID
	others := h.membersLocked(projectID, c)
	everyone := h.membersLocked(projectID, nil)
	roster := h.rosterLocked(projectID)
	h.mu.Unlock()

	if previous != "" {
		h.announceLeave(c, previous)
	}
	h.logf("user=%s joined project=%s", c.user.UserID, projectID)
	for _, other := range others {
		h.sendMessage(other, protocol.UserJoin{UserID: c.user.UserID, UserName: c.name, ProjectID: projectID})
	}
	for _, member := range everyone {
		h.sendMessage(member, roster)
	}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	previous := h.removeLocked(c)
	h.mu.Unlock()
	if previous != "" {
		h.announceLeave(c, previous)
	}
}

func (h *Hub) announceLeave(c *client, projectID string) {
	h.mu.Lock()
	members := h.membersLocked(projectID, nil)
	roster := h.rosterLocked(projectID)
	h.mu.Unlock()
	h.logf("user=%s left project=%s", c.user.UserID, projectID)
	for _, member := range members {
		h.sendMessage(member, protocol.UserLeave{UserID: c.user.UserID, ProjectID: projectID})
		h.sendMessage(member, roster)
	}
}

func (h *Hub) removeLocked(c *client) string {
	projectID := c.projectID
	if projectID == "" {
		return ""
	}
	if room, ok := h.rooms[projectID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, projectID)
		}
	}
	c.projectID = ""
	return projectID
}

func (h *Hub) membersLocked(projectID string, except *client) []*client {
	room := h.rooms[projectID]
	out := make([]*client, 0, len(room))
	for member := range room {
		if member != except {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// rosterLocked lists each user in the room once, in join order.
func (h *Hub) rosterLocked(projectID string) protocol.PresenceUpdate {
	roster := protocol.PresenceUpdate{Users: []protocol.Collaborator{}}
	seen := map[string]struct{}{}
	for _, member := range h.membersLocked(projectID, nil) {
		if _, ok := seen[member.user.UserID]; ok {
			continue
		}
		seen[member.user.UserID] = struct{}{}
		roster.Users = append(roster.Users, protocol.Collaborator{ID: member.user.UserID, Name: member.name})
	}
	return roster
}

func (h *Hub) projectOf(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.projectID
}

// Members returns the user ids currently in a project room.
func (h *Hub) Members(projectID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	roster := h.rosterLocked(projectID)
	out := make([]string, 0, len(roster.Users))
	for _, user := range roster.Users {
		out = append(out, user.ID)
	}
	return out
}

func (h *Hub) sendMessage(c *client, msg protocol.Message) {
	env, err := protocol.Encode(msg)
	if err != nil {
		h.logf("encode %s: %v", msg.Event(), err)
		return
	}
	h.enqueue(c, env)
}

// enqueue never blocks; a client whose queue is full is disconnected.
func (h *Hub) enqueue(c *client, env protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- env:
	default:
		h.logf("send queue full for user=%s; disconnecting", c.user.UserID)
		c.close()
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
