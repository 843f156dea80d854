package protocol

import (
	"encoding/json"
)

// EventName is the room protocol message name carried in every envelope.
type EventName string

const (
	EventPageAdd          EventName = "page:add"
	EventPageRemove       EventName = "page:remove"
	EventPageUpdate       EventName = "page:update"
	EventPageSelect       EventName = "page:select"
	EventPageRequestSync  EventName = "page:request-sync"
	EventPageFullSync     EventName = "page:full-sync"
	EventEditorFullUpdate EventName = "editor:full-update"
	EventUserJoin         EventName = "user-join"
	EventUserLeave        EventName = "user-leave"
	EventPresenceUpdate   EventName = "presence-update"
)

// Page is one page of a project. Identity is ID.
type Page struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Components json.RawMessage `json:"components,omitempty"`
	Styles     string          `json:"styles,omitempty"`
}

// Data returns the per-page tree and stylesheet.
func (p Page) Data() PageData {
	return PageData{Components: cloneRaw(p.Components), Styles: p.Styles}
}

// PageData is the editable content of a single page.
type PageData struct {
	Components json.RawMessage `json:"components,omitempty"`
	Styles     string          `json:"styles,omitempty"`
}

// Document is the whole content of the editing surface.
type Document struct {
	Components json.RawMessage `json:"components"`
	Styles     string          `json:"styles"`
}

type Collaborator struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is implemented by every payload type; the set of implementations is closed
// and Decode returns exactly one of them.
type Message interface {
	Event() EventName
}

type PageAdd struct {
	PageID    string    `json:"pageId"`
	PageName  string    `json:"pageName"`
	PageData  *PageData `json:"pageData,omitempty"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	Timestamp int64     `json:"timestamp"`
}

type PageRemove struct {
	PageID    string `json:"pageId"`
	PageName  string `json:"pageName,omitempty"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Timestamp int64  `json:"timestamp"`
}

// PageUpdate changes content, name, or both. An empty PageName leaves the name alone.
type PageUpdate struct {
	PageID    string    `json:"pageId"`
	PageName  string    `json:"pageName,omitempty"`
	PageData  *PageData `json:"pageData,omitempty"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	Timestamp int64     `json:"timestamp"`
}

type PageSelect struct {
	PageID    string `json:"pageId"`
	PageName  string `json:"pageName,omitempty"`
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Timestamp int64  `json:"timestamp"`
}

type PageRequestSync struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId,omitempty"`
}

type PageFullSync struct {
	Pages     []Page `json:"pages"`
	ProjectID string `json:"projectId,omitempty"`
}

// EditorFullUpdate carries the document of the page the sender is editing. An
// empty PageID means the receiver's selected page.
type EditorFullUpdate struct {
	UserID    string   `json:"userId"`
	UserName  string   `json:"userName,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
	PageID    string   `json:"pageId,omitempty"`
	Data      Document `json:"data"`
}

type UserJoin struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	ProjectID string `json:"projectId"`
}

type UserLeave struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId,omitempty"`
}

// PresenceUpdate is sent by the relay as a bare JSON array of collaborators.
type PresenceUpdate struct {
	Users []Collaborator
}

func (PageAdd) Event() EventName          { return EventPageAdd }
func (PageRemove) Event() EventName       { return EventPageRemove }
func (PageUpdate) Event() EventName       { return EventPageUpdate }
func (PageSelect) Event() EventName       { return EventPageSelect }
func (PageRequestSync) Event() EventName  { return EventPageRequestSync }
func (PageFullSync) Event() EventName     { return EventPageFullSync }
func (EditorFullUpdate) Event() EventName { return EventEditorFullUpdate }
func (UserJoin) Event() EventName         { return EventUserJoin }
func (UserLeave) Event() EventName        { return EventUserLeave }
func (PresenceUpdate) Event() EventName   { return EventPresenceUpdate }

func (p PresenceUpdate) MarshalJSON() ([]byte, error) {
	users := p.Users
	if users == nil {
		users = []Collaborator{}
	}
	return json.Marshal(users)
}

func (p *PresenceUpdate) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Users)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
