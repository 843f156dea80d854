package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestEncodeFramesMatchGolden(t *testing.T) {
	g := goldie.New(t)

	cases := []struct {
		name string
		msg  Message
	}{
		{
			name: "page_add",
			msg: PageAdd{
				PageID:   "page-1",
				PageName: "About",
				PageData: &PageData{
					Components: json.RawMessage(`[{"type":"text","content":"Hi"}]`),
					Styles:     "#a{color:red}",
				},
				UserID:    "u1",
				ProjectID: "p1",
				Timestamp: 1700000000000,
			},
		},
		{
			name: "presence_update",
			msg: PresenceUpdate{Users: []Collaborator{
				{ID: "u1", Name: "Ada"},
				{ID: "u2"},
			}},
		},
		{
			name: "full_sync",
			msg: PageFullSync{
				Pages: []Page{
					{ID: "home", Name: "Home"},
					{ID: "page-2", Name: "Pricing", Styles: "body{margin:0}"},
				},
				ProjectID: "p1",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := MarshalFrame(tc.msg)
			if err != nil {
				t.Fatalf("marshal frame: %v", err)
			}
			g.Assert(t, tc.name, frame)
		})
	}
}

func TestUnmarshalFrameReturnsConcreteTypes(t *testing.T) {
	msg, err := UnmarshalFrame([]byte(`{"event":"page:remove","data":{"pageId":"page-1","pageName":"About","userId":"u2","projectId":"p1","timestamp":5}}`))
	if err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	remove, ok := msg.(PageRemove)
	if !ok {
		t.Fatalf("expected PageRemove, got %T", msg)
	}
	if remove.PageID != "page-1" || remove.UserID != "u2" || remove.Timestamp != 5 {
		t.Fatalf("unexpected decoded payload: %+v", remove)
	}

	msg, err = UnmarshalFrame([]byte(`{"event":"presence-update","data":[{"id":"u1","name":"Ada"}]}`))
	if err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	presence, ok := msg.(PresenceUpdate)
	if !ok || len(presence.Users) != 1 || presence.Users[0].Name != "Ada" {
		t.Fatalf("unexpected presence payload: %#v", msg)
	}
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	cases := []Envelope{
		{Event: EventPageAdd, Data: json.RawMessage(`{"pageName":"About","userId":"u1"}`)},
		{Event: EventPageAdd, Data: json.RawMessage(`{"pageId":"","userId":"u1"}`)},
		{Event: EventPageRemove, Data: json.RawMessage(`{"pageId":"page-1"}`)},
		{Event: EventPageUpdate, Data: json.RawMessage(`{"pageId":"page-1","userId":"u1"}`)},
		{Event: EventPageFullSync, Data: json.RawMessage(`{"pages":[{"name":"no id"}]}`)},
		{Event: EventEditorFullUpdate, Data: json.RawMessage(`{"userId":"u1"}`)},
		{Event: EventPageRequestSync, Data: json.RawMessage(`{}`)},
		{Event: EventPageSelect, Data: nil},
	}
	for _, env := range cases {
		_, err := Decode(env)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected validation error for %s %s, got %v", env.Event, string(env.Data), err)
		}
	}
}

func TestDecodeAcceptsRenameOnlyUpdate(t *testing.T) {
	msg, err := Decode(Envelope{Event: EventPageUpdate, Data: json.RawMessage(`{"pageId":"page-1","pageName":"Team","userId":"u1"}`)})
	if err != nil {
		t.Fatalf("decode rename: %v", err)
	}
	update := msg.(PageUpdate)
	if update.PageName != "Team" || update.PageData != nil {
		t.Fatalf("unexpected update: %+v", update)
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode(Envelope{Event: "page:teleport", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
