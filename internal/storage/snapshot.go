package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

var (
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrAllTiersFailed = errors.New("all storage tiers failed")
	ErrCorrupt        = errors.New("corrupt snapshot")
)

// Snapshot is the locally persisted page state of one project.
type Snapshot struct {
	Pages        []protocol.Page `json:"pages"`
	DeletedPages []string        `json:"deletedPages"`
}

func CurrentKey(projectID string) string {
	return "project_" + projectID + "_pages"
}

func LegacyKey(projectID string) string {
	return "gjs-pages-" + projectID
}

// Reduced strips the component tree of every page, keeping id, name and stylesheet.
func (s Snapshot) Reduced() Snapshot {
	out := Snapshot{
		Pages:        make([]protocol.Page, 0, len(s.Pages)),
		DeletedPages: append([]string{}, s.DeletedPages...),
	}
	for _, page := range s.Pages {
		out.Pages = append(out.Pages, protocol.Page{ID: page.ID, Name: page.Name, Styles: page.Styles})
	}
	return out
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Pages == nil {
		s.Pages = []protocol.Page{}
	}
	if s.DeletedPages == nil {
		s.DeletedPages = []string{}
	}
	return json.Marshal(s)
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Pages == nil {
		return Snapshot{}, fmt.Errorf("%w: missing pages", ErrCorrupt)
	}
	s.Pages = withIDs(s.Pages)
	return s, nil
}

func decodeLegacy(data []byte) (Snapshot, error) {
	var pages []protocol.Page
	if err := json.Unmarshal(data, &pages); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Snapshot{Pages: withIDs(pages), DeletedPages: []string{}}, nil
}

func withIDs(pages []protocol.Page) []protocol.Page {
	out := pages[:0]
	for _, page := range pages {
		if page.ID == "" {
			continue
		}
		out = append(out, page)
	}
	return out
}
