// Package surface provides an editing surface backed by a directory of page files,
// so any text editor can take part in a collaborative session.
//
// Layout under the root directory:
//
//	pages/<id>.json   one protocol.Page per file
//	pages.json        page order
//	selected          id of the selected page
package surface

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

const (
	pagesDir     = "pages"
	manifestFile = "pages.json"
	selectedFile = "selected"
	pageExt      = ".json"
)

var ErrInvalidPageID = errors.New("invalid page id")

type Logger interface {
	Printf(format string, args ...any)
}

type manifest struct {
	Pages []string `json:"pages"`
}

type FileSurface struct {
	root   string
	logger Logger

	mu       sync.Mutex
	order    []string
	pages    map[string]protocol.Page
	selected string
	// hashes holds the last content written or observed per file path, so the
	// watcher does not report the surface's own writes.
	hashes map[string]string
}

func OpenFileSurface(root string, logger Logger) (*FileSurface, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("surface root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(absRoot, pagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create pages directory: %w", err)
	}
	s := &FileSurface{
		root:   absRoot,
		logger: logger,
		pages:  map[string]protocol.Page{},
		hashes: map[string]string{},
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSurface) Root() string {
	return s.root
}

func (s *FileSurface) scan() error {
	entries, err := os.ReadDir(filepath.Join(s.root, pagesDir))
	if err != nil {
		return err
	}
	found := map[string]struct{}{}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, pageExt) {
			continue
		}
		path := filepath.Join(s.root, pagesDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		page, err := decodePage(data, strings.TrimSuffix(name, pageExt))
		if err != nil {
			s.logf("skipping unreadable page file %s: %v", path, err)
			continue
		}
		s.pages[page.ID] = page
		s.hashes[path] = hashBytes(data)
		found[page.ID] = struct{}{}
		ids = append(ids, page.ID)
	}
	sort.Strings(ids)

	var order []string
	if data, err := os.ReadFile(filepath.Join(s.root, manifestFile)); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err == nil {
			for _, id := range m.Pages {
				if _, ok := found[id]; ok {
					order = append(order, id)
					delete(found, id)
				}
			}
		}
	}
	for _, id := range ids {
		if _, ok := found[id]; ok {
			order = append(order, id)
		}
	}
	s.order = order

	if data, err := os.ReadFile(filepath.Join(s.root, selectedFile)); err == nil {
		selected := strings.TrimSpace(string(data))
		if _, ok := s.pages[selected]; ok {
			s.selected = selected
		}
		s.hashes[filepath.Join(s.root, selectedFile)] = hashBytes(data)
	}
	return nil
}

func (s *FileSurface) Pages() []protocol.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Page, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.pages[id])
	}
	return out
}

func (s *FileSurface) Page(id string) (protocol.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	return page, ok
}

func (s *FileSurface) AddPage(page protocol.Page) error {
	if err := validatePageID(page.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[page.ID]; ok {
		return fmt.Errorf("page %s already exists", page.ID)
	}
	if err := s.writePageLocked(page); err != nil {
		return err
	}
	s.pages[page.ID] = page
	s.order = append(s.order, page.ID)
	return s.writeManifestLocked()
}

func (s *FileSurface) RemovePage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; !ok {
		return fmt.Errorf("page %s not found", id)
	}
	path := s.pagePath(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	delete(s.hashes, path)
	delete(s.pages, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.selected == id {
		s.selected = ""
	}
	return s.writeManifestLocked()
}

func (s *FileSurface) UpdatePage(id, name string, data *protocol.PageData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("page %s not found", id)
	}
	if name != "" {
		page.Name = name
	}
	if data != nil {
		page.Components = data.Components
		page.Styles = data.Styles
	}
	if err := s.writePageLocked(page); err != nil {
		return err
	}
	s.pages[id] = page
	return nil
}

func (s *FileSurface) SelectPage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; !ok {
		return fmt.Errorf("page %s not found", id)
	}
	if err := s.writeTrackedLocked(filepath.Join(s.root, selectedFile), []byte(id+"\n")); err != nil {
		return err
	}
	s.selected = id
	return nil
}

func (s *FileSurface) SelectedPage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Document returns the content of the selected page.
func (s *FileSurface) Document() (protocol.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[s.selected]
	if !ok {
		return protocol.Document{}, errors.New("no page selected")
	}
	components := page.Components
	if components == nil {
		components = json.RawMessage("[]")
	}
	return protocol.Document{Components: components, Styles: page.Styles}, nil
}

func (s *FileSurface) writePageLocked(page protocol.Page) error {
	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return err
	}
	return s.writeTrackedLocked(s.pagePath(page.ID), append(data, '\n'))
}

func (s *FileSurface) writeManifestLocked() error {
	data, err := json.MarshalIndent(manifest{Pages: append([]string{}, s.order...)}, "", "  ")
	if err != nil {
		return err
	}
	return s.writeTrackedLocked(filepath.Join(s.root, manifestFile), append(data, '\n'))
}

func (s *FileSurface) writeTrackedLocked(path string, data []byte) error {
	hash := hashBytes(data)
	if s.hashes[path] == hash {
		return nil
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return err
	}
	s.hashes[path] = hash
	return nil
}

func (s *FileSurface) pagePath(id string) string {
	return filepath.Join(s.root, pagesDir, id+pageExt)
}

func (s *FileSurface) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func validatePageID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidPageID, id)
	}
	return nil
}

func decodePage(data []byte, fallbackID string) (protocol.Page, error) {
	var page protocol.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return protocol.Page{}, err
	}
	if page.ID == "" {
		page.ID = fallbackID
	}
	if page.ID != fallbackID {
		return protocol.Page{}, fmt.Errorf("page id %q does not match file name", page.ID)
	}
	if page.Name == "" {
		page.Name = page.ID
	}
	return page, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
