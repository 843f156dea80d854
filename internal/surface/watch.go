package surface

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

// ChangeHandler receives edits made to the directory by something other than the
// surface itself. Methods are called from the watcher goroutine.
type ChangeHandler interface {
	PageCreated(page protocol.Page)
	PageChanged(page protocol.Page)
	PageDeleted(id string)
	PageSelected(id string)
}

// Watch reports external edits to handler until ctx is done.
func (s *FileSurface) Watch(ctx context.Context, handler ChangeHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for _, dir := range []string{s.root, filepath.Join(s.root, pagesDir)} {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(event, handler)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logf("surface watcher error: %v", err)
		}
	}
}

func (s *FileSurface) handleEvent(event fsnotify.Event, handler ChangeHandler) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") {
		return
	}
	switch {
	case filepath.Dir(event.Name) == filepath.Join(s.root, pagesDir) && strings.HasSuffix(name, pageExt):
		s.handlePageFile(event.Name, strings.TrimSuffix(name, pageExt), handler)
	case event.Name == filepath.Join(s.root, selectedFile):
		s.handleSelectedFile(event.Name, handler)
	}
}

func (s *FileSurface) handlePageFile(path, id string, handler ChangeHandler) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		_, known := s.pages[id]
		delete(s.hashes, path)
		s.mu.Unlock()
		if known {
			handler.PageDeleted(id)
		}
		return
	}
	if err != nil {
		s.logf("read page file %s: %v", path, err)
		return
	}
	if !s.observe(path, data) {
		return
	}
	page, err := decodePage(data, id)
	if err != nil {
		s.logf("ignoring page file %s: %v", path, err)
		return
	}
	s.mu.Lock()
	_, known := s.pages[id]
	s.mu.Unlock()
	if known {
		handler.PageChanged(page)
		return
	}
	handler.PageCreated(page)
}

func (s *FileSurface) handleSelectedFile(path string, handler ChangeHandler) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if !s.observe(path, data) {
		return
	}
	id := strings.TrimSpace(string(data))
	if id == "" || id == s.SelectedPage() {
		return
	}
	handler.PageSelected(id)
}

// observe records data as the latest content of path and reports whether it
// differs from what the surface last wrote or saw.
func (s *FileSurface) observe(path string, data []byte) bool {
	hash := hashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[path] == hash {
		return false
	}
	s.hashes[path] = hash
	return true
}

// RestorePage rewrites the page file from the surface state, undoing an external
// delete or edit that could not be applied.
func (s *FileSurface) RestorePage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return errors.New("page " + id + " not found")
	}
	delete(s.hashes, s.pagePath(id))
	return s.writePageLocked(page)
}
