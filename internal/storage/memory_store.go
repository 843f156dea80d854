package storage

import (
	"sync"
)

// MemoryStore is a session scoped key/value store. Its contents vanish with the
// process. MaxBytes emulates the small quota of a browser session store.
type MemoryStore struct {
	name     string
	maxBytes int

	mu      sync.Mutex
	entries map[string][]byte
	failSet error
}

func NewMemoryStore(name string, maxBytes int) *MemoryStore {
	if name == "" {
		name = "session"
	}
	return &MemoryStore{name: name, maxBytes: maxBytes, entries: map[string][]byte{}}
}

func (s *MemoryStore) Name() string {
	return s.name
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet != nil {
		return s.failSet
	}
	if s.maxBytes > 0 {
		total := len(value)
		for k, v := range s.entries {
			if k != key {
				total += len(v)
			}
		}
		if total > s.maxBytes {
			return ErrQuotaExceeded
		}
	}
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// FailWrites makes every subsequent Set return err; nil restores normal behavior.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = err
}
