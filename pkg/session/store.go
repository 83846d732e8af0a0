package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// FileStore serializes read-modify-write cycles on one session file within the process.
type FileStore struct {
	path string
	log  *slog.Logger

	mu sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}

	return &FileStore{
		path: path,
		log:  log.With("component", "session.store"),
	}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the slot stored for key.
func (s *FileStore) Get(key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadLocked()
	if err != nil {
		return Entry{}, false, err
	}

	entry, ok := sessions[key]
	return entry, ok, nil
}

// All returns a snapshot of every slot.
func (s *FileStore) All() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

// Update loads the store, applies fn to the slot for key, and saves the result.
// fn returns keep=false to remove the slot.
func (s *FileStore) Update(key string, fn func(entry Entry, found bool) (next Entry, keep bool)) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadLocked()
	if err != nil {
		return Entry{}, err
	}

	current, found := sessions[key]
	next, keep := fn(current, found)
	if keep {
		sessions[key] = next
	} else {
		if !found {
			return Entry{}, nil
		}
		delete(sessions, key)
		next = Entry{}
	}

	if err := Save(s.path, sessions); err != nil {
		return Entry{}, err
	}

	return next, nil
}

// Delete removes the slot for key.
func (s *FileStore) Delete(key string) error {
	_, err := s.Update(key, func(Entry, bool) (Entry, bool) {
		return Entry{}, false
	})
	return err
}

// Touch sets updatedAt for an existing slot. It reports false when no slot exists.
func (s *FileStore) Touch(key string, at time.Time) (bool, error) {
	touched := false
	_, err := s.Update(key, func(entry Entry, found bool) (Entry, bool) {
		if !found {
			return entry, false
		}
		touched = true
		entry.UpdatedAt = at.UnixMilli()
		return entry, true
	})
	if err != nil {
		return false, err
	}

	return touched, nil
}

// loadLocked reads the file. Corruption is logged and treated as an empty store
// so the next save rewrites a valid snapshot.
func (s *FileStore) loadLocked() (map[string]Entry, error) {
	sessions, err := Load(s.path)
	if err != nil {
		if errors.Is(err, ErrStoreCorrupt) {
			s.log.Warn("Session store unreadable, starting empty", "path", s.path, "error", err)
			return sessions, nil
		}
		return nil, err
	}

	return sessions, nil
}
