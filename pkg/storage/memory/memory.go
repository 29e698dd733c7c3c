// Package memory provides an in-memory implementation of storage.Store for
// testing and single-process deployments. Sessions are lost when the process
// restarts. Optional LRU eviction limits the number of sessions held.
package memory

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/tabula/pkg/storage"
)

// entry holds a stored session and its objects.
type entry struct {
	sess    storage.Session
	objects map[storage.ObjectKind]*storage.Object
	lruElem *list.Element // position in LRU list
}

// Store is an in-memory session store with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently used, back = least recently used
	maxSize int        // 0 = unlimited
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently used session is evicted
// when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// CreateSession registers a new session.
func (s *Store) CreateSession(_ context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sess.ID]; exists {
		return storage.ErrConflict
	}

	// Evict if at capacity.
	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	elem := s.lruList.PushFront(sess.ID)
	s.entries[sess.ID] = &entry{
		sess:    *sess,
		objects: make(map[storage.ObjectKind]*storage.Object),
		lruElem: elem,
	}
	return nil
}

// GetSession returns a copy of the session record.
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sess := e.sess
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(_ context.Context) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Session, 0, len(s.entries))
	for _, e := range s.entries {
		sess := e.sess
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TouchSession records activity on a session and marks it most recently used.
func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	e.sess.LastActivity = at
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// DeleteSession removes a session and all of its objects.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.lruList.Remove(e.lruElem)
	delete(s.entries, id)
	return nil
}

// PutObject stores obj in the session, replacing any object of the same kind.
func (s *Store) PutObject(_ context.Context, sessionID string, obj *storage.Object) error {
	if err := storage.CheckObject(obj); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return storage.ErrNotFound
	}

	stored := &storage.Object{
		Kind:    obj.Kind,
		Name:    obj.Name,
		Data:    append([]byte(nil), obj.Data...),
		ModTime: obj.ModTime,
	}
	if stored.ModTime.IsZero() {
		stored.ModTime = time.Now()
	}
	e.objects[obj.Kind] = stored

	switch obj.Kind {
	case storage.ObjectInput:
		e.sess.InputName = obj.Name
	case storage.ObjectArtifact:
		e.sess.HasArtifact = true
	}
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// GetObject returns a copy of the object of the given kind.
func (s *Store) GetObject(_ context.Context, sessionID string, kind storage.ObjectKind) (*storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	obj, ok := e.objects[kind]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Object{
		Kind:    obj.Kind,
		Name:    obj.Name,
		Data:    append([]byte(nil), obj.Data...),
		ModTime: obj.ModTime,
	}, nil
}

// DeleteObject removes the object of the given kind, if present.
func (s *Store) DeleteObject(_ context.Context, sessionID string, kind storage.ObjectKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	delete(e.objects, kind)
	if kind == storage.ObjectArtifact {
		e.sess.HasArtifact = false
	}
	return nil
}

// ListObjects describes the objects held by a session, input first.
func (s *Store) ListObjects(_ context.Context, sessionID string) ([]storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	infos := []storage.ObjectInfo{}
	for _, kind := range []storage.ObjectKind{storage.ObjectInput, storage.ObjectArtifact} {
		if obj, ok := e.objects[kind]; ok {
			infos = append(infos, storage.ObjectInfo{
				Kind:    obj.Kind,
				Name:    obj.Name,
				Size:    obj.Size(),
				ModTime: obj.ModTime,
			})
		}
	}
	return infos, nil
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// evictOldest removes the least recently used session.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}

	id := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, id)
}
