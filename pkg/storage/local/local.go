// Package local provides a filesystem implementation of storage.Store.
//
// Each session is a directory under the store root holding a session.json
// record and one data file per stored object kind:
//
//	<root>/<session-id>/session.json
//	<root>/<session-id>/input.bin
//	<root>/<session-id>/artifact.bin
//
// Files are written to a temporary name and renamed into place so readers
// never observe a partial object.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/storage"
)

const recordName = "session.json"

// record is the on-disk form of a session.
type record struct {
	storage.Session
	Objects map[storage.ObjectKind]objectMeta `json:"objects,omitempty"`
}

type objectMeta struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store is a filesystem-backed session store.
type Store struct {
	root string
	mu   sync.RWMutex
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage root is empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string {
	return s.root
}

// CreateSession creates the session directory and record.
func (s *Store) CreateSession(_ context.Context, sess *storage.Session) error {
	dir, err := s.sessionDir(sess.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return storage.ErrConflict
		}
		return fmt.Errorf("creating session directory: %w", err)
	}

	rec := &record{Session: *sess}
	if err := s.writeRecord(dir, rec); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	debug.Log("storage", "session created", "backend", "local", "session_id", sess.ID)
	return nil
}

// GetSession reads the session record.
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	dir, err := s.sessionDir(id)
	if err != nil {
		return nil, storage.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return nil, err
	}
	sess := rec.Session
	return &sess, nil
}

// ListSessions returns every session directory under the root. A directory
// whose record cannot be read is reported with its modification time as
// the last activity so the reaper can still collect it.
func (s *Store) ListSessions(_ context.Context) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	out := make([]*storage.Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		rec, err := s.readRecord(dir)
		if err != nil {
			info, statErr := entry.Info()
			if statErr != nil {
				continue
			}
			slog.Warn("unreadable session record, using directory mtime",
				"session_id", entry.Name(), "error", err)
			out = append(out, &storage.Session{
				ID:           entry.Name(),
				CreatedAt:    info.ModTime(),
				LastActivity: info.ModTime(),
			})
			continue
		}
		sess := rec.Session
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

// TouchSession updates the last activity time.
func (s *Store) TouchSession(_ context.Context, id string, at time.Time) error {
	dir, err := s.sessionDir(id)
	if err != nil {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return err
	}
	rec.LastActivity = at
	return s.writeRecord(dir, rec)
}

// DeleteSession removes the session directory and everything in it.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	dir, err := s.sessionDir(id)
	if err != nil {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("stat session directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session directory: %w", err)
	}
	debug.Log("storage", "session deleted", "backend", "local", "session_id", id)
	return nil
}

// PutObject writes the object data file and updates the session record.
func (s *Store) PutObject(_ context.Context, sessionID string, obj *storage.Object) error {
	if err := storage.CheckObject(obj); err != nil {
		return err
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(filepath.Join(dir, dataFile(obj.Kind)), obj.Data); err != nil {
		return fmt.Errorf("writing %s object: %w", obj.Kind, err)
	}

	modTime := obj.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	if rec.Objects == nil {
		rec.Objects = make(map[storage.ObjectKind]objectMeta)
	}
	rec.Objects[obj.Kind] = objectMeta{Name: obj.Name, Size: obj.Size(), ModTime: modTime}

	switch obj.Kind {
	case storage.ObjectInput:
		rec.InputName = obj.Name
	case storage.ObjectArtifact:
		rec.HasArtifact = true
	}
	return s.writeRecord(dir, rec)
}

// GetObject reads the object of the given kind.
func (s *Store) GetObject(_ context.Context, sessionID string, kind storage.ObjectKind) (*storage.Object, error) {
	if !kind.Valid() {
		return nil, storage.ErrNotFound
	}
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, storage.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return nil, err
	}
	meta, ok := rec.Objects[kind]
	if !ok {
		return nil, storage.ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(dir, dataFile(kind)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("reading %s object: %w", kind, err)
	}
	return &storage.Object{Kind: kind, Name: meta.Name, Data: data, ModTime: meta.ModTime}, nil
}

// DeleteObject removes the object of the given kind, if present.
func (s *Store) DeleteObject(_ context.Context, sessionID string, kind storage.ObjectKind) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return storage.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, dataFile(kind))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s object: %w", kind, err)
	}
	delete(rec.Objects, kind)
	if kind == storage.ObjectArtifact {
		rec.HasArtifact = false
	}
	return s.writeRecord(dir, rec)
}

// ListObjects describes the objects held by a session, input first.
func (s *Store) ListObjects(_ context.Context, sessionID string) ([]storage.ObjectInfo, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, storage.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.readRecord(dir)
	if err != nil {
		return nil, err
	}
	infos := []storage.ObjectInfo{}
	for _, kind := range []storage.ObjectKind{storage.ObjectInput, storage.ObjectArtifact} {
		if meta, ok := rec.Objects[kind]; ok {
			infos = append(infos, storage.ObjectInfo{Kind: kind, Name: meta.Name, Size: meta.Size, ModTime: meta.ModTime})
		}
	}
	return infos, nil
}

// HealthCheck verifies the root directory is still present and writable.
func (s *Store) HealthCheck(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".health-*")
	if err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close is a no-op for the filesystem store.
func (s *Store) Close() error {
	return nil
}

// sessionDir maps a session ID to its directory, rejecting IDs that would
// escape the root.
func (s *Store) sessionDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.root, id), nil
}

func (s *Store) readRecord(dir string) (*record, error) {
	data, err := os.ReadFile(filepath.Join(dir, recordName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("reading session record: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &rec, nil
}

func (s *Store) writeRecord(dir string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, recordName), data); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	return nil
}

func dataFile(kind storage.ObjectKind) string {
	return string(kind) + ".bin"
}

// writeFileAtomic writes data to a temporary file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
