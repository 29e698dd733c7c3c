// Package redis provides a Redis implementation of storage.Store.
//
// Keys, with the configurable prefix (default "tabula:"):
//
//	<prefix>session:<id>          JSON session record
//	<prefix>object:<id>:<kind>    hash {name, data, mod_time}
//	<prefix>sessions              set of all session IDs
//
// Updates that touch more than one key run as WATCH/MULTI transactions and
// are retried when a concurrent writer wins.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/storage"
)

const maxTxRetries = 10

// Config holds Redis connection settings.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password for AUTH, if any.
	Password string

	// DB selects the logical database.
	DB int

	// Prefix is prepended to every key (default: "tabula:").
	Prefix string
}

// Store is a Redis-backed session store.
type Store struct {
	client *goredis.Client
	prefix string
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "tabula:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) objectKey(id string, kind storage.ObjectKind) string {
	return s.prefix + "object:" + id + ":" + string(kind)
}

func (s *Store) indexKey() string {
	return s.prefix + "sessions"
}

// CreateSession stores the session record if the ID is unused.
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}
	if err := s.client.SAdd(ctx, s.indexKey(), sess.ID).Err(); err != nil {
		return fmt.Errorf("indexing session: %w", err)
	}
	debug.Log("storage", "session created", "backend", "redis", "session_id", sess.ID)
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	return getSession(ctx, s.client, s.sessionKey(id))
}

// ListSessions returns every indexed session. Index entries whose record has
// disappeared are pruned.
func (s *Store) ListSessions(ctx context.Context) ([]*storage.Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// TouchSession updates the last activity time.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, func(sess *storage.Session, _ goredis.Pipeliner) error {
		sess.LastActivity = at
		return nil
	})
}

// DeleteSession removes the session record, its objects, and its index entry.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.objectKey(id, storage.ObjectInput), s.objectKey(id, storage.ObjectArtifact))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session objects: %w", err)
	}
	debug.Log("storage", "session deleted", "backend", "redis", "session_id", id)
	return nil
}

// PutObject stores the object hash and updates the session record atomically.
func (s *Store) PutObject(ctx context.Context, sessionID string, obj *storage.Object) error {
	if err := storage.CheckObject(obj); err != nil {
		return err
	}
	modTime := obj.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	return s.update(ctx, sessionID, func(sess *storage.Session, pipe goredis.Pipeliner) error {
		key := s.objectKey(sessionID, obj.Kind)
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]any{
			"name":     obj.Name,
			"data":     obj.Data,
			"mod_time": modTime.UTC().Format(time.RFC3339Nano),
		})
		switch obj.Kind {
		case storage.ObjectInput:
			sess.InputName = obj.Name
		case storage.ObjectArtifact:
			sess.HasArtifact = true
		}
		return nil
	})
}

// GetObject retrieves the object of the given kind.
func (s *Store) GetObject(ctx context.Context, sessionID string, kind storage.ObjectKind) (*storage.Object, error) {
	fields, err := s.client.HGetAll(ctx, s.objectKey(sessionID, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s object: %w", kind, err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	obj := &storage.Object{Kind: kind, Name: fields["name"], Data: []byte(fields["data"])}
	if ts := fields["mod_time"]; ts != "" {
		obj.ModTime, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decoding %s mod_time: %w", kind, err)
		}
	}
	return obj, nil
}

// DeleteObject removes the object of the given kind, if present.
func (s *Store) DeleteObject(ctx context.Context, sessionID string, kind storage.ObjectKind) error {
	return s.update(ctx, sessionID, func(sess *storage.Session, pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.objectKey(sessionID, kind))
		if kind == storage.ObjectArtifact {
			sess.HasArtifact = false
		}
		return nil
	})
}

// ListObjects describes the objects held by a session, input first.
func (s *Store) ListObjects(ctx context.Context, sessionID string) ([]storage.ObjectInfo, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	infos := []storage.ObjectInfo{}
	for _, kind := range []storage.ObjectKind{storage.ObjectInput, storage.ObjectArtifact} {
		key := s.objectKey(sessionID, kind)
		vals, err := s.client.HMGet(ctx, key, "name", "mod_time").Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s object: %w", kind, err)
		}
		name, ok := vals[0].(string)
		if !ok {
			continue
		}
		size, err := s.client.HStrLen(ctx, key, "data").Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s object size: %w", kind, err)
		}
		info := storage.ObjectInfo{Kind: kind, Name: name, Size: size}
		if ts, ok := vals[1].(string); ok {
			info.ModTime, _ = time.Parse(time.RFC3339Nano, ts)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// update loads the session under WATCH, lets fn modify it and queue extra
// commands, then writes the record back in the same MULTI block.
func (s *Store) update(ctx context.Context, id string, fn func(*storage.Session, goredis.Pipeliner) error) error {
	key := s.sessionKey(id)

	txf := func(tx *goredis.Tx) error {
		sess, err := getSession(ctx, tx, key)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := fn(sess, pipe); err != nil {
				return err
			}
			data, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("encoding session: %w", err)
			}
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating session %s: too much contention", id)
}

// getter is satisfied by both *goredis.Client and *goredis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func getSession(ctx context.Context, c getter, key string) (*storage.Session, error) {
	val, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess storage.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}
