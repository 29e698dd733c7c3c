// Package postgres provides a PostgreSQL implementation of storage.Store.
// It uses pgx/v5 for connection pooling and BYTEA columns for object data,
// so several service replicas can share sessions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/tabula/pkg/debug"
	"github.com/rhuss/tabula/pkg/storage"
)

// Store is a PostgreSQL-backed session store.
type Store struct {
	pool           *pgxpool.Pool
	maxObjectBytes int64
}

// Ensure Store implements storage.Store at compile time.
var _ storage.Store = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, maxObjectBytes: cfg.MaxObjectBytes}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, input_name, has_artifact, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.InputName, sess.HasArtifact, sess.CreatedAt, sess.LastActivity)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	debug.Log("storage", "session created", "backend", "postgres", "session_id", sess.ID)
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var sess storage.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, input_name, has_artifact, created_at, last_activity
		FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.InputName, &sess.HasArtifact, &sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*storage.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, input_name, has_artifact, created_at, last_activity
		FROM sessions ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*storage.Session
	for rows.Next() {
		var sess storage.Session
		if err := rows.Scan(&sess.ID, &sess.InputName, &sess.HasArtifact, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

// TouchSession updates the last activity time.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.pool.Exec(ctx, "UPDATE sessions SET last_activity = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteSession removes a session. Its objects are removed by the
// ON DELETE CASCADE foreign key.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	debug.Log("storage", "session deleted", "backend", "postgres", "session_id", id)
	return nil
}

// PutObject upserts the object row and updates the session flags in one
// transaction.
func (s *Store) PutObject(ctx context.Context, sessionID string, obj *storage.Object) error {
	if err := storage.CheckObject(obj); err != nil {
		return err
	}
	if s.maxObjectBytes > 0 && obj.Size() > s.maxObjectBytes {
		return fmt.Errorf("object of %d bytes exceeds limit of %d bytes", obj.Size(), s.maxObjectBytes)
	}

	data := obj.Data
	if data == nil {
		data = []byte{}
	}
	modTime := obj.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO session_objects (session_id, kind, name, data, mod_time)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, kind)
			DO UPDATE SET name = EXCLUDED.name, data = EXCLUDED.data, mod_time = EXCLUDED.mod_time
		`, sessionID, string(obj.Kind), obj.Name, data, modTime); err != nil {
			return fmt.Errorf("storing %s object: %w", obj.Kind, err)
		}

		var update string
		var arg any
		switch obj.Kind {
		case storage.ObjectInput:
			update, arg = "UPDATE sessions SET input_name = $1 WHERE id = $2", obj.Name
		case storage.ObjectArtifact:
			update, arg = "UPDATE sessions SET has_artifact = $1 WHERE id = $2", true
		}
		if _, err := tx.Exec(ctx, update, arg, sessionID); err != nil {
			return fmt.Errorf("updating session: %w", err)
		}
		return nil
	})
}

// GetObject retrieves the object of the given kind.
func (s *Store) GetObject(ctx context.Context, sessionID string, kind storage.ObjectKind) (*storage.Object, error) {
	obj := storage.Object{Kind: kind}
	err := s.pool.QueryRow(ctx, `
		SELECT name, data, mod_time FROM session_objects
		WHERE session_id = $1 AND kind = $2
	`, sessionID, string(kind)).Scan(&obj.Name, &obj.Data, &obj.ModTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying %s object: %w", kind, err)
	}
	return &obj, nil
}

// DeleteObject removes the object of the given kind, if present.
func (s *Store) DeleteObject(ctx context.Context, sessionID string, kind storage.ObjectKind) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"DELETE FROM session_objects WHERE session_id = $1 AND kind = $2",
			sessionID, string(kind),
		); err != nil {
			return fmt.Errorf("deleting %s object: %w", kind, err)
		}
		if kind == storage.ObjectArtifact {
			if _, err := tx.Exec(ctx, "UPDATE sessions SET has_artifact = FALSE WHERE id = $1", sessionID); err != nil {
				return fmt.Errorf("updating session: %w", err)
			}
		}
		return nil
	})
}

// ListObjects describes the objects held by a session, input first.
func (s *Store) ListObjects(ctx context.Context, sessionID string) ([]storage.ObjectInfo, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, name, octet_length(data), mod_time FROM session_objects
		WHERE session_id = $1 ORDER BY kind DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()

	infos := []storage.ObjectInfo{}
	for rows.Next() {
		var info storage.ObjectInfo
		var kind string
		if err := rows.Scan(&kind, &info.Name, &info.Size, &info.ModTime); err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		info.Kind = storage.ObjectKind(kind)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects: %w", err)
	}
	return infos, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// lockSession takes a row lock on the session so concurrent object writes
// and a session delete serialize. Returns ErrNotFound if the row is absent.
func lockSession(ctx context.Context, tx pgx.Tx, id string) error {
	var one int
	err := tx.QueryRow(ctx, "SELECT 1 FROM sessions WHERE id = $1 FOR UPDATE", id).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("locking session: %w", err)
	}
	return nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
