package storage

import (
	"context"
	"fmt"
	"time"
)

// ObjectKind identifies one of the two object slots a session owns.
type ObjectKind string

const (
	// ObjectInput is the uploaded tabular file.
	ObjectInput ObjectKind = "input"

	// ObjectArtifact is the image produced by the most recent analysis.
	ObjectArtifact ObjectKind = "artifact"
)

// Valid reports whether k is a known object kind.
func (k ObjectKind) Valid() bool {
	return k == ObjectInput || k == ObjectArtifact
}

// Session is the bookkeeping record for one uploaded file.
type Session struct {
	ID           string    `json:"id"`
	InputName    string    `json:"input_name,omitempty"`
	HasArtifact  bool      `json:"has_artifact"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Object is a stored blob. A session holds at most one object per kind;
// a put replaces the previous object of the same kind.
type Object struct {
	Kind    ObjectKind
	Name    string
	Data    []byte
	ModTime time.Time
}

// Size returns the length of the object data in bytes.
func (o *Object) Size() int64 {
	return int64(len(o.Data))
}

// ObjectInfo describes a stored object without its data.
type ObjectInfo struct {
	Kind    ObjectKind `json:"kind"`
	Name    string     `json:"name"`
	Size    int64      `json:"size"`
	ModTime time.Time  `json:"mod_time"`
}

// Store is the Session Store capability. Implementations must be safe for
// concurrent use.
//
// PutObject records the input name on the session for ObjectInput and sets
// HasArtifact for ObjectArtifact. DeleteObject of an absent object is not an
// error as long as the session exists. DeleteSession removes every object of
// the session.
type Store interface {
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	PutObject(ctx context.Context, sessionID string, obj *Object) error
	GetObject(ctx context.Context, sessionID string, kind ObjectKind) (*Object, error)
	DeleteObject(ctx context.Context, sessionID string, kind ObjectKind) error
	ListObjects(ctx context.Context, sessionID string) ([]ObjectInfo, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// CheckObject validates an object before it is stored.
func CheckObject(obj *Object) error {
	if obj == nil {
		return fmt.Errorf("object is nil")
	}
	if !obj.Kind.Valid() {
		return fmt.Errorf("invalid object kind %q", obj.Kind)
	}
	return nil
}
