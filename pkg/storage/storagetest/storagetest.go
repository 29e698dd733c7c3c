// Package storagetest provides a conformance suite for storage.Store
// implementations. Every backend runs the same suite from its own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/tabula/pkg/storage"
)

// Factory returns the store under test. It may return the same store for
// every call; the suite uses fresh session IDs in each case.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against the store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateConflict", testCreateConflict},
		{"GetMissing", testGetMissing},
		{"Touch", testTouch},
		{"List", testList},
		{"DeleteSession", testDeleteSession},
		{"PutReplacesSameKind", testPutReplaces},
		{"ArtifactLifecycle", testArtifactLifecycle},
		{"ObjectsOnMissingSession", testObjectsOnMissingSession},
		{"ListObjects", testListObjects},
		{"BinaryRoundTrip", testBinaryRoundTrip},
		{"ConcurrentSessions", testConcurrentSessions},
		{"HealthCheck", testHealthCheck},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newSession(t *testing.T, s storage.Store) *storage.Session {
	t.Helper()
	ts := now()
	sess := &storage.Session{ID: uuid.NewString(), CreatedAt: ts, LastActivity: ts}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Empty(t, got.InputName)
	assert.False(t, got.HasArtifact)
	assert.True(t, got.CreatedAt.Equal(sess.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, sess.CreatedAt)
	assert.True(t, got.LastActivity.Equal(sess.LastActivity), "LastActivity = %v, want %v", got.LastActivity, sess.LastActivity)
}

func testCreateConflict(t *testing.T, s storage.Store) {
	sess := newSession(t, s)
	dup := &storage.Session{ID: sess.ID, CreatedAt: now(), LastActivity: now()}
	err := s.CreateSession(context.Background(), dup)
	assert.True(t, errors.Is(err, storage.ErrConflict), "expected ErrConflict, got %v", err)
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := s.GetSession(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

	err = s.TouchSession(context.Background(), uuid.NewString(), now())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)

	err = s.DeleteSession(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testTouch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	later := sess.LastActivity.Add(90 * time.Second)
	require.NoError(t, s.TouchSession(ctx, sess.ID, later))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(later), "LastActivity = %v, want %v", got.LastActivity, later)
	assert.True(t, got.CreatedAt.Equal(sess.CreatedAt), "touch must not change CreatedAt")
}

func testList(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a := newSession(t, s)
	b := newSession(t, s)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, sess := range list {
		seen[sess.ID] = true
	}
	assert.True(t, seen[a.ID], "session %s missing from list", a.ID)
	assert.True(t, seen[b.ID], "session %s missing from list", b.ID)

	require.NoError(t, s.DeleteSession(ctx, a.ID))
	list, err = s.ListSessions(ctx)
	require.NoError(t, err)
	for _, sess := range list {
		assert.NotEqual(t, a.ID, sess.ID, "deleted session still listed")
	}
}

func testDeleteSession(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)
	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectInput, Name: "data.csv", Data: []byte("a\n1\n")}))
	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectArtifact, Name: "output.png", Data: []byte{0x89, 'P', 'N', 'G'}}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound after delete, got %v", err)
	_, err = s.GetObject(ctx, sess.ID, storage.ObjectInput)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "input survived session delete: %v", err)
	_, err = s.GetObject(ctx, sess.ID, storage.ObjectArtifact)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "artifact survived session delete: %v", err)

	err = s.DeleteSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "second delete: expected ErrNotFound, got %v", err)
}

func testPutReplaces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectInput, Name: "first.csv", Data: []byte("x\n1\n")}))
	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectInput, Name: "second.csv", Data: []byte("y\n2\n")}))

	obj, err := s.GetObject(ctx, sess.ID, storage.ObjectInput)
	require.NoError(t, err)
	assert.Equal(t, "second.csv", obj.Name)
	assert.Equal(t, []byte("y\n2\n"), obj.Data)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "second.csv", got.InputName)

	infos, err := s.ListObjects(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func testArtifactLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	_, err := s.GetObject(ctx, sess.ID, storage.ObjectArtifact)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound before put, got %v", err)

	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectArtifact, Name: "output.png", Data: []byte("img")}))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.HasArtifact)

	require.NoError(t, s.DeleteObject(ctx, sess.ID, storage.ObjectArtifact))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.HasArtifact)

	_, err = s.GetObject(ctx, sess.ID, storage.ObjectArtifact)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound after delete, got %v", err)

	// Deleting an absent object is not an error.
	assert.NoError(t, s.DeleteObject(ctx, sess.ID, storage.ObjectArtifact))
}

func testObjectsOnMissingSession(t *testing.T, s storage.Store) {
	ctx := context.Background()
	id := uuid.NewString()

	err := s.PutObject(ctx, id, &storage.Object{Kind: storage.ObjectInput, Name: "a.csv", Data: []byte("a")})
	assert.True(t, errors.Is(err, storage.ErrNotFound), "PutObject: expected ErrNotFound, got %v", err)

	_, err = s.GetObject(ctx, id, storage.ObjectInput)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "GetObject: expected ErrNotFound, got %v", err)

	err = s.DeleteObject(ctx, id, storage.ObjectArtifact)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "DeleteObject: expected ErrNotFound, got %v", err)

	_, err = s.ListObjects(ctx, id)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "ListObjects: expected ErrNotFound, got %v", err)
}

func testListObjects(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	infos, err := s.ListObjects(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, infos)

	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectArtifact, Name: "output.png", Data: []byte("12345")}))
	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectInput, Name: "sales.csv", Data: []byte("abc")}))

	infos, err = s.ListObjects(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byKind := map[storage.ObjectKind]storage.ObjectInfo{}
	for _, info := range infos {
		byKind[info.Kind] = info
	}
	assert.Equal(t, "sales.csv", byKind[storage.ObjectInput].Name)
	assert.Equal(t, int64(3), byKind[storage.ObjectInput].Size)
	assert.Equal(t, "output.png", byKind[storage.ObjectArtifact].Name)
	assert.Equal(t, int64(5), byKind[storage.ObjectArtifact].Size)
}

func testBinaryRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sess := newSession(t, s)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}
	require.NoError(t, s.PutObject(ctx, sess.ID, &storage.Object{Kind: storage.ObjectArtifact, Name: "output.png", Data: data}))

	obj, err := s.GetObject(ctx, sess.ID, storage.ObjectArtifact)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, obj.Data), "artifact bytes differ after round trip")
	assert.Equal(t, storage.ObjectArtifact, obj.Kind)
}

func testConcurrentSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 8

	ids := make([]string, n)
	for i := range ids {
		ids[i] = newSession(t, s).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			payload := []byte{byte(i), byte(i), byte(i)}
			if err := s.PutObject(ctx, id, &storage.Object{Kind: storage.ObjectArtifact, Name: "output.png", Data: payload}); err != nil {
				errs <- err
				return
			}
			if err := s.TouchSession(ctx, id, now()); err != nil {
				errs <- err
			}
		}(i, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent put: %v", err)
	}

	for i, id := range ids {
		obj, err := s.GetObject(ctx, id, storage.ObjectArtifact)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), byte(i), byte(i)}, obj.Data, "session %d saw another session's artifact", i)
	}
}

func testHealthCheck(t *testing.T, s storage.Store) {
	assert.NoError(t, s.HealthCheck(context.Background()))
}
