package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rhuss/tabula/pkg/storage"
	"github.com/rhuss/tabula/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New(0)
	})
}

func TestLRUEviction(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"s1", "s2"} {
		if err := s.CreateSession(ctx, &storage.Session{ID: id, CreatedAt: now, LastActivity: now}); err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", id, err)
		}
	}

	// Touch s1 so s2 becomes the least recently used.
	if err := s.TouchSession(ctx, "s1", now.Add(time.Second)); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}

	if err := s.CreateSession(ctx, &storage.Session{ID: "s3", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatalf("CreateSession(s3) failed: %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if _, err := s.GetSession(ctx, "s2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("s2 should have been evicted, got err=%v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Errorf("s1 should survive eviction: %v", err)
	}
}

func TestGetObjectReturnsCopy(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	now := time.Now()

	if err := s.CreateSession(ctx, &storage.Session{ID: "s1", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatal(err)
	}
	data := []byte("abc")
	if err := s.PutObject(ctx, "s1", &storage.Object{Kind: storage.ObjectInput, Name: "a.csv", Data: data}); err != nil {
		t.Fatal(err)
	}
	data[0] = 'z'

	obj, err := s.GetObject(ctx, "s1", storage.ObjectInput)
	if err != nil {
		t.Fatal(err)
	}
	if string(obj.Data) != "abc" {
		t.Errorf("stored data aliased caller buffer: %q", obj.Data)
	}
	obj.Data[1] = 'z'

	again, _ := s.GetObject(ctx, "s1", storage.ObjectInput)
	if string(again.Data) != "abc" {
		t.Errorf("returned data aliased stored buffer: %q", again.Data)
	}
}

func TestPutObjectInvalidKind(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateSession(ctx, &storage.Session{ID: "s1", CreatedAt: now, LastActivity: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutObject(ctx, "s1", &storage.Object{Kind: "bogus"}); err == nil {
		t.Error("expected error for invalid object kind")
	}
}
