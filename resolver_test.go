package chatsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielagblo/chatsync/cache"
)

func TestResolveKnownKeyPassthrough(t *testing.T) {
	s := newTestStore()
	s.UpsertRoom(Room{ID: 5, Key: "abc"})
	r := NewResolver(s, nil, nil, 100*time.Millisecond)

	if got := r.Resolve(context.Background(), "abc"); got != "abc" {
		t.Errorf("got %q, want abc", got)
	}
}

func TestResolveNumericToCanonical(t *testing.T) {
	s := newTestStore()
	s.UpsertRoom(Room{ID: 5, Key: "abc"})
	r := NewResolver(s, nil, nil, 100*time.Millisecond)

	if got := r.Resolve(context.Background(), "5"); got != "abc" {
		t.Errorf("got %q, want abc", got)
	}
}

func TestResolveNonNumericUnknownIsWireForm(t *testing.T) {
	s := newTestStore()
	refreshed := false
	r := NewResolver(s, nil, func() { refreshed = true }, 100*time.Millisecond)

	if got := r.Resolve(context.Background(), "room-xyz"); got != "room-xyz" {
		t.Errorf("got %q, want room-xyz", got)
	}
	if refreshed {
		t.Error("non-numeric identifiers should not trigger a list refresh")
	}
}

func TestResolveConsultsPersistedCache(t *testing.T) {
	dc, err := cache.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer dc.Close()
	if err := dc.SaveRoom(Room{ID: 5, Key: "abc", Name: "Bob"}); err != nil {
		t.Fatalf("save room: %v", err)
	}

	s := newTestStore()
	r := NewResolver(s, dc, nil, 100*time.Millisecond)

	if got := r.Resolve(context.Background(), "5"); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}

	// Cache hits feed the in-memory directory as a byproduct.
	if key, ok := s.CanonicalKey("5"); !ok || key != "abc" {
		t.Errorf("directory not updated from cache: %q/%v", key, ok)
	}
}

func TestResolveWaitsForRefresh(t *testing.T) {
	s := newTestStore()
	refresh := func() {
		go func() {
			time.Sleep(50 * time.Millisecond)
			s.UpsertRoom(Room{ID: 9, Key: "late"})
		}()
	}
	r := NewResolver(s, nil, refresh, 500*time.Millisecond)

	if got := r.Resolve(context.Background(), "9"); got != "late" {
		t.Errorf("got %q, want late", got)
	}
}

func TestResolveDegradesToRawIdentifier(t *testing.T) {
	s := newTestStore()
	r := NewResolver(s, nil, func() {}, 100*time.Millisecond)

	start := time.Now()
	if got := r.Resolve(context.Background(), "123"); got != "123" {
		t.Errorf("got %q, want 123", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resolution wait unbounded: %v", elapsed)
	}
}

func TestResolveHonorsContext(t *testing.T) {
	s := newTestStore()
	r := NewResolver(s, nil, func() {}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if got := r.Resolve(ctx, "123"); got != "123" {
		t.Errorf("got %q, want 123", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled resolve took %v", elapsed)
	}
}
