package chatsync

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/danielagblo/chatsync/cache"
)

// Resolver maps a caller-supplied room identifier, either a numeric
// surrogate id or a string conversation key, to the canonical key on the
// wire. It
// consults the in-memory directory first, then the persisted cache, and as
// a last resort asks the list feed to refresh and retries once.
type Resolver struct {
	store   *Store
	cache   *cache.Cache // may be nil
	refresh func()       // best-effort list feed refresh trigger
	wait    time.Duration
}

// NewResolver wires a resolver over the directory, the persisted cache and
// a refresh trigger for the list feed.
func NewResolver(store *Store, c *cache.Cache, refresh func(), wait time.Duration) *Resolver {
	if refresh == nil {
		refresh = func() {}
	}
	return &Resolver{store: store, cache: c, refresh: refresh, wait: wait}
}

// Resolve returns the canonical wire key for id. Resolution failure is a
// degraded mode, not an error: the raw identifier is returned, since some
// rooms legitimately use their numeric id as their wire key.
func (r *Resolver) Resolve(ctx context.Context, id string) string {
	if key, ok := r.store.CanonicalKey(id); ok {
		return key
	}

	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		// Non-numeric identifiers that the directory does not know are
		// already in wire form.
		return id
	}

	if key, ok := r.lookupCache(id); ok {
		return key
	}

	// Ask the list feed for a fresh directory and wait a bounded interval
	// for it to populate, then retry the lookup once.
	r.refresh()
	deadline := time.Now().Add(r.wait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return id
		case <-time.After(50 * time.Millisecond):
		}
		if key, ok := r.store.CanonicalKey(id); ok {
			return key
		}
	}

	slog.Debug("room key unresolved, using raw identifier", "id", id)
	return id
}

// lookupCache consults the persisted directory cache and, on a hit, feeds
// the room back into the in-memory directory as a byproduct.
func (r *Resolver) lookupCache(id string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	room, ok, err := r.cache.Lookup(id)
	if err != nil {
		slog.Debug("directory cache lookup failed", "id", id, "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	r.store.UpsertRoom(room)
	return room.Key, true
}
