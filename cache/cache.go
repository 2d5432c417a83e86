// Package cache persists a best-effort mirror of the room directory so the
// UI can render a room list at cold start, before the list feed opens. It
// is never authoritative; live feed data always supersedes it.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/danielagblo/chatsync/wire"
)

// Room snapshots above this size are stored zstd-compressed. Group rooms
// with large rosters routinely cross it.
const compressionThreshold = 1024

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// Cache is a SQLite-backed room directory mirror.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS rooms (
		key        TEXT PRIMARY KEY,
		id         INTEGER NOT NULL DEFAULT 0,
		snapshot   BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_id ON rooms(id) WHERE id != 0;
	`
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveRoom upserts one room snapshot. Failures are returned but callers
// treat them as best-effort.
func (c *Cache) SaveRoom(room wire.Room) error {
	if room.Key == "" {
		return nil
	}
	snapshot, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.Key, err)
	}

	compressed := 0
	if len(snapshot) > compressionThreshold {
		packed := encoder.EncodeAll(snapshot, make([]byte, 0, len(snapshot)))
		if len(packed) < len(snapshot) {
			snapshot = packed
			compressed = 1
		}
	}

	_, err = c.db.Exec(`
		INSERT INTO rooms (key, id, snapshot, compressed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			id = excluded.id,
			snapshot = excluded.snapshot,
			compressed = excluded.compressed,
			updated_at = excluded.updated_at`,
		room.Key, room.ID, snapshot, compressed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save room %s: %w", room.Key, err)
	}
	return nil
}

// SaveRooms upserts a full list-feed snapshot.
func (c *Cache) SaveRooms(rooms []wire.Room) error {
	for _, r := range rooms {
		if err := c.SaveRoom(r); err != nil {
			return err
		}
	}
	return nil
}

// LoadRooms returns every cached room, for cold-start pre-population.
func (c *Cache) LoadRooms() ([]wire.Room, error) {
	rows, err := c.db.Query(`SELECT snapshot, compressed FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	defer rows.Close()

	var out []wire.Room
	for rows.Next() {
		var snapshot []byte
		var compressed int
		if err := rows.Scan(&snapshot, &compressed); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		room, err := decodeSnapshot(snapshot, compressed == 1)
		if err != nil {
			// A corrupt row is not worth failing a cold start over.
			continue
		}
		out = append(out, room)
	}
	return out, rows.Err()
}

// Lookup finds a cached room by canonical key or numeric surrogate id.
func (c *Cache) Lookup(id string) (wire.Room, bool, error) {
	row := c.db.QueryRow(
		`SELECT snapshot, compressed FROM rooms WHERE key = ? LIMIT 1`, id)
	room, ok, err := scanRoom(row)
	if err != nil || ok {
		return room, ok, err
	}

	if n, perr := strconv.ParseInt(id, 10, 64); perr == nil {
		row = c.db.QueryRow(
			`SELECT snapshot, compressed FROM rooms WHERE id = ? LIMIT 1`, n)
		return scanRoom(row)
	}
	return wire.Room{}, false, nil
}

func scanRoom(row *sql.Row) (wire.Room, bool, error) {
	var snapshot []byte
	var compressed int
	err := row.Scan(&snapshot, &compressed)
	if err == sql.ErrNoRows {
		return wire.Room{}, false, nil
	}
	if err != nil {
		return wire.Room{}, false, fmt.Errorf("scan room row: %w", err)
	}
	room, err := decodeSnapshot(snapshot, compressed == 1)
	if err != nil {
		return wire.Room{}, false, err
	}
	return room, true, nil
}

func decodeSnapshot(snapshot []byte, compressed bool) (wire.Room, error) {
	if compressed {
		raw, err := decoder.DecodeAll(snapshot, nil)
		if err != nil {
			return wire.Room{}, fmt.Errorf("decompress room snapshot: %w", err)
		}
		snapshot = raw
	}
	var room wire.Room
	if err := json.Unmarshal(snapshot, &room); err != nil {
		return wire.Room{}, fmt.Errorf("decode room snapshot: %w", err)
	}
	return room, nil
}
