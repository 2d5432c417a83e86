package chatsync

import (
	"os"
	"strconv"
	"time"
)

// Config holds connection parameters and the tunable reconciliation
// heuristics. Zero values fall back to the defaults below.
type Config struct {
	Endpoint   string // WebSocket base URL (e.g. "wss://api.example.com")
	RoomPath   string // room path template, %s is the canonical key
	ListPath   string // room-list feed path
	UnreadPath string // unread-count feed path
	CachePath  string // directory cache location; empty disables persistence

	UserID   int64 // local sender identity for optimistic entries
	UserName string

	// Fuzzy-match windows. Heuristics, not contracts: servers differ in
	// whether they echo the correlation token and in clock skew between
	// local and server timestamping.
	EchoWindow       time.Duration // rule-2 identity match tolerance
	OptimisticWindow time.Duration // rule-4 substring match tolerance

	ResolveWait        time.Duration // bounded wait for list feed during resolution
	HistoryWait        time.Duration // delay before the history_request fallback
	ListReconnectDelay time.Duration // fixed delay before list feed reconnects
	DialTimeout        time.Duration
}

func (c *Config) withDefaults() {
	if c.RoomPath == "" {
		c.RoomPath = "/ws/chat/%s/"
	}
	if c.ListPath == "" {
		c.ListPath = "/ws/chatrooms/"
	}
	if c.UnreadPath == "" {
		c.UnreadPath = "/ws/unread/"
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 3 * time.Second
	}
	if c.OptimisticWindow == 0 {
		c.OptimisticWindow = 10 * time.Second
	}
	if c.ResolveWait == 0 {
		c.ResolveWait = 400 * time.Millisecond
	}
	if c.HistoryWait == 0 {
		c.HistoryWait = 2 * time.Second
	}
	if c.ListReconnectDelay == 0 {
		c.ListReconnectDelay = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// ConfigFromEnv reads configuration from CHATSYNC_* environment variables.
// Unset variables keep their defaults.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:           getEnv("CHATSYNC_ENDPOINT", ""),
		RoomPath:           getEnv("CHATSYNC_ROOM_PATH", ""),
		ListPath:           getEnv("CHATSYNC_LIST_PATH", ""),
		UnreadPath:         getEnv("CHATSYNC_UNREAD_PATH", ""),
		CachePath:          getEnv("CHATSYNC_CACHE_PATH", ""),
		UserID:             getEnvInt64("CHATSYNC_USER_ID", 0),
		UserName:           getEnv("CHATSYNC_USER_NAME", ""),
		EchoWindow:         getEnvDuration("CHATSYNC_ECHO_WINDOW", 0),
		OptimisticWindow:   getEnvDuration("CHATSYNC_OPTIMISTIC_WINDOW", 0),
		ResolveWait:        getEnvDuration("CHATSYNC_RESOLVE_WAIT", 0),
		HistoryWait:        getEnvDuration("CHATSYNC_HISTORY_WAIT", 0),
		ListReconnectDelay: getEnvDuration("CHATSYNC_LIST_RECONNECT_DELAY", 0),
		DialTimeout:        getEnvDuration("CHATSYNC_DIAL_TIMEOUT", 0),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
