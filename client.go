// Package chatsync implements the realtime chat synchronization client for
// the marketplace admin console. It maintains one WebSocket per open
// conversation room plus a room-list feed and an unread-count feed,
// reconciles optimistic local sends against server echoes, and resolves
// ambiguous room identifiers against a locally cached directory.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/danielagblo/chatsync/cache"
	"github.com/danielagblo/chatsync/wire"
)

// ErrClosed is returned for operations on a client after CloseAll.
var ErrClosed = errors.New("chatsync: client closed")

// TokenProvider supplies the bearer credential used to authorize each
// socket. Read-only; issuance and refresh live elsewhere.
type TokenProvider interface {
	Token() string
}

// TokenFunc adapts a plain function to a TokenProvider.
type TokenFunc func() string

// Token implements TokenProvider.
func (f TokenFunc) Token() string { return f() }

// JoinOptions carries optional replay hints for the join frame. Zero
// hints are filled in from the store's last confirmed message so servers
// that only replay on explicit join still deliver missed history.
type JoinOptions struct {
	LastSeen      time.Time
	LastMessageID int64
}

type connStatus int

const (
	statusConnecting connStatus = iota
	statusOpen
	statusClosed
)

// connHandle is the per-connection state. Owned exclusively by the client;
// other components observe connection state only through IsRoomConnected.
type connHandle struct {
	key string // canonical room key; empty for feeds
	url string

	mu         sync.Mutex
	conn       net.Conn
	status     connStatus
	retried    bool // one-time alternate-URL retry already used
	left       bool // torn down locally; suppresses the retry
	gotData    bool
	gotHistory bool
}

// Client owns the socket lifecycle and exposes the synchronized chat state.
type Client struct {
	cfg      Config
	tokens   TokenProvider
	store    *Store
	cache    *cache.Cache // nil when persistence is disabled
	resolver *Resolver

	mu     sync.Mutex
	rooms  map[string]*connHandle
	list   *connHandle
	unread *connHandle
	closed bool
}

// New creates a client. The directory cache is read once here so callers
// can render a room list before the list feed opens.
func New(cfg Config, tokens TokenProvider) (*Client, error) {
	cfg.withDefaults()
	if cfg.Endpoint == "" {
		return nil, errors.New("chatsync: endpoint not configured")
	}

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		store:  NewStore(cfg.EchoWindow, cfg.OptimisticWindow),
		rooms:  make(map[string]*connHandle),
	}

	if cfg.CachePath != "" {
		dc, err := cache.Open(cfg.CachePath)
		if err != nil {
			slog.Warn("directory cache unavailable", "path", cfg.CachePath, "error", err)
		} else {
			c.cache = dc
			if rooms, err := dc.LoadRooms(); err == nil {
				c.store.UpsertRooms(rooms)
			} else {
				slog.Warn("directory cache preload failed", "error", err)
			}
		}
	}

	c.resolver = NewResolver(c.store, c.cache, c.requestRoomList, cfg.ResolveWait)
	return c, nil
}

// Store returns the underlying synchronized state for read-only observation.
func (c *Client) Store() *Store { return c.store }

// --- Public surface ---

// ConnectToRoom resolves the identifier to its canonical key and ensures a
// connection for that room exists. The connect itself is asynchronous;
// observe progress through IsRoomConnected and the message sequences.
func (c *Client) ConnectToRoom(ctx context.Context, id string, opts JoinOptions) (string, error) {
	resolved := c.resolver.Resolve(ctx, id)
	if err := c.ensureRoom(resolved, opts); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// SendMessage adds an optimistic entry and sends a chat_message frame. When
// the room's primary connection cannot take the write, a one-shot temporary
// connection dedicated to this send is used; its failure is returned, since
// there is no further fallback.
func (c *Client) SendMessage(ctx context.Context, id, text, tempID, attachment string) error {
	if c.isClosed() {
		return ErrClosed
	}
	resolved := c.resolver.Resolve(ctx, id)
	if tempID == "" {
		tempID = wire.NewTempID()
	}

	c.store.AddOptimistic(resolved, Message{
		TempID:     tempID,
		RoomKey:    resolved,
		SenderID:   c.cfg.UserID,
		SenderName: c.cfg.UserName,
		Content:    text,
		Media:      attachment != "",
		CreatedAt:  time.Now(),
	})

	payload := wire.Marshal(wire.NewSend(text, tempID, attachment))
	if h := c.roomHandle(resolved); h != nil {
		if err := c.write(h, payload); err == nil {
			return nil
		} else {
			slog.Warn("primary send failed, using one-shot connection",
				"room", resolved, "error", err)
		}
	}
	return c.sendOnce(ctx, resolved, payload)
}

// SendTyping signals the local user's typing state. Best-effort: transport
// failures are logged, and the local typing set is updated optimistically.
func (c *Client) SendTyping(id string, typing bool) {
	resolved := c.resolver.Resolve(context.Background(), id)
	if c.cfg.UserID != 0 {
		c.store.SetTyping(resolved, c.cfg.UserID, typing)
	}
	if h := c.roomHandle(resolved); h != nil {
		if err := c.write(h, wire.Marshal(wire.TypingFrame{Type: "typing", Typing: typing})); err != nil {
			slog.Debug("typing signal dropped", "room", resolved, "error", err)
		}
	}
}

// MarkRead marks the room read locally and notifies the server.
func (c *Client) MarkRead(id string) {
	resolved := c.resolver.Resolve(context.Background(), id)
	c.store.MarkRead(resolved)
	if h := c.roomHandle(resolved); h != nil {
		if err := c.write(h, wire.Marshal(wire.NewMarkRead())); err != nil {
			slog.Debug("mark_read dropped", "room", resolved, "error", err)
		}
	}
}

// AddLocalMessage inserts a locally-originated message into the room's
// sequence without sending it. A missing correlation token is generated.
func (c *Client) AddLocalMessage(id string, m Message) {
	resolved := c.resolver.Resolve(context.Background(), id)
	if m.TempID == "" {
		m.TempID = wire.NewTempID()
	}
	if m.RoomKey == "" {
		m.RoomKey = resolved
	}
	c.store.AddOptimistic(resolved, m)
}

// IsRoomConnected reports whether the room's socket is open. The
// identifier may be in either addressing form.
func (c *Client) IsRoomConnected(id string) bool {
	h := c.roomHandle(c.lookupKey(id))
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == statusOpen
}

// LeaveRoom tears down the room's socket immediately and clears its typing
// set. Frames already delivered before closure are not rolled back.
func (c *Client) LeaveRoom(id string) {
	key := c.lookupKey(id)
	c.mu.Lock()
	h := c.rooms[key]
	delete(c.rooms, key)
	c.mu.Unlock()
	if h != nil {
		c.closeHandle(h)
	}
	c.store.ClearTyping(key)
	c.store.DropPending(key)
}

// CloseAll tears down every socket and releases the directory cache.
func (c *Client) CloseAll() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*connHandle)
	list, unread := c.list, c.unread
	c.list, c.unread = nil, nil
	c.mu.Unlock()

	for key, h := range rooms {
		c.closeHandle(h)
		c.store.ClearTyping(key)
		c.store.DropPending(key)
	}
	if list != nil {
		c.closeHandle(list)
	}
	if unread != nil {
		c.closeHandle(unread)
	}
	if c.cache != nil {
		c.cache.Close()
	}
}

// Read-only snapshots, delegated to the store.

// Messages returns the room's ordered message sequence.
func (c *Client) Messages(id string) []Message { return c.store.Messages(c.lookupKey(id)) }

// Rooms returns the current room directory.
func (c *Client) Rooms() []Room { return c.store.Rooms() }

// TypingUsers returns the ids currently typing in a room.
func (c *Client) TypingUsers(id string) []int64 { return c.store.TypingUsers(c.lookupKey(id)) }

// UnreadCount returns the last value from the unread feed.
func (c *Client) UnreadCount() int { return c.store.Unread() }

// LastUpdate returns the monotonically increasing change timestamp.
func (c *Client) LastUpdate() time.Time { return c.store.LastUpdate() }

// PendingSends returns a room's unconfirmed sends, oldest first.
func (c *Client) PendingSends(id string) []PendingSend {
	return c.store.PendingSends(c.lookupKey(id))
}

// --- Room connections ---

// ensureRoom opens a connection for key unless one is already open or in
// flight; concurrent calls while a connect is in flight are no-ops.
func (c *Client) ensureRoom(key string, opts JoinOptions) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if h, ok := c.rooms[key]; ok {
		h.mu.Lock()
		alive := h.status != statusClosed
		h.mu.Unlock()
		if alive {
			c.mu.Unlock()
			return nil
		}
	}
	h := &connHandle{key: key, url: c.roomURL(key), status: statusConnecting}
	c.rooms[key] = h
	c.mu.Unlock()

	go c.runRoom(h, opts)
	return nil
}

func (c *Client) runRoom(h *connHandle, opts JoinOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dial(ctx, h.url)
	cancel()
	if err != nil {
		slog.Warn("room dial failed", "room", h.key, "url", h.url, "error", err)
		c.dropRoom(h)
		return
	}

	h.mu.Lock()
	if h.left {
		// Torn down while the dial was in flight.
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conn = conn
	h.status = statusOpen
	h.mu.Unlock()

	if opts.LastSeen.IsZero() && opts.LastMessageID == 0 {
		opts.LastSeen, opts.LastMessageID = c.store.LastSeen(h.key)
	}
	if err := c.write(h, wire.Marshal(wire.NewJoin(h.key, opts.LastSeen, opts.LastMessageID))); err != nil {
		slog.Warn("join frame failed", "room", h.key, "error", err)
	}

	// Some servers do not replay history on join; ask explicitly if none
	// arrived within the window.
	fallback := time.AfterFunc(c.cfg.HistoryWait, func() {
		h.mu.Lock()
		needed := h.status == statusOpen && !h.gotHistory
		h.mu.Unlock()
		if needed {
			slog.Debug("no history after join, requesting explicitly", "room", h.key)
			if err := c.write(h, wire.Marshal(wire.HistoryRequestFrame{Type: "history_request", Room: h.key})); err != nil {
				slog.Debug("history request failed", "room", h.key, "error", err)
			}
		}
	})
	defer fallback.Stop()

	c.readRoom(h, opts)
}

func (c *Client) readRoom(h *connHandle, opts JoinOptions) {
	for {
		data, err := wsutil.ReadServerText(h.conn)
		if err != nil {
			h.mu.Lock()
			gotData, retried, left := h.gotData, h.retried, h.left
			h.status = statusClosed
			conn := h.conn
			h.mu.Unlock()
			if conn != nil {
				conn.Close()
			}

			// One special case: an abnormal close before any data was
			// exchanged gets exactly one retry against the alternate form
			// of the same address. A close we performed ourselves never
			// qualifies.
			if !gotData && !retried && !left && abnormalClose(err) && !c.isClosed() {
				h.mu.Lock()
				h.retried = true
				h.url = alternateURL(h.url)
				h.status = statusConnecting
				h.mu.Unlock()
				slog.Warn("room closed before any data, retrying alternate address",
					"room", h.key, "url", h.url)
				c.runRoom(h, opts)
				return
			}

			slog.Info("room disconnected", "room", h.key, "error", err)
			c.dropRoom(h)
			c.store.ClearTyping(h.key)
			c.store.DropPending(h.key)
			return
		}

		h.mu.Lock()
		h.gotData = true
		h.mu.Unlock()
		c.dispatchRoom(h, data)
	}
}

func (c *Client) dispatchRoom(h *connHandle, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		slog.Debug("bad frame", "room", h.key, "error", err)
		return
	}

	switch f.Kind {
	case wire.KindMessage:
		if m, ok := wire.NormalizeMessage(f.Message, time.Now()); ok {
			c.store.ApplyMessage(h.key, m)
		}

	case wire.KindHistory:
		now := time.Now()
		msgs := make([]Message, 0, len(f.History))
		for _, raw := range f.History {
			if m, ok := wire.NormalizeMessage(raw, now); ok {
				msgs = append(msgs, m)
			}
		}
		c.store.ApplyHistory(h.key, msgs)
		h.mu.Lock()
		h.gotHistory = true
		h.mu.Unlock()

	case wire.KindTyping:
		c.store.SetTyping(h.key, f.UserID, f.Typing)

	case wire.KindRoomUpdate:
		if room, ok := wire.NormalizeRoom(f.Room); ok {
			c.upsertRoom(room)
		}
	}
}

// --- Feeds ---

// EnsureListConnection opens the room-list feed unless one is already open
// or in flight. The feed reconnects unconditionally after any non-clean
// close, following a fixed delay.
func (c *Client) EnsureListConnection() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if h := c.list; h != nil {
		h.mu.Lock()
		alive := h.status != statusClosed
		h.mu.Unlock()
		if alive {
			c.mu.Unlock()
			return nil
		}
	}
	h := &connHandle{url: c.feedURL(c.cfg.ListPath), status: statusConnecting}
	c.list = h
	c.mu.Unlock()

	go c.runList(h)
	return nil
}

func (c *Client) runList(h *connHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dial(ctx, h.url)
	cancel()
	if err != nil {
		slog.Warn("list feed dial failed", "error", err)
		c.scheduleListReconnect(h)
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.status = statusOpen
	h.mu.Unlock()

	// Initial directory request on open.
	if err := c.write(h, wire.Marshal(wire.NewRoomListRequest())); err != nil {
		slog.Warn("room list request failed", "error", err)
	}

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			h.mu.Lock()
			h.status = statusClosed
			h.mu.Unlock()
			conn.Close()
			if cleanClose(err) || c.isClosed() {
				return
			}
			slog.Info("list feed disconnected, will reconnect", "error", err)
			c.scheduleListReconnect(h)
			return
		}
		c.dispatchList(data)
	}
}

func (c *Client) scheduleListReconnect(h *connHandle) {
	h.mu.Lock()
	h.status = statusClosed
	h.mu.Unlock()
	time.AfterFunc(c.cfg.ListReconnectDelay, func() {
		if c.isClosed() {
			return
		}
		h.mu.Lock()
		h.status = statusConnecting
		h.mu.Unlock()
		c.runList(h)
	})
}

func (c *Client) dispatchList(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		slog.Debug("bad list feed frame", "error", err)
		return
	}

	switch f.Kind {
	case wire.KindRoomList:
		rooms := make([]Room, 0, len(f.Rooms))
		for _, raw := range f.Rooms {
			if room, ok := wire.NormalizeRoom(raw); ok {
				rooms = append(rooms, room)
			}
		}
		c.store.UpsertRooms(rooms)
		if c.cache != nil {
			if err := c.cache.SaveRooms(rooms); err != nil {
				slog.Warn("directory cache write failed", "error", err)
			}
		}

	case wire.KindRoomUpdate:
		if room, ok := wire.NormalizeRoom(f.Room); ok {
			c.upsertRoom(room)
		}

	case wire.KindUnread:
		c.store.SetUnread(f.Unread)
	}
}

// EnsureUnreadConnection opens the unread-count feed. It follows the list
// feed's reconnect policy.
func (c *Client) EnsureUnreadConnection() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if h := c.unread; h != nil {
		h.mu.Lock()
		alive := h.status != statusClosed
		h.mu.Unlock()
		if alive {
			c.mu.Unlock()
			return nil
		}
	}
	h := &connHandle{url: c.feedURL(c.cfg.UnreadPath), status: statusConnecting}
	c.unread = h
	c.mu.Unlock()

	go c.runUnread(h)
	return nil
}

func (c *Client) runUnread(h *connHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dial(ctx, h.url)
	cancel()
	if err != nil {
		slog.Warn("unread feed dial failed", "error", err)
		c.scheduleUnreadReconnect(h)
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.status = statusOpen
	h.mu.Unlock()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			h.mu.Lock()
			h.status = statusClosed
			h.mu.Unlock()
			conn.Close()
			if cleanClose(err) || c.isClosed() {
				return
			}
			c.scheduleUnreadReconnect(h)
			return
		}
		if f, err := wire.Decode(data); err == nil && f.Kind == wire.KindUnread {
			c.store.SetUnread(f.Unread)
		}
	}
}

func (c *Client) scheduleUnreadReconnect(h *connHandle) {
	h.mu.Lock()
	h.status = statusClosed
	h.mu.Unlock()
	time.AfterFunc(c.cfg.ListReconnectDelay, func() {
		if c.isClosed() {
			return
		}
		h.mu.Lock()
		h.status = statusConnecting
		h.mu.Unlock()
		c.runUnread(h)
	})
}

// requestRoomList asks the list feed for a fresh directory, opening the
// feed first when necessary. Best-effort; used by the resolver.
func (c *Client) requestRoomList() {
	c.mu.Lock()
	h := c.list
	c.mu.Unlock()

	if h != nil {
		h.mu.Lock()
		open := h.status == statusOpen
		h.mu.Unlock()
		if open {
			if err := c.write(h, wire.Marshal(wire.NewRoomListRequest())); err != nil {
				slog.Debug("room list refresh failed", "error", err)
			}
			return
		}
	}
	// The feed sends get_chatrooms on open.
	if err := c.EnsureListConnection(); err != nil {
		slog.Debug("room list refresh skipped", "error", err)
	}
}

// --- Send fallback ---

// sendOnce delivers one message over a dedicated temporary connection.
func (c *Client) sendOnce(ctx context.Context, key string, payload []byte) error {
	conn, err := c.dial(ctx, c.roomURL(key))
	if err != nil {
		return fmt.Errorf("send fallback dial: %w", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, wire.Marshal(wire.NewJoin(key, time.Time{}, 0))); err != nil {
		return fmt.Errorf("send fallback join: %w", err)
	}
	if err := wsutil.WriteClientText(conn, payload); err != nil {
		return fmt.Errorf("send fallback write: %w", err)
	}
	// A proper close handshake flushes the send before teardown.
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := wsutil.WriteClientMessage(conn, ws.OpClose, body); err != nil {
		return fmt.Errorf("send fallback close: %w", err)
	}
	return nil
}

// --- Internals ---

func (c *Client) dial(ctx context.Context, u string) (net.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	d := ws.Dialer{
		Timeout: c.cfg.DialTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}
	conn, _, _, err := d.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return conn, nil
}

// write sends one text frame on the handle, serialized per connection.
func (c *Client) write(h *connHandle, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != statusOpen || h.conn == nil {
		return errors.New("connection not open")
	}
	return wsutil.WriteClientText(h.conn, data)
}

func (c *Client) roomHandle(key string) *connHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[key]
}

func (c *Client) dropRoom(h *connHandle) {
	c.mu.Lock()
	if c.rooms[h.key] == h {
		delete(c.rooms, h.key)
	}
	c.mu.Unlock()
}

func (c *Client) closeHandle(h *connHandle) {
	h.mu.Lock()
	h.status = statusClosed
	h.left = true
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lookupKey maps an identifier to its canonical form via the directory
// without triggering resolution side effects.
func (c *Client) lookupKey(id string) string {
	if key, ok := c.store.CanonicalKey(id); ok {
		return key
	}
	return id
}

func (c *Client) upsertRoom(room Room) {
	c.store.UpsertRoom(room)
	if c.cache != nil {
		if err := c.cache.SaveRoom(room); err != nil {
			slog.Warn("directory cache write failed", "room", room.Key, "error", err)
		}
	}
}

func (c *Client) roomURL(key string) string {
	base := strings.TrimRight(c.cfg.Endpoint, "/")
	return base + fmt.Sprintf(c.cfg.RoomPath, url.PathEscape(key))
}

func (c *Client) feedURL(path string) string {
	return strings.TrimRight(c.cfg.Endpoint, "/") + path
}

// alternateURL toggles the trailing-slash form of the same address.
func alternateURL(u string) string {
	if strings.HasSuffix(u, "/") {
		return strings.TrimRight(u, "/")
	}
	return u + "/"
}

// abnormalClose reports whether the connection ended without a normal
// closure. An EOF or reset with no close frame at all counts as abnormal.
func abnormalClose(err error) bool {
	var ce wsutil.ClosedError
	if errors.As(err, &ce) {
		return ce.Code != ws.StatusNormalClosure
	}
	return true
}

func cleanClose(err error) bool { return !abnormalClose(err) }
