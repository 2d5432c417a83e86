package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func wsEndpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(Config{
		Endpoint:           endpoint,
		UserID:             7,
		UserName:           "me",
		EchoWindow:         3 * time.Second,
		OptimisticWindow:   10 * time.Second,
		ResolveWait:        100 * time.Millisecond,
		HistoryWait:        time.Minute,
		ListReconnectDelay: 50 * time.Millisecond,
		DialTimeout:        2 * time.Second,
	}, TokenFunc(func() string { return "test-token" }))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.CloseAll)
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestConcurrentConnectSingleAttempt(t *testing.T) {
	var upgrades int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		atomic.AddInt32(&upgrades, 1)
		defer conn.Close()
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool { return c.IsRoomConnected("abc") },
		"room never connected")
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&upgrades); n != 1 {
		t.Errorf("got %d connection attempts, want 1", n)
	}
}

func TestJoinFrameCarriesRoomAndBearer(t *testing.T) {
	type joined struct {
		auth  string
		frame []byte
	}
	got := make(chan joined, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		got <- joined{auth: auth, frame: data}
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case j := <-got:
		if j.auth != "Bearer test-token" {
			t.Errorf("authorization header: got %q", j.auth)
		}
		var f struct {
			Type string `json:"type"`
			Room string `json:"room"`
		}
		if err := json.Unmarshal(j.frame, &f); err != nil {
			t.Fatalf("parse join: %v", err)
		}
		if f.Type != "join" || f.Room != "abc" {
			t.Errorf("join frame: got type=%q room=%q", f.Type, f.Room)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the join frame")
	}
}

func TestAbnormalCloseRetriesAlternateAddressOnce(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		// Drop the connection with no close frame.
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) >= 2
	}, "alternate address retry never happened")

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 {
		t.Fatalf("got %d attempts, want exactly 2", len(paths))
	}
	if paths[0] == paths[1] {
		t.Errorf("retry reused the same address %q", paths[0])
	}
	if strings.TrimRight(paths[0], "/") != strings.TrimRight(paths[1], "/") {
		t.Errorf("retry should only toggle the trailing slash: %q vs %q", paths[0], paths[1])
	}
}

func TestCleanCloseDoesNotRetry(t *testing.T) {
	var upgrades int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		atomic.AddInt32(&upgrades, 1)
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		wsutil.WriteServerMessage(conn, ws.OpClose, body)
		// Drain until the peer acknowledges the close so its handshake
		// completes before the socket goes away.
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				break
			}
		}
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&upgrades) >= 1 },
		"server never saw a connection")
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&upgrades); n != 1 {
		t.Errorf("got %d attempts after clean close, want 1", n)
	}
	if c.IsRoomConnected("abc") {
		t.Error("room still reported connected after clean close")
	}
}

func TestRoomHistoryMessageAndTypingFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wsutil.ReadClientText(conn); err != nil {
			return
		}
		wsutil.WriteServerText(conn, []byte(
			`{"type":"chat_history","messages":[{"id":1,"content":"old","sender":{"id":2,"name":"Bob"}}]}`))
		wsutil.WriteServerText(conn, []byte(
			`{"type":"chat_message","id":2,"content":"new","sender":{"id":2,"name":"Bob"}}`))
		wsutil.WriteServerText(conn, []byte(
			`{"type":"typing","user_id":2,"typing":true}`))
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(c.Messages("abc")) == 2 },
		"history and live message never arrived")
	waitFor(t, 2*time.Second, func() bool { return len(c.TypingUsers("abc")) == 1 },
		"typing signal never arrived")

	msgs := c.Messages("abc")
	if msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Errorf("sequence order: got ids %d,%d", msgs[0].ID, msgs[1].ID)
	}
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	closeNow := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		if _, err := wsutil.ReadClientText(conn); err != nil {
			conn.Close()
			return
		}
		wsutil.WriteServerText(conn, []byte(`{"type":"typing","user_id":2,"typing":true}`))
		<-closeNow
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(c.TypingUsers("abc")) == 1 },
		"typing signal never arrived")

	close(closeNow)
	waitFor(t, 2*time.Second, func() bool { return len(c.TypingUsers("abc")) == 0 },
		"typing set not cleared after disconnect")
}

func TestSendMessageEchoCollapses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var f struct {
				Type    string `json:"type"`
				Content string `json:"content"`
				TempID  string `json:"temp_id"`
			}
			if json.Unmarshal(data, &f) == nil && f.Type == "chat_message" {
				echo := fmt.Sprintf(
					`{"type":"chat_message","id":10,"temp_id":%q,"content":%q,"sender":{"id":7,"name":"me"}}`,
					f.TempID, f.Content)
				wsutil.WriteServerText(conn, []byte(echo))
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.IsRoomConnected("abc") },
		"room never connected")

	if err := c.SendMessage(context.Background(), "abc", "hello", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		msgs := c.Messages("abc")
		return len(msgs) == 1 && msgs[0].ID == 10 && !msgs[0].Optimistic
	}, "optimistic entry never collapsed into the echo")

	if pending := c.PendingSends("abc"); len(pending) != 0 {
		t.Errorf("pending sends after echo: %d, want 0", len(pending))
	}
}

func TestSendMessageFallsBackToOneShotConnection(t *testing.T) {
	var mu sync.Mutex
	var types []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var f struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &f) == nil {
				mu.Lock()
				types = append(types, f.Type)
				mu.Unlock()
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))

	// No room connection exists, so the send uses a temporary one.
	if err := c.SendMessage(context.Background(), "abc", "hello", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) >= 2
	}, "one-shot connection never delivered")

	mu.Lock()
	if types[0] != "join" || types[1] != "chat_message" {
		t.Errorf("frame order: got %v, want [join chat_message]", types)
	}
	mu.Unlock()

	// Without an echo the send stays pending and the sequence keeps the
	// optimistic entry.
	if pending := c.PendingSends("abc"); len(pending) != 1 {
		t.Errorf("pending sends: got %d, want 1", len(pending))
	}
	msgs := c.Messages("abc")
	if len(msgs) != 1 || !msgs[0].Optimistic {
		t.Errorf("expected a single optimistic entry, got %+v", msgs)
	}
}

func TestSendMessageFallbackFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if err := c.SendMessage(context.Background(), "abc", "hello", "", ""); err == nil {
		t.Error("expected error when the one-shot connection cannot be established")
	}

	// The optimistic entry is kept so the caller can retry.
	if pending := c.PendingSends("abc"); len(pending) != 1 {
		t.Errorf("pending sends: got %d, want 1", len(pending))
	}
}

func TestListFeedPopulatesDirectoryAndUnread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		switch r.URL.Path {
		case "/ws/chatrooms/":
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
			wsutil.WriteServerText(conn, []byte(
				`{"type":"chatrooms_list","chatrooms":[
					{"id":5,"room_id":"abc","name":"Bob","unread_count":2},
					{"id":6,"room_id":"def","name":"Ops","is_group":true}]}`))
		case "/ws/unread/":
			wsutil.WriteServerText(conn, []byte(`3`))
		}
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if err := c.EnsureListConnection(); err != nil {
		t.Fatalf("list feed: %v", err)
	}
	if err := c.EnsureUnreadConnection(); err != nil {
		t.Fatalf("unread feed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(c.Rooms()) == 2 },
		"room directory never populated")
	waitFor(t, 2*time.Second, func() bool { return c.UnreadCount() == 3 },
		"unread count never arrived")

	// Directory knowledge makes both addressing forms usable.
	if !cmpKeys(c, "5", "abc") {
		t.Error("numeric id not aliased to canonical key")
	}
}

func cmpKeys(c *Client, id, want string) bool {
	key, ok := c.store.CanonicalKey(id)
	return ok && key == want
}

func TestListFeedReconnectsAfterAbnormalClose(t *testing.T) {
	var upgrades int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		atomic.AddInt32(&upgrades, 1)
		conn.Close()
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if err := c.EnsureListConnection(); err != nil {
		t.Fatalf("list feed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return atomic.LoadInt32(&upgrades) >= 2 },
		"list feed never reconnected")
}

func TestLeaveRoomDropsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wsutil.ReadClientText(conn); err != nil {
			return
		}
		wsutil.WriteServerText(conn, []byte(`{"type":"typing","user_id":2,"typing":true}`))
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.TypingUsers("abc")) == 1 },
		"typing signal never arrived")

	c.LeaveRoom("abc")
	if c.IsRoomConnected("abc") {
		t.Error("room still connected after leave")
	}
	if len(c.TypingUsers("abc")) != 0 {
		t.Error("typing set survived leave")
	}
}

func TestLeaveRoomDoesNotReconnect(t *testing.T) {
	var upgrades int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		atomic.AddInt32(&upgrades, 1)
		defer conn.Close()
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.IsRoomConnected("abc") },
		"room never connected")

	// No data has arrived yet, so a naive close classification would look
	// like an abnormal pre-data drop. Leaving must not trigger the retry.
	c.LeaveRoom("abc")

	time.Sleep(300 * time.Millisecond)
	if n := atomic.LoadInt32(&upgrades); n != 1 {
		t.Errorf("got %d connection attempts after leave, want 1", n)
	}
	if c.IsRoomConnected("abc") {
		t.Error("room still reported connected after leave")
	}
}

func TestHistoryRequestedWhenJoinReplaysNothing(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never replay history; just record what the client asks for.
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var f struct {
				Type string `json:"type"`
				Room string `json:"room"`
			}
			if json.Unmarshal(data, &f) == nil && f.Type == "history_request" {
				mu.Lock()
				requests = append(requests, f.Room)
				mu.Unlock()
			}
		}
	}))
	defer srv.Close()

	c, err := New(Config{
		Endpoint:    wsEndpoint(srv),
		HistoryWait: 100 * time.Millisecond,
		DialTimeout: 2 * time.Second,
	}, TokenFunc(func() string { return "test-token" }))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.CloseAll)

	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(requests) >= 1
	}, "history request never sent")

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("got %d history requests, want exactly 1", len(requests))
	}
	if requests[0] != "abc" {
		t.Errorf("history request room: got %q, want abc", requests[0])
	}
}

func TestCloseAllIsIdempotentAndTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, wsEndpoint(srv))
	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.CloseAll()
	c.CloseAll()

	if _, err := c.ConnectToRoom(context.Background(), "abc", JoinOptions{}); err != ErrClosed {
		t.Errorf("connect after close: got %v, want ErrClosed", err)
	}
	if err := c.SendMessage(context.Background(), "abc", "x", "", ""); err != ErrClosed {
		t.Errorf("send after close: got %v, want ErrClosed", err)
	}
	if err := c.EnsureListConnection(); err != ErrClosed {
		t.Errorf("list feed after close: got %v, want ErrClosed", err)
	}
}
