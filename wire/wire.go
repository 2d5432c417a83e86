// Package wire defines the JSON frame types for the chat socket protocol
// and the normalizer that converts heterogeneous inbound payloads into the
// canonical message and room shapes used everywhere else in the client.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindHistory
	KindTyping
	KindRoomList
	KindRoomUpdate
	KindUnread
)

// Message is the canonical message shape. IDs and sender IDs are always
// numeric so identity comparisons during reconciliation are reliable.
type Message struct {
	ID         int64     `json:"id"`
	TempID     string    `json:"temp_id,omitempty"`
	RoomKey    string    `json:"room,omitempty"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Media      bool      `json:"is_media,omitempty"`
	Read       bool      `json:"is_read,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Optimistic bool      `json:"optimistic,omitempty"`
}

// RoomMember is a single roster entry.
type RoomMember struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Room describes a conversation room. ID is the numeric surrogate, Key the
// canonical string identifier used on the wire. Both address the same room.
type Room struct {
	ID          int64        `json:"id"`
	Key         string       `json:"room_id"`
	Name        string       `json:"name,omitempty"`
	Group       bool         `json:"is_group,omitempty"`
	Members     []RoomMember `json:"members,omitempty"`
	LastMessage string       `json:"last_message,omitempty"`
	Unread      int          `json:"unread_count,omitempty"`
}

// Frame is a classified inbound frame. Only the fields relevant to its
// Kind are populated.
type Frame struct {
	Kind    Kind
	Message json.RawMessage   // KindMessage
	History []json.RawMessage // KindHistory
	Rooms   []json.RawMessage // KindRoomList
	Room    json.RawMessage   // KindRoomUpdate
	UserID  int64             // KindTyping
	Typing  bool              // KindTyping
	Unread  int               // KindUnread
}

// envelope probes the discriminator and every container field any known
// server variant uses, without committing to one schema.
type envelope struct {
	Type      string            `json:"type"`
	Messages  []json.RawMessage `json:"messages"`
	History   []json.RawMessage `json:"history"`
	Chatrooms []json.RawMessage `json:"chatrooms"`
	Rooms     []json.RawMessage `json:"rooms"`
	Room      json.RawMessage   `json:"room"`
	Chatroom  json.RawMessage   `json:"chatroom"`
	Message   json.RawMessage   `json:"message"`
	UserID    json.RawMessage   `json:"user_id"`
	Sender    json.RawMessage   `json:"sender"`
	Typing    *bool             `json:"typing"`
	IsTyping  *bool             `json:"is_typing"`
	Count     *int              `json:"count"`
}

// Decode classifies a raw inbound frame. Unrecognized payloads come back as
// KindUnknown rather than an error; malformed JSON is the only failure.
func Decode(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{}, nil
	}

	// A bare array is a history snapshot.
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindHistory, History: items}, nil
	}

	// A bare number is an unread-count payload.
	if trimmed[0] != '{' {
		var n float64
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindUnread, Unread: int(n)}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Frame{}, err
	}

	switch env.Type {
	case "chat_message", "message", "new_message":
		// The record may nest the message object under "message", or carry
		// the fields inline ("message" then being a content variant).
		raw := trimmed
		if nested := bytes.TrimSpace(env.Message); len(nested) > 0 && nested[0] == '{' {
			raw = nested
		}
		return Frame{Kind: KindMessage, Message: raw}, nil

	case "chat_history", "room_history", "history":
		items := env.Messages
		if items == nil {
			items = env.History
		}
		return Frame{Kind: KindHistory, History: items}, nil

	case "typing":
		f := Frame{Kind: KindTyping}
		f.UserID = coerceInt64(env.UserID)
		if f.UserID == 0 {
			f.UserID = senderID(env.Sender)
		}
		switch {
		case env.Typing != nil:
			f.Typing = *env.Typing
		case env.IsTyping != nil:
			f.Typing = *env.IsTyping
		}
		return f, nil

	case "chatrooms_list":
		rooms := env.Chatrooms
		if rooms == nil {
			rooms = env.Rooms
		}
		return Frame{Kind: KindRoomList, Rooms: rooms}, nil

	case "chatroom_update":
		room := env.Room
		if room == nil {
			room = env.Chatroom
		}
		return Frame{Kind: KindRoomUpdate, Room: room}, nil

	case "unread_count":
		f := Frame{Kind: KindUnread}
		if env.Count != nil {
			f.Unread = *env.Count
		}
		return f, nil
	}

	// No discriminator: a record carrying message fields is treated as a
	// plain message, anything else is ignored upstream.
	if looksLikeMessage(trimmed) {
		return Frame{Kind: KindMessage, Message: trimmed}, nil
	}
	return Frame{Kind: KindUnknown}, nil
}

func looksLikeMessage(raw []byte) bool {
	var probe struct {
		ID        json.RawMessage `json:"id"`
		MessageID json.RawMessage `json:"message_id"`
		Content   json.RawMessage `json:"content"`
		Text      json.RawMessage `json:"text"`
		Message   json.RawMessage `json:"message"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return false
	}
	hasID := probe.ID != nil || probe.MessageID != nil
	hasBody := probe.Content != nil || probe.Text != nil || probe.Message != nil
	return hasID && hasBody
}

// --- Outbound frames ---

// JoinFrame is sent immediately after a room socket opens. The replay hints
// let servers that only replay history on explicit join deliver it.
type JoinFrame struct {
	Type          string `json:"type"`
	Room          string `json:"room,omitempty"`
	LastSeen      string `json:"last_seen,omitempty"`
	LastMessageID int64  `json:"last_message_id,omitempty"`
}

// NewJoin builds a join frame for room key with optional replay hints.
func NewJoin(key string, lastSeen time.Time, lastMessageID int64) JoinFrame {
	f := JoinFrame{Type: "join", Room: key, LastMessageID: lastMessageID}
	if !lastSeen.IsZero() {
		f.LastSeen = lastSeen.UTC().Format(time.RFC3339)
	}
	return f
}

// SendFrame is an outbound chat message.
type SendFrame struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	TempID     string `json:"temp_id"`
	IsMedia    bool   `json:"is_media,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

// NewSend builds a chat_message frame carrying the correlation token.
func NewSend(content, tempID, attachment string) SendFrame {
	return SendFrame{
		Type:       "chat_message",
		Content:    content,
		TempID:     tempID,
		IsMedia:    attachment != "",
		Attachment: attachment,
	}
}

// TypingFrame is an outbound typing signal.
type TypingFrame struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

// MarkReadFrame tells the server the room has been read.
type MarkReadFrame struct {
	Type string `json:"type"`
}

// NewMarkRead builds a mark_read frame.
func NewMarkRead() MarkReadFrame { return MarkReadFrame{Type: "mark_read"} }

// HistoryRequestFrame explicitly asks for a history replay. Sent as a
// fallback when a server does not proactively replay on join.
type HistoryRequestFrame struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// RoomListRequestFrame asks the list feed for the full directory.
type RoomListRequestFrame struct {
	Type string `json:"type"`
}

// NewRoomListRequest builds a get_chatrooms frame.
func NewRoomListRequest() RoomListRequestFrame {
	return RoomListRequestFrame{Type: "get_chatrooms"}
}

// Marshal is a small helper for outbound frames; the frame types above
// cannot fail to encode.
func Marshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// senderID extracts a numeric sender id from any of the sender variants.
func senderID(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var nested struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.ID != nil {
		return coerceInt64(nested.ID)
	}
	return coerceInt64(raw)
}

// coerceInt64 converts a raw JSON value (number, numeric string, or quoted
// number) to int64. Returns 0 when the value is absent or non-numeric.
func coerceInt64(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}
