package wire

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// rawMessage probes every field variant servers are known to emit for a
// single logical message.
type rawMessage struct {
	ID        json.RawMessage `json:"id"`
	MessageID json.RawMessage `json:"message_id"`
	TempID    string          `json:"temp_id"`

	Content json.RawMessage `json:"content"`
	Text    json.RawMessage `json:"text"`
	Message json.RawMessage `json:"message"`

	Sender     json.RawMessage `json:"sender"`
	SenderID   json.RawMessage `json:"sender_id"`
	SenderName string          `json:"sender_name"`

	Room    json.RawMessage `json:"room"`
	RoomKey string          `json:"room_id"`

	CreatedAt  json.RawMessage `json:"created_at"`
	Timestamp  json.RawMessage `json:"timestamp"`
	IsMedia    bool            `json:"is_media"`
	Attachment json.RawMessage `json:"attachment"`
	IsRead     bool            `json:"is_read"`
}

type rawSender struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

// NormalizeMessage converts an inbound wire payload into a canonical
// Message. It tolerates sender as a nested object, a flat id+name pair, or
// a bare display string; id under id or message_id; content under content,
// text, or message; and timestamps under created_at or timestamp, defaulting
// to now when absent. Numeric id and sender id coercion is unconditional.
func NormalizeMessage(raw json.RawMessage, now time.Time) (Message, bool) {
	var r rawMessage
	if err := json.Unmarshal(raw, &r); err != nil {
		return Message{}, false
	}

	m := Message{TempID: r.TempID, Media: r.IsMedia, Read: r.IsRead}

	m.ID = coerceInt64(r.ID)
	if m.ID == 0 {
		m.ID = coerceInt64(r.MessageID)
	}

	m.Content = coerceString(r.Content)
	if m.Content == "" {
		m.Content = coerceString(r.Text)
	}
	if m.Content == "" {
		m.Content = coerceString(r.Message)
	}

	if r.Sender != nil {
		var nested rawSender
		if err := json.Unmarshal(r.Sender, &nested); err == nil && (nested.ID != nil || nested.Name != "") {
			m.SenderID = coerceInt64(nested.ID)
			m.SenderName = nested.Name
		} else {
			// Bare display string, or a raw numeric id.
			m.SenderID = coerceInt64(r.Sender)
			m.SenderName = coerceString(r.Sender)
		}
	}
	if m.SenderID == 0 {
		m.SenderID = coerceInt64(r.SenderID)
	}
	if m.SenderName == "" {
		m.SenderName = r.SenderName
	}

	m.RoomKey = r.RoomKey
	if m.RoomKey == "" {
		m.RoomKey = coerceString(r.Room)
	}

	m.CreatedAt = coerceTime(r.CreatedAt)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = coerceTime(r.Timestamp)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	if r.Attachment != nil && coerceString(r.Attachment) != "" {
		m.Media = true
	}

	if m.ID == 0 && m.Content == "" {
		return Message{}, false
	}
	return m, true
}

// rawRoom probes the room shapes produced by the list feed and by single
// chatroom_update frames.
type rawRoom struct {
	ID          json.RawMessage `json:"id"`
	Key         string          `json:"room_id"`
	Name        string          `json:"name"`
	Group       bool            `json:"is_group"`
	Members     []rawSender     `json:"members"`
	LastMessage json.RawMessage `json:"last_message"`
	Unread      json.RawMessage `json:"unread_count"`
}

// NormalizeRoom converts an inbound room payload into a canonical Room.
// Rooms without a string key fall back to their numeric id as the wire key,
// which some rooms legitimately use.
func NormalizeRoom(raw json.RawMessage) (Room, bool) {
	var r rawRoom
	if err := json.Unmarshal(raw, &r); err != nil {
		return Room{}, false
	}

	room := Room{
		ID:    coerceInt64(r.ID),
		Key:   r.Key,
		Name:  r.Name,
		Group: r.Group,
	}
	if room.Key == "" && room.ID != 0 {
		room.Key = formatInt(room.ID)
	}
	if room.Key == "" {
		return Room{}, false
	}

	for _, mem := range r.Members {
		room.Members = append(room.Members, RoomMember{
			ID:   coerceInt64(mem.ID),
			Name: mem.Name,
		})
	}

	// last_message arrives either as a bare preview string or as a full
	// message object.
	if r.LastMessage != nil {
		if s := coerceString(r.LastMessage); s != "" {
			room.LastMessage = s
		} else if msg, ok := NormalizeMessage(r.LastMessage, time.Time{}); ok {
			room.LastMessage = msg.Content
		}
	}

	room.Unread = int(coerceInt64(r.Unread))
	return room, true
}

// NewTempID generates a correlation token for an outbound message.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

func coerceString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// coerceTime accepts RFC 3339 strings and numeric epochs in seconds or
// milliseconds.
func coerceTime(raw json.RawMessage) time.Time {
	if raw == nil {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		// Millisecond epochs are unambiguously larger than any second epoch
		// this client will ever see.
		if n > 1e12 {
			return time.UnixMilli(int64(n))
		}
		return time.Unix(int64(n), 0)
	}
	return time.Time{}
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
