package chatsync

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielagblo/chatsync/wire"
)

// Message, Room and RoomMember are the canonical shapes shared with the
// wire package.
type (
	Message    = wire.Message
	Room       = wire.Room
	RoomMember = wire.RoomMember
)

// PendingSend records an optimistic message awaiting its server echo. It
// speeds reconciliation and lets callers implement their own stale-send
// policy; it is never a correctness requirement on its own.
type PendingSend struct {
	TempID    string
	RoomKey   string
	Content   string
	CreatedAt time.Time
}

// Store holds all synchronized chat state: per-room message sequences, the
// room directory, typing sets, pending sends and the unread counter.
//
// A room may be addressed by either its numeric surrogate id or its
// canonical string key, so every mutation that knows both forms is mirrored
// under both keys via the alias index. The mirrored sequences are a
// deliberate redundancy, not a second source of truth.
type Store struct {
	mu sync.Mutex

	echoWindow       time.Duration
	optimisticWindow time.Duration

	seqs    map[string][]Message
	rooms   map[string]Room          // by canonical key
	aliases map[string]string        // id form <-> key form, both directions
	typing  map[string]map[int64]struct{}
	pending map[string]PendingSend // by temp id

	unread     int
	lastUpdate time.Time
}

// NewStore creates an empty store with the given fuzzy-match windows.
func NewStore(echoWindow, optimisticWindow time.Duration) *Store {
	return &Store{
		echoWindow:       echoWindow,
		optimisticWindow: optimisticWindow,
		seqs:             make(map[string][]Message),
		rooms:            make(map[string]Room),
		aliases:          make(map[string]string),
		typing:           make(map[string]map[int64]struct{}),
		pending:          make(map[string]PendingSend),
	}
}

// --- Directory ---

// UpsertRoom creates or updates a directory entry and refreshes the alias
// index. Rooms are never deleted here; removal is server-driven.
func (s *Store) UpsertRoom(room Room) {
	if room.Key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.Key] = room
	if room.ID != 0 {
		idKey := strconv.FormatInt(room.ID, 10)
		if idKey != room.Key && s.aliases[idKey] != room.Key {
			s.aliases[idKey] = room.Key
			s.aliases[room.Key] = idKey
			s.mergeAliasLocked(idKey, room.Key)
		}
	}
	s.bumpLocked()
}

// mergeAliasLocked runs when an id/key pair is first learned. State may
// already have accumulated under one form while the room was addressed in
// degraded mode, so the richer copy is adopted under both keys before
// mirrored writes resume.
func (s *Store) mergeAliasLocked(a, b string) {
	seqA, seqB := s.seqs[a], s.seqs[b]
	if len(seqA) > 0 || len(seqB) > 0 {
		longer := seqA
		if len(seqB) > len(seqA) {
			longer = seqB
		}
		dup := make([]Message, len(longer))
		copy(dup, longer)
		s.seqs[a] = longer
		s.seqs[b] = dup
	}

	if len(s.typing[a]) > 0 || len(s.typing[b]) > 0 {
		merged := make(map[int64]struct{})
		for id := range s.typing[a] {
			merged[id] = struct{}{}
		}
		for id := range s.typing[b] {
			merged[id] = struct{}{}
		}
		dup := make(map[int64]struct{}, len(merged))
		for id := range merged {
			dup[id] = struct{}{}
		}
		s.typing[a] = merged
		s.typing[b] = dup
	}
}

// UpsertRooms applies a full list-feed snapshot entry by entry.
func (s *Store) UpsertRooms(rooms []Room) {
	for _, r := range rooms {
		s.UpsertRoom(r)
	}
}

// Room returns the directory entry for an identifier in either form.
func (s *Store) Room(key string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical, ok := s.canonicalLocked(key)
	if !ok {
		return Room{}, false
	}
	r, ok := s.rooms[canonical]
	return r, ok
}

// Rooms returns a snapshot of the directory sorted by room name.
func (s *Store) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CanonicalKey maps an identifier in either form to the canonical wire key.
func (s *Store) CanonicalKey(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canonicalLocked(key)
}

func (s *Store) canonicalLocked(key string) (string, bool) {
	if _, ok := s.rooms[key]; ok {
		return key, true
	}
	if alt, ok := s.aliases[key]; ok {
		if _, ok := s.rooms[alt]; ok {
			return alt, true
		}
	}
	return "", false
}

// keysForLocked returns the key plus its alias when one is known, so
// mutations can be mirrored under both addressing forms.
func (s *Store) keysForLocked(key string) []string {
	keys := []string{key}
	if alt, ok := s.aliases[key]; ok && alt != key {
		keys = append(keys, alt)
	}
	return keys
}

// --- Reconciliation ---

// ApplyMessage folds one inbound confirmed message into the room's
// sequence. Matching rules are tried in strict priority order so each
// logical message yields exactly one entry:
//
//  1. exact correlation-token match
//  2. same sender + identical content within the echo window
//  3. same positive numeric id
//  4. optimistic entry whose content the inbound contains, within the
//     wider optimistic window
//  5. genuinely new: append
func (s *Store) ApplyMessage(key string, in Message) {
	in.Optimistic = false
	s.mu.Lock()
	defer s.mu.Unlock()

	var retired string
	for i, k := range s.keysForLocked(key) {
		seq, replacedTemp := reconcile(s.seqs[k], in, s.echoWindow, s.optimisticWindow)
		s.seqs[k] = seq
		if i == 0 {
			retired = replacedTemp
		}
	}
	if retired != "" {
		delete(s.pending, retired)
	} else if in.TempID != "" {
		delete(s.pending, in.TempID)
	}

	// A confirmed message from a participant supersedes their typing flag.
	if in.SenderID != 0 {
		for _, k := range s.keysForLocked(key) {
			if set, ok := s.typing[k]; ok {
				delete(set, in.SenderID)
			}
		}
	}
	s.bumpLocked()
}

// reconcile applies the priority-ordered matching rules to one sequence and
// reports the correlation token of the entry it replaced, if any.
func reconcile(seq []Message, in Message, echoWin, optWin time.Duration) ([]Message, string) {
	// Rule 1: correlation-token exact match.
	if in.TempID != "" {
		for i, m := range seq {
			if m.TempID == in.TempID {
				seq[i] = confirm(m, in)
				return seq, m.TempID
			}
		}
	}

	// Rule 2: fuzzy identity. Same sender, identical content, close timestamps.
	// Catches optimistic messages the server echoes without the token.
	if in.SenderID != 0 && in.Content != "" {
		for i, m := range seq {
			if m.SenderID == in.SenderID && m.Content == in.Content &&
				within(m.CreatedAt, in.CreatedAt, echoWin) {
				seq[i] = confirm(m, in)
				return seq, m.TempID
			}
		}
	}

	// Rule 3: numeric-id dedup for re-delivered confirmed messages.
	if in.ID > 0 {
		for i, m := range seq {
			if m.ID == in.ID {
				seq[i] = confirm(m, in)
				return seq, m.TempID
			}
		}
	}

	// Rule 4: optimistic entry whose content the inbound contains. Servers
	// sometimes normalize whitespace or wrap the echoed content.
	if in.Content != "" {
		for i, m := range seq {
			if m.Optimistic &&
				(m.Content == in.Content || strings.Contains(in.Content, m.Content)) &&
				within(m.CreatedAt, in.CreatedAt, optWin) {
				seq[i] = confirm(m, in)
				return seq, m.TempID
			}
		}
	}

	// Rule 5: genuinely new.
	return append(seq, in), ""
}

// confirm replaces an entry in place with its authoritative version,
// carrying the correlation token forward when the server dropped it.
func confirm(old, in Message) Message {
	if in.TempID == "" {
		in.TempID = old.TempID
	}
	in.Optimistic = false
	return in
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// ApplyHistory replaces the room's entire sequence with an authoritative
// snapshot. Replace semantics make immediate re-delivery idempotent.
func (s *Store) ApplyHistory(key string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keysForLocked(key) {
		seq := make([]Message, len(msgs))
		copy(seq, msgs)
		s.seqs[k] = seq
	}
	s.bumpLocked()
}

// AddOptimistic appends a locally-originated message flagged optimistic and
// registers its pending-correlation record. Entries that already match by
// id, token, or the fuzzy identity rule are refreshed instead of duplicated.
func (s *Store) AddOptimistic(key string, m Message) {
	m.Optimistic = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	appended := false
	for _, k := range s.keysForLocked(key) {
		if i := indexOfDuplicate(s.seqs[k], m, s.echoWindow); i >= 0 {
			continue
		}
		s.seqs[k] = append(s.seqs[k], m)
		appended = true
	}
	if appended && m.TempID != "" {
		s.pending[m.TempID] = PendingSend{
			TempID:    m.TempID,
			RoomKey:   key,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	s.bumpLocked()
}

func indexOfDuplicate(seq []Message, m Message, window time.Duration) int {
	for i, e := range seq {
		if m.ID > 0 && e.ID == m.ID {
			return i
		}
		if m.TempID != "" && e.TempID == m.TempID {
			return i
		}
		if m.SenderID != 0 && e.SenderID == m.SenderID && e.Content == m.Content &&
			within(e.CreatedAt, m.CreatedAt, window) {
			return i
		}
	}
	return -1
}

// Messages returns a snapshot of the room's ordered sequence.
func (s *Store) Messages(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seqs[key]
	if seq == nil {
		if canonical, ok := s.canonicalLocked(key); ok {
			seq = s.seqs[canonical]
		}
	}
	out := make([]Message, len(seq))
	copy(out, seq)
	return out
}

// MarkRead flags the room's messages as read and clears its unread count.
func (s *Store) MarkRead(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keysForLocked(key) {
		for i := range s.seqs[k] {
			s.seqs[k][i].Read = true
		}
		if r, ok := s.rooms[k]; ok {
			r.Unread = 0
			s.rooms[k] = r
		}
	}
	s.bumpLocked()
}

// PendingSends returns the pending-correlation records for a room, oldest
// first.
func (s *Store) PendingSends(key string) []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical, ok := s.canonicalLocked(key)
	if !ok {
		canonical = key
	}
	var out []PendingSend
	for _, p := range s.pending {
		pk := p.RoomKey
		if c, ok := s.canonicalLocked(pk); ok {
			pk = c
		}
		if pk == canonical {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DropPending removes a room's pending-correlation records. Called when the
// room disconnects.
func (s *Store) DropPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.keysForLocked(key)
	for token, p := range s.pending {
		for _, k := range keys {
			if p.RoomKey == k {
				delete(s.pending, token)
				break
			}
		}
	}
}

// --- Typing presence ---

// SetTyping adds or removes a participant from the room's typing set.
func (s *Store) SetTyping(key string, userID int64, typing bool) {
	if userID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keysForLocked(key) {
		set := s.typing[k]
		if typing {
			if set == nil {
				set = make(map[int64]struct{})
				s.typing[k] = set
			}
			set[userID] = struct{}{}
		} else if set != nil {
			delete(set, userID)
		}
	}
	s.bumpLocked()
}

// ClearTyping empties the room's typing set unconditionally. There is no
// guarantee a stopped-typing frame was ever received before a disconnect.
func (s *Store) ClearTyping(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keysForLocked(key) {
		delete(s.typing, k)
	}
	s.bumpLocked()
}

// TypingUsers returns the ids currently flagged as typing in a room.
func (s *Store) TypingUsers(key string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[key]
	if set == nil {
		if canonical, ok := s.canonicalLocked(key); ok {
			set = s.typing[canonical]
		}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- Counters ---

// SetUnread records the latest value from the unread feed.
func (s *Store) SetUnread(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = n
	s.bumpLocked()
}

// Unread returns the last unread-feed value.
func (s *Store) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// LastUpdate returns a monotonically increasing timestamp bumped on every
// mutation. Callers may poll it to detect changes cheaply.
func (s *Store) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func (s *Store) bumpLocked() {
	now := time.Now()
	if !now.After(s.lastUpdate) {
		now = s.lastUpdate.Add(time.Nanosecond)
	}
	s.lastUpdate = now
}

// LastSeen reports replay hints for a room: the newest confirmed message id
// and its timestamp. Used when (re)joining so the server replays what was
// missed.
func (s *Store) LastSeen(key string) (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seqs[key]
	if seq == nil {
		if canonical, ok := s.canonicalLocked(key); ok {
			seq = s.seqs[canonical]
		}
	}
	var ts time.Time
	var id int64
	for _, m := range seq {
		if m.Optimistic {
			continue
		}
		if m.ID > id {
			id = m.ID
		}
		if m.CreatedAt.After(ts) {
			ts = m.CreatedAt
		}
	}
	return ts, id
}
