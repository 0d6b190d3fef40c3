// Package store holds the client-side conversation state. It is an
// in-memory state machine: the sync engine is its only writer, readers
// (presentation adapters) get copies.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/saravenpi/tutorchat/internal/models"
)

// ErrNotFound is wrapped by errors about unknown conversations or messages.
var ErrNotFound = errors.New("not found")

// Outcome reports what AppendMessage did.
type Outcome int

const (
	Appended Outcome = iota
	Replaced
	Duplicate
)

const (
	fieldName         = "name"
	fieldParticipants = "participants"
	fieldIsGroup      = "is_group"
)

type conversationRecord struct {
	conv       models.Conversation
	versions   map[string]time.Time
	messages   []models.Message
	seen       map[string]struct{}
	readCursor time.Time
	seq        int64
}

type Store struct {
	mu            sync.RWMutex
	selfID        string
	conversations map[string]*conversationRecord
	seq           int64
	now           func() time.Time
}

// New returns an empty store for the given viewer. Messages sent by
// selfID never count as unread.
func New(selfID string) *Store {
	return &Store{
		selfID:        selfID,
		conversations: make(map[string]*conversationRecord),
		now:           time.Now,
	}
}

func (s *Store) SelfID() string {
	return s.selfID
}

// ensure returns the record for id, materializing an empty one if needed.
func (s *Store) ensure(id string) *conversationRecord {
	rec, ok := s.conversations[id]
	if ok {
		return rec
	}
	s.seq++
	rec = &conversationRecord{
		conv: models.Conversation{
			ID:        id,
			CreatedAt: s.now(),
		},
		versions: make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		seq:      s.seq,
	}
	s.conversations[id] = rec
	return rec
}

// UpsertConversation inserts c or merges it into the existing record.
// Each mutable field is last-writer-wins on its server timestamp: a field
// last written at a later time than `at` is left alone.
func (s *Store) UpsertConversation(c models.Conversation, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(c, at)
}

func (s *Store) upsertLocked(c models.Conversation, at time.Time) *conversationRecord {
	_, existed := s.conversations[c.ID]
	rec := s.ensure(c.ID)

	if !existed {
		if !c.CreatedAt.IsZero() {
			rec.conv.CreatedAt = c.CreatedAt
		}
		rec.conv.Pending = c.Pending
		rec.conv.Token = c.Token
	}

	if s.newer(rec, fieldName, at) {
		rec.conv.Name = c.Name
	}
	if len(c.Participants) > 0 && s.newer(rec, fieldParticipants, at) {
		rec.conv.Participants = dedupe(c.Participants)
	}
	if s.newer(rec, fieldIsGroup, at) {
		rec.conv.IsGroup = c.IsGroup
	}
	if at.After(rec.conv.UpdatedAt) {
		rec.conv.UpdatedAt = at
	}
	return rec
}

// newer reports whether a write at `at` may replace field, and records it.
func (s *Store) newer(rec *conversationRecord, field string, at time.Time) bool {
	prev, ok := rec.versions[field]
	if ok && at.Before(prev) {
		return false
	}
	rec.versions[field] = at
	return true
}

// AppendMessage adds a confirmed message. It is idempotent by message ID
// and by submission token: a local message carrying the same token is
// replaced in place instead of appended. Unknown conversations are
// materialized.
//
// History is kept in receipt order. To keep it non-decreasing by
// timestamp, a message whose server timestamp is older than its
// predecessor takes the predecessor's timestamp.
func (s *Store) AppendMessage(conversationID string, m models.Message) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(conversationID)
	m.ConversationID = conversationID

	if m.ID != "" {
		if _, ok := rec.seen[m.ID]; ok {
			return Duplicate
		}
	}

	if m.Token != "" {
		if i := rec.indexOfToken(m.Token); i >= 0 {
			existing := rec.messages[i]
			if existing.State == models.MessageConfirmed {
				return Duplicate
			}
			m.State = models.MessageConfirmed
			m.Error = ""
			m.Timestamp = rec.clampAt(i, m.Timestamp)
			m.Read = existing.Read || m.SenderID == s.selfID
			rec.messages[i] = m
			if m.ID != "" {
				rec.seen[m.ID] = struct{}{}
			}
			s.afterChange(rec)
			return Replaced
		}
	}

	if m.State != models.MessagePending && m.State != models.MessageFailed {
		m.State = models.MessageConfirmed
	}
	if n := len(rec.messages); n > 0 && m.Timestamp.Before(rec.messages[n-1].Timestamp) {
		m.Timestamp = rec.messages[n-1].Timestamp
	}
	if m.SenderID == s.selfID || (!rec.readCursor.IsZero() && !m.Timestamp.After(rec.readCursor)) {
		m.Read = true
	}
	rec.messages = append(rec.messages, m)
	if m.ID != "" {
		rec.seen[m.ID] = struct{}{}
	}
	s.ensureMember(rec, m.SenderID)
	s.afterChange(rec)
	return Appended
}

// AddPending appends an optimistic local message in pending state. A
// message already carrying the same token is left untouched.
func (s *Store) AddPending(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(m.ConversationID)
	if m.Token != "" && rec.indexOfToken(m.Token) >= 0 {
		return false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if n := len(rec.messages); n > 0 && m.Timestamp.Before(rec.messages[n-1].Timestamp) {
		m.Timestamp = rec.messages[n-1].Timestamp
	}
	m.State = models.MessagePending
	m.Read = true
	rec.messages = append(rec.messages, m)
	s.afterChange(rec)
	return true
}

// MarkFailed moves the local message carrying token to failed.
func (s *Store) MarkFailed(token, reason string) bool {
	return s.setLocalState(token, models.MessageFailed, reason)
}

// SetPending moves a failed local message back to pending for a retry.
func (s *Store) SetPending(token string) bool {
	return s.setLocalState(token, models.MessagePending, "")
}

func (s *Store) setLocalState(token string, state models.MessageState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.conversations {
		if i := rec.indexOfToken(token); i >= 0 {
			if rec.messages[i].State == models.MessageConfirmed {
				return false
			}
			rec.messages[i].State = state
			rec.messages[i].Error = reason
			return true
		}
	}
	return false
}

// Discard removes a pending or failed local message. Confirmed messages
// are never removed.
func (s *Store) Discard(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.conversations {
		i := rec.indexOfToken(token)
		if i < 0 {
			continue
		}
		if rec.messages[i].State == models.MessageConfirmed {
			return false
		}
		rec.messages = slices.Delete(rec.messages, i, i+1)
		s.afterChange(rec)
		return true
	}
	return false
}

// LocalMessage returns the local (pending or failed) message for token.
func (s *Store) LocalMessage(token string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.conversations {
		if i := rec.indexOfToken(token); i >= 0 && rec.messages[i].State != models.MessageConfirmed {
			return rec.messages[i], true
		}
	}
	return models.Message{}, false
}

// AddParticipant adds userID to the conversation. A user already present,
// or a direct conversation, yields a ConflictError and no change.
func (s *Store) AddParticipant(conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if rec.conv.HasParticipant(userID) {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "already a participant"}
	}
	if !rec.conv.IsGroup && len(rec.conv.Participants) >= 2 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "direct conversations have exactly two participants"}
	}
	rec.conv.Participants = append(slices.Clone(rec.conv.Participants), userID)
	s.touch(rec, fieldParticipants, at)
	return nil
}

// RemoveParticipant removes userID. Removing an absent user or dropping
// below two participants yields a ConflictError and no change.
func (s *Store) RemoveParticipant(conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	i := slices.Index(rec.conv.Participants, userID)
	if i < 0 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "not a participant"}
	}
	if len(rec.conv.Participants) <= 2 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "a conversation needs at least two participants"}
	}
	rec.conv.Participants = slices.Delete(slices.Clone(rec.conv.Participants), i, i+1)
	s.touch(rec, fieldParticipants, at)
	return nil
}

// ApplyParticipantAdded records a participant_added event from the
// server. Unknown conversations are materialized, and the two-member limit
// of direct conversations only applies once the conversation's kind is
// known.
func (s *Store) ApplyParticipantAdded(conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(conversationID)
	if rec.conv.HasParticipant(userID) {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "already a participant"}
	}
	known := rec.kindKnown()
	if known && !rec.conv.IsGroup && len(rec.conv.Participants) >= 2 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "direct conversations have exactly two participants"}
	}
	rec.conv.Participants = append(slices.Clone(rec.conv.Participants), userID)
	if known {
		s.touch(rec, fieldParticipants, at)
	} else {
		rec.inferGroup()
	}
	return nil
}

// ApplyParticipantRemoved records a participant_removed event from the
// server, materializing unknown conversations like ApplyParticipantAdded.
func (s *Store) ApplyParticipantRemoved(conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensure(conversationID)
	i := slices.Index(rec.conv.Participants, userID)
	if i < 0 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "not a participant"}
	}
	known := rec.kindKnown()
	if known && len(rec.conv.Participants) <= 2 {
		return &models.ConflictError{ConversationID: conversationID, UserID: userID, Reason: "a conversation needs at least two participants"}
	}
	rec.conv.Participants = slices.Delete(slices.Clone(rec.conv.Participants), i, i+1)
	if known {
		s.touch(rec, fieldParticipants, at)
	}
	return nil
}

func (s *Store) touch(rec *conversationRecord, field string, at time.Time) {
	if at.IsZero() {
		return
	}
	if prev, ok := rec.versions[field]; !ok || at.After(prev) {
		rec.versions[field] = at
	}
}

// RekeyConversation moves a locally created conversation to the ID the
// server assigned. If the server ID is already known, local messages are
// merged into it. Readers see either the local record or the merged one.
func (s *Store) RekeyConversation(localID string, server models.Conversation, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.conversations[localID]
	if ok {
		delete(s.conversations, localID)
	}

	server.Pending = false
	server.Token = ""
	rec := s.upsertLocked(server, at)
	if !ok {
		return
	}

	rec.conv.Pending = false
	if rec.seq > local.seq {
		rec.seq = local.seq
	}
	for _, m := range local.messages {
		m.ConversationID = server.ID
		if m.ID != "" && m.State == models.MessageConfirmed {
			if _, dup := rec.seen[m.ID]; dup {
				continue
			}
			rec.seen[m.ID] = struct{}{}
		}
		if n := len(rec.messages); n > 0 && m.Timestamp.Before(rec.messages[n-1].Timestamp) {
			m.Timestamp = rec.messages[n-1].Timestamp
		}
		rec.messages = append(rec.messages, m)
	}
	s.afterChange(rec)
}

// Rollback removes a conversation that only ever existed locally.
func (s *Store) Rollback(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[localID]
	if !ok || !rec.conv.Pending {
		return false
	}
	delete(s.conversations, localID)
	return true
}

// MarkRead advances the conversation's read cursor to the target
// message's timestamp and marks everything at or before it as read. The
// cursor never moves backwards and UnreadCount never increases.
func (s *Store) MarkRead(conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	i := slices.IndexFunc(rec.messages, func(m models.Message) bool { return m.ID == messageID })
	if i < 0 {
		return fmt.Errorf("message %s in conversation %s: %w", messageID, conversationID, ErrNotFound)
	}
	if cursor := rec.messages[i].Timestamp; cursor.After(rec.readCursor) {
		rec.readCursor = cursor
	}
	for j := range rec.messages {
		if !rec.messages[j].Timestamp.After(rec.readCursor) {
			rec.messages[j].Read = true
		}
	}
	s.afterChange(rec)
	return nil
}

// ListConversations orders by last message timestamp, newest first.
// Conversations without messages follow, most recently created first.
func (s *Store) ListConversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*conversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b *conversationRecord) int {
		aHas, bHas := !a.conv.LastMessageAt.IsZero(), !b.conv.LastMessageAt.IsZero()
		switch {
		case aHas && bHas:
			if c := b.conv.LastMessageAt.Compare(a.conv.LastMessageAt); c != 0 {
				return c
			}
		case aHas:
			return -1
		case bHas:
			return 1
		default:
			if c := b.conv.CreatedAt.Compare(a.conv.CreatedAt); c != 0 {
				return c
			}
		}
		return cmp.Compare(b.seq, a.seq)
	})

	out := make([]models.Conversation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.conv.Clone())
	}
	return out
}

func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return rec.conv.Clone(), true
}

// Messages yields the conversation's history, oldest first. Each range
// over the returned sequence reads a fresh snapshot, so it can be
// restarted and never observes a half-applied mutation.
func (s *Store) Messages(conversationID string) iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		s.mu.RLock()
		rec, ok := s.conversations[conversationID]
		var snapshot []models.Message
		if ok {
			snapshot = slices.Clone(rec.messages)
		}
		s.mu.RUnlock()

		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// ensureMember records a sender seen on an implicitly materialized conversation.
func (s *Store) ensureMember(rec *conversationRecord, userID string) {
	if userID == "" || rec.conv.HasParticipant(userID) {
		return
	}
	if _, known := rec.versions[fieldParticipants]; known {
		return
	}
	rec.conv.Participants = append(rec.conv.Participants, userID)
	if s.selfID != "" && !rec.conv.HasParticipant(s.selfID) {
		rec.conv.Participants = append(rec.conv.Participants, s.selfID)
	}
	rec.inferGroup()
}

// kindKnown reports whether conversation metadata has been received, as
// opposed to the record being pieced together from individual events.
func (rec *conversationRecord) kindKnown() bool {
	_, ok := rec.versions[fieldIsGroup]
	return ok
}

// inferGroup marks a conversation of unknown kind with more than two
// members as a group.
func (rec *conversationRecord) inferGroup() {
	if !rec.kindKnown() && len(rec.conv.Participants) > 2 {
		rec.conv.IsGroup = true
	}
}

// afterChange refreshes the derived fields of a conversation.
func (s *Store) afterChange(rec *conversationRecord) {
	rec.conv.UnreadCount = 0
	for _, m := range rec.messages {
		if !m.Read && m.SenderID != s.selfID {
			rec.conv.UnreadCount++
		}
	}
	if n := len(rec.messages); n > 0 {
		last := rec.messages[n-1]
		rec.conv.LastMessageID = last.ID
		rec.conv.LastMessageAt = last.Timestamp
	} else {
		rec.conv.LastMessageID = ""
		rec.conv.LastMessageAt = time.Time{}
	}
}

func (rec *conversationRecord) indexOfToken(token string) int {
	for i := len(rec.messages) - 1; i >= 0; i-- {
		if rec.messages[i].Token == token {
			return i
		}
	}
	return -1
}

// clampAt bounds ts between the neighbours of position i.
func (rec *conversationRecord) clampAt(i int, ts time.Time) time.Time {
	if i > 0 && ts.Before(rec.messages[i-1].Timestamp) {
		ts = rec.messages[i-1].Timestamp
	}
	if i+1 < len(rec.messages) && ts.After(rec.messages[i+1].Timestamp) {
		ts = rec.messages[i+1].Timestamp
	}
	return ts
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
