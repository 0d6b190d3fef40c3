package models

import (
	"slices"
	"time"
)

// MessageState tracks an optimistic message through its lifecycle.
type MessageState int

const (
	MessagePending MessageState = iota
	MessageConfirmed
	MessageFailed
)

func (s MessageState) String() string {
	switch s {
	case MessagePending:
		return "pending"
	case MessageConfirmed:
		return "confirmed"
	case MessageFailed:
		return "failed"
	}
	return "unknown"
}

type Message struct {
	ID             string
	Token          string
	ConversationID string
	SenderID       string
	Content        string
	Timestamp      time.Time
	Read           bool
	State          MessageState
	Error          string
}

// Local reports whether the message still carries a client-side temporary ID.
func (m Message) Local() bool {
	return m.State != MessageConfirmed
}

type Conversation struct {
	ID            string
	Participants  []string
	IsGroup       bool
	Name          string
	LastMessageID string
	LastMessageAt time.Time
	UnreadCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Pending       bool
	Token         string
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	return c
}

// ActionKind names an outbound command.
type ActionKind string

const (
	ActionAuth               ActionKind = "auth"
	ActionSendMessage        ActionKind = "send_message"
	ActionCreateConversation ActionKind = "create_conversation"
	ActionAddParticipant     ActionKind = "add_participant"
	ActionRemoveParticipant  ActionKind = "remove_participant"
	ActionJoin               ActionKind = "join"
	ActionLeave              ActionKind = "leave"
	ActionSearch             ActionKind = "search"
	ActionMarkRead           ActionKind = "mark_read"
)

// Action is a user intent on its way to the backend. Token is the
// submission token used to correlate the eventual ack or error.
type Action struct {
	Kind           ActionKind
	Token          string
	ConversationID string
	Content        string
	Participants   []string
	Name           string
	IsGroup        bool
	UserID         string
	Query          string
	MessageID      string
	AuthToken      string
}

// EventKind names an inbound event.
type EventKind string

const (
	EventAuthOK             EventKind = "auth_ok"
	EventAuthError          EventKind = "auth_error"
	EventAck                EventKind = "ack"
	EventError              EventKind = "error"
	EventNewMessage         EventKind = "new_message"
	EventConversation       EventKind = "conversation"
	EventParticipantAdded   EventKind = "participant_added"
	EventParticipantRemoved EventKind = "participant_removed"
	EventSearchResult       EventKind = "search_result"
	EventRead               EventKind = "read"
)

// Event is a decoded server frame. Which fields are set depends on Kind.
type Event struct {
	Kind           EventKind
	Token          string
	ConversationID string
	UserID         string
	MessageID      string
	Message        *Message
	Conversation   *Conversation
	Results        []Message
	Code           string
	Reason         string
	ServerTime     time.Time
}

// Error codes carried by EventError frames.
const (
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
)
