// Package adapters turns engine state into view models for the UI and
// turns UI intents into engine calls.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/saravenpi/tutorchat/internal/engine"
	"github.com/saravenpi/tutorchat/internal/models"
)

// Source is the read side of the engine.
type Source interface {
	SelfID() string
	Conversations() []models.Conversation
	Conversation(id string) (models.Conversation, bool)
	Messages(id string) iter.Seq[models.Message]
	Status() engine.Status
	Subscribe() (<-chan struct{}, func())
}

// Namer resolves user ids to display names.
type Namer interface {
	DisplayName(userID string) string
}

type idNamer struct{}

func (idNamer) DisplayName(userID string) string { return userID }

type ConversationRow struct {
	ID            string
	Title         string
	Preview       string
	LastMessageAt time.Time
	Unread        int
	IsGroup       bool
	Pending       bool
}

type ConversationList struct {
	src   Source
	names Namer
}

func NewConversationList(src Source, names Namer) *ConversationList {
	if names == nil {
		names = idNamer{}
	}
	return &ConversationList{src: src, names: names}
}

// Rows is a snapshot of the list, newest activity first.
func (l *ConversationList) Rows() []ConversationRow {
	convs := l.src.Conversations()
	rows := make([]ConversationRow, 0, len(convs))
	for _, c := range convs {
		row := ConversationRow{
			ID:            c.ID,
			Title:         Title(c, l.src.SelfID(), l.names),
			LastMessageAt: c.LastMessageAt,
			Unread:        c.UnreadCount,
			IsGroup:       c.IsGroup,
			Pending:       c.Pending,
		}
		var last models.Message
		for m := range l.src.Messages(c.ID) {
			last = m
		}
		row.Preview = last.Content
		rows = append(rows, row)
	}
	return rows
}

func (l *ConversationList) Subscribe() (<-chan struct{}, func()) {
	return l.src.Subscribe()
}

// DirectWith returns the one-to-one conversation with userID, if any.
func (l *ConversationList) DirectWith(userID string) (string, bool) {
	self := l.src.SelfID()
	for _, c := range l.src.Conversations() {
		if c.IsGroup || len(c.Participants) != 2 {
			continue
		}
		if slices.Contains(c.Participants, self) && slices.Contains(c.Participants, userID) {
			return c.ID, true
		}
	}
	return "", false
}

// Title names a conversation: its own name if set, otherwise the other
// participants' names.
func Title(c models.Conversation, selfID string, names Namer) string {
	if c.Name != "" {
		return c.Name
	}
	var others []string
	for _, p := range c.Participants {
		if p != selfID {
			others = append(others, names.DisplayName(p))
		}
	}
	if len(others) == 0 {
		return "(just you)"
	}
	return strings.Join(others, ", ")
}

type Bubble struct {
	ID      string
	Token   string
	Sender  string
	Mine    bool
	Content string
	Time    time.Time
	State   models.MessageState
	Error   string
}

// Retryable reports whether the bubble offers retry and discard.
func (b Bubble) Retryable() bool {
	return b.State == models.MessageFailed && b.Token != ""
}

type MessageFeed struct {
	src   Source
	names Namer
}

func NewMessageFeed(src Source, names Namer) *MessageFeed {
	if names == nil {
		names = idNamer{}
	}
	return &MessageFeed{src: src, names: names}
}

// Bubbles is the conversation history, oldest first.
func (f *MessageFeed) Bubbles(conversationID string) []Bubble {
	self := f.src.SelfID()
	var out []Bubble
	for m := range f.src.Messages(conversationID) {
		out = append(out, Bubble{
			ID:      m.ID,
			Token:   m.Token,
			Sender:  f.names.DisplayName(m.SenderID),
			Mine:    m.SenderID == self,
			Content: m.Content,
			Time:    m.Timestamp,
			State:   m.State,
			Error:   m.Error,
		})
	}
	return out
}

// LastConfirmedID is the newest message the server knows about, or "".
func (f *MessageFeed) LastConfirmedID(conversationID string) string {
	id := ""
	for m := range f.src.Messages(conversationID) {
		if m.State == models.MessageConfirmed {
			id = m.ID
		}
	}
	return id
}

func (f *MessageFeed) Title(conversationID string) string {
	c, ok := f.src.Conversation(conversationID)
	if !ok {
		return conversationID
	}
	return Title(c, f.src.SelfID(), f.names)
}

func (f *MessageFeed) Subscribe() (<-chan struct{}, func()) {
	return f.src.Subscribe()
}

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

// Banner is the connection line shown above every screen.
type Banner struct {
	Text    string
	Level   Level
	Pending int
	Failure string
}

func StatusBanner(src Source) Banner {
	st := src.Status()
	b := Banner{Pending: st.Pending}

	switch st.State {
	case engine.Syncing:
		b.Text = "Connected"
	case engine.Degraded:
		b.Text = fmt.Sprintf("Catching up (%d pending)", st.Pending)
		b.Level = LevelWarn
	case engine.Offline:
		b.Text = "Offline, reconnecting"
		if st.Pending > 0 {
			b.Text = fmt.Sprintf("Offline, reconnecting (%d queued)", st.Pending)
		}
		b.Level = LevelWarn
	default:
		b.Text = "Not connected"
		b.Level = LevelError
	}

	if f := st.LastFailure; f != nil {
		b.Failure = describe(f.Err)
		if errors.Is(f.Err, models.ErrAuth) {
			b.Level = LevelError
		}
	}
	return b
}

// describe renders an engine error for people.
func describe(err error) string {
	var remote *models.RemoteError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrAuth):
		return "Please sign in again"
	case errors.Is(err, models.ErrActionTimeout):
		return "No reply from server, tap retry"
	case errors.Is(err, models.ErrNetwork):
		return "Network unavailable"
	case errors.As(err, &remote):
		return remote.Reason
	}
	return err.Error()
}

// Actions is the write side of the engine.
type Actions interface {
	SendMessage(conversationID, text string) (string, error)
	CreateConversation(participants []string, name string, isGroup bool) (string, error)
	AddParticipant(conversationID, userID string) (string, error)
	RemoveParticipant(conversationID, userID string) (string, error)
	MarkRead(conversationID, messageID string) error
	Retry(token string) error
	Cancel(token string) error
	Search(ctx context.Context, query string) ([]models.Message, error)
}

// Dispatcher forwards UI intents to the engine.
type Dispatcher struct {
	actions Actions
	feed    *MessageFeed
}

func NewDispatcher(actions Actions, feed *MessageFeed) *Dispatcher {
	return &Dispatcher{actions: actions, feed: feed}
}

func (d *Dispatcher) Send(conversationID, text string) error {
	_, err := d.actions.SendMessage(conversationID, strings.TrimSpace(text))
	return err
}

// Start opens a conversation with the given people. More than one other
// participant makes it a group.
func (d *Dispatcher) Start(participants []string, name string) (string, error) {
	return d.actions.CreateConversation(participants, strings.TrimSpace(name), len(participants) > 1)
}

func (d *Dispatcher) Invite(conversationID, userID string) error {
	_, err := d.actions.AddParticipant(conversationID, strings.TrimSpace(userID))
	return err
}

func (d *Dispatcher) Remove(conversationID, userID string) error {
	_, err := d.actions.RemoveParticipant(conversationID, strings.TrimSpace(userID))
	return err
}

// Read marks everything in the conversation as read.
func (d *Dispatcher) Read(conversationID string) error {
	id := d.feed.LastConfirmedID(conversationID)
	if id == "" {
		return nil
	}
	return d.actions.MarkRead(conversationID, id)
}

func (d *Dispatcher) Retry(token string) error {
	return d.actions.Retry(token)
}

func (d *Dispatcher) Discard(token string) error {
	return d.actions.Cancel(token)
}

type SearchHit struct {
	ConversationID string
	Title          string
	Sender         string
	Content        string
	Time           time.Time
}

func (d *Dispatcher) Search(ctx context.Context, query string) ([]SearchHit, error) {
	msgs, err := d.actions.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(msgs))
	for _, m := range msgs {
		hits = append(hits, SearchHit{
			ConversationID: m.ConversationID,
			Title:          d.feed.Title(m.ConversationID),
			Sender:         d.feed.names.DisplayName(m.SenderID),
			Content:        m.Content,
			Time:           m.Timestamp,
		})
	}
	return hits, nil
}
