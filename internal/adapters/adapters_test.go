package adapters

import (
	"context"
	"errors"
	"iter"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saravenpi/tutorchat/internal/engine"
	"github.com/saravenpi/tutorchat/internal/models"
)

type fakeSource struct {
	convs    []models.Conversation
	messages map[string][]models.Message
	status   engine.Status
}

func (s *fakeSource) SelfID() string { return "student-1" }

func (s *fakeSource) Conversations() []models.Conversation { return s.convs }

func (s *fakeSource) Conversation(id string) (models.Conversation, bool) {
	i := slices.IndexFunc(s.convs, func(c models.Conversation) bool { return c.ID == id })
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.convs[i], true
}

func (s *fakeSource) Messages(id string) iter.Seq[models.Message] {
	return slices.Values(s.messages[id])
}

func (s *fakeSource) Status() engine.Status { return s.status }

func (s *fakeSource) Subscribe() (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}

type names map[string]string

func (n names) DisplayName(id string) string {
	if name, ok := n[id]; ok {
		return name
	}
	return id
}

var at = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSource() *fakeSource {
	return &fakeSource{
		convs: []models.Conversation{
			{ID: "c1", Participants: []string{"student-1", "tutor-1"}, UnreadCount: 1, LastMessageAt: at.Add(time.Minute)},
			{ID: "g1", Participants: []string{"student-1", "tutor-1", "student-2"}, IsGroup: true},
			{ID: "g2", Participants: []string{"student-1", "tutor-1", "student-2"}, IsGroup: true, Name: "Exam prep"},
		},
		messages: map[string][]models.Message{
			"c1": {
				{ID: "m1", ConversationID: "c1", SenderID: "tutor-1", Content: "Hi!", Timestamp: at, State: models.MessageConfirmed},
				{ID: "local-1", Token: "T1", ConversationID: "c1", SenderID: "student-1", Content: "Hello", Timestamp: at.Add(time.Minute), State: models.MessageFailed, Error: "timed out"},
			},
		},
	}
}

func TestConversationList_Rows(t *testing.T) {
	l := NewConversationList(newSource(), names{"tutor-1": "Ada", "student-2": "Bob"})
	rows := l.Rows()
	require.Len(t, rows, 3)

	assert.Equal(t, "Ada", rows[0].Title)
	assert.Equal(t, "Hello", rows[0].Preview)
	assert.Equal(t, 1, rows[0].Unread)

	assert.Equal(t, "Ada, Bob", rows[1].Title, "unnamed groups list participants")
	assert.Empty(t, rows[1].Preview)
	assert.Equal(t, "Exam prep", rows[2].Title)
}

func TestConversationList_FallsBackToIDs(t *testing.T) {
	l := NewConversationList(newSource(), nil)
	assert.Equal(t, "tutor-1", l.Rows()[0].Title)
}

func TestConversationList_DirectWith(t *testing.T) {
	list := NewConversationList(newSource(), nil)

	id, ok := list.DirectWith("tutor-1")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	_, ok = list.DirectWith("student-2")
	assert.False(t, ok, "group membership is not a direct conversation")
}

func TestMessageFeed(t *testing.T) {
	f := NewMessageFeed(newSource(), names{"tutor-1": "Ada"})

	bubbles := f.Bubbles("c1")
	require.Len(t, bubbles, 2)
	assert.Equal(t, "Ada", bubbles[0].Sender)
	assert.False(t, bubbles[0].Mine)
	assert.False(t, bubbles[0].Retryable())
	assert.True(t, bubbles[1].Mine)
	assert.True(t, bubbles[1].Retryable())
	assert.Equal(t, "timed out", bubbles[1].Error)

	assert.Equal(t, "m1", f.LastConfirmedID("c1"))
	assert.Empty(t, f.LastConfirmedID("g1"))
	assert.Equal(t, "Ada", f.Title("c1"))
	assert.Equal(t, "nope", f.Title("nope"))
}

func TestStatusBanner(t *testing.T) {
	tests := []struct {
		name    string
		status  engine.Status
		text    string
		level   Level
		failure string
	}{
		{"connected", engine.Status{State: engine.Syncing}, "Connected", LevelOK, ""},
		{"degraded", engine.Status{State: engine.Degraded, Pending: 3}, "Catching up (3 pending)", LevelWarn, ""},
		{"offline", engine.Status{State: engine.Offline}, "Offline, reconnecting", LevelWarn, ""},
		{"offline with queue", engine.Status{State: engine.Offline, Pending: 2}, "Offline, reconnecting (2 queued)", LevelWarn, ""},
		{"idle", engine.Status{State: engine.Idle}, "Not connected", LevelError, ""},
		{
			"auth failure",
			engine.Status{State: engine.Offline, LastFailure: &engine.Failure{Err: &models.AuthError{Reason: "expired"}}},
			"Offline, reconnecting", LevelError, "Please sign in again",
		},
		{
			"timeout",
			engine.Status{State: engine.Syncing, LastFailure: &engine.Failure{Err: &models.ActionTimeoutError{Token: "T1"}}},
			"Connected", LevelOK, "No reply from server, tap retry",
		},
		{
			"remote",
			engine.Status{State: engine.Syncing, LastFailure: &engine.Failure{Err: &models.RemoteError{Code: models.CodeForbidden, Reason: "not a participant"}}},
			"Connected", LevelOK, "not a participant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource()
			src.status = tt.status
			b := StatusBanner(src)
			assert.Equal(t, tt.text, b.Text)
			assert.Equal(t, tt.level, b.Level)
			assert.Equal(t, tt.failure, b.Failure)
		})
	}
}

type call struct {
	op   string
	args []any
}

type fakeActions struct {
	calls []call
	err   error
}

func (a *fakeActions) record(op string, args ...any) {
	a.calls = append(a.calls, call{op: op, args: args})
}

func (a *fakeActions) SendMessage(conversationID, text string) (string, error) {
	a.record("send", conversationID, text)
	return "T1", a.err
}

func (a *fakeActions) CreateConversation(participants []string, name string, isGroup bool) (string, error) {
	a.record("create", participants, name, isGroup)
	return "local-1", a.err
}

func (a *fakeActions) AddParticipant(conversationID, userID string) (string, error) {
	a.record("add", conversationID, userID)
	return "", a.err
}

func (a *fakeActions) RemoveParticipant(conversationID, userID string) (string, error) {
	a.record("remove", conversationID, userID)
	return "", a.err
}

func (a *fakeActions) MarkRead(conversationID, messageID string) error {
	a.record("read", conversationID, messageID)
	return a.err
}

func (a *fakeActions) Retry(token string) error {
	a.record("retry", token)
	return a.err
}

func (a *fakeActions) Cancel(token string) error {
	a.record("cancel", token)
	return a.err
}

func (a *fakeActions) Search(_ context.Context, query string) ([]models.Message, error) {
	a.record("search", query)
	return []models.Message{{ID: "m1", ConversationID: "c1", SenderID: "tutor-1", Content: "Hi!", Timestamp: at}}, a.err
}

func TestDispatcher(t *testing.T) {
	actions := &fakeActions{}
	feed := NewMessageFeed(newSource(), names{"tutor-1": "Ada"})
	d := NewDispatcher(actions, feed)

	require.NoError(t, d.Send("c1", "  Hello  "))
	_, err := d.Start([]string{"tutor-1"}, "")
	require.NoError(t, err)
	_, err = d.Start([]string{"tutor-1", "student-2"}, " Exam prep ")
	require.NoError(t, err)
	require.NoError(t, d.Invite("g1", "student-3"))
	require.NoError(t, d.Remove("g1", "student-2"))
	require.NoError(t, d.Read("c1"))
	require.NoError(t, d.Read("g1"))
	require.NoError(t, d.Retry("T1"))
	require.NoError(t, d.Discard("T1"))

	assert.Equal(t, []call{
		{"send", []any{"c1", "Hello"}},
		{"create", []any{[]string{"tutor-1"}, "", false}},
		{"create", []any{[]string{"tutor-1", "student-2"}, "Exam prep", true}},
		{"add", []any{"g1", "student-3"}},
		{"remove", []any{"g1", "student-2"}},
		{"read", []any{"c1", "m1"}},
		{"retry", []any{"T1"}},
		{"cancel", []any{"T1"}},
	}, actions.calls)

	hits, err := d.Search(context.Background(), "hi")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Ada", hits[0].Title)
	assert.Equal(t, "Ada", hits[0].Sender)
}

func TestDispatcher_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(&fakeActions{err: boom}, NewMessageFeed(newSource(), nil))

	assert.ErrorIs(t, d.Send("c1", "Hello"), boom)
	_, err := d.Search(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)
}
