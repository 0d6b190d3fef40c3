package ui

import (
	"context"
	"iter"
	"slices"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saravenpi/tutorchat/internal/contacts"
	"github.com/saravenpi/tutorchat/internal/engine"
	"github.com/saravenpi/tutorchat/internal/models"
)

// fakeEngine is an in-memory stand-in for both sides of the engine.
type fakeEngine struct {
	convs    []models.Conversation
	messages map[string][]models.Message
	status   engine.Status
	changes  chan struct{}
	sent     []string
	read     []string
}

func newFakeEngine() *fakeEngine {
	at := time.Now().Add(-time.Hour)
	return &fakeEngine{
		convs: []models.Conversation{
			{ID: "c1", Participants: []string{"student-1", "tutor-1"}, LastMessageAt: at, UnreadCount: 1},
		},
		messages: map[string][]models.Message{
			"c1": {{ID: "m1", ConversationID: "c1", SenderID: "tutor-1", Content: "See you Thursday", Timestamp: at, State: models.MessageConfirmed}},
		},
		status:  engine.Status{State: engine.Syncing},
		changes: make(chan struct{}, 1),
	}
}

func (f *fakeEngine) SelfID() string                       { return "student-1" }
func (f *fakeEngine) Conversations() []models.Conversation { return f.convs }
func (f *fakeEngine) Status() engine.Status                { return f.status }
func (f *fakeEngine) Subscribe() (<-chan struct{}, func()) { return f.changes, func() {} }

func (f *fakeEngine) Conversation(id string) (models.Conversation, bool) {
	i := slices.IndexFunc(f.convs, func(c models.Conversation) bool { return c.ID == id })
	if i < 0 {
		return models.Conversation{}, false
	}
	return f.convs[i], true
}

func (f *fakeEngine) Messages(id string) iter.Seq[models.Message] {
	return slices.Values(f.messages[id])
}

func (f *fakeEngine) SendMessage(conversationID, text string) (string, error) {
	f.sent = append(f.sent, text)
	f.messages[conversationID] = append(f.messages[conversationID], models.Message{
		ID: "local-1", Token: "T1", ConversationID: conversationID, SenderID: "student-1",
		Content: text, Timestamp: time.Now(), State: models.MessagePending,
	})
	return "T1", nil
}

func (f *fakeEngine) CreateConversation([]string, string, bool) (string, error) {
	return "local-2", nil
}

func (f *fakeEngine) AddParticipant(string, string) (string, error)    { return "", nil }
func (f *fakeEngine) RemoveParticipant(string, string) (string, error) { return "", nil }

func (f *fakeEngine) MarkRead(conversationID, messageID string) error {
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakeEngine) Retry(string) error  { return nil }
func (f *fakeEngine) Cancel(string) error { return nil }

func (f *fakeEngine) Search(context.Context, string) ([]models.Message, error) {
	return nil, nil
}

func newTestApp(t *testing.T) (App, *fakeEngine) {
	t.Helper()
	fe := newFakeEngine()
	dir := contacts.NewDirectory(t.TempDir())
	require.NoError(t, dir.Save(contacts.Contact{Name: "Ada Lovelace", UserID: "tutor-1", Role: contacts.RoleTutor}))
	app := NewApp(NewDeps(fe, fe, dir))
	model, _ := app.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return model.(App), fe
}

func press(t *testing.T, app App, keys ...tea.KeyMsg) App {
	t.Helper()
	var model tea.Model = app
	for _, k := range keys {
		model, _ = model.Update(k)
	}
	return model.(App)
}

var (
	enter = tea.KeyMsg{Type: tea.KeyEnter}
	esc   = tea.KeyMsg{Type: tea.KeyEsc}
)

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestApp_BannerFollowsStatus(t *testing.T) {
	app, fe := newTestApp(t)
	assert.Contains(t, app.View(), "Connected")

	fe.status = engine.Status{State: engine.Offline, Pending: 2}
	assert.Contains(t, app.View(), "Offline, reconnecting (2 queued)")
}

func TestApp_OpenConversationAndSend(t *testing.T) {
	app, fe := newTestApp(t)

	app = press(t, app, enter)
	assert.Contains(t, app.View(), "Ada Lovelace")

	app = press(t, app, enter)
	view := app.View()
	assert.Contains(t, view, "See you Thursday")
	assert.Equal(t, []string{"m1"}, fe.read, "opening a conversation marks it read")

	app = press(t, app, runes("n"), runes("Hello"), tea.KeyMsg{Type: tea.KeyCtrlS})
	assert.Equal(t, []string{"Hello"}, fe.sent)
	assert.Contains(t, app.View(), "sending…")

	app = press(t, app, esc)
	assert.Contains(t, app.View(), "Conversations")
}

func TestApp_RefreshOnChange(t *testing.T) {
	app, fe := newTestApp(t)
	app = press(t, app, enter)

	fe.convs = append(fe.convs, models.Conversation{ID: "g1", Participants: []string{"student-1", "tutor-1", "student-2"}, IsGroup: true, Name: "Exam prep"})
	model, cmd := app.Update(changedMsg{})
	require.NotNil(t, cmd)
	assert.Contains(t, model.View(), "Exam prep")
}

func TestApp_ChatFromContacts(t *testing.T) {
	app, _ := newTestApp(t)

	app = press(t, app, runes("j"), runes("j"), runes("j"), enter)
	model, _ := app.Update(app.screen.Init()())
	app = model.(App)
	assert.Contains(t, app.View(), "Ada Lovelace")

	app = press(t, app, runes("c"))
	assert.Contains(t, app.View(), "See you Thursday", "opens the existing direct conversation")
}

type lifecycle struct{ states []bool }

func (l *lifecycle) SetForeground(fg bool) { l.states = append(l.states, fg) }

func TestApp_FocusDrivesForeground(t *testing.T) {
	fe := newFakeEngine()
	lc := &lifecycle{}
	deps := NewDeps(fe, fe, contacts.NewDirectory(t.TempDir()))
	deps.Lifecycle = lc

	var model tea.Model = NewApp(deps)
	model, _ = model.Update(tea.BlurMsg{})
	_, _ = model.Update(tea.FocusMsg{})
	assert.Equal(t, []bool{false, true}, lc.states)
}
