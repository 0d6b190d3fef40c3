package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/saravenpi/tutorchat/internal/adapters"
	"github.com/saravenpi/tutorchat/internal/models"
)

type MessagesModel struct {
	deps           *Deps
	conversationID string
	bubbles        []adapters.Bubble
	lastRead       string
	viewport       viewport.Model
	textarea       textarea.Model
	composing      bool
	err            error
	windowWidth    int
	windowHeight   int
}

func NewMessagesModel(deps *Deps, conversationID string) MessagesModel {
	vp := viewport.New(80, 20)

	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.CharLimit = 1000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	m := MessagesModel{
		deps:           deps,
		conversationID: conversationID,
		viewport:       vp,
		textarea:       ta,
		windowWidth:    80,
		windowHeight:   30,
	}
	m.reload()
	m.viewport.GotoBottom()
	return m
}

func (m MessagesModel) Init() tea.Cmd {
	return nil
}

// reload refreshes the history and marks it read.
func (m *MessagesModel) reload() {
	atBottom := m.viewport.AtBottom()
	m.bubbles = m.deps.Feed.Bubbles(m.conversationID)
	m.updateViewportContent()
	if atBottom {
		m.viewport.GotoBottom()
	}

	if last := m.deps.Feed.LastConfirmedID(m.conversationID); last != "" && last != m.lastRead {
		m.lastRead = last
		if err := m.deps.Dispatch.Read(m.conversationID); err != nil {
			m.err = err
		}
	}
}

// lastFailed is the newest message that can be retried or discarded.
func (m MessagesModel) lastFailed() (adapters.Bubble, bool) {
	for i := len(m.bubbles) - 1; i >= 0; i-- {
		if m.bubbles[i].Retryable() {
			return m.bubbles[i], true
		}
	}
	return adapters.Bubble{}, false
}

func (m MessagesModel) conversation() (models.Conversation, bool) {
	return m.deps.Source.Conversation(m.conversationID)
}

// unknownPeer is the other participant of a direct conversation when
// there is no contact for them yet.
func (m MessagesModel) unknownPeer() (string, bool) {
	conv, ok := m.conversation()
	if !ok || conv.IsGroup {
		return "", false
	}
	self := m.deps.Source.SelfID()
	for _, p := range conv.Participants {
		if p != self && m.deps.Contacts.NameFor(p) == "" {
			return p, true
		}
	}
	return "", false
}

func (m MessagesModel) isGroup() bool {
	conv, ok := m.conversation()
	return ok && conv.IsGroup && !conv.Pending
}

func (m *MessagesModel) resize() {
	headerHeight := 4
	textareaHeight := 5
	helpHeight := 2
	availableHeight := m.windowHeight - headerHeight - helpHeight

	m.viewport.Width = m.windowWidth - 4
	m.viewport.Height = availableHeight
	if m.composing {
		m.viewport.Height = availableHeight - textareaHeight
		m.textarea.SetWidth(m.windowWidth - 4)
	}
}

func (m MessagesModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.resize()
		m.updateViewportContent()
		return m, nil

	case refreshMsg:
		m.reload()
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "esc" {
			if m.composing {
				m.composing = false
				m.textarea.Reset()
				m.textarea.Blur()
				m.err = nil
				m.resize()
				return m, nil
			}
			return switchTo(NewConversationsModel(m.deps), m.windowWidth, m.windowHeight)
		}

		if m.composing {
			if msg.String() == "ctrl+s" {
				text := strings.TrimSpace(m.textarea.Value())
				if text == "" {
					return m, nil
				}
				m.err = m.deps.Dispatch.Send(m.conversationID, text)
				if m.err == nil {
					m.textarea.Reset()
					m.composing = false
					m.textarea.Blur()
					m.resize()
					m.reload()
					m.viewport.GotoBottom()
				}
				return m, nil
			}
			var cmd tea.Cmd
			m.textarea, cmd = m.textarea.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q":
			return m, tea.Quit

		case "n", "c":
			m.composing = true
			m.resize()
			m.textarea.Focus()
			return m, textarea.Blink

		case "r":
			if b, ok := m.lastFailed(); ok {
				m.err = m.deps.Dispatch.Retry(b.Token)
				m.reload()
			}
			return m, nil

		case "x":
			if b, ok := m.lastFailed(); ok {
				m.err = m.deps.Dispatch.Discard(b.Token)
				m.reload()
			}
			return m, nil

		case "i":
			if m.isGroup() {
				return switchTo(NewParticipantFormModel(m.deps, m.conversationID, participantAdd), m.windowWidth, m.windowHeight)
			}
			return m, nil

		case "k":
			if m.isGroup() {
				return switchTo(NewParticipantFormModel(m.deps, m.conversationID, participantRemove), m.windowWidth, m.windowHeight)
			}
			return m, nil

		case "a":
			if peer, ok := m.unknownPeer(); ok {
				return switchTo(NewQuickContactFormModel(m.deps, m.conversationID, peer), m.windowWidth, m.windowHeight)
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *MessagesModel) updateViewportContent() {
	if len(m.bubbles) == 0 {
		m.viewport.SetContent("")
		return
	}

	var content strings.Builder
	wrapWidth := m.viewport.Width
	if wrapWidth <= 0 {
		wrapWidth = 80
	}
	right := lipgloss.NewStyle().Align(lipgloss.Right).Width(wrapWidth)

	for i, b := range m.bubbles {
		if i > 0 {
			content.WriteString("\n")
		}

		timestamp := b.Time.Local().Format("3:04 PM")
		wrapped := wordwrap.String(b.Content, wrapWidth-10)

		if !b.Mine {
			content.WriteString(messageHeaderStyle.Render(fmt.Sprintf("%s • %s", b.Sender, timestamp)) + "\n")
			content.WriteString(messageFromOtherStyle.Render(wrapped) + "\n")
			continue
		}

		header := fmt.Sprintf("You • %s", timestamp)
		switch b.State {
		case models.MessagePending:
			header += " • sending…"
		case models.MessageFailed:
			header += " • not sent"
		}
		content.WriteString(right.Render(messageHeaderStyle.Render(header)) + "\n")

		switch b.State {
		case models.MessagePending:
			content.WriteString(right.Render(pendingStyle.Render(wrapped)) + "\n")
		case models.MessageFailed:
			content.WriteString(right.Render(failedStyle.Render(wrapped)) + "\n")
			if b.Error != "" {
				content.WriteString(right.Render(failedStyle.Render("⚠ "+b.Error)) + "\n")
			}
		default:
			content.WriteString(right.Render(messageFromMeStyle.Render(wrapped)) + "\n")
		}
	}

	m.viewport.SetContent(content.String())
}

func (m MessagesModel) View() string {
	title := m.deps.Feed.Title(m.conversationID)
	if conv, ok := m.conversation(); ok && conv.Pending {
		title += " (creating…)"
	}
	s := titleStyle.Render("💬 "+title) + "\n"

	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	}

	if len(m.bubbles) == 0 {
		s += normalStyle.Render("  No messages yet. Press 'n' to write one.") + "\n"
	} else {
		s += m.viewport.View() + "\n"
	}

	if m.composing {
		s += "\n" + inputStyle.Render("New Message:") + "\n"
		s += m.textarea.View() + "\n"
		s += helpStyle.Render("ctrl+s: send • esc: cancel")
		return s
	}

	help := []string{"↑↓/jk: scroll", "n: new message"}
	if _, ok := m.lastFailed(); ok {
		help = append(help, "r: retry", "x: discard")
	}
	if m.isGroup() {
		help = append(help, "i: invite", "k: remove")
	}
	if _, ok := m.unknownPeer(); ok {
		help = append(help, "a: add contact")
	}
	help = append(help, "esc: back", fmt.Sprintf("%d%%", int(m.viewport.ScrollPercent()*100)))
	s += "\n" + helpStyle.Render(strings.Join(help, " • "))
	return s
}
