package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type participantMode int

const (
	participantAdd participantMode = iota
	participantRemove
)

// ParticipantFormModel invites someone to a group or removes them.
type ParticipantFormModel struct {
	deps           *Deps
	conversationID string
	mode           participantMode
	input          textinput.Model
	err            error
	windowWidth    int
	windowHeight   int
}

func NewParticipantFormModel(deps *Deps, conversationID string, mode participantMode) ParticipantFormModel {
	input := textinput.New()
	input.Placeholder = "Contact name or user id"
	input.Focus()
	input.CharLimit = 100
	input.Width = 50

	return ParticipantFormModel{
		deps:           deps,
		conversationID: conversationID,
		mode:           mode,
		input:          input,
	}
}

func (m ParticipantFormModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m ParticipantFormModel) back() (tea.Model, tea.Cmd) {
	return switchTo(NewMessagesModel(m.deps, m.conversationID), m.windowWidth, m.windowHeight)
}

func (m ParticipantFormModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m.back()

		case "enter":
			who := strings.TrimSpace(m.input.Value())
			if who == "" {
				return m, nil
			}
			userID := m.deps.Contacts.Resolve(who)
			if m.mode == participantAdd {
				m.err = m.deps.Dispatch.Invite(m.conversationID, userID)
			} else {
				m.err = m.deps.Dispatch.Remove(m.conversationID, userID)
			}
			if m.err != nil {
				return m, nil
			}
			return m.back()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m ParticipantFormModel) View() string {
	var b strings.Builder

	title := "Invite to " + m.deps.Feed.Title(m.conversationID)
	if m.mode == participantRemove {
		title = "Remove from " + m.deps.Feed.Title(m.conversationID)
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	if conv, ok := m.deps.Source.Conversation(m.conversationID); ok {
		names := make([]string, 0, len(conv.Participants))
		for _, p := range conv.Participants {
			names = append(names, m.deps.Contacts.DisplayName(p))
		}
		b.WriteString(normalStyle.Render("Participants: "+strings.Join(names, ", ")) + "\n\n")
	}

	b.WriteString(focusedStyle.Render("Who:") + "\n")
	b.WriteString(m.input.View() + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n")
	}

	b.WriteString(helpStyle.Render("enter: confirm • esc: cancel"))
	return b.String()
}
