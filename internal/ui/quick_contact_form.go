package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/contacts"
)

// QuickContactFormModel names the other side of a direct conversation.
type QuickContactFormModel struct {
	deps           *Deps
	conversationID string
	userID         string
	nameInput      textinput.Model
	err            error
	windowWidth    int
	windowHeight   int
}

func NewQuickContactFormModel(deps *Deps, conversationID, userID string) QuickContactFormModel {
	nameInput := textinput.New()
	nameInput.Placeholder = "Contact Name"
	nameInput.Focus()
	nameInput.CharLimit = 100
	nameInput.Width = 50

	return QuickContactFormModel{
		deps:           deps,
		conversationID: conversationID,
		userID:         userID,
		nameInput:      nameInput,
	}
}

func (m QuickContactFormModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m QuickContactFormModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return switchTo(NewMessagesModel(m.deps, m.conversationID), m.windowWidth, m.windowHeight)

		case "enter", "ctrl+s":
			name := strings.TrimSpace(m.nameInput.Value())
			if name == "" {
				m.err = fmt.Errorf("name is required")
				return m, nil
			}
			if err := m.deps.Contacts.Save(contacts.Contact{Name: name, UserID: m.userID}); err != nil {
				m.err = err
				return m, nil
			}
			return switchTo(NewMessagesModel(m.deps, m.conversationID), m.windowWidth, m.windowHeight)
		}
	}

	var cmd tea.Cmd
	m.nameInput, cmd = m.nameInput.Update(msg)
	return m, cmd
}

func (m QuickContactFormModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Add Contact") + "\n\n")
	b.WriteString(normalStyle.Render("User: "+m.userID) + "\n\n")
	b.WriteString(focusedStyle.Render("Name:") + "\n")
	b.WriteString(m.nameInput.View() + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n")
	}

	b.WriteString(helpStyle.Render("enter/ctrl+s: save • esc: cancel"))
	return b.String()
}
