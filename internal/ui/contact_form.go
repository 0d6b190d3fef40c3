package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/contacts"
)

type contactSavedMsg struct {
	err error
}

const (
	contactName = iota
	contactUserID
	contactRole
	contactEmail
	contactFields
)

type ContactFormModel struct {
	deps            *Deps
	originalContact *contacts.Contact
	inputs          []textinput.Model
	focusIndex      int
	err             error
	windowWidth     int
	windowHeight    int
}

// NewContactFormModel creates a form for adding or editing a contact.
func NewContactFormModel(deps *Deps, contact *contacts.Contact) ContactFormModel {
	placeholders := []string{"Contact Name", "User id", "student or tutor (optional)", "Email (optional)"}
	inputs := make([]textinput.Model, contactFields)
	for i := range inputs {
		inputs[i] = textinput.New()
		inputs[i].Placeholder = placeholders[i]
		inputs[i].CharLimit = 100
		inputs[i].Width = 50
	}
	inputs[contactName].Focus()

	if contact != nil {
		inputs[contactName].SetValue(contact.Name)
		inputs[contactUserID].SetValue(contact.UserID)
		inputs[contactRole].SetValue(string(contact.Role))
		inputs[contactEmail].SetValue(contact.Email)
	}

	return ContactFormModel{deps: deps, originalContact: contact, inputs: inputs}
}

func (m ContactFormModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m ContactFormModel) back() (tea.Model, tea.Cmd) {
	return switchTo(NewContactsListModel(m.deps), m.windowWidth, m.windowHeight)
}

func (m ContactFormModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return m.back()

		case "tab", "down", "shift+tab", "up":
			if msg.String() == "up" || msg.String() == "shift+tab" {
				m.focusIndex = (m.focusIndex - 1 + contactFields) % contactFields
			} else {
				m.focusIndex = (m.focusIndex + 1) % contactFields
			}
			for i := range m.inputs {
				if i == m.focusIndex {
					m.inputs[i].Focus()
				} else {
					m.inputs[i].Blur()
				}
			}
			return m, nil

		case "ctrl+s":
			return m, m.saveContact()
		}

	case contactSavedMsg:
		if msg.err == nil {
			return m.back()
		}
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focusIndex], cmd = m.inputs[m.focusIndex].Update(msg)
	return m, cmd
}

func (m ContactFormModel) saveContact() tea.Cmd {
	return func() tea.Msg {
		contact := contacts.Contact{
			Name:   strings.TrimSpace(m.inputs[contactName].Value()),
			UserID: strings.TrimSpace(m.inputs[contactUserID].Value()),
			Role:   contacts.Role(strings.ToLower(strings.TrimSpace(m.inputs[contactRole].Value()))),
			Email:  strings.TrimSpace(m.inputs[contactEmail].Value()),
		}
		if contact.Name == "" {
			return contactSavedMsg{err: fmt.Errorf("name is required")}
		}
		if contact.UserID == "" {
			return contactSavedMsg{err: fmt.Errorf("user id is required")}
		}
		switch contact.Role {
		case "", contacts.RoleStudent, contacts.RoleTutor:
		default:
			return contactSavedMsg{err: fmt.Errorf("role must be student or tutor")}
		}

		if m.originalContact != nil && m.originalContact.UserID != contact.UserID {
			if err := m.deps.Contacts.Delete(m.originalContact.UserID); err != nil {
				return contactSavedMsg{err: fmt.Errorf("failed to delete old contact: %w", err)}
			}
		}
		return contactSavedMsg{err: m.deps.Contacts.Save(contact)}
	}
}

func (m ContactFormModel) View() string {
	var b strings.Builder

	title := "Add Contact"
	if m.originalContact != nil {
		title = "Edit Contact"
	}
	b.WriteString(titleStyle.Render(title) + "\n\n")

	labels := []string{"Name (required):", "User id (required):", "Role:", "Email:"}
	for i, input := range m.inputs {
		style := blurredStyle
		if i == m.focusIndex {
			style = focusedStyle
		}
		b.WriteString(style.Render(labels[i]) + "\n")
		b.WriteString(input.View() + "\n\n")
	}

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n")
	}

	b.WriteString(helpStyle.Render("tab/↑↓: navigate • ctrl+s: save • esc: cancel"))
	return b.String()
}
