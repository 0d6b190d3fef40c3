package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	fieldRecipients = iota
	fieldGroupName
	fieldMessage
	fieldCount
)

type NewConversationModel struct {
	deps         *Deps
	inputs       []textinput.Model
	focusIndex   int
	windowWidth  int
	windowHeight int
	err          error
}

func NewNewConversationModel(deps *Deps) NewConversationModel {
	inputs := make([]textinput.Model, fieldCount)

	inputs[fieldRecipients] = textinput.New()
	inputs[fieldRecipients].Placeholder = "Names or user ids, comma separated"
	inputs[fieldRecipients].Focus()
	inputs[fieldRecipients].CharLimit = 300

	inputs[fieldGroupName] = textinput.New()
	inputs[fieldGroupName].Placeholder = "Group name (optional)"
	inputs[fieldGroupName].CharLimit = 100

	inputs[fieldMessage] = textinput.New()
	inputs[fieldMessage].Placeholder = "First message (optional)"
	inputs[fieldMessage].CharLimit = 1000

	for i := range inputs {
		inputs[i].Width = 60
	}

	return NewConversationModel{deps: deps, inputs: inputs}
}

func (m NewConversationModel) Init() tea.Cmd {
	return textinput.Blink
}

// recipients resolves the comma separated recipients to user ids.
func (m NewConversationModel) recipients() []string {
	var ids []string
	for _, part := range strings.Split(m.inputs[fieldRecipients].Value(), ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, m.deps.Contacts.Resolve(part))
		}
	}
	return ids
}

func (m *NewConversationModel) focus(i int) {
	m.focusIndex = (i + fieldCount) % fieldCount
	for j := range m.inputs {
		if j == m.focusIndex {
			m.inputs[j].Focus()
		} else {
			m.inputs[j].Blur()
		}
	}
}

func (m NewConversationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		for i := range m.inputs {
			m.inputs[i].Width = msg.Width - 20
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			return switchTo(NewConversationsModel(m.deps), m.windowWidth, m.windowHeight)

		case "tab", "down":
			m.focus(m.focusIndex + 1)
			return m, nil

		case "shift+tab", "up":
			m.focus(m.focusIndex - 1)
			return m, nil

		case "enter":
			recipients := m.recipients()
			if len(recipients) == 0 {
				return m, nil
			}

			id, err := m.deps.Dispatch.Start(recipients, m.inputs[fieldGroupName].Value())
			if err != nil {
				m.err = err
				return m, nil
			}
			if text := strings.TrimSpace(m.inputs[fieldMessage].Value()); text != "" {
				if err := m.deps.Dispatch.Send(id, text); err != nil {
					m.err = err
					return m, nil
				}
			}
			return switchTo(NewMessagesModel(m.deps, id), m.windowWidth, m.windowHeight)
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focusIndex], cmd = m.inputs[m.focusIndex].Update(msg)
	return m, cmd
}

func (m NewConversationModel) View() string {
	style := lipgloss.NewStyle().
		Padding(1, 2).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("5"))

	labels := []string{"To:", "Group name:", "Message:"}
	var body strings.Builder
	for i, input := range m.inputs {
		label := "  " + labels[i]
		labelStyle := blurredStyle
		if i == m.focusIndex {
			label = "> " + labels[i]
			labelStyle = focusedStyle
		}
		if i > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(labelStyle.Render(label) + "\n" + input.View())
	}

	content := titleStyle.Render("New Conversation") + "\n\n"
	content += style.Render(body.String())

	if m.err != nil {
		content += "\n\n" + errorStyle.Render("Error: "+m.err.Error())
	}

	content += "\n\n" + helpStyle.Render("tab: switch field • enter: start • esc: back")
	return content
}
