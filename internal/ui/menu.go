package ui

import (
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type menuAction int

const (
	menuConversations menuAction = iota
	menuNewConversation
	menuSearch
	menuContacts
)

type menuItem struct {
	title  string
	desc   string
	action menuAction
}

func (i menuItem) FilterValue() string { return i.title }
func (i menuItem) Title() string       { return i.title }
func (i menuItem) Description() string { return i.desc }

type MenuModel struct {
	deps         *Deps
	list         list.Model
	windowWidth  int
	windowHeight int
}

func newDelegate() list.DefaultDelegate {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("5")).
		Bold(true)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("8"))
	return delegate
}

func NewMenuModel(deps *Deps) MenuModel {
	items := []list.Item{
		menuItem{title: "💬 Conversations", desc: "Chat with your tutors and students", action: menuConversations},
		menuItem{title: "✏️  New conversation", desc: "Start a chat or a study group", action: menuNewConversation},
		menuItem{title: "🔎 Search", desc: "Search all your messages", action: menuSearch},
		menuItem{title: "👥 Contacts", desc: "Names for the people you chat with", action: menuContacts},
	}

	l := list.New(items, newDelegate(), 80, 14)
	l.Title = "TutorChat"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)

	return MenuModel{
		deps:         deps,
		list:         l,
		windowWidth:  80,
		windowHeight: 30,
	}
}

func (m MenuModel) Init() tea.Cmd {
	return nil
}

func (m MenuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(msg.Height - 4)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "q" {
			return m, tea.Quit
		}

		if msg.String() == "enter" {
			item, ok := m.list.SelectedItem().(menuItem)
			if !ok {
				return m, nil
			}
			switch item.action {
			case menuConversations:
				return switchTo(NewConversationsModel(m.deps), m.windowWidth, m.windowHeight)
			case menuNewConversation:
				return switchTo(NewNewConversationModel(m.deps), m.windowWidth, m.windowHeight)
			case menuSearch:
				return switchTo(NewSearchModel(m.deps), m.windowWidth, m.windowHeight)
			case menuContacts:
				return switchTo(NewContactsListModel(m.deps), m.windowWidth, m.windowHeight)
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m MenuModel) View() string {
	s := m.list.View() + "\n"
	s += helpStyle.Render("↑↓/jk: navigate • enter: select • q: quit")
	return s
}
