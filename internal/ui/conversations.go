package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/adapters"
)

type conversationItem struct {
	row adapters.ConversationRow
}

func (i conversationItem) Title() string {
	title := i.row.Title
	if i.row.IsGroup {
		title = "👥 " + title
	}
	if i.row.Unread > 0 {
		title = fmt.Sprintf("%s (%d)", title, i.row.Unread)
	}
	return title
}

func (i conversationItem) Description() string {
	if i.row.Pending {
		return "creating…"
	}
	preview := i.row.Preview
	if len(preview) > 50 {
		preview = preview[:47] + "..."
	}
	if i.row.LastMessageAt.IsZero() {
		return "no messages yet"
	}
	return fmt.Sprintf("%s • %s", formatTimeAgo(i.row.LastMessageAt), preview)
}

func (i conversationItem) FilterValue() string {
	return i.row.Title
}

func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return "just now"
	case duration < 2*time.Minute:
		return "1 min ago"
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 2*time.Hour:
		return "1h ago"
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	case duration < 48*time.Hour:
		return "yesterday"
	case duration < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
	return t.Format("Jan 2")
}

type ConversationsModel struct {
	deps         *Deps
	rows         []adapters.ConversationRow
	list         list.Model
	windowWidth  int
	windowHeight int
}

func NewConversationsModel(deps *Deps) ConversationsModel {
	l := list.New([]list.Item{}, newDelegate(), 80, 20)
	l.Title = "Conversations"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	m := ConversationsModel{
		deps:         deps,
		list:         l,
		windowWidth:  80,
		windowHeight: 30,
	}
	m.reload()
	return m
}

func (m ConversationsModel) Init() tea.Cmd {
	return nil
}

func (m *ConversationsModel) reload() {
	m.rows = m.deps.List.Rows()
	items := make([]list.Item, len(m.rows))
	for i, row := range m.rows {
		items[i] = conversationItem{row: row}
	}
	m.list.SetItems(items)
	m.list.Title = fmt.Sprintf("Conversations - %d chats", len(m.rows))
}

func (m ConversationsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(msg.Height - 4)
		return m, nil

	case refreshMsg:
		if m.list.FilterState() != list.Filtering {
			m.reload()
		}
		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}

		switch msg.String() {
		case "q":
			return m, tea.Quit

		case "esc":
			return switchTo(NewMenuModel(m.deps), m.windowWidth, m.windowHeight)

		case "n":
			return switchTo(NewNewConversationModel(m.deps), m.windowWidth, m.windowHeight)

		case "enter":
			if item, ok := m.list.SelectedItem().(conversationItem); ok {
				return switchTo(NewMessagesModel(m.deps, item.row.ID), m.windowWidth, m.windowHeight)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m ConversationsModel) View() string {
	if len(m.rows) == 0 {
		s := titleStyle.Render("Conversations") + "\n\n"
		s += normalStyle.Render("  No conversations yet. Press 'n' to start one.") + "\n"
		s += "\n" + helpStyle.Render("n: new conversation • esc: back • q: quit")
		return s
	}

	s := m.list.View() + "\n"
	s += helpStyle.Render("↑↓/jk: navigate • enter: open • n: new • /: filter • esc: back • q: quit")
	return s
}
