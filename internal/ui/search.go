package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/adapters"
)

const searchTimeout = 20 * time.Second

type searchItem struct {
	hit adapters.SearchHit
}

func (i searchItem) Title() string       { return fmt.Sprintf("%s • %s", i.hit.Title, i.hit.Sender) }
func (i searchItem) Description() string { return i.hit.Content }
func (i searchItem) FilterValue() string { return i.hit.Content }

type searchDoneMsg struct {
	query string
	hits  []adapters.SearchHit
	err   error
}

// SearchModel searches message history. Results are never merged into
// the conversations.
type SearchModel struct {
	deps         *Deps
	input        textinput.Model
	results      list.Model
	spinner      spinner.Model
	searching    bool
	query        string
	err          error
	windowWidth  int
	windowHeight int
}

func NewSearchModel(deps *Deps) SearchModel {
	input := textinput.New()
	input.Placeholder = "Search messages"
	input.Focus()
	input.CharLimit = 200
	input.Width = 50

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	l := list.New([]list.Item{}, newDelegate(), 80, 20)
	l.SetShowTitle(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)

	return SearchModel{deps: deps, input: input, results: l, spinner: s}
}

func (m SearchModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m SearchModel) searchCmd(query string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		hits, err := m.deps.Dispatch.Search(ctx, query)
		return searchDoneMsg{query: query, hits: hits, err: err}
	}
}

func (m SearchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.input.Width = msg.Width - 20
		m.results.SetWidth(msg.Width)
		m.results.SetHeight(msg.Height - 8)
		return m, nil

	case searchDoneMsg:
		if msg.query != m.query {
			return m, nil
		}
		m.searching = false
		m.err = msg.err
		items := make([]list.Item, len(msg.hits))
		for i, hit := range msg.hits {
			items[i] = searchItem{hit: hit}
		}
		m.results.SetItems(items)
		if len(items) > 0 {
			m.input.Blur()
		}
		return m, nil

	case spinner.TickMsg:
		if m.searching {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			if !m.input.Focused() {
				m.input.Focus()
				return m, textinput.Blink
			}
			return switchTo(NewMenuModel(m.deps), m.windowWidth, m.windowHeight)

		case "enter":
			if m.input.Focused() {
				query := strings.TrimSpace(m.input.Value())
				if query == "" {
					return m, nil
				}
				m.query = query
				m.searching = true
				m.err = nil
				return m, tea.Batch(m.spinner.Tick, m.searchCmd(query))
			}
			if item, ok := m.results.SelectedItem().(searchItem); ok {
				return switchTo(NewMessagesModel(m.deps, item.hit.ConversationID), m.windowWidth, m.windowHeight)
			}
			return m, nil
		}

		if !m.input.Focused() {
			var cmd tea.Cmd
			m.results, cmd = m.results.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m SearchModel) View() string {
	s := titleStyle.Render("🔎 Search") + "\n"
	s += m.input.View() + "\n\n"

	switch {
	case m.searching:
		s += fmt.Sprintf("  %s Searching...\n", m.spinner.View())
	case m.err != nil:
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	case m.query != "" && len(m.results.Items()) == 0:
		s += normalStyle.Render("  No messages found.") + "\n"
	case len(m.results.Items()) > 0:
		s += m.results.View() + "\n"
	}

	if m.input.Focused() {
		s += "\n" + helpStyle.Render("enter: search • esc: back")
	} else {
		s += "\n" + helpStyle.Render("↑↓/jk: navigate • enter: open conversation • esc: edit query")
	}
	return s
}
