package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/contacts"
)

type contactItem struct {
	contact contacts.Contact
}

func (i contactItem) FilterValue() string { return i.contact.Name }
func (i contactItem) Title() string       { return i.contact.Name }
func (i contactItem) Description() string {
	desc := i.contact.UserID
	if i.contact.Role != "" {
		desc += " • " + string(i.contact.Role)
	}
	if i.contact.Email != "" {
		desc += " • " + i.contact.Email
	}
	return desc
}

type contactsLoadedMsg struct {
	contacts []contacts.Contact
	err      error
}

type ContactsListModel struct {
	deps            *Deps
	list            list.Model
	contacts        []contacts.Contact
	loading         bool
	err             error
	windowWidth     int
	windowHeight    int
	confirmDelete   bool
	contactToDelete *contacts.Contact
}

// NewContactsListModel creates a new contacts list view.
func NewContactsListModel(deps *Deps) ContactsListModel {
	l := list.New([]list.Item{}, newDelegate(), 80, 20)
	l.Title = "Contacts"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	return ContactsListModel{
		deps:         deps,
		list:         l,
		loading:      true,
		windowWidth:  80,
		windowHeight: 30,
	}
}

func (m ContactsListModel) Init() tea.Cmd {
	return m.loadContactsCmd()
}

func (m ContactsListModel) loadContactsCmd() tea.Cmd {
	return func() tea.Msg {
		all, err := m.deps.Contacts.List()
		return contactsLoadedMsg{contacts: all, err: err}
	}
}

func (m ContactsListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(msg.Height - 4)
		return m, nil

	case contactsLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}

		m.contacts = msg.contacts
		items := make([]list.Item, len(m.contacts))
		for i, contact := range m.contacts {
			items[i] = contactItem{contact: contact}
		}
		m.list.SetItems(items)
		m.list.Title = fmt.Sprintf("Contacts - %d total", len(m.contacts))
		return m, nil

	case tea.KeyMsg:
		if m.confirmDelete {
			switch msg.String() {
			case "y", "Y":
				if m.contactToDelete != nil {
					if err := m.deps.Contacts.Delete(m.contactToDelete.UserID); err != nil {
						m.err = err
					}
				}
				m.confirmDelete = false
				m.contactToDelete = nil
				m.loading = true
				return m, m.loadContactsCmd()
			case "n", "N", "esc":
				m.confirmDelete = false
				m.contactToDelete = nil
			}
			return m, nil
		}

		if m.list.FilterState() == list.Filtering {
			break
		}

		switch msg.String() {
		case "esc", "q":
			return switchTo(NewMenuModel(m.deps), m.windowWidth, m.windowHeight)

		case "n", "a":
			return switchTo(NewContactFormModel(m.deps, nil), m.windowWidth, m.windowHeight)

		case "r":
			m.loading = true
			m.deps.Contacts.Invalidate()
			return m, m.loadContactsCmd()

		case "c":
			item, ok := m.list.SelectedItem().(contactItem)
			if !ok {
				return m, nil
			}
			id, found := m.deps.List.DirectWith(item.contact.UserID)
			if !found {
				var err error
				if id, err = m.deps.Dispatch.Start([]string{item.contact.UserID}, ""); err != nil {
					m.err = err
					return m, nil
				}
			}
			return switchTo(NewMessagesModel(m.deps, id), m.windowWidth, m.windowHeight)

		case "enter":
			if item, ok := m.list.SelectedItem().(contactItem); ok {
				contact := item.contact
				return switchTo(NewContactFormModel(m.deps, &contact), m.windowWidth, m.windowHeight)
			}
			return m, nil

		case "d", "delete":
			if item, ok := m.list.SelectedItem().(contactItem); ok {
				m.confirmDelete = true
				contact := item.contact
				m.contactToDelete = &contact
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m ContactsListModel) View() string {
	if m.confirmDelete && m.contactToDelete != nil {
		s := titleStyle.Render("Delete Contact") + "\n\n"
		s += normalStyle.Render(fmt.Sprintf("Are you sure you want to delete '%s'?", m.contactToDelete.Name)) + "\n\n"
		s += errorStyle.Render("This action cannot be undone.") + "\n\n"
		s += helpStyle.Render("y: confirm delete • n/esc: cancel")
		return s
	}

	if m.loading {
		return "\n  Loading contacts...\n"
	}

	if m.err != nil {
		s := titleStyle.Render("Contacts") + "\n\n"
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n"
		s += helpStyle.Render("r: reload • esc: back to menu")
		return s
	}

	if len(m.contacts) == 0 {
		s := titleStyle.Render("Contacts") + "\n\n"
		s += normalStyle.Render("  No contacts found. Press 'n' to add a contact.") + "\n"
		s += "\n" + helpStyle.Render("n: new contact • esc: back")
		return s
	}

	s := m.list.View() + "\n"
	s += helpStyle.Render("↑↓/jk: navigate • c: chat • enter: edit • n: new • d: delete • /: search • r: refresh • esc: back")
	return s
}
