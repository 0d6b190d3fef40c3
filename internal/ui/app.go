package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/adapters"
	"github.com/saravenpi/tutorchat/internal/contacts"
)

// Deps is what every screen needs.
type Deps struct {
	Source   adapters.Source
	List     *adapters.ConversationList
	Feed     *adapters.MessageFeed
	Dispatch *adapters.Dispatcher
	Contacts *contacts.Directory
	// Lifecycle, when set, is told when the terminal gains or loses focus.
	Lifecycle interface{ SetForeground(bool) }
}

// NewDeps builds the adapters over source and actions.
func NewDeps(source adapters.Source, actions adapters.Actions, dir *contacts.Directory) *Deps {
	feed := adapters.NewMessageFeed(source, dir)
	return &Deps{
		Source:   source,
		List:     adapters.NewConversationList(source, dir),
		Feed:     feed,
		Dispatch: adapters.NewDispatcher(actions, feed),
		Contacts: dir,
	}
}

// refreshMsg tells the active screen that engine state changed.
type refreshMsg struct{}

type changedMsg struct{}

// App hosts the active screen under the connection banner and turns
// engine change signals into refreshMsg.
type App struct {
	deps    *Deps
	screen  tea.Model
	changes <-chan struct{}
	stop    func()
	width   int
	height  int
}

func NewApp(deps *Deps) App {
	changes, stop := deps.Source.Subscribe()
	return App{
		deps:    deps,
		screen:  NewMenuModel(deps),
		changes: changes,
		stop:    stop,
		width:   80,
		height:  30,
	}
}

func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (a App) Init() tea.Cmd {
	return tea.Batch(a.screen.Init(), waitForChange(a.changes))
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		var cmd tea.Cmd
		a.screen, cmd = a.screen.Update(refreshMsg{})
		return a, tea.Batch(cmd, waitForChange(a.changes))

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		// One line for the banner.
		msg.Height--
		var cmd tea.Cmd
		a.screen, cmd = a.screen.Update(msg)
		return a, cmd

	case tea.FocusMsg:
		if a.deps.Lifecycle != nil {
			a.deps.Lifecycle.SetForeground(true)
		}
		return a, nil

	case tea.BlurMsg:
		if a.deps.Lifecycle != nil {
			a.deps.Lifecycle.SetForeground(false)
		}
		return a, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			a.stop()
			return a, tea.Quit
		}
	}

	var cmd tea.Cmd
	a.screen, cmd = a.screen.Update(msg)
	return a, cmd
}

// switchTo opens next at the given size.
func switchTo(next tea.Model, width, height int) (tea.Model, tea.Cmd) {
	if width > 0 {
		next, _ = next.Update(tea.WindowSizeMsg{Width: width, Height: height})
	}
	return next, next.Init()
}

func (a App) View() string {
	return a.banner() + "\n" + a.screen.View()
}

func (a App) banner() string {
	b := adapters.StatusBanner(a.deps.Source)
	text := "● " + b.Text
	if b.Failure != "" {
		text += " • " + b.Failure
	}
	switch b.Level {
	case adapters.LevelWarn:
		return bannerWarnStyle.Render(text)
	case adapters.LevelError:
		return bannerErrorStyle.Render(text)
	}
	return bannerOKStyle.Render(text)
}
