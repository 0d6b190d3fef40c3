package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/saravenpi/tutorchat/internal/api"
	"github.com/saravenpi/tutorchat/internal/config"
	"github.com/saravenpi/tutorchat/internal/contacts"
	"github.com/saravenpi/tutorchat/internal/devserver"
	"github.com/saravenpi/tutorchat/internal/engine"
	"github.com/saravenpi/tutorchat/internal/logging"
	"github.com/saravenpi/tutorchat/internal/models"
	"github.com/saravenpi/tutorchat/internal/outbox"
	"github.com/saravenpi/tutorchat/internal/session"
	"github.com/saravenpi/tutorchat/internal/transport"
	"github.com/saravenpi/tutorchat/internal/ui"
)

const version = "1.0.0"

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "":
		err = runClient()
	case "devserver":
		err = runDevServer()
	case "login":
		err = runLogin(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("TutorChat v%s\n", version)
		return
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		if errors.Is(err, models.ErrAuth) {
			fmt.Println("Sign in with: tutorchat login <user-id> <token>")
		}
		os.Exit(1)
	}
}

func runClient() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	logger, closer, err := logging.Open(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	tokens := session.FileTokenSource{Path: cfg.User.TokenFile}
	userID := cfg.User.ID
	if userID == "" {
		userID = tokens.UserID()
	}
	if userID == "" {
		return &models.AuthError{Reason: "no user configured"}
	}
	sess, err := session.New(userID, tokens)
	if err != nil {
		return err
	}
	defer sess.Close()

	journal, err := outbox.Open(outbox.GetPath(cfg.Storage.DataDir, userID))
	if err != nil {
		return err
	}
	defer journal.Close()

	conn := transport.New(transport.Options{
		URL:              cfg.Server.RealtimeURL,
		BackoffBase:      cfg.Sync.BackoffBase,
		BackoffCap:       cfg.Sync.BackoffCap,
		BackoffJitter:    cfg.Sync.BackoffJitter,
		HandshakeTimeout: cfg.Sync.HandshakeTimeout,
		PingInterval:     cfg.Sync.PingInterval,
		Logger:           logger,
	})
	eng, err := engine.New(engine.Options{
		Conn:          conn,
		Backend:       api.New(cfg.Server.APIURL, sess, api.WithLogger(logger)),
		Journal:       journal,
		ActionTimeout: cfg.Sync.ActionTimeout,
		NodeID:        cfg.Sync.NodeID,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.HandshakeTimeout+5*time.Second)
	err = eng.Open(ctx, sess)
	cancel()
	if err != nil {
		return err
	}
	defer eng.Close()

	go logFailures(eng.Failures(), logger)

	deps := ui.NewDeps(eng, eng, contacts.NewDirectory(cfg.Storage.ContactsDir))
	deps.Lifecycle = eng

	p := tea.NewProgram(ui.NewApp(deps), tea.WithAltScreen(), tea.WithReportFocus())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run ui: %w", err)
	}
	return nil
}

func logFailures(failures <-chan engine.Failure, logger *slog.Logger) {
	for f := range failures {
		logger.Info("action failed", "token", f.Token, "kind", f.Kind, "conversation", f.ConversationID, "error", f.Err)
	}
}

func runDevServer() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	users := cfg.DevServer.Users
	demo := len(users) == 0
	if demo {
		users = map[string]string{"tok-student": "student-1", "tok-tutor": "tutor-1"}
	}
	srv := devserver.New(devserver.Options{Users: users, Logger: logger})
	if demo {
		seedDemo(srv)
		fmt.Fprintln(os.Stderr, "demo users: student-1 (token tok-student), tutor-1 (token tok-tutor)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx, cfg.DevServer.Addr)
}

func seedDemo(srv *devserver.Server) {
	now := time.Now().Add(-time.Hour)
	srv.Seed(
		models.Conversation{ID: "c-demo", Participants: []string{"student-1", "tutor-1"}, CreatedAt: now, UpdatedAt: now},
		models.Message{ID: "m-demo-1", ConversationID: "c-demo", SenderID: "tutor-1", Content: "Hi! Ready for Thursday's algebra lesson?", Timestamp: now},
	)
}

func runLogin(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: tutorchat login <user-id> <token>")
	}
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := session.SaveToken(cfg.User.TokenFile, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Signed in as %s\n", args[0])
	return nil
}

func printHelp() {
	help := `TutorChat - Terminal chat for tutors and students

Usage:
  tutorchat                       Start the chat client
  tutorchat login <user> <token>  Save your session token
  tutorchat devserver             Run a local messaging backend
  tutorchat version               Show version information
  tutorchat help                  Show this help message

Navigation:
  ↑/↓ or j/k        Navigate lists
  Enter             Select/Open item
  ESC               Go back
  q                 Quit from current view
  ctrl+c            Force quit

Conversations:
  n                 New conversation
  /                 Filter conversations

Messages:
  n or c            Compose new message
  ctrl+s            Send message (while composing)
  r                 Retry the last failed message
  x                 Discard the last failed message
  i / k             Invite to / remove from a group
  a                 Add the other person as a contact

Files:
  ~/.tutorchat/config.yml     Configuration (TUTORCHAT_* variables override it)
  ~/.tutorchat/session.yml    Session token
  ~/.tutorchat/contacts/      Contacts, one YAML file each
  ~/.tutorchat/tutorchat.log  Log file

Messages you send while offline are queued and delivered in order once
the connection is back, including after a restart.
`
	fmt.Print(help)
}
