// Package devserver is a small in-memory messaging backend speaking the
// realtime protocol and the REST API. It backs the demo mode and the
// network tests, and records the order in which actions arrive.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/saravenpi/tutorchat/internal/logging"
	"github.com/saravenpi/tutorchat/internal/models"
)

// Arrival is one action as the server received it.
type Arrival struct {
	UserID    string
	Kind      models.ActionKind
	Token     string
	Duplicate bool
}

type Options struct {
	// Users maps bearer tokens to user ids.
	Users  map[string]string
	Logger *slog.Logger
	Now    func() time.Time
}

type conversation struct {
	conv     models.Conversation
	messages []models.Message
}

type Server struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu            sync.Mutex
	users         map[string]string
	conversations map[string]*conversation
	order         []string
	replies       map[string]models.Event
	arrivals      []Arrival
	clients       map[*client]struct{}
	seq           int
	lastTime      time.Time
	rejecting     bool
	muted         bool
}

func New(opts Options) *Server {
	users := make(map[string]string, len(opts.Users))
	for tok, id := range opts.Users {
		users[tok] = id
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		log: logging.Component(opts.Logger, "devserver"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			return true
		}},
		now:           now,
		users:         users,
		conversations: make(map[string]*conversation),
		replies:       make(map[string]models.Event),
		clients:       make(map[*client]struct{}),
	}
}

// Handler routes the websocket endpoint and the REST API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.HandleWebsocket)
	mux.HandleFunc("GET /api/conversations", s.withUser(s.handleListConversations))
	mux.HandleFunc("POST /api/conversations", s.withUser(s.handleCreateConversation))
	mux.HandleFunc("GET /api/search", s.withUser(s.handleSearch))
	mux.HandleFunc("POST /api/conversations/{id}/participants", s.withUser(s.handleAddParticipant))
	mux.HandleFunc("DELETE /api/conversations/{id}/participants/{userID}", s.withUser(s.handleRemoveParticipant))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.withUser(s.handleSendMessage))
	return s.logging(mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.DropConnections()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// AddUser registers a bearer token for userID.
func (s *Server) AddUser(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = userID
}

// Seed stores a conversation and its history as if it had been created
// earlier.
func (s *Server) Seed(c models.Conversation, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.tick()
	}
	c.UpdatedAt = c.CreatedAt
	rec := &conversation{conv: c.Clone()}
	for _, m := range msgs {
		m.ConversationID = c.ID
		m.State = models.MessageConfirmed
		if m.Timestamp.IsZero() {
			m.Timestamp = s.tick()
		}
		rec.messages = append(rec.messages, m)
	}
	if _, ok := s.conversations[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.conversations[c.ID] = rec
}

// Conversation returns the server-side copy of a conversation.
func (s *Server) Conversation(id string) (models.Conversation, []models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, nil, false
	}
	return rec.conv.Clone(), slices.Clone(rec.messages), true
}

// Arrivals returns every action received so far, in arrival order.
func (s *Server) Arrivals() []Arrival {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.arrivals)
}

// DropConnections closes every websocket, simulating a network outage.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}

// SetRejecting makes websocket upgrades fail with 503 while on.
func (s *Server) SetRejecting(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejecting = on
}

// SetMuted makes the server record arrivals but neither apply nor
// answer them.
func (s *Server) SetMuted(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = on
}

// Push delivers an event to every connection of userID.
func (s *Server) Push(userID string, ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver([]string{userID}, nil, ev)
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.users[token]
	return userID, ok
}

// tick returns a strictly increasing server time.
func (s *Server) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastTime) {
		t = s.lastTime.Add(time.Millisecond)
	}
	s.lastTime = t
	return t
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
