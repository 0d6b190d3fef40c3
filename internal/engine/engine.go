// Package engine coordinates the transport and the conversation store.
//
// All store mutations happen on one goroutine: inbound events and user
// actions are queued to it and handled one at a time, in receipt order.
// Actions are applied to the store optimistically, submitted with a
// submission token and reconciled when the ack, error or timeout arrives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/saravenpi/tutorchat/internal/api"
	"github.com/saravenpi/tutorchat/internal/logging"
	"github.com/saravenpi/tutorchat/internal/models"
	"github.com/saravenpi/tutorchat/internal/outbox"
	"github.com/saravenpi/tutorchat/internal/session"
	"github.com/saravenpi/tutorchat/internal/store"
	"github.com/saravenpi/tutorchat/internal/transport"
)

var (
	ErrNotOpen     = errors.New("engine is not open")
	ErrAlreadyOpen = errors.New("engine is already open")
)

type State int

const (
	Idle State = iota
	Syncing
	Degraded
	Offline
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Conn is the realtime connection as the engine uses it.
type Conn interface {
	Connect(ctx context.Context, creds transport.Credentials) error
	Send(a models.Action) error
	Cancel(token string) bool
	Pending() int
	Updates() <-chan transport.Update
	Close() error
}

// Backend is the request/response API, used for the initial load and for
// search while offline.
type Backend interface {
	FindAll(ctx context.Context, userID string) ([]api.Snapshot, error)
	Search(ctx context.Context, query string) ([]models.Message, error)
}

// Journal persists submitted actions until they are settled.
type Journal interface {
	Put(ctx context.Context, a models.Action) error
	Delete(ctx context.Context, token string) error
	Load(ctx context.Context) ([]outbox.Entry, error)
}

type Options struct {
	Conn    Conn
	Backend Backend
	Journal Journal

	// ActionTimeout bounds the wait for an ack while connected.
	ActionTimeout time.Duration
	// TickInterval is how often timeouts are checked.
	TickInterval time.Duration
	NodeID       int64

	Logger *slog.Logger
	Now    func() time.Time
}

// Failure reports an action that could not be completed. Token is empty
// for connection-level failures.
type Failure struct {
	Token          string
	Kind           models.ActionKind
	ConversationID string
	Err            error
	At             time.Time
}

// Status is the snapshot shown in the connection banner.
type Status struct {
	State       State
	Pending     int
	LastFailure *Failure
}

type inflight struct {
	action   models.Action
	deadline time.Time
}

type searchReply struct {
	results []models.Message
	err     error
}

type Engine struct {
	opts    Options
	log     *slog.Logger
	conn    Conn
	backend Backend
	journal Journal
	ids     *snowflake.Node
	now     func() time.Time

	mu          sync.RWMutex
	state       State
	connected   bool
	open        bool
	store       *store.Store
	sess        *session.Session
	lastFailure *Failure
	aliases     map[string]string

	cmds     chan func()
	failures chan Failure
	cancel   context.CancelFunc
	done     chan struct{}

	// Owned by the loop goroutine.
	inflight  map[string]*inflight
	parked    map[string][]models.Action
	expired   map[string]models.Action
	cancelled map[string]struct{}
	searches  map[string]chan searchReply

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

func New(opts Options) (*Engine, error) {
	if opts.Conn == nil {
		return nil, errors.New("engine needs a connection")
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 15 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	return &Engine{
		opts:      opts,
		log:       logging.Component(opts.Logger, "engine"),
		conn:      opts.Conn,
		backend:   opts.Backend,
		journal:   opts.Journal,
		ids:       node,
		now:       opts.Now,
		aliases:   make(map[string]string),
		cmds:      make(chan func()),
		failures:  make(chan Failure, 64),
		inflight:  make(map[string]*inflight),
		parked:    make(map[string][]models.Action),
		expired:   make(map[string]models.Action),
		cancelled: make(map[string]struct{}),
		searches:  make(map[string]chan searchReply),
		subs:      make(map[int]chan struct{}),
	}, nil
}

// Open binds the engine to sess: it seeds the store from the backend,
// restores journaled actions and connects.
//
// A missing or rejected token fails with an AuthError. An unreachable
// backend is not an error: the engine opens offline and keeps
// reconnecting.
func (e *Engine) Open(ctx context.Context, sess *session.Session) error {
	e.mu.Lock()
	if e.open {
		e.mu.Unlock()
		return ErrAlreadyOpen
	}
	if e.done != nil {
		e.mu.Unlock()
		return errors.New("engine was closed")
	}
	if _, ok := sess.Token(); !ok {
		e.mu.Unlock()
		return &models.AuthError{Reason: "please sign in"}
	}
	e.sess = sess
	e.store = store.New(sess.UserID())
	e.state = Idle
	e.mu.Unlock()

	if err := e.seed(ctx, sess.UserID()); err != nil {
		return err
	}
	e.restore(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.open = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = Syncing
	e.mu.Unlock()
	go e.loop(loopCtx)

	err := e.conn.Connect(ctx, sess)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrAuth):
		e.record(Failure{Err: err, At: e.now()})
		e.Close()
		return err
	case errors.Is(err, models.ErrNetwork):
		e.log.Warn("opened offline", "error", err)
	default:
		e.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	e.log.Info("engine opened", "user", sess.UserID())
	e.notify()
	return nil
}

// Close stops the engine and its connection. It is final.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return nil
	}
	e.open = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	err := e.conn.Close()

	e.mu.Lock()
	e.state = Idle
	e.connected = false
	e.mu.Unlock()
	e.notify()
	return err
}

// seed loads the server's conversations. Only an auth failure is fatal.
func (e *Engine) seed(ctx context.Context, userID string) error {
	if e.backend == nil {
		return nil
	}
	snaps, err := e.backend.FindAll(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			return err
		}
		e.log.Warn("initial load failed", "error", err)
		return nil
	}
	for _, snap := range snaps {
		e.store.UpsertConversation(snap.Conversation, snap.Conversation.UpdatedAt)
		for _, m := range snap.Messages {
			e.store.AppendMessage(snap.Conversation.ID, m)
		}
	}
	e.log.Debug("seeded store", "conversations", len(snaps))
	return nil
}

// restore re-applies journaled actions left over from a previous run and
// queues them again in their original order.
func (e *Engine) restore(ctx context.Context) {
	if e.journal == nil {
		return
	}
	entries, err := e.journal.Load(ctx)
	if err != nil {
		e.log.Warn("failed to load outbox", "error", err)
		return
	}

	self := e.store.SelfID()
	for _, entry := range entries {
		a := entry.Action
		switch a.Kind {
		case models.ActionSendMessage:
			m := models.Message{
				ID:             e.localID(),
				Token:          a.Token,
				ConversationID: a.ConversationID,
				SenderID:       self,
				Content:        a.Content,
				Timestamp:      entry.CreatedAt,
			}
			if !e.store.AddPending(m) {
				e.forget(a.Token)
				continue
			}
		case models.ActionCreateConversation:
			e.store.UpsertConversation(models.Conversation{
				ID:           a.ConversationID,
				Participants: a.Participants,
				IsGroup:      a.IsGroup,
				Name:         a.Name,
				CreatedAt:    entry.CreatedAt,
				Pending:      true,
				Token:        a.Token,
			}, time.Time{})
		case models.ActionAddParticipant:
			_ = e.store.AddParticipant(a.ConversationID, a.UserID, time.Time{})
		case models.ActionRemoveParticipant:
			_ = e.store.RemoveParticipant(a.ConversationID, a.UserID, time.Time{})
		case models.ActionMarkRead, models.ActionJoin, models.ActionLeave:
		default:
			e.forget(a.Token)
			continue
		}
		conv, _ := e.store.Conversation(a.ConversationID)
		e.track(a, a.Kind != models.ActionCreateConversation && conv.Pending)
	}
	if len(entries) > 0 {
		e.log.Info("restored outbox", "actions", len(entries))
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.cmds:
			fn()
		case u := <-e.conn.Updates():
			e.handleUpdate(u)
		case <-ticker.C:
			if e.expire(e.now()) {
				e.notify()
			}
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	e.mu.RLock()
	open, done := e.open, e.done
	e.mu.RUnlock()
	if !open {
		return ErrNotOpen
	}

	finished := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(finished) }:
	case <-done:
		return ErrNotOpen
	}
	select {
	case <-finished:
		return nil
	case <-done:
		return ErrNotOpen
	}
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Info("state changed", "from", prev, "to", s)
	}
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{State: e.state, Pending: e.conn.Pending()}
	if e.lastFailure != nil {
		f := *e.lastFailure
		st.LastFailure = &f
	}
	return st
}

// SelfID is the signed-in user, or "" before Open.
func (e *Engine) SelfID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.UserID()
}

// Resolve maps the temporary id of a locally created conversation to the
// id the server assigned. Other ids are returned unchanged.
func (e *Engine) Resolve(id string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if server, ok := e.aliases[id]; ok {
		return server
	}
	return id
}

func (e *Engine) Conversations() []models.Conversation {
	st := e.currentStore()
	if st == nil {
		return nil
	}
	return st.ListConversations()
}

func (e *Engine) Conversation(id string) (models.Conversation, bool) {
	st := e.currentStore()
	if st == nil {
		return models.Conversation{}, false
	}
	return st.Conversation(e.lookup(st, id))
}

// Messages yields the history of a conversation, oldest first.
func (e *Engine) Messages(id string) iter.Seq[models.Message] {
	st := e.currentStore()
	if st == nil {
		return func(func(models.Message) bool) {}
	}
	return func(yield func(models.Message) bool) {
		for m := range st.Messages(e.lookup(st, id)) {
			if !yield(m) {
				return
			}
		}
	}
}

// lookup resolves id, falling back to id itself while a rekey is still
// being applied to st.
func (e *Engine) lookup(st *store.Store, id string) string {
	if resolved := e.Resolve(id); resolved != id {
		if _, ok := st.Conversation(resolved); ok {
			return resolved
		}
	}
	return id
}

func (e *Engine) currentStore() *store.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

// SetForeground forwards app lifecycle changes to connections that gate
// reconnects on them.
func (e *Engine) SetForeground(fg bool) {
	if c, ok := e.conn.(interface{ SetForeground(bool) }); ok {
		c.SetForeground(fg)
	}
}

// clearFailure drops the latest failure once its action has settled.
func (e *Engine) clearFailure(token string) {
	if token == "" {
		return
	}
	e.mu.Lock()
	if e.lastFailure != nil && e.lastFailure.Token == token {
		e.lastFailure = nil
	}
	e.mu.Unlock()
}

// Failures delivers every failed action. Failures are dropped when the
// buffer is full; LastFailure in Status always holds the latest.
func (e *Engine) Failures() <-chan Failure {
	return e.failures
}

func (e *Engine) record(f Failure) {
	e.mu.Lock()
	e.lastFailure = &f
	e.mu.Unlock()
	select {
	case e.failures <- f:
	default:
		e.log.Warn("failure channel full, dropping", "token", f.Token, "error", f.Err)
	}
}

// Subscribe returns a channel signalled after every change. Signals
// coalesce; a slow reader sees one pending signal, never a blocked engine.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
		})
	}
}

func (e *Engine) notify() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) localID() string {
	return "local-" + e.ids.Generate().String()
}
