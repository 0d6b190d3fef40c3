// Package transport owns the single websocket connection to the messaging
// backend: dialing, the auth handshake, reconnect with backoff and the
// FIFO of outbound actions that have not been acknowledged yet.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/logging"
	"github.com/saravenpi/tutorchat/internal/models"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Update is either an inbound event (Event != nil) or a connection state
// change. Updates are delivered in the order they were received.
type Update struct {
	Event *models.Event
	State State
	Err   error
}

// Credentials identifies the user the connection is opened for.
type Credentials interface {
	UserID() string
	Token() (string, bool)
}

type Options struct {
	URL    string
	Dialer *websocket.Dialer

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64

	// HandshakeTimeout bounds each dial + auth attempt.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadLimit        int64

	Logger *slog.Logger
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultReadLimit        = 1 << 20
	writeWait               = 10 * time.Second
	updatesBuffer           = 256
)

type entry struct {
	action models.Action
	frame  []byte
	// epoch of the connection the frame was last written on.
	sent uint64
}

type Transport struct {
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	creds      Credentials
	queue      []*entry
	epoch      uint64
	started    bool
	foreground bool

	wake    chan struct{}
	resume  chan struct{}
	updates chan Update
	done    chan struct{}

	closeOnce sync.Once
}

func New(opts Options) *Transport {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:       opts,
		dialer:     dialer,
		log:        logging.Component(opts.Logger, "transport"),
		ctx:        ctx,
		cancel:     cancel,
		foreground: true,
		wake:       make(chan struct{}, 1),
		resume:     make(chan struct{}, 1),
		updates:    make(chan Update, updatesBuffer),
		done:       make(chan struct{}),
	}
}

// Updates is the single ordered stream of inbound events and state
// changes. It is never closed; stop reading once Close returns.
func (t *Transport) Updates() <-chan Update {
	return t.updates
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the connection for creds and authenticates it.
//
// A missing token or a rejected handshake returns an AuthError and the
// transport stays disconnected. An unreachable endpoint returns a
// NetworkError; the transport then keeps reconnecting in the background
// and reports progress on Updates.
func (t *Transport) Connect(ctx context.Context, creds Credentials) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.creds = creds
	t.mu.Unlock()

	if _, ok := creds.Token(); !ok {
		return &models.AuthError{Reason: "no session token"}
	}

	t.setState(Connecting, nil)
	conn, err := t.dial(ctx, creds)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			t.setState(Disconnected, err)
			return err
		}
		t.log.Warn("initial connect failed, retrying in background", "error", err)
	}

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	go t.run(conn)
	return err
}

// Send appends a to the outbound queue. It never blocks: the frame goes
// out as soon as a connection is available and is replayed after every
// reconnect until its ack or error is observed. Re-sending a token that
// is already queued is a no-op.
func (t *Transport) Send(a models.Action) error {
	if a.Token == "" {
		return errors.New("action without submission token")
	}
	frame, err := codec.Encode(a)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrClosed
	}
	if slices.ContainsFunc(t.queue, func(e *entry) bool { return e.action.Token == a.Token }) {
		t.mu.Unlock()
		return nil
	}
	t.queue = append(t.queue, &entry{action: a, frame: frame})
	t.mu.Unlock()

	t.notify()
	return nil
}

// Cancel drops a queued action. It reports whether the token was queued.
func (t *Transport) Cancel(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settleLocked(token)
}

// Pending is the number of queued actions awaiting acknowledgement.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Queued returns the queued actions in submission order.
func (t *Transport) Queued() []models.Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Action, 0, len(t.queue))
	for _, e := range t.queue {
		out = append(out, e.action)
	}
	return out
}

// SetForeground gates reconnect attempts. While backgrounded the
// transport does not try to reconnect.
func (t *Transport) SetForeground(fg bool) {
	t.mu.Lock()
	t.foreground = fg
	t.mu.Unlock()
	if fg {
		select {
		case t.resume <- struct{}{}:
		default:
		}
	}
}

// Close terminates the connection and stops reconnecting. It is final.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		if started {
			<-t.done
		}
		t.mu.Lock()
		t.state = Disconnected
		t.mu.Unlock()
		select {
		case t.updates <- Update{State: Disconnected, Err: ErrClosed}:
		default:
		}
	})
	return nil
}

func (t *Transport) run(conn *websocket.Conn) {
	defer close(t.done)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     t.opts.BackoffBase,
		RandomizationFactor: t.opts.BackoffJitter,
		Multiplier:          2,
		MaxInterval:         t.opts.BackoffCap,
	}
	b.Reset()

	for {
		if conn != nil {
			b.Reset()
			err := t.serve(conn)
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn("connection lost", "error", err)
			t.setState(Reconnecting, err)
		} else {
			t.setState(Reconnecting, nil)
		}

		conn = nil
		attempt := 0
		for conn == nil {
			if !t.waitForeground() {
				return
			}
			delay := b.NextBackOff()
			attempt++
			t.log.Debug("reconnecting", "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-t.ctx.Done():
				timer.Stop()
				return
			}
			if !t.waitForeground() {
				return
			}

			c, err := t.dial(t.ctx, t.credentials())
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				if errors.Is(err, models.ErrAuth) {
					t.log.Error("reconnect rejected, giving up", "error", err)
					t.setState(Disconnected, err)
					return
				}
				t.log.Warn("reconnect failed", "attempt", attempt, "error", err)
				continue
			}
			conn = c
			t.log.Info("reconnected", "attempts", attempt)
		}
	}
}

// serve runs one authenticated connection until it fails.
func (t *Transport) serve(conn *websocket.Conn) error {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.state = Connected
	t.mu.Unlock()
	t.emit(Update{State: Connected})

	g, ctx := errgroup.WithContext(t.ctx)
	g.Go(func() error {
		return t.readLoop(conn)
	})
	g.Go(func() error {
		return t.writeLoop(ctx, conn, epoch)
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	pongWait := 2 * t.opts.PingInterval
	conn.SetReadLimit(t.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &models.NetworkError{Op: "read", Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := codec.Decode(data)
		if err != nil {
			t.log.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		if ev.Token != "" && t.settles(ev) {
			t.mu.Lock()
			t.settleLocked(ev.Token)
			t.mu.Unlock()
		}
		t.emit(Update{Event: &ev})
	}
}

// settles reports whether ev finishes the queued action with its token.
func (t *Transport) settles(ev models.Event) bool {
	switch ev.Kind {
	case models.EventAck, models.EventError, models.EventSearchResult:
		return true
	case models.EventNewMessage:
		// Backends that echo the sender's own message instead of acking it.
		t.mu.Lock()
		defer t.mu.Unlock()
		i := t.indexLocked(ev.Token)
		return i >= 0 && t.queue[i].action.Kind == models.ActionSendMessage
	}
	return false
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, epoch uint64) error {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()

	for {
		for {
			e := t.nextUnsent(epoch)
			if e == nil {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, e.frame); err != nil {
				return &models.NetworkError{Op: "write", Err: err}
			}
			t.log.Debug("sent", "kind", e.action.Kind, "token", e.action.Token)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.wake:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return &models.NetworkError{Op: "ping", Err: err}
			}
		}
	}
}

// nextUnsent returns the oldest entry not yet written on this connection
// and marks it written.
func (t *Transport) nextUnsent(epoch uint64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.queue {
		if e.sent != epoch {
			e.sent = epoch
			return e
		}
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	token, ok := creds.Token()
	if !ok {
		return nil, &models.AuthError{Reason: "no session token"}
	}

	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return nil, &models.NetworkError{Op: "dial", Err: fmt.Errorf("invalid url: %w", err)}
	}
	q := u.Query()
	q.Set("user_id", creds.UserID())
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &models.AuthError{Reason: "token rejected"}
		}
		return nil, &models.NetworkError{Op: "dial", Err: err}
	}

	if err := t.authenticate(ctx, conn, creds.UserID(), token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate sends the auth frame and waits for auth_ok.
func (t *Transport) authenticate(ctx context.Context, conn *websocket.Conn, userID, token string) error {
	frame, err := codec.Encode(models.Action{Kind: models.ActionAuth, UserID: userID, AuthToken: token})
	if err != nil {
		return fmt.Errorf("failed to encode auth frame: %w", err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &models.NetworkError{Op: "auth", Err: err}
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &models.NetworkError{Op: "auth", Err: err}
		}
		ev, err := codec.Decode(data)
		if err != nil {
			t.log.Warn("dropping malformed frame during handshake", "error", err)
			continue
		}
		switch ev.Kind {
		case models.EventAuthOK:
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return nil
		case models.EventAuthError:
			return &models.AuthError{Reason: ev.Reason}
		default:
			t.log.Debug("ignoring event before auth_ok", "kind", ev.Kind)
		}
	}
}

func (t *Transport) credentials() Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

func (t *Transport) waitForeground() bool {
	for {
		t.mu.Lock()
		fg := t.foreground
		t.mu.Unlock()
		if fg {
			return t.ctx.Err() == nil
		}
		select {
		case <-t.resume:
		case <-t.ctx.Done():
			return false
		}
	}
}

func (t *Transport) setState(s State, err error) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.emit(Update{State: s, Err: err})
}

func (t *Transport) emit(u Update) {
	select {
	case t.updates <- u:
	case <-t.ctx.Done():
	}
}

func (t *Transport) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) settleLocked(token string) bool {
	i := t.indexLocked(token)
	if i < 0 {
		return false
	}
	t.queue = slices.Delete(t.queue, i, i+1)
	return true
}

func (t *Transport) indexLocked(token string) int {
	return slices.IndexFunc(t.queue, func(e *entry) bool { return e.action.Token == token })
}
