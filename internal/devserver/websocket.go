package devserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/models"
)

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rejecting := s.rejecting
	s.mu.Unlock()
	if rejecting {
		writeError(w, http.StatusServiceUnavailable, models.CodeInvalid, "unavailable")
		return
	}

	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, models.CodeUnauthorized, "unauthorized")
		return
	}
	if q := r.URL.Query().Get("user_id"); q != "" && q != userID {
		writeError(w, http.StatusForbidden, models.CodeForbidden, "user mismatch")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}
	if err := s.handshake(c); err != nil {
		s.log.Warn("handshake failed", "user", userID, "error", err)
		_ = conn.Close()
		return
	}

	s.register(c)
	go c.writeLoop()
	c.readLoop(s)
	s.unregister(c)
}

// handshake expects an auth frame for the connection's user and answers
// it directly, before the write loop starts.
func (s *Server) handshake(c *client) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	a, err := codec.DecodeAction(data)
	if err == nil && a.Kind != models.ActionAuth {
		err = errors.New("first frame is not auth")
	}
	if err == nil {
		s.mu.Lock()
		if s.users[a.AuthToken] != c.userID || a.UserID != c.userID {
			err = errors.New("credentials do not match")
		}
		s.mu.Unlock()
	}

	var reply models.Event
	if err != nil {
		reply = models.Event{Kind: models.EventAuthError, Code: models.CodeUnauthorized, Reason: err.Error()}
	} else {
		reply = models.Event{Kind: models.EventAuthOK, UserID: c.userID}
	}
	frame, encErr := codec.EncodeEvent(reply)
	if encErr != nil {
		return encErr
	}
	if writeErr := c.conn.WriteMessage(websocket.TextMessage, frame); writeErr != nil {
		return writeErr
	}
	return err
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// receive handles one decoded frame from c.
func (s *Server) receive(c *client, a models.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.muted {
		s.arrivals = append(s.arrivals, Arrival{UserID: c.userID, Kind: a.Kind, Token: a.Token})
		return
	}
	ev := s.apply(c.userID, a, c)
	frame, err := codec.EncodeEvent(ev)
	if err != nil {
		s.log.Error("failed to encode reply", "kind", ev.Kind, "error", err)
		return
	}
	c.queue(frame)
}

func (c *client) readLoop(s *Server) {
	defer c.conn.Close()
	c.conn.SetReadLimit(64 * 1024)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		a, err := codec.DecodeAction(data)
		if err != nil {
			s.log.Warn("dropping malformed command", "user", c.userID, "error", err)
			continue
		}
		s.receive(c, a)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// queue never blocks; a client too slow to drain its buffer is dropped.
func (c *client) queue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		_ = c.conn.Close()
	}
}
