package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saravenpi/tutorchat/internal/models"
	"github.com/saravenpi/tutorchat/internal/store"
)

// SendMessage shows text in the conversation immediately as a pending
// message and submits it. It returns the submission token.
func (e *Engine) SendMessage(conversationID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("message cannot be empty")
	}

	var token string
	var err error
	doErr := e.do(func() {
		conversationID = e.Resolve(conversationID)
		conv, ok := e.store.Conversation(conversationID)
		if !ok {
			err = fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
			return
		}

		token = uuid.NewString()
		e.store.AddPending(models.Message{
			ID:             e.localID(),
			Token:          token,
			ConversationID: conversationID,
			SenderID:       e.store.SelfID(),
			Content:        text,
			Timestamp:      e.now(),
		})
		e.submit(models.Action{
			Kind:           models.ActionSendMessage,
			Token:          token,
			ConversationID: conversationID,
			Content:        text,
		}, conv.Pending)
		e.notify()
	})
	if doErr != nil {
		return "", doErr
	}
	return token, err
}

// CreateConversation adds a pending conversation with a temporary id and
// submits it. The signed-in user is always a participant. Messages sent
// to the pending conversation are held back until the server confirms it.
func (e *Engine) CreateConversation(participants []string, name string, isGroup bool) (string, error) {
	var localID string
	var err error
	doErr := e.do(func() {
		ps := []string{e.store.SelfID()}
		for _, p := range participants {
			p = strings.TrimSpace(p)
			if p != "" && !slices.Contains(ps, p) {
				ps = append(ps, p)
			}
		}
		if len(ps) < 2 {
			err = errors.New("a conversation needs at least two participants")
			return
		}
		if !isGroup && len(ps) != 2 {
			err = errors.New("direct conversations have exactly two participants")
			return
		}

		localID = e.localID()
		token := uuid.NewString()
		e.store.UpsertConversation(models.Conversation{
			ID:           localID,
			Participants: ps,
			IsGroup:      isGroup,
			Name:         name,
			CreatedAt:    e.now(),
			Pending:      true,
			Token:        token,
		}, time.Time{})
		e.submit(models.Action{
			Kind:           models.ActionCreateConversation,
			Token:          token,
			ConversationID: localID,
			Participants:   ps,
			Name:           name,
			IsGroup:        isGroup,
		}, false)
		e.notify()
	})
	if doErr != nil {
		return "", doErr
	}
	return localID, err
}

// AddParticipant adds userID optimistically and submits the change. If
// the user is already a participant, or the conversation is direct, it is
// a no-op: the token is empty and the error nil.
func (e *Engine) AddParticipant(conversationID, userID string) (string, error) {
	return e.changeParticipants(models.ActionAddParticipant, conversationID, userID)
}

// RemoveParticipant removes userID optimistically and submits the change.
// Removing someone absent, or dropping below two participants, is a no-op.
func (e *Engine) RemoveParticipant(conversationID, userID string) (string, error) {
	return e.changeParticipants(models.ActionRemoveParticipant, conversationID, userID)
}

func (e *Engine) changeParticipants(kind models.ActionKind, conversationID, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id cannot be empty")
	}

	var token string
	var err error
	doErr := e.do(func() {
		conversationID = e.Resolve(conversationID)
		if kind == models.ActionAddParticipant {
			err = e.store.AddParticipant(conversationID, userID, time.Time{})
		} else {
			err = e.store.RemoveParticipant(conversationID, userID, time.Time{})
		}
		if errors.Is(err, models.ErrConflict) {
			e.log.Info("participant change is a no-op", "kind", kind, "conversation", conversationID, "user", userID, "reason", err)
			err = nil
			return
		}
		if err != nil {
			return
		}

		conv, _ := e.store.Conversation(conversationID)
		token = uuid.NewString()
		e.submit(models.Action{Kind: kind, Token: token, ConversationID: conversationID, UserID: userID}, conv.Pending)
		e.notify()
	})
	if doErr != nil {
		return "", doErr
	}
	return token, err
}

// MarkRead advances the read cursor locally and tells the server.
func (e *Engine) MarkRead(conversationID, messageID string) error {
	var err error
	doErr := e.do(func() {
		conversationID = e.Resolve(conversationID)
		if err = e.store.MarkRead(conversationID, messageID); err != nil {
			return
		}
		conv, _ := e.store.Conversation(conversationID)
		if conv.Pending || strings.HasPrefix(messageID, "local-") {
			e.notify()
			return
		}
		e.submit(models.Action{
			Kind:           models.ActionMarkRead,
			Token:          uuid.NewString(),
			ConversationID: conversationID,
			MessageID:      messageID,
		}, false)
		e.notify()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Retry resubmits a failed message under its original token, so a server
// that did receive the first attempt answers with the original ack.
func (e *Engine) Retry(token string) error {
	var err error
	doErr := e.do(func() {
		m, ok := e.store.LocalMessage(token)
		if !ok {
			err = fmt.Errorf("message %s: %w", token, store.ErrNotFound)
			return
		}
		if m.State != models.MessageFailed {
			err = fmt.Errorf("message %s is %s, not failed", token, m.State)
			return
		}
		if _, ok := e.store.Conversation(m.ConversationID); !ok {
			err = fmt.Errorf("conversation %s: %w", m.ConversationID, store.ErrNotFound)
			return
		}

		e.store.SetPending(token)
		delete(e.expired, token)
		conv, _ := e.store.Conversation(m.ConversationID)
		e.submit(models.Action{
			Kind:           models.ActionSendMessage,
			Token:          token,
			ConversationID: m.ConversationID,
			Content:        m.Content,
		}, conv.Pending)
		e.notify()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Cancel removes a pending or failed message. If the send is still in
// flight, its eventual ack is discarded.
func (e *Engine) Cancel(token string) error {
	var err error
	doErr := e.do(func() {
		if _, ok := e.store.LocalMessage(token); !ok {
			err = fmt.Errorf("message %s: %w", token, store.ErrNotFound)
			return
		}
		_, sent := e.inflight[token]
		if _, timedOut := e.expired[token]; sent || timedOut {
			delete(e.inflight, token)
			delete(e.expired, token)
			e.conn.Cancel(token)
			// Only the live connection can still carry a reply; the set is
			// cleared when a new one is established.
			e.mu.RLock()
			connected := e.connected
			e.mu.RUnlock()
			if connected {
				e.cancelled[token] = struct{}{}
			}
		}
		for id, actions := range e.parked {
			e.parked[id] = slices.DeleteFunc(actions, func(a models.Action) bool { return a.Token == token })
		}
		e.forget(token)
		e.store.Discard(token)
		e.clearFailure(token)
		e.settleBacklog()
		e.notify()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Search queries the backend without touching the store: over the
// realtime channel while connected, over the REST API otherwise.
func (e *Engine) Search(ctx context.Context, query string) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()

	if !connected {
		if e.backend == nil {
			return nil, &models.NetworkError{Op: "search", Err: errors.New("offline")}
		}
		return e.backend.Search(ctx, query)
	}

	token := uuid.NewString()
	reply := make(chan searchReply, 1)
	if err := e.do(func() {
		e.searches[token] = reply
		if err := e.conn.Send(models.Action{Kind: models.ActionSearch, Token: token, Query: query}); err != nil {
			delete(e.searches, token)
			reply <- searchReply{err: err}
		}
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.opts.ActionTimeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		return r.results, r.err
	case <-ctx.Done():
		e.abandonSearch(token)
		return nil, ctx.Err()
	case <-timer.C:
		e.abandonSearch(token)
		return nil, &models.ActionTimeoutError{Token: token, Kind: models.ActionSearch, After: e.opts.ActionTimeout}
	}
}

func (e *Engine) abandonSearch(token string) {
	_ = e.do(func() {
		delete(e.searches, token)
		e.conn.Cancel(token)
		e.settleBacklog()
		e.notify()
	})
}

// submit journals a and hands it to the connection. Actions for a
// conversation that is still pending are parked until it is confirmed.
func (e *Engine) submit(a models.Action, parked bool) {
	if e.journal != nil {
		if err := e.journal.Put(context.Background(), a); err != nil {
			e.log.Warn("failed to journal action", "token", a.Token, "error", err)
		}
	}
	e.track(a, parked)
}

func (e *Engine) track(a models.Action, parked bool) {
	if parked {
		e.parked[a.ConversationID] = append(e.parked[a.ConversationID], a)
		return
	}
	e.inflight[a.Token] = &inflight{action: a, deadline: e.deadline()}
	if err := e.conn.Send(a); err != nil {
		delete(e.inflight, a.Token)
		e.fail(a, fmt.Errorf("failed to submit: %w", err))
	}
}

// deadline is zero while offline: the timeout only runs while the action
// can actually reach the server.
func (e *Engine) deadline() time.Time {
	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()
	if !connected {
		return time.Time{}
	}
	return e.now().Add(e.opts.ActionTimeout)
}

func (e *Engine) forget(token string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Delete(context.Background(), token); err != nil {
		e.log.Warn("failed to drop journaled action", "token", token, "error", err)
	}
}
