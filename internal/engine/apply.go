package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/saravenpi/tutorchat/internal/models"
	"github.com/saravenpi/tutorchat/internal/transport"
)

func (e *Engine) handleUpdate(u transport.Update) {
	if u.Event == nil {
		e.handleConnState(u)
		e.notify()
		return
	}
	e.apply(*u.Event)
	e.settleBacklog()
	e.notify()
}

func (e *Engine) handleConnState(u transport.Update) {
	switch u.State {
	case transport.Connected:
		e.mu.Lock()
		e.connected = true
		if e.lastFailure != nil && e.lastFailure.Token == "" {
			e.lastFailure = nil
		}
		e.mu.Unlock()
		clear(e.cancelled)

		// The connection replays everything still queued, so every
		// in-flight action gets a fresh timeout.
		deadline := e.deadline()
		for _, f := range e.inflight {
			f.deadline = deadline
		}
		if e.conn.Pending() > 0 {
			e.setState(Degraded)
		} else {
			e.setState(Syncing)
		}

	case transport.Reconnecting, transport.Disconnected:
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()

		for _, f := range e.inflight {
			f.deadline = time.Time{}
		}
		e.setState(Offline)
		if u.Err != nil && errors.Is(u.Err, models.ErrAuth) {
			e.record(Failure{Err: u.Err, At: e.now()})
		}
	}
}

// settleBacklog leaves degraded once the replayed backlog has drained.
func (e *Engine) settleBacklog() {
	if e.State() == Degraded && e.conn.Pending() == 0 {
		e.setState(Syncing)
	}
}

func (e *Engine) apply(ev models.Event) {
	switch ev.Kind {
	case models.EventAck:
		e.applyAck(ev)

	case models.EventError:
		e.applyError(ev)

	case models.EventNewMessage:
		if e.discarded(ev.Token) {
			return
		}
		if f, ok := e.inflight[ev.Token]; ok && f.action.Kind == models.ActionSendMessage {
			delete(e.inflight, ev.Token)
			e.forget(ev.Token)
		}
		delete(e.expired, ev.Token)
		e.clearFailure(ev.Token)
		e.store.AppendMessage(ev.ConversationID, *ev.Message)

	case models.EventConversation:
		e.store.UpsertConversation(*ev.Conversation, ev.ServerTime)

	case models.EventParticipantAdded:
		if err := e.store.ApplyParticipantAdded(ev.ConversationID, ev.UserID, ev.ServerTime); err != nil {
			e.log.Debug("participant_added not applied", "conversation", ev.ConversationID, "user", ev.UserID, "reason", err)
		}

	case models.EventParticipantRemoved:
		if err := e.store.ApplyParticipantRemoved(ev.ConversationID, ev.UserID, ev.ServerTime); err != nil {
			e.log.Debug("participant_removed not applied", "conversation", ev.ConversationID, "user", ev.UserID, "reason", err)
		}

	case models.EventRead:
		if err := e.store.MarkRead(ev.ConversationID, ev.MessageID); err != nil {
			e.log.Debug("read not applied", "conversation", ev.ConversationID, "message", ev.MessageID, "reason", err)
		}

	case models.EventSearchResult:
		if reply, ok := e.searches[ev.Token]; ok {
			delete(e.searches, ev.Token)
			reply <- searchReply{results: ev.Results}
		}

	default:
		e.log.Debug("ignoring event", "kind", ev.Kind)
	}
}

// discarded reports, and consumes, the reply to a cancelled action.
func (e *Engine) discarded(token string) bool {
	if token == "" {
		return false
	}
	if _, ok := e.cancelled[token]; !ok {
		return false
	}
	delete(e.cancelled, token)
	e.log.Debug("discarding reply to cancelled action", "token", token)
	return true
}

// applyAck confirms an action. Acks for actions that already timed out
// are still applied: the server has the change.
func (e *Engine) applyAck(ev models.Event) {
	if e.discarded(ev.Token) {
		return
	}

	var action models.Action
	if f, ok := e.inflight[ev.Token]; ok {
		action = f.action
		delete(e.inflight, ev.Token)
	} else if a, ok := e.expired[ev.Token]; ok {
		action = a
		delete(e.expired, ev.Token)
		e.log.Info("late ack applied", "kind", a.Kind, "token", ev.Token)
	}
	e.forget(ev.Token)
	e.clearFailure(ev.Token)

	switch {
	case ev.Message != nil:
		e.store.AppendMessage(ev.Message.ConversationID, *ev.Message)

	case ev.Conversation != nil:
		if action.Kind == models.ActionCreateConversation && action.ConversationID != "" && action.ConversationID != ev.Conversation.ID {
			e.rekey(action.ConversationID, *ev.Conversation, ev.ServerTime)
		} else {
			e.store.UpsertConversation(*ev.Conversation, ev.ServerTime)
		}

	case action.Kind == models.ActionAddParticipant:
		_ = e.store.AddParticipant(action.ConversationID, action.UserID, ev.ServerTime)

	case action.Kind == models.ActionRemoveParticipant:
		_ = e.store.RemoveParticipant(action.ConversationID, action.UserID, ev.ServerTime)
	}
}

// rekey moves a confirmed conversation to its server id and submits the
// actions parked behind it.
func (e *Engine) rekey(localID string, server models.Conversation, at time.Time) {
	e.mu.Lock()
	e.aliases[localID] = server.ID
	e.mu.Unlock()
	e.store.RekeyConversation(localID, server, at)

	parked := e.parked[localID]
	delete(e.parked, localID)
	for _, a := range parked {
		a.ConversationID = server.ID
		// Re-journal under the server id.
		e.forget(a.Token)
		e.submit(a, false)
	}
	e.log.Debug("conversation confirmed", "local", localID, "id", server.ID, "released", len(parked))
}

func (e *Engine) applyError(ev models.Event) {
	if ev.Token == "" {
		e.log.Warn("server error", "code", ev.Code, "reason", ev.Reason)
		return
	}
	if e.discarded(ev.Token) {
		return
	}
	if reply, ok := e.searches[ev.Token]; ok {
		delete(e.searches, ev.Token)
		reply <- searchReply{err: &models.RemoteError{Code: ev.Code, Reason: ev.Reason}}
		return
	}

	f, ok := e.inflight[ev.Token]
	if !ok {
		// Already failed by timeout.
		delete(e.expired, ev.Token)
		return
	}
	delete(e.inflight, ev.Token)
	e.forget(ev.Token)

	if ev.Code == models.CodeConflict {
		e.resolveConflict(f.action, ev.Reason)
		return
	}
	e.fail(f.action, &models.RemoteError{Code: ev.Code, Reason: ev.Reason})
}

// resolveConflict treats a conflict as success: the server already is in
// the state the action asked for.
func (e *Engine) resolveConflict(a models.Action, reason string) {
	e.log.Info("conflict resolved as no-op", "kind", a.Kind, "conversation", a.ConversationID, "user", a.UserID, "reason", reason)
	switch a.Kind {
	case models.ActionAddParticipant:
		_ = e.store.AddParticipant(a.ConversationID, a.UserID, time.Time{})
	case models.ActionRemoveParticipant:
		_ = e.store.RemoveParticipant(a.ConversationID, a.UserID, time.Time{})
	case models.ActionSendMessage:
		e.fail(a, &models.ConflictError{ConversationID: a.ConversationID, Reason: reason})
	}
}

// fail rolls back or marks the optimistic change of a and reports it.
func (e *Engine) fail(a models.Action, err error) {
	e.log.Warn("action failed", "kind", a.Kind, "token", a.Token, "error", err)

	switch a.Kind {
	case models.ActionSendMessage:
		e.store.MarkFailed(a.Token, err.Error())

	case models.ActionCreateConversation:
		e.store.Rollback(a.ConversationID)
		parked := e.parked[a.ConversationID]
		delete(e.parked, a.ConversationID)
		for _, p := range parked {
			e.forget(p.Token)
			e.record(Failure{
				Token:          p.Token,
				Kind:           p.Kind,
				ConversationID: p.ConversationID,
				Err:            fmt.Errorf("conversation was not created: %w", err),
				At:             e.now(),
			})
		}

	case models.ActionAddParticipant:
		if rbErr := e.store.RemoveParticipant(a.ConversationID, a.UserID, time.Time{}); rbErr != nil && !errors.Is(rbErr, models.ErrConflict) {
			e.log.Warn("rollback failed", "token", a.Token, "error", rbErr)
		}

	case models.ActionRemoveParticipant:
		if rbErr := e.store.AddParticipant(a.ConversationID, a.UserID, time.Time{}); rbErr != nil && !errors.Is(rbErr, models.ErrConflict) {
			e.log.Warn("rollback failed", "token", a.Token, "error", rbErr)
		}

	case models.ActionMarkRead, models.ActionJoin, models.ActionLeave:
		return
	}

	e.record(Failure{Token: a.Token, Kind: a.Kind, ConversationID: a.ConversationID, Err: err, At: e.now()})
}

// expire fails every in-flight action past its deadline and reports
// whether anything changed.
func (e *Engine) expire(now time.Time) bool {
	changed := false
	for token, f := range e.inflight {
		if f.deadline.IsZero() || now.Before(f.deadline) {
			continue
		}
		delete(e.inflight, token)
		e.conn.Cancel(token)
		e.forget(token)
		e.expired[token] = f.action
		e.fail(f.action, &models.ActionTimeoutError{Token: token, Kind: f.action.Kind, After: e.opts.ActionTimeout})
		changed = true
	}
	if changed {
		e.settleBacklog()
	}
	return changed
}
