package devserver

import (
	"slices"
	"strings"

	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/models"
)

// apply executes an action for userID and returns the reply for the
// originator. Replies are stored by submission token, so a replayed
// action gets the original reply and is not applied twice. origin, when
// set, is excluded from the broadcast since it receives the reply.
//
// Callers hold s.mu.
func (s *Server) apply(userID string, a models.Action, origin *client) models.Event {
	key := userID + "/" + a.Token
	if a.Token != "" {
		if ev, ok := s.replies[key]; ok {
			s.arrivals = append(s.arrivals, Arrival{UserID: userID, Kind: a.Kind, Token: a.Token, Duplicate: true})
			s.log.Debug("duplicate action", "user", userID, "kind", a.Kind, "token", a.Token)
			return ev
		}
	}
	s.arrivals = append(s.arrivals, Arrival{UserID: userID, Kind: a.Kind, Token: a.Token})

	var ev models.Event
	switch a.Kind {
	case models.ActionSendMessage:
		ev = s.sendMessage(userID, a, origin)
	case models.ActionCreateConversation:
		ev = s.createConversation(userID, a, origin)
	case models.ActionAddParticipant:
		ev = s.addParticipant(userID, a, origin)
	case models.ActionRemoveParticipant:
		ev = s.removeParticipant(userID, a, origin)
	case models.ActionJoin, models.ActionLeave:
		ev = s.membership(userID, a)
	case models.ActionSearch:
		ev = s.search(userID, a.Query)
	case models.ActionMarkRead:
		ev = s.markRead(userID, a, origin)
	default:
		ev = failure(models.CodeInvalid, "unsupported command "+string(a.Kind))
	}
	ev.Token = a.Token

	if a.Token != "" {
		s.replies[key] = ev
	}
	return ev
}

func failure(code, reason string) models.Event {
	return models.Event{Kind: models.EventError, Code: code, Reason: reason}
}

// member returns the conversation if userID may act on it.
func (s *Server) member(userID, conversationID string) (*conversation, *models.Event) {
	rec, ok := s.conversations[conversationID]
	if !ok {
		ev := failure(models.CodeNotFound, "unknown conversation "+conversationID)
		return nil, &ev
	}
	if !rec.conv.HasParticipant(userID) {
		ev := failure(models.CodeForbidden, "not a participant")
		return nil, &ev
	}
	return rec, nil
}

func (s *Server) sendMessage(userID string, a models.Action, origin *client) models.Event {
	rec, fail := s.member(userID, a.ConversationID)
	if fail != nil {
		return *fail
	}
	if strings.TrimSpace(a.Content) == "" {
		return failure(models.CodeInvalid, "empty message")
	}

	m := models.Message{
		ID:             s.nextID("m"),
		Token:          a.Token,
		ConversationID: a.ConversationID,
		SenderID:       userID,
		Content:        a.Content,
		Timestamp:      s.tick(),
		State:          models.MessageConfirmed,
	}
	rec.messages = append(rec.messages, m)

	s.deliver(rec.conv.Participants, origin, models.Event{
		Kind:           models.EventNewMessage,
		Token:          m.Token,
		ConversationID: m.ConversationID,
		Message:        &m,
		ServerTime:     m.Timestamp,
	})
	return models.Event{Kind: models.EventAck, ConversationID: m.ConversationID, Message: &m, ServerTime: m.Timestamp}
}

func (s *Server) createConversation(userID string, a models.Action, origin *client) models.Event {
	participants := []string{userID}
	for _, p := range a.Participants {
		if p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	if len(participants) < 2 {
		return failure(models.CodeInvalid, "a conversation needs at least two participants")
	}
	if !a.IsGroup && len(participants) != 2 {
		return failure(models.CodeInvalid, "direct conversations have exactly two participants")
	}

	now := s.tick()
	c := models.Conversation{
		ID:           s.nextID("c"),
		Participants: participants,
		IsGroup:      a.IsGroup,
		Name:         a.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = &conversation{conv: c}
	s.order = append(s.order, c.ID)

	s.deliver(participants, origin, models.Event{Kind: models.EventConversation, ConversationID: c.ID, Conversation: &c, ServerTime: now})
	return models.Event{Kind: models.EventAck, ConversationID: c.ID, Conversation: &c, ServerTime: now}
}

func (s *Server) addParticipant(userID string, a models.Action, origin *client) models.Event {
	rec, fail := s.member(userID, a.ConversationID)
	if fail != nil {
		return *fail
	}
	if rec.conv.HasParticipant(a.UserID) {
		return failure(models.CodeConflict, "already a participant")
	}
	if !rec.conv.IsGroup {
		return failure(models.CodeConflict, "direct conversations have exactly two participants")
	}

	now := s.tick()
	rec.conv.Participants = append(slices.Clone(rec.conv.Participants), a.UserID)
	rec.conv.UpdatedAt = now

	s.deliver(rec.conv.Participants, origin, models.Event{
		Kind:           models.EventParticipantAdded,
		ConversationID: a.ConversationID,
		UserID:         a.UserID,
		ServerTime:     now,
	})
	// The new member has never seen this conversation.
	conv := rec.conv.Clone()
	s.deliver([]string{a.UserID}, origin, models.Event{Kind: models.EventConversation, ConversationID: conv.ID, Conversation: &conv, ServerTime: now})
	return models.Event{Kind: models.EventAck, ConversationID: a.ConversationID, UserID: a.UserID, ServerTime: now}
}

func (s *Server) removeParticipant(userID string, a models.Action, origin *client) models.Event {
	rec, fail := s.member(userID, a.ConversationID)
	if fail != nil {
		return *fail
	}
	i := slices.Index(rec.conv.Participants, a.UserID)
	if i < 0 {
		return failure(models.CodeConflict, "not a participant")
	}
	if len(rec.conv.Participants) <= 2 {
		return failure(models.CodeConflict, "a conversation needs at least two participants")
	}

	now := s.tick()
	before := rec.conv.Participants
	rec.conv.Participants = slices.Delete(slices.Clone(before), i, i+1)
	rec.conv.UpdatedAt = now

	s.deliver(before, origin, models.Event{
		Kind:           models.EventParticipantRemoved,
		ConversationID: a.ConversationID,
		UserID:         a.UserID,
		ServerTime:     now,
	})
	return models.Event{Kind: models.EventAck, ConversationID: a.ConversationID, UserID: a.UserID, ServerTime: now}
}

func (s *Server) membership(userID string, a models.Action) models.Event {
	if _, fail := s.member(userID, a.ConversationID); fail != nil {
		return *fail
	}
	return models.Event{Kind: models.EventAck, ConversationID: a.ConversationID, ServerTime: s.tick()}
}

func (s *Server) search(userID, query string) models.Event {
	q := strings.ToLower(strings.TrimSpace(query))
	results := []models.Message{}
	if q == "" {
		return models.Event{Kind: models.EventSearchResult, Results: results}
	}
	for _, id := range s.order {
		rec := s.conversations[id]
		if !rec.conv.HasParticipant(userID) {
			continue
		}
		for _, m := range rec.messages {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, m)
			}
		}
	}
	return models.Event{Kind: models.EventSearchResult, Results: results}
}

func (s *Server) markRead(userID string, a models.Action, origin *client) models.Event {
	rec, fail := s.member(userID, a.ConversationID)
	if fail != nil {
		return *fail
	}
	if !slices.ContainsFunc(rec.messages, func(m models.Message) bool { return m.ID == a.MessageID }) {
		return failure(models.CodeNotFound, "unknown message "+a.MessageID)
	}
	s.deliver([]string{userID}, origin, models.Event{Kind: models.EventRead, ConversationID: a.ConversationID, MessageID: a.MessageID})
	return models.Event{Kind: models.EventAck, ConversationID: a.ConversationID, ServerTime: s.tick()}
}

// deliver queues ev on every connection of the given users except skip.
// Callers hold s.mu.
func (s *Server) deliver(userIDs []string, skip *client, ev models.Event) {
	frame, err := codec.EncodeEvent(ev)
	if err != nil {
		s.log.Error("failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	for c := range s.clients {
		if c == skip || !slices.Contains(userIDs, c.userID) {
			continue
		}
		c.queue(frame)
	}
}
