// Package codec converts between actions/events and JSON frames on the
// realtime channel. Every function here is pure.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/saravenpi/tutorchat/internal/models"
)

type frame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an outbound action into a frame.
func Encode(a models.Action) ([]byte, error) {
	var payload any
	switch a.Kind {
	case models.ActionAuth:
		payload = authPayload{UserID: a.UserID, Token: a.AuthToken}
	case models.ActionSendMessage:
		payload = sendPayload{ConversationID: a.ConversationID, Content: a.Content}
	case models.ActionCreateConversation:
		payload = createPayload{ClientID: a.ConversationID, Participants: a.Participants, Name: a.Name, IsGroup: a.IsGroup}
	case models.ActionAddParticipant, models.ActionRemoveParticipant:
		payload = participantPayload{ConversationID: a.ConversationID, UserID: a.UserID}
	case models.ActionJoin, models.ActionLeave:
		payload = conversationRef{ConversationID: a.ConversationID}
	case models.ActionSearch:
		payload = searchPayload{Query: a.Query}
	case models.ActionMarkRead:
		payload = readPayload{ConversationID: a.ConversationID, MessageID: a.MessageID}
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return marshalFrame(string(a.Kind), a.Token, payload)
}

// DecodeAction parses a client command. The devserver and the outbox
// journal use it; the client itself only ever encodes actions.
func DecodeAction(data []byte) (models.Action, error) {
	f, err := unmarshalFrame(data)
	if err != nil {
		return models.Action{}, err
	}

	a := models.Action{Kind: models.ActionKind(f.Type), Token: f.Token}
	if a.Kind != models.ActionAuth {
		if err := required("token", a.Token); err != nil {
			return models.Action{}, err
		}
	}

	switch a.Kind {
	case models.ActionAuth:
		var p authPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("user_id", p.UserID); err != nil {
			return models.Action{}, err
		}
		a.UserID, a.AuthToken = p.UserID, p.Token

	case models.ActionSendMessage:
		var p sendPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Action{}, err
		}
		if err := required("content", p.Content); err != nil {
			return models.Action{}, err
		}
		a.ConversationID, a.Content = p.ConversationID, p.Content

	case models.ActionCreateConversation:
		var p createPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if len(p.Participants) == 0 {
			return models.Action{}, &models.MalformedFrameError{Field: "participants", Reason: "missing"}
		}
		a.ConversationID, a.Participants, a.Name, a.IsGroup = p.ClientID, p.Participants, p.Name, p.IsGroup

	case models.ActionAddParticipant, models.ActionRemoveParticipant:
		var p participantPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Action{}, err
		}
		if err := required("user_id", p.UserID); err != nil {
			return models.Action{}, err
		}
		a.ConversationID, a.UserID = p.ConversationID, p.UserID

	case models.ActionJoin, models.ActionLeave:
		var p conversationRef
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Action{}, err
		}
		a.ConversationID = p.ConversationID

	case models.ActionSearch:
		var p searchPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("query", p.Query); err != nil {
			return models.Action{}, err
		}
		a.Query = p.Query

	case models.ActionMarkRead:
		var p readPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Action{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Action{}, err
		}
		if err := required("message_id", p.MessageID); err != nil {
			return models.Action{}, err
		}
		a.ConversationID, a.MessageID = p.ConversationID, p.MessageID

	default:
		return models.Action{}, &models.MalformedFrameError{Field: "type", Reason: fmt.Sprintf("unknown command %q", f.Type)}
	}

	return a, nil
}

// Decode parses a server frame into an event.
func Decode(data []byte) (models.Event, error) {
	f, err := unmarshalFrame(data)
	if err != nil {
		return models.Event{}, err
	}

	ev := models.Event{Kind: models.EventKind(f.Type), Token: f.Token}

	switch ev.Kind {
	case models.EventAuthOK:
		var p authOKPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if err := required("user_id", p.UserID); err != nil {
			return models.Event{}, err
		}
		ev.UserID = p.UserID

	case models.EventAuthError:
		var p reasonPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		ev.Code, ev.Reason = p.Code, p.Reason

	case models.EventAck:
		if err := required("token", f.Token); err != nil {
			return models.Event{}, err
		}
		var p ackPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		ev.ConversationID, ev.UserID, ev.ServerTime = p.ConversationID, p.UserID, p.ServerTime
		if p.Message != nil {
			if err := validateMessage(p.Message); err != nil {
				return models.Event{}, err
			}
			m := p.Message.ToMessage()
			if m.Token == "" {
				m.Token = f.Token
			}
			ev.Message = &m
		}
		if p.Conversation != nil {
			if err := required("conversation.id", p.Conversation.ID); err != nil {
				return models.Event{}, err
			}
			c := p.Conversation.ToConversation()
			ev.Conversation = &c
		}

	case models.EventError:
		var p reasonPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if err := required("code", p.Code); err != nil {
			return models.Event{}, err
		}
		ev.Code, ev.Reason = p.Code, p.Reason

	case models.EventNewMessage:
		var p messageEventPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if p.Message == nil {
			return models.Event{}, &models.MalformedFrameError{Field: "message", Reason: "missing"}
		}
		if err := validateMessage(p.Message); err != nil {
			return models.Event{}, err
		}
		m := p.Message.ToMessage()
		ev.Message = &m
		ev.ConversationID = m.ConversationID
		if ev.Token == "" {
			ev.Token = m.Token
		}
		ev.ServerTime = m.Timestamp

	case models.EventConversation:
		var p conversationEventPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if p.Conversation == nil {
			return models.Event{}, &models.MalformedFrameError{Field: "conversation", Reason: "missing"}
		}
		if err := required("conversation.id", p.Conversation.ID); err != nil {
			return models.Event{}, err
		}
		c := p.Conversation.ToConversation()
		ev.Conversation = &c
		ev.ConversationID = c.ID
		ev.ServerTime = p.ServerTime

	case models.EventParticipantAdded, models.EventParticipantRemoved:
		var p participantPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Event{}, err
		}
		if err := required("user_id", p.UserID); err != nil {
			return models.Event{}, err
		}
		ev.ConversationID, ev.UserID, ev.ServerTime = p.ConversationID, p.UserID, p.ServerTime

	case models.EventSearchResult:
		if err := required("token", f.Token); err != nil {
			return models.Event{}, err
		}
		var p searchResultPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		ev.Results = make([]models.Message, 0, len(p.Results))
		for i := range p.Results {
			if err := validateMessage(&p.Results[i]); err != nil {
				return models.Event{}, err
			}
			ev.Results = append(ev.Results, p.Results[i].ToMessage())
		}

	case models.EventRead:
		var p readPayload
		if err := decodePayload(f, &p); err != nil {
			return models.Event{}, err
		}
		if err := required("conversation_id", p.ConversationID); err != nil {
			return models.Event{}, err
		}
		if err := required("message_id", p.MessageID); err != nil {
			return models.Event{}, err
		}
		ev.ConversationID, ev.MessageID = p.ConversationID, p.MessageID

	default:
		return models.Event{}, &models.MalformedFrameError{Field: "type", Reason: fmt.Sprintf("unknown event %q", f.Type)}
	}

	return ev, nil
}

// EncodeEvent serializes a server event. Used by the devserver.
func EncodeEvent(ev models.Event) ([]byte, error) {
	var payload any
	switch ev.Kind {
	case models.EventAuthOK:
		payload = authOKPayload{UserID: ev.UserID}
	case models.EventAuthError, models.EventError:
		payload = reasonPayload{Code: ev.Code, Reason: ev.Reason}
	case models.EventAck:
		p := ackPayload{ConversationID: ev.ConversationID, UserID: ev.UserID, ServerTime: ev.ServerTime}
		if ev.Message != nil {
			w := FromMessage(*ev.Message)
			p.Message = &w
		}
		if ev.Conversation != nil {
			w := FromConversation(*ev.Conversation)
			p.Conversation = &w
		}
		payload = p
	case models.EventNewMessage:
		if ev.Message == nil {
			return nil, errors.New("new_message event without message")
		}
		w := FromMessage(*ev.Message)
		payload = messageEventPayload{Message: &w}
	case models.EventConversation:
		if ev.Conversation == nil {
			return nil, errors.New("conversation event without conversation")
		}
		w := FromConversation(*ev.Conversation)
		payload = conversationEventPayload{Conversation: &w, ServerTime: ev.ServerTime}
	case models.EventParticipantAdded, models.EventParticipantRemoved:
		payload = participantPayload{ConversationID: ev.ConversationID, UserID: ev.UserID, ServerTime: ev.ServerTime}
	case models.EventSearchResult:
		results := make([]WireMessage, 0, len(ev.Results))
		for _, m := range ev.Results {
			results = append(results, FromMessage(m))
		}
		payload = searchResultPayload{Results: results}
	case models.EventRead:
		payload = readPayload{ConversationID: ev.ConversationID, MessageID: ev.MessageID}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return marshalFrame(string(ev.Kind), ev.Token, payload)
}

func marshalFrame(typ, token string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(frame{Type: typ, Token: token, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", typ, err)
	}
	return data, nil
}

func unmarshalFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, malformed(err)
	}
	if f.Type == "" {
		return frame{}, &models.MalformedFrameError{Field: "type", Reason: "missing"}
	}
	return f, nil
}

func decodePayload(f frame, v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return &models.MalformedFrameError{Field: "payload", Reason: "missing"}
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return malformed(err)
	}
	return nil
}

func malformed(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &models.MalformedFrameError{Field: typeErr.Field, Reason: "mistyped", Err: err}
	}
	return &models.MalformedFrameError{Reason: "invalid json", Err: err}
}

func required(field, value string) error {
	if value == "" {
		return &models.MalformedFrameError{Field: field, Reason: "missing"}
	}
	return nil
}

func validateMessage(m *WireMessage) error {
	if err := required("message.id", m.ID); err != nil {
		return err
	}
	if err := required("message.conversation_id", m.ConversationID); err != nil {
		return err
	}
	return required("message.sender_id", m.SenderID)
}
