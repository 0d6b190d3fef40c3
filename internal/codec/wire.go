package codec

import (
	"time"

	"github.com/saravenpi/tutorchat/internal/models"
)

// WireMessage is the JSON form of a message, shared with the REST API.
type WireMessage struct {
	ID             string    `json:"id"`
	Token          string    `json:"token,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// WireConversation is the JSON form of a conversation, shared with the REST API.
type WireConversation struct {
	ID           string        `json:"id"`
	Participants []string      `json:"participants"`
	IsGroup      bool          `json:"is_group"`
	Name         string        `json:"name,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Messages     []WireMessage `json:"messages,omitempty"`
}

func FromMessage(m models.Message) WireMessage {
	return WireMessage{
		ID:             m.ID,
		Token:          m.Token,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
	}
}

// ToMessage returns a confirmed message; wire messages always come from the server.
func (w WireMessage) ToMessage() models.Message {
	return models.Message{
		ID:             w.ID,
		Token:          w.Token,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		Timestamp:      w.Timestamp,
		State:          models.MessageConfirmed,
	}
}

func FromConversation(c models.Conversation) WireConversation {
	return WireConversation{
		ID:           c.ID,
		Participants: c.Participants,
		IsGroup:      c.IsGroup,
		Name:         c.Name,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (w WireConversation) ToConversation() models.Conversation {
	return models.Conversation{
		ID:           w.ID,
		Participants: w.Participants,
		IsGroup:      w.IsGroup,
		Name:         w.Name,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}

type authPayload struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type sendPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type createPayload struct {
	ClientID     string   `json:"client_id,omitempty"`
	Participants []string `json:"participants"`
	Name         string   `json:"name,omitempty"`
	IsGroup      bool     `json:"is_group"`
}

type participantPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ServerTime     time.Time `json:"server_time,omitzero"`
}

type conversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type searchPayload struct {
	Query string `json:"query"`
}

type readPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type authOKPayload struct {
	UserID string `json:"user_id"`
}

type reasonPayload struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}

type ackPayload struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Message        *WireMessage      `json:"message,omitempty"`
	Conversation   *WireConversation `json:"conversation,omitempty"`
	ServerTime     time.Time         `json:"server_time"`
}

type messageEventPayload struct {
	Message *WireMessage `json:"message"`
}

type conversationEventPayload struct {
	Conversation *WireConversation `json:"conversation"`
	ServerTime   time.Time         `json:"server_time"`
}

type searchResultPayload struct {
	Results []WireMessage `json:"results"`
}
