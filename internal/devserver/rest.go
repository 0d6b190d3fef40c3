package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/saravenpi/tutorchat/internal/api"
	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/models"
)

func (s *Server) withUser(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, models.CodeUnauthorized, "unauthorized")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	if q := r.URL.Query().Get("user_id"); q != "" && q != userID {
		writeError(w, http.StatusForbidden, models.CodeForbidden, "user mismatch")
		return
	}

	s.mu.Lock()
	resp := api.ConversationsResponse{Conversations: []codec.WireConversation{}}
	for _, id := range s.order {
		rec := s.conversations[id]
		if !rec.conv.HasParticipant(userID) {
			continue
		}
		wc := codec.FromConversation(rec.conv)
		for _, m := range rec.messages {
			wc.Messages = append(wc.Messages, codec.FromMessage(m))
		}
		resp.Conversations = append(resp.Conversations, wc)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req api.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.CodeInvalid, "invalid json")
		return
	}
	ev := s.applyREST(r, userID, models.Action{
		Kind:         models.ActionCreateConversation,
		Participants: req.Participants,
		Name:         req.Name,
		IsGroup:      req.IsGroup,
	})
	if writeFailure(w, ev) {
		return
	}
	writeJSON(w, http.StatusCreated, codec.FromConversation(*ev.Conversation))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, models.CodeInvalid, "missing query")
		return
	}
	ev := s.applyREST(r, userID, models.Action{Kind: models.ActionSearch, Query: q})
	resp := api.SearchResponse{Results: make([]codec.WireMessage, 0, len(ev.Results))}
	for _, m := range ev.Results {
		resp.Results = append(resp.Results, codec.FromMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request, userID string) {
	var req api.ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, models.CodeInvalid, "invalid json")
		return
	}
	ev := s.applyREST(r, userID, models.Action{
		Kind:           models.ActionAddParticipant,
		ConversationID: r.PathValue("id"),
		UserID:         req.UserID,
	})
	if writeFailure(w, ev) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, userID string) {
	ev := s.applyREST(r, userID, models.Action{
		Kind:           models.ActionRemoveParticipant,
		ConversationID: r.PathValue("id"),
		UserID:         r.PathValue("userID"),
	})
	if writeFailure(w, ev) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.CodeInvalid, "invalid json")
		return
	}
	ev := s.applyREST(r, userID, models.Action{
		Kind:           models.ActionSendMessage,
		ConversationID: r.PathValue("id"),
		Content:        req.Content,
	})
	if writeFailure(w, ev) {
		return
	}
	writeJSON(w, http.StatusCreated, codec.FromMessage(*ev.Message))
}

func (s *Server) applyREST(r *http.Request, userID string, a models.Action) models.Event {
	a.Token = r.Header.Get(api.IdempotencyHeader)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(userID, a, nil)
}

// writeFailure writes an error event as an HTTP error and reports whether
// it did.
func writeFailure(w http.ResponseWriter, ev models.Event) bool {
	if ev.Kind != models.EventError {
		return false
	}
	status := http.StatusBadRequest
	switch ev.Code {
	case models.CodeConflict:
		status = http.StatusConflict
	case models.CodeNotFound:
		status = http.StatusNotFound
	case models.CodeForbidden:
		status = http.StatusForbidden
	case models.CodeUnauthorized:
		status = http.StatusUnauthorized
	}
	writeError(w, status, ev.Code, ev.Reason)
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message, Code: code})
}
