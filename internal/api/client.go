// Package api is the request/response client for the backend message API.
// Every request carries the session's bearer token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saravenpi/tutorchat/internal/codec"
	"github.com/saravenpi/tutorchat/internal/logging"
	"github.com/saravenpi/tutorchat/internal/models"
)

// IdempotencyHeader carries the submission token of a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// TokenSource returns the current bearer token, or false when signed out.
type TokenSource interface {
	Token() (string, bool)
}

type CreateConversationRequest struct {
	Participants []string `json:"participants"`
	Name         string   `json:"name,omitempty"`
	IsGroup      bool     `json:"is_group"`
}

type ParticipantRequest struct {
	UserID string `json:"user_id"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type ConversationsResponse struct {
	Conversations []codec.WireConversation `json:"conversations"`
}

type SearchResponse struct {
	Results []codec.WireMessage `json:"results"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Snapshot is a conversation together with its stored history.
type Snapshot struct {
	Conversation models.Conversation
	Messages     []models.Message
}

type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = logging.Component(l, "api")
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindAll returns every conversation userID participates in, with history.
func (c *Client) FindAll(ctx context.Context, userID string) ([]Snapshot, error) {
	var resp ConversationsResponse
	path := "/api/conversations?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(resp.Conversations))
	for _, wc := range resp.Conversations {
		snap := Snapshot{Conversation: wc.ToConversation()}
		for _, wm := range wc.Messages {
			m := wm.ToMessage()
			m.ConversationID = wc.ID
			snap.Messages = append(snap.Messages, m)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, participants []string, name string, isGroup bool) (models.Conversation, error) {
	var wc codec.WireConversation
	req := CreateConversationRequest{Participants: participants, Name: name, IsGroup: isGroup}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", uuid.NewString(), req, &wc); err != nil {
		return models.Conversation{}, err
	}
	return wc.ToConversation(), nil
}

func (c *Client) Search(ctx context.Context, query string) ([]models.Message, error) {
	var resp SearchResponse
	if err := c.do(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(resp.Results))
	for _, wm := range resp.Results {
		out = append(out, wm.ToMessage())
	}
	return out, nil
}

func (c *Client) AddParticipant(ctx context.Context, conversationID, userID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/participants"
	err := c.do(ctx, http.MethodPost, path, uuid.NewString(), ParticipantRequest{UserID: userID}, nil)
	return withConflictTarget(err, conversationID, userID)
}

func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/participants/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodDelete, path, uuid.NewString(), nil, nil)
	return withConflictTarget(err, conversationID, userID)
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (models.Message, error) {
	var wm codec.WireMessage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, uuid.NewString(), SendMessageRequest{Content: text}, &wm); err != nil {
		return models.Message{}, err
	}
	return wm.ToMessage(), nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	token, ok := c.tokens.Token()
	if !ok {
		return &models.AuthError{Reason: "no session token"}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &models.NetworkError{Op: method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()
	c.log.Debug("request", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &models.AuthError{Reason: body.Error}
	case http.StatusConflict:
		return &models.ConflictError{Reason: body.Error}
	}
	if body.Code == "" {
		body.Code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	return &models.RemoteError{Code: body.Code, Reason: body.Error}
}

func withConflictTarget(err error, conversationID, userID string) error {
	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		conflict.ConversationID = conversationID
		conflict.UserID = userID
	}
	return err
}
