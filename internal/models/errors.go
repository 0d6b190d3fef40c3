package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is checks against the concrete types below.
var (
	ErrAuth           = errors.New("authentication required")
	ErrNetwork        = errors.New("network unavailable")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrActionTimeout  = errors.New("action timed out")
	ErrConflict       = errors.New("conflicting change")
)

// AuthError means there is no usable session token. Fatal for connect.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return ErrAuth.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAuth, e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NetworkError is transient and triggers reconnect backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// MalformedFrameError is returned for frames with missing or mistyped fields.
type MalformedFrameError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	msg := ErrMalformedFrame.Error()
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

func (e *MalformedFrameError) Is(target error) bool { return target == ErrMalformedFrame }

// ActionTimeoutError marks a single action as failed; the user may retry.
type ActionTimeoutError struct {
	Token string
	Kind  ActionKind
	After time.Duration
}

func (e *ActionTimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no acknowledgement after %s", e.Kind, e.Token, e.After)
}

func (e *ActionTimeoutError) Is(target error) bool { return target == ErrActionTimeout }

// ConflictError is resolved as a no-op by the caller.
type ConflictError struct {
	ConversationID string
	UserID         string
	Reason         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on conversation %s for %s: %s", e.ConversationID, e.UserID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RemoteError is an error event for an action that is not a conflict.
type RemoteError struct {
	Code   string
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server rejected action (%s): %s", e.Code, e.Reason)
}
