package collab

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Inbound events.
const (
	EventJoinDocument    = "join-document"
	EventDocumentUpdate  = "document-update"
	EventCursorPosition  = "cursor-position"
	EventTypingIndicator = "typing-indicator"
	EventLeaveDocument   = "leave-document"
)

// Outbound events.
const (
	EventDocumentState = "document-state"
	EventUsersList     = "users-list"
	EventUserJoined    = "user-joined"
	EventUserLeft      = "user-left"
	EventRemoteCursor  = "remote-cursor"
	EventUserTyping    = "user-typing"
	EventJoinError     = "join-error"
	EventUpdateError   = "update-error"
)

// Envelope is one frame on the wire: a named event and its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Bytes travels as a JSON array of octets, the shape browsers produce with
// Array.from(uint8Array). A base64 string is accepted on input as well.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}
	var values []int
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return errors.New("byte value out of range")
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

type JoinPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
}

type UpdatePayload struct {
	DocumentID string `json:"documentId"`
	Update     Bytes  `json:"update"`
}

type CursorPayload struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position"`
	Selection  json.RawMessage `json:"selection"`
}

type TypingPayload struct {
	DocumentID string `json:"documentId"`
	IsTyping   bool   `json:"isTyping"`
}

type LeavePayload struct {
	DocumentID string `json:"documentId"`
}

type DocumentStatePayload struct {
	DocumentID string `json:"documentId"`
	State      Bytes  `json:"state"`
}

// UserInfo describes a participant to the rest of the room.
type UserInfo struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ConnectionID string `json:"connectionId"`
}

type UsersListPayload struct {
	Users []UserInfo `json:"users"`
}

type RemoteCursorPayload struct {
	UserID       string          `json:"userId"`
	UserName     string          `json:"userName"`
	ConnectionID string          `json:"connectionId"`
	Position     json.RawMessage `json:"position"`
	Selection    json.RawMessage `json:"selection"`
}

type UserTypingPayload struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	ConnectionID string `json:"connectionId"`
	IsTyping     bool   `json:"isTyping"`
}

type ErrorPayload struct {
	DocumentID string `json:"documentId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}
