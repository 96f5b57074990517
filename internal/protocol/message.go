package protocol

import (
	"fmt"
	"time"

	"ptyhive/internal/classify"
)

// Message is the envelope for all WebSocket messages. Payload holds the
// payload encoded with the Codec that produced or received the message.
type Message struct {
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(c Codec, msgType string, payload any) (*Message, error) {
	data, err := c.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionIdle       = "session.idle"
	TypeSessionTerminated = "session.terminated"
	TypeSessionLagged     = "session.lagged"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate      = "session.create"
	TypeSessionWrite       = "session.write"
	TypeSessionResize      = "session.resize"
	TypeSessionPause       = "session.pause"
	TypeSessionResume      = "session.resume"
	TypeSessionClose       = "session.close"
	TypeSessionSubscribe   = "session.subscribe"
	TypeSessionUnsubscribe = "session.unsubscribe"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrOffsetExpired     = "OFFSET_EXPIRED"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrInternal          = "INTERNAL"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	WorkDir   string   `json:"workDir"`
	Label     string   `json:"label"`
	Command   []string `json:"command"`
	Pid       int      `json:"pid"`
	Rows      uint16   `json:"rows"`
	Cols      uint16   `json:"cols"`
	Offset    uint64   `json:"offset"`
	CreatedAt string   `json:"createdAt"`
}

// SessionOutputPayload carries one chunk of raw output and whatever was
// recognised in it. Offset is the stream position of Data's first byte.
type SessionOutputPayload struct {
	SessionID string           `json:"sessionId"`
	Offset    uint64           `json:"offset"`
	Data      []byte           `json:"data"`
	Events    []classify.Event `json:"events,omitempty"`
}

// SessionIdlePayload reports that a quiet session looks like it is waiting
// for input.
type SessionIdlePayload struct {
	SessionID string         `json:"sessionId"`
	Offset    uint64         `json:"offset"`
	Question  classify.Event `json:"question"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
	Reason    string `json:"reason"` // "exit" | "closed"
	Offset    uint64 `json:"offset"`
}

// SessionLaggedPayload tells a client it fell too far behind. It can
// re-subscribe with Offset to catch up from the ring buffer.
type SessionLaggedPayload struct {
	SessionID string `json:"sessionId"`
	Offset    uint64 `json:"offset"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string            `json:"workDir"`
	Label   string            `json:"label"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
}

type SessionWritePayload struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// SessionSubscribePayload subscribes to a session's output. With Offset
// set, buffered output from that offset is replayed first.
type SessionSubscribePayload struct {
	SessionID string  `json:"sessionId"`
	Offset    *uint64 `json:"offset,omitempty"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}
