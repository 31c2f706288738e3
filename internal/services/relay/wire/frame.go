// Package wire defines the JSON frames exchanged between sheetsync clients
// and the relay over a websocket.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
)

// Frame types.
const (
	// FrameJoin subscribes the connection to a spreadsheet room.
	FrameJoin = "sheet.join"
	// FrameJoined confirms a join once the catch-up messages were sent.
	FrameJoined = "sheet.joined"
	// FrameSend submits a message to the joined room.
	FrameSend = "sheet.send"
	// FrameAck acknowledges a send.
	FrameAck = "sheet.ack"
	// FrameMessage carries a message of the room.
	FrameMessage = "sheet.message"
	// FrameError reports a rejected frame.
	FrameError = "sheet.error"
)

// Error codes.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeForbidden         = "FORBIDDEN"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnavailable       = "UNAVAILABLE"
)

// Retryable reports whether a frame rejected with code may succeed when
// sent again later.
func Retryable(code string) bool {
	return code == CodeUnavailable || code == CodeResourceExhausted
}

// Frame is the envelope of every websocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// JoinPayload asks for the messages of a room after SinceSeq.
type JoinPayload struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SinceSeq      int64  `json:"since_seq,omitempty"`
}

// JoinedPayload confirms a join.
type JoinedPayload struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	LatestSeq     int64  `json:"latest_seq"`
	ServerTime    string `json:"server_time"`
}

// SendPayload wraps an outgoing message.
type SendPayload struct {
	Message collab.Message `json:"message"`
}

// AckPayload acknowledges a send. Duplicate sends get the sequence of the
// first one.
type AckPayload struct {
	Status    string `json:"status"`
	Seq       int64  `json:"seq,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MessagePayload carries a room message. Presence messages have no
// sequence.
type MessagePayload struct {
	Seq     int64          `json:"seq,omitempty"`
	Message collab.Message `json:"message"`
}

// ErrorPayload reports a rejected frame.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewFrame encodes payload into a frame.
func NewFrame(typ, requestID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Frame{Type: typ, RequestID: requestID, Payload: raw}, nil
}

// Joined builds the frame confirming a join.
func Joined(spreadsheetID string, latest int64, now time.Time) (Frame, error) {
	return NewFrame(FrameJoined, "", JoinedPayload{
		SpreadsheetID: spreadsheetID,
		LatestSeq:     latest,
		ServerTime:    now.UTC().Format(time.RFC3339),
	})
}

// RequestID returns the request id used to send msg: the sender and its
// counter for ordered messages, empty for presence.
func RequestID(msg collab.Message) string {
	if !msg.Ordered() {
		return ""
	}
	return fmt.Sprintf("%s:%d", msg.ClientID, msg.Counter())
}
