package schemas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags a cross-context message. The set is closed.
type MessageType string

const (
	MsgPayloadHandoff    MessageType = "payload_handoff"
	MsgPageReady         MessageType = "page_ready"
	MsgSnapshotSubmitted MessageType = "snapshot_submitted"
	MsgProgress          MessageType = "progress"
	MsgFillComplete      MessageType = "fill_complete"
	MsgMappingError      MessageType = "mapping_error"
	MsgStatusQuery       MessageType = "status_query"
	MsgReset             MessageType = "reset"

	// Raised by the tab lifecycle and by the orchestrator's own effects, never by callers.
	MsgTabClosed     MessageType = "tab_closed"
	MsgTabOpened     MessageType = "tab_opened"
	MsgMappingResult MessageType = "mapping_result"
)

// Message is the envelope exchanged between execution contexts.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Sender    TabID           `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message with a JSON-encoded payload. A nil payload is allowed.
func NewMessage(t MessageType, sender TabID, payload interface{}) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      t,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Response answers a Message. Either OK with optional Data, or an Error string.
type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// OKResponse builds a success response carrying data (which may be nil).
func OKResponse(data interface{}) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(fmt.Errorf("failed to encode response: %w", err))
	}
	return Response{OK: true, Data: raw}
}

// ErrorResponse builds a failure response.
func ErrorResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Status is returned for a status query.
type Status struct {
	State        FillingState   `json:"state"`
	FormCode     string         `json:"formCode,omitempty"`
	HasPayload   bool           `json:"hasPayload"`
	TargetTab    TabID          `json:"targetTab,omitempty"`
	LastProgress *ProgressEvent `json:"lastProgress,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// TabEvent is the payload of tab lifecycle messages. Error is set on tab_opened when the
// tab could not be opened.
type TabEvent struct {
	Tab   TabID  `json:"tab"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// PageReady is the optional payload of page_ready. LoginRequired is set when the page
// driver found a sign-in form instead of the target form.
type PageReady struct {
	URL           string `json:"url,omitempty"`
	LoginRequired bool   `json:"loginRequired,omitempty"`
}

// MappingErrorNotice carries a mapping failure message.
type MappingErrorNotice struct {
	Message string `json:"message"`
}

// MappingResult is the outcome of the orchestrator's mapping call, fed back into the reducer.
type MappingResult struct {
	Mappings []FieldMapping `json:"mappings,omitempty"`
	Error    string         `json:"error,omitempty"`
}
