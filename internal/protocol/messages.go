// Package protocol defines the envelope format and message types exchanged
// over the realtime channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types for the realtime protocol.
const (
	TypeJoin              = "join"
	TypeMessage           = "message"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeTyping            = "typing"
	TypeMarkRead          = "mark_read"
	TypeMessageRead       = "message_read"
	TypeStatusUpdate      = "status_update"
	TypeOnline            = "online"
	TypeOffline           = "offline"
	TypeUserStatus        = "user_status"
	TypeUserList          = "user_list"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeCreateVideoCall   = "create_video_call"
	TypeAcceptCall        = "accept_call"
	TypeRejectCall        = "reject_call"
	TypeEndCall           = "end_call"
	TypeCallAccepted      = "call_accepted"
	TypeCallRejected      = "call_rejected"
	TypeCallEnded         = "call_ended"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice_candidate"
)

// Statuses a user can advertise. Presence (online/offline) is tracked
// separately; a user can be online with status "away".
const (
	StatusOnline       = "online"
	StatusAway         = "away"
	StatusBusy         = "busy"
	StatusDoNotDisturb = "dnd"
	StatusOffline      = "offline"
)

// Envelope is the unit of dispatch: a type tag plus an opaque payload.
// It is immutable once received.
type Envelope struct {
	Type string
	Data json.RawMessage
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// MarshalJSON writes the canonical nested wire shape {"type":..,"data":..}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: e.Type, Data: e.Data})
}

// UnmarshalJSON accepts both wire shapes the server emits: the nested
// {"type":..,"data":{..}} form and control messages with their fields
// flattened alongside "type". Both normalize to the same Envelope.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	raw, ok := fields["type"]
	if !ok {
		return fmt.Errorf("envelope missing type")
	}
	if err := json.Unmarshal(raw, &e.Type); err != nil {
		return fmt.Errorf("envelope type: %w", err)
	}
	if data, ok := fields["data"]; ok {
		e.Data = data
		return nil
	}
	delete(fields, "type")
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// ConversationID derives the conversation id shared by two users: the ids
// sorted ascending, joined with "_". Both peers derive the same id without a
// handshake: ConversationID(a, b) == ConversationID(b, a).
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// ConversationPeers splits a conversation id back into its participant ids.
func ConversationPeers(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, "_")
	return a, b, ok
}
