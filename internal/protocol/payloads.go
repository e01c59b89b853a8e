package protocol

import "encoding/json"

// JoinPayload authenticates the channel right after it opens.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// MessagePayload is an outbound chat message. The realtime send is
// fire-and-forget; the authoritative persisted write goes through the
// history API and receivers reconcile the two paths by message id.
type MessagePayload struct {
	ID         string `json:"id"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// NewMessagePayload is an inbound chat message (new_message / message_sent).
type NewMessagePayload struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ImageURL   string `json:"imageUrl,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// TypingPayload flows both ways. UserID is filled by the server on relay.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadReceiptPayload covers mark_read (out) and message_read (in).
type ReadReceiptPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// StatusUpdatePayload advertises the local user's status.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

// PresencePayload covers online, offline and user_status events.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status,omitempty"`
}

// UserListPayload replaces the whole online roster.
type UserListPayload struct {
	UserIDs []string `json:"userIds"`
}

// ConversationPayload covers join_conversation / leave_conversation.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// CreateCallPayload starts the ring phase of a call.
type CreateCallPayload struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId"`
	UserID       string `json:"userId"`
}

// CallControlPayload covers accept_call, reject_call, end_call and the
// inbound call_accepted, call_rejected, call_ended forms.
type CallControlPayload struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// OfferPayload carries an opaque session offer. UserID is the sender.
type OfferPayload struct {
	CallID       string          `json:"callId"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Offer        json.RawMessage `json:"offer"`
}

// AnswerPayload carries an opaque session answer. UserID is the sender.
type AnswerPayload struct {
	CallID       string          `json:"callId"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Answer       json.RawMessage `json:"answer"`
}

// ICECandidatePayload carries one opaque network candidate.
type ICECandidatePayload struct {
	CallID       string          `json:"callId"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Candidate    json.RawMessage `json:"candidate"`
}

// RejectReasonBusy marks an auto-reject because another call is in progress.
const RejectReasonBusy = "busy"
