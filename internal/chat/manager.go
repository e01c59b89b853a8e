// Package chat is the feature layer over the realtime channel: outbound
// messages, read receipts, status updates, conversation membership and the
// debounced typing signal.
package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/conn"
	"github.com/Aks-20/SocialChat/internal/protocol"
	"github.com/Aks-20/SocialChat/internal/typing"
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Manager sends feature-level envelopes for one local user.
//
// A chat message takes two delivery paths: this fire-and-forget realtime
// notify, and the authoritative persisted write through the history API.
// Receivers reconcile duplicates by message id, they do not suppress a path.
type Manager struct {
	sender   Sender
	userID   string
	log      zerolog.Logger
	debounce *typing.Debouncer
	now      func() time.Time
}

// NewManager returns a Manager for userID sending through s.
func NewManager(s Sender, userID string, log zerolog.Logger) *Manager {
	m := &Manager{
		sender: s,
		userID: userID,
		log:    log,
		now:    time.Now,
	}
	m.debounce = typing.NewDebouncer(typing.DebounceWindow, m.sendTyping)
	return m
}

// SendMessage sends a chat message to receiverID and returns its id.
// Failure with conn.ErrNotConnected is surfaced to the caller; the chat UI
// decides how to report it.
func (m *Manager) SendMessage(receiverID, content, imageURL string) (string, error) {
	id := uuid.NewString()
	err := m.send(protocol.TypeMessage, protocol.MessagePayload{
		ID:         id,
		ReceiverID: receiverID,
		Content:    content,
		ImageURL:   imageURL,
		Timestamp:  m.now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkRead reports that messageID in conversationID has been read.
func (m *Manager) MarkRead(messageID, conversationID string) error {
	return m.send(protocol.TypeMarkRead, protocol.ReadReceiptPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
}

// SetStatus advertises the local user's status.
func (m *Manager) SetStatus(status string) error {
	return m.send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{Status: status})
}

// JoinConversation subscribes the session to a conversation.
func (m *Manager) JoinConversation(conversationID string) error {
	return m.send(protocol.TypeJoinConversation, protocol.ConversationPayload{
		ConversationID: conversationID,
	})
}

// LeaveConversation unsubscribes the session from a conversation and ends
// any local typing burst in it.
func (m *Manager) LeaveConversation(conversationID string) error {
	m.debounce.Stop(conversationID)
	return m.send(protocol.TypeLeaveConversation, protocol.ConversationPayload{
		ConversationID: conversationID,
	})
}

// Keystroke registers local typing activity; the debouncer turns bursts into
// one start signal and one automatic stop signal.
func (m *Manager) Keystroke(conversationID string) {
	m.debounce.Keystroke(conversationID)
}

// StopTyping ends the local typing burst immediately (message sent, input
// cleared).
func (m *Manager) StopTyping(conversationID string) {
	m.debounce.Stop(conversationID)
}

// ConversationWith returns the conversation id shared with peerID.
func (m *Manager) ConversationWith(peerID string) string {
	return protocol.ConversationID(m.userID, peerID)
}

// Close cancels the debounce timers.
func (m *Manager) Close() {
	m.debounce.Close()
}

// sendTyping is best-effort: typing indicators while disconnected are
// dropped silently.
func (m *Manager) sendTyping(conversationID string, isTyping bool) {
	err := m.send(protocol.TypeTyping, protocol.TypingPayload{
		ConversationID: conversationID,
		UserID:         m.userID,
		IsTyping:       isTyping,
	})
	if err != nil && !errors.Is(err, conn.ErrNotConnected) {
		m.log.Warn().Err(err).Str("conversation", conversationID).Msg("typing signal failed")
	}
}

func (m *Manager) send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return m.sender.Send(env)
}
