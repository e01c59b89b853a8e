package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/protocol"
)

// client is one connected user. Envelopes queue on send and are drained by
// the connection's write pump; a full queue drops the envelope rather than
// blocking the hub.
type client struct {
	userID string
	send   chan protocol.Envelope
}

// hub routes envelopes between connected users and synthesizes the
// presence, roster and call-control events the client consumes. It is a
// relay for local development, not a product server: nothing is persisted.
type hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		log:     log,
		clients: make(map[string]*client),
	}
}

// register adds a client, announces it online to everyone else and hands the
// newcomer the current roster.
func (h *hub) register(c *client) {
	h.mu.Lock()
	if prev, ok := h.clients[c.userID]; ok {
		close(prev.send)
	}
	h.clients[c.userID] = c
	roster := make([]string, 0, len(h.clients))
	for id := range h.clients {
		roster = append(roster, id)
	}
	h.mu.Unlock()

	h.log.Info().Str("user", c.userID).Msg("client joined")
	h.broadcast(c.userID, protocol.TypeOnline, protocol.PresencePayload{UserID: c.userID})
	h.deliver(c.userID, protocol.TypeUserList, protocol.UserListPayload{UserIDs: roster})
}

// unregister removes a client (unless a newer connection replaced it) and
// announces it offline.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	cur, ok := h.clients[c.userID]
	if ok && cur == c {
		delete(h.clients, c.userID)
		close(c.send)
	}
	h.mu.Unlock()
	if !ok || cur != c {
		return
	}

	h.log.Info().Str("user", c.userID).Msg("client left")
	h.broadcast(c.userID, protocol.TypeOffline, protocol.PresencePayload{UserID: c.userID})
}

// route handles one envelope from a connected client.
func (h *hub) route(from *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		var p protocol.MessagePayload
		if !h.decode(from, env, &p) {
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		msg := protocol.NewMessagePayload{
			ID:         p.ID,
			SenderID:   from.userID,
			ReceiverID: p.ReceiverID,
			Content:    p.Content,
			ImageURL:   p.ImageURL,
			Timestamp:  p.Timestamp,
		}
		h.deliver(p.ReceiverID, protocol.TypeNewMessage, msg)
		h.deliver(from.userID, protocol.TypeMessageSent, msg)

	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliverToPeer(from.userID, p.ConversationID, protocol.TypeTyping, p)

	case protocol.TypeMarkRead:
		var p protocol.ReadReceiptPayload
		if !h.decode(from, env, &p) {
			return
		}
		h.deliverToPeer(from.userID, p.ConversationID, protocol.TypeMessageRead, p)

	case protocol.TypeStatusUpdate:
		var p protocol.StatusUpdatePayload
		if !h.decode(from, env, &p) {
			return
		}
		h.broadcast(from.userID, protocol.TypeUserStatus, protocol.PresencePayload{
			UserID: from.userID,
			Status: p.Status,
		})

	case protocol.TypeJoinConversation, protocol.TypeLeaveConversation:
		// Membership is implicit in this relay; acknowledge by logging only.
		h.log.Debug().Str("user", from.userID).Str("type", env.Type).Msg("conversation membership")

	case protocol.TypeCreateVideoCall:
		var p protocol.CreateCallPayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliver(p.TargetUserID, protocol.TypeCreateVideoCall, p)

	case protocol.TypeOffer:
		var p protocol.OfferPayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliver(p.TargetUserID, protocol.TypeOffer, p)

	case protocol.TypeAnswer:
		var p protocol.AnswerPayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliver(p.TargetUserID, protocol.TypeAnswer, p)

	case protocol.TypeICECandidate:
		var p protocol.ICECandidatePayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliver(p.TargetUserID, protocol.TypeICECandidate, p)

	case protocol.TypeAcceptCall, protocol.TypeRejectCall, protocol.TypeEndCall:
		var p protocol.CallControlPayload
		if !h.decode(from, env, &p) {
			return
		}
		p.UserID = from.userID
		h.deliver(p.TargetUserID, rewriteControl(env.Type), p)

	default:
		h.log.Debug().Str("user", from.userID).Str("type", env.Type).Msg("dropping unroutable envelope")
	}
}

// rewriteControl maps the outbound call-control forms onto the inbound
// forms the peer's dispatcher consumes.
func rewriteControl(msgType string) string {
	switch msgType {
	case protocol.TypeAcceptCall:
		return protocol.TypeCallAccepted
	case protocol.TypeRejectCall:
		return protocol.TypeCallRejected
	case protocol.TypeEndCall:
		return protocol.TypeCallEnded
	default:
		return msgType
	}
}

// deliverToPeer sends to the other participant of a conversation.
func (h *hub) deliverToPeer(from, conversationID, msgType string, payload any) {
	a, b, ok := protocol.ConversationPeers(conversationID)
	if !ok {
		h.log.Debug().Str("conversation", conversationID).Msg("malformed conversation id")
		return
	}
	peer := a
	if peer == from {
		peer = b
	}
	h.deliver(peer, msgType, payload)
}

// deliver queues one envelope for a user, dropping it if the user is offline
// or the queue is full.
func (h *hub) deliver(userID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.log.Warn().Err(err).Str("type", msgType).Msg("encode envelope")
		return
	}
	h.mu.Lock()
	c, ok := h.clients[userID]
	h.mu.Unlock()
	if !ok {
		h.log.Debug().Str("user", userID).Str("type", msgType).Msg("recipient offline, dropping")
		return
	}
	select {
	case c.send <- env:
	default:
		h.log.Warn().Str("user", userID).Str("type", msgType).Msg("send queue full, dropping")
	}
}

// broadcast queues one envelope for every connected user except one.
func (h *hub) broadcast(except, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		h.log.Warn().Err(err).Str("type", msgType).Msg("encode envelope")
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		select {
		case c.send <- env:
		default:
			h.log.Warn().Str("user", c.userID).Str("type", msgType).Msg("send queue full, dropping")
		}
	}
}

func (h *hub) decode(from *client, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		h.log.Warn().Err(err).Str("user", from.userID).Str("type", env.Type).Msg("dropping malformed envelope")
		return false
	}
	return true
}
