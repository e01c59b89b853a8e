// Package dispatch routes inbound envelopes by type to registered handlers,
// decoupling the transport from feature logic.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/presence"
	"github.com/Aks-20/SocialChat/internal/protocol"
	"github.com/Aks-20/SocialChat/internal/typing"
)

// Handler consumes the payload of one envelope type.
type Handler func(data json.RawMessage)

// Dispatcher holds one handler slot per message type. Each feature area owns
// exactly one type, so re-subscribing deliberately replaces the previous
// handler rather than multiplexing.
//
// Presence and typing events are consumed internally before any external
// subscriber runs, so the trackers stay current even when no feature has
// subscribed.
type Dispatcher struct {
	log      zerolog.Logger
	presence *presence.Tracker
	typing   *typing.Registry

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Dispatcher feeding the given trackers.
func New(pres *presence.Tracker, reg *typing.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		presence: pres,
		typing:   reg,
		handlers: make(map[string]Handler),
	}
}

// Subscribe installs the handler for a message type, replacing any previous
// one.
func (d *Dispatcher) Subscribe(msgType string, h Handler) {
	d.mu.Lock()
	d.handlers[msgType] = h
	d.mu.Unlock()
}

// Unsubscribe removes the handler for a message type.
func (d *Dispatcher) Unsubscribe(msgType string) {
	d.mu.Lock()
	delete(d.handlers, msgType)
	d.mu.Unlock()
}

// Dispatch routes one envelope. Envelopes are processed one at a time in
// arrival order by the connection's read loop; handlers run synchronously.
// An envelope with no handler (and no built-in consumer) is dropped with a
// diagnostic, never an error.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	builtin := d.consumeBuiltin(env)

	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if ok {
		h(env.Data)
		return
	}
	if !builtin {
		d.log.Debug().Str("type", env.Type).Msg("dropping unroutable envelope")
	}
}

// consumeBuiltin updates the presence tracker and typing registry from the
// internal message types, reporting whether the envelope was one of them.
func (d *Dispatcher) consumeBuiltin(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeUserList:
		var p protocol.UserListPayload
		if d.decode(env, &p) {
			d.presence.SetRoster(p.UserIDs)
		}
	case protocol.TypeOnline:
		var p protocol.PresencePayload
		if d.decode(env, &p) {
			d.presence.SetOnline(p.UserID)
		}
	case protocol.TypeOffline:
		var p protocol.PresencePayload
		if d.decode(env, &p) {
			d.presence.SetOffline(p.UserID)
		}
	case protocol.TypeUserStatus:
		var p protocol.PresencePayload
		if d.decode(env, &p) {
			d.presence.SetStatus(p.UserID, p.Status)
		}
	case protocol.TypeTyping:
		var p protocol.TypingPayload
		if d.decode(env, &p) {
			d.typing.HandleEvent(p.ConversationID, p.UserID, p.IsTyping)
		}
	default:
		return false
	}
	return true
}

func (d *Dispatcher) decode(env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		d.log.Warn().Err(err).Str("type", env.Type).Msg("dropping malformed envelope")
		return false
	}
	return true
}
