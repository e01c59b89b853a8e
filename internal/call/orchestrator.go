// Package call runs the offer/answer/ICE negotiation state machine for one
// call at a time, using the realtime channel as its signaling transport.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/Aks-20/SocialChat/internal/dispatch"
	"github.com/Aks-20/SocialChat/internal/protocol"
)

var (
	// ErrBusy is returned when a second call is started while one is in
	// progress. Incoming rings in the same situation are auto-rejected.
	ErrBusy = errors.New("call already in progress")
	// ErrMediaUnavailable means local media could not be acquired. No
	// signaling envelope has been sent when it is returned from StartCall.
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrNoCall is returned by Accept, Reject and HangUp when no session is
	// in the required state.
	ErrNoCall = errors.New("no call in that state")
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Info is a snapshot of the current call exposed to the UI.
type Info struct {
	CallID       string
	RemoteUserID string
	State        State
}

// Config wires an Orchestrator.
type Config struct {
	UserID  string
	Sender  Sender
	Factory NegotiatorFactory
	Media   MediaSource
	// OnState, when set, observes every session state transition.
	OnState func(callID string, s State)
	Logger  zerolog.Logger
}

// Orchestrator holds at most one call session. A second outgoing call fails
// with ErrBusy; a second incoming ring or offer is rejected busy rather than
// overwriting the session.
type Orchestrator struct {
	userID  string
	sender  Sender
	factory NegotiatorFactory
	media   MediaSource
	onState func(callID string, s State)
	log     zerolog.Logger

	mu   sync.Mutex
	sess *session
}

// NewOrchestrator returns an Orchestrator in StateIdle.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		userID:  cfg.UserID,
		sender:  cfg.Sender,
		factory: cfg.Factory,
		media:   cfg.Media,
		onState: cfg.OnState,
		log:     cfg.Logger,
	}
}

// Bind subscribes the orchestrator to its signaling message types.
func (o *Orchestrator) Bind(d *dispatch.Dispatcher) {
	d.Subscribe(protocol.TypeCreateVideoCall, func(data json.RawMessage) {
		var p protocol.CreateCallPayload
		if o.decode(protocol.TypeCreateVideoCall, data, &p) {
			o.handleRing(p)
		}
	})
	d.Subscribe(protocol.TypeCallAccepted, func(data json.RawMessage) {
		var p protocol.CallControlPayload
		if o.decode(protocol.TypeCallAccepted, data, &p) {
			o.handleAccepted(p.CallID)
		}
	})
	d.Subscribe(protocol.TypeCallRejected, func(data json.RawMessage) {
		var p protocol.CallControlPayload
		if o.decode(protocol.TypeCallRejected, data, &p) {
			o.handleRemoteEnd(p.CallID)
		}
	})
	d.Subscribe(protocol.TypeCallEnded, func(data json.RawMessage) {
		var p protocol.CallControlPayload
		if o.decode(protocol.TypeCallEnded, data, &p) {
			o.handleRemoteEnd(p.CallID)
		}
	})
	d.Subscribe(protocol.TypeOffer, func(data json.RawMessage) {
		var p protocol.OfferPayload
		if o.decode(protocol.TypeOffer, data, &p) {
			o.handleOffer(p)
		}
	})
	d.Subscribe(protocol.TypeAnswer, func(data json.RawMessage) {
		var p protocol.AnswerPayload
		if o.decode(protocol.TypeAnswer, data, &p) {
			o.handleAnswer(p)
		}
	})
	d.Subscribe(protocol.TypeICECandidate, func(data json.RawMessage) {
		var p protocol.ICECandidatePayload
		if o.decode(protocol.TypeICECandidate, data, &p) {
			o.handleRemoteCandidate(p)
		}
	})
}

// Current returns a snapshot of the active session, if any.
func (o *Orchestrator) Current() (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return Info{}, false
	}
	return Info{
		CallID:       o.sess.callID,
		RemoteUserID: o.sess.remoteUserID,
		State:        o.sess.state,
	}, true
}

// StartCall rings targetUserID. Local media is acquired first: no signaling
// envelope is ever sent without a media context, and acquisition failure
// aborts with ErrMediaUnavailable before the session exists.
func (o *Orchestrator) StartCall(targetUserID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		return "", ErrBusy
	}

	tracks, err := o.media.Tracks()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	callID := uuid.NewString()
	err = o.send(protocol.TypeCreateVideoCall, protocol.CreateCallPayload{
		CallID:       callID,
		TargetUserID: targetUserID,
		UserID:       o.userID,
	})
	if err != nil {
		return "", err
	}

	o.sess = &session{
		callID:       callID,
		localUserID:  o.userID,
		remoteUserID: targetUserID,
		tracks:       tracks,
	}
	o.setStateLocked(StateOutgoing)
	return callID, nil
}

// Accept answers the current incoming call. Media is acquired before any
// acceptance envelope is sent; failure rejects the call so the peer is not
// left ringing.
func (o *Orchestrator) Accept() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.state != StateIncoming {
		return ErrNoCall
	}

	tracks, err := o.media.Tracks()
	if err != nil {
		o.sendControl(protocol.TypeRejectCall, s.callID, s.remoteUserID, "")
		o.teardownLocked(StateEnded)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.tracks = tracks

	if err := o.newNegotiatorLocked(s); err != nil {
		o.sendControl(protocol.TypeRejectCall, s.callID, s.remoteUserID, "")
		o.teardownLocked(StateFailed)
		return err
	}

	if s.remoteOffer != nil {
		// Direct-offer flow: apply the held offer, flush queued candidates,
		// answer.
		if err := s.applyRemoteDescription(s.remoteOffer); err != nil {
			o.failLocked(err)
			return err
		}
		s.remoteOffer = nil
		answer, err := s.neg.CreateAnswer()
		if err != nil {
			o.failLocked(err)
			return err
		}
		err = o.send(protocol.TypeAnswer, protocol.AnswerPayload{
			CallID:       s.callID,
			UserID:       o.userID,
			TargetUserID: s.remoteUserID,
			Answer:       answer,
		})
		if err != nil {
			o.failLocked(err)
			return err
		}
	} else {
		// Ring flow: signal acceptance, the caller's offer follows.
		if err := o.sendControl(protocol.TypeAcceptCall, s.callID, s.remoteUserID, ""); err != nil {
			o.failLocked(err)
			return err
		}
	}

	o.setStateLocked(StateConnecting)
	return nil
}

// Reject declines the current incoming call and tells the peer so.
func (o *Orchestrator) Reject() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.state != StateIncoming {
		return ErrNoCall
	}
	o.sendControl(protocol.TypeRejectCall, o.sess.callID, o.sess.remoteUserID, "")
	o.teardownLocked(StateEnded)
	return nil
}

// HangUp ends the current call from any non-terminal state. Termination is
// bilateral: local resources are released and an end_call envelope makes the
// peer's orchestrator reach Ended too.
func (o *Orchestrator) HangUp() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ErrNoCall
	}
	o.sendControl(protocol.TypeEndCall, o.sess.callID, o.sess.remoteUserID, "")
	o.teardownLocked(StateEnded)
	return nil
}

// Close releases any active session without signaling. The connection is
// going away; the peer learns through its own transport.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		o.teardownLocked(StateEnded)
	}
}

// handleRing reacts to an inbound create_video_call. A ring while another
// call is in progress is auto-rejected busy; the active session is never
// overwritten.
func (o *Orchestrator) handleRing(p protocol.CreateCallPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess != nil {
		if o.sess.callID != p.CallID {
			o.log.Info().Str("call", p.CallID).Str("from", p.UserID).Msg("rejecting ring, busy")
			o.sendControl(protocol.TypeRejectCall, p.CallID, p.UserID, protocol.RejectReasonBusy)
		}
		return
	}
	o.sess = &session{
		callID:       p.CallID,
		localUserID:  o.userID,
		remoteUserID: p.UserID,
	}
	o.setStateLocked(StateIncoming)
}

// handleAccepted runs the caller side once the callee accepts: create the
// negotiation context, attach the tracks acquired at StartCall, send the
// offer.
func (o *Orchestrator) handleAccepted(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.callID != callID || s.state != StateOutgoing {
		o.log.Debug().Str("call", callID).Msg("ignoring stray call_accepted")
		return
	}
	if err := o.newNegotiatorLocked(s); err != nil {
		o.failLocked(err)
		return
	}
	offer, err := s.neg.CreateOffer()
	if err != nil {
		o.failLocked(err)
		return
	}
	err = o.send(protocol.TypeOffer, protocol.OfferPayload{
		CallID:       s.callID,
		UserID:       o.userID,
		TargetUserID: s.remoteUserID,
		Offer:        offer,
	})
	if err != nil {
		o.failLocked(err)
		return
	}
	o.setStateLocked(StateConnecting)
}

// handleOffer covers both callee flows: the offer following an accepted ring
// is applied and answered immediately; an offer arriving in Idle opens an
// incoming session and is held until the local accept.
func (o *Orchestrator) handleOffer(p protocol.OfferPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess

	if s == nil {
		o.sess = &session{
			callID:       p.CallID,
			localUserID:  o.userID,
			remoteUserID: p.UserID,
			remoteOffer:  p.Offer,
		}
		o.setStateLocked(StateIncoming)
		return
	}
	if s.callID != p.CallID {
		o.log.Info().Str("call", p.CallID).Str("from", p.UserID).Msg("rejecting offer, busy")
		o.sendControl(protocol.TypeRejectCall, p.CallID, p.UserID, protocol.RejectReasonBusy)
		return
	}

	switch s.state {
	case StateIncoming:
		// Ring arrived first, the offer raced ahead of the local accept.
		s.remoteOffer = p.Offer
	case StateConnecting:
		if err := s.applyRemoteDescription(p.Offer); err != nil {
			o.failLocked(err)
			return
		}
		answer, err := s.neg.CreateAnswer()
		if err != nil {
			o.failLocked(err)
			return
		}
		err = o.send(protocol.TypeAnswer, protocol.AnswerPayload{
			CallID:       s.callID,
			UserID:       o.userID,
			TargetUserID: s.remoteUserID,
			Answer:       answer,
		})
		if err != nil {
			o.failLocked(err)
		}
	default:
		o.log.Debug().Str("call", p.CallID).Str("state", s.state.String()).Msg("ignoring offer")
	}
}

// handleAnswer completes the caller side: the answer becomes the remote
// description, queued candidates flush in arrival order, and the call goes
// active.
func (o *Orchestrator) handleAnswer(p protocol.AnswerPayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.callID != p.CallID || s.state != StateConnecting {
		o.log.Debug().Str("call", p.CallID).Msg("ignoring stray answer")
		return
	}
	if err := s.applyRemoteDescription(p.Answer); err != nil {
		o.failLocked(err)
		return
	}
	o.setStateLocked(StateActive)
}

// handleRemoteCandidate applies or queues one remote candidate. Arriving
// before the remote description is never an error.
func (o *Orchestrator) handleRemoteCandidate(p protocol.ICECandidatePayload) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.callID != p.CallID {
		o.log.Debug().Str("call", p.CallID).Msg("dropping candidate for unknown call")
		return
	}
	if err := s.addRemoteCandidate(p.Candidate); err != nil {
		o.log.Warn().Err(err).Str("call", p.CallID).Msg("apply remote candidate")
	}
}

// handleRemoteEnd is the authoritative remote-termination signal: any
// non-terminal state transitions to Ended, including mid-negotiation.
func (o *Orchestrator) handleRemoteEnd(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil || o.sess.callID != callID {
		return
	}
	o.teardownLocked(StateEnded)
}

// connectionChanged observes the negotiation engine. The callee reaches
// Active here once negotiation completes; engine failure fails the call.
func (o *Orchestrator) connectionChanged(callID string, state webrtc.PeerConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sess
	if s == nil || s.callID != callID {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.state == StateConnecting {
			o.setStateLocked(StateActive)
		}
	case webrtc.PeerConnectionStateFailed:
		o.failLocked(errors.New("peer connection failed"))
	}
}

func (o *Orchestrator) newNegotiatorLocked(s *session) error {
	callID, remote := s.callID, s.remoteUserID
	neg, err := o.factory(NegotiatorParams{
		CallID: callID,
		Tracks: s.tracks,
		OnLocalCandidate: func(candidate json.RawMessage) {
			o.sendLocalCandidate(callID, remote, candidate)
		},
		OnConnectionChange: func(state webrtc.PeerConnectionState) {
			o.connectionChanged(callID, state)
		},
	})
	if err != nil {
		return fmt.Errorf("create negotiation context: %w", err)
	}
	s.neg = neg
	return nil
}

// sendLocalCandidate ships a locally discovered candidate immediately.
func (o *Orchestrator) sendLocalCandidate(callID, targetUserID string, candidate json.RawMessage) {
	err := o.send(protocol.TypeICECandidate, protocol.ICECandidatePayload{
		CallID:       callID,
		UserID:       o.userID,
		TargetUserID: targetUserID,
		Candidate:    candidate,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("call", callID).Msg("send local candidate")
	}
}

// failLocked moves to Failed and releases resources identically to Ended.
func (o *Orchestrator) failLocked(err error) {
	o.log.Error().Err(err).Str("call", o.sess.callID).Msg("call failed")
	o.teardownLocked(StateFailed)
}

// teardownLocked releases the negotiation context and destroys the session,
// reporting the terminal state.
func (o *Orchestrator) teardownLocked(final State) {
	s := o.sess
	if s.neg != nil {
		s.neg.Close()
	}
	s.state = final
	o.sess = nil
	o.notify(s.callID, final)
}

func (o *Orchestrator) setStateLocked(s State) {
	o.sess.state = s
	o.notify(o.sess.callID, s)
}

func (o *Orchestrator) notify(callID string, s State) {
	o.log.Info().Str("call", callID).Str("state", s.String()).Msg("call state")
	if o.onState != nil {
		go o.onState(callID, s)
	}
}

func (o *Orchestrator) sendControl(msgType, callID, targetUserID, reason string) error {
	return o.send(msgType, protocol.CallControlPayload{
		CallID:       callID,
		TargetUserID: targetUserID,
		UserID:       o.userID,
		Reason:       reason,
	})
}

func (o *Orchestrator) send(msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return o.sender.Send(env)
}

func (o *Orchestrator) decode(msgType string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		o.log.Warn().Err(err).Str("type", msgType).Msg("dropping malformed envelope")
		return false
	}
	return true
}
