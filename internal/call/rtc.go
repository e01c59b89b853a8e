package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DefaultICEServers is the fixed public STUN configuration. No TURN
// fallback.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// Negotiator is one call's peer negotiation context. Descriptions and
// candidates are opaque JSON blobs at this boundary so the orchestrator's
// state machine stays independent of the engine.
type Negotiator interface {
	// CreateOffer generates and locally applies a session offer.
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer generates and locally applies a session answer. The
	// remote offer must already be set.
	CreateAnswer() (json.RawMessage, error)
	// SetRemoteDescription applies the peer's offer or answer.
	SetRemoteDescription(desc json.RawMessage) error
	// AddICECandidate applies one remote network candidate.
	AddICECandidate(candidate json.RawMessage) error
	// Close releases the negotiation context. Idempotent.
	Close() error
}

// MediaSource supplies the opaque local media-track handles attached to a
// call. Capture itself (camera/microphone acquisition) is an external
// collaborator; the core never touches devices.
type MediaSource interface {
	Tracks() ([]webrtc.TrackLocal, error)
}

// MediaSourceFunc adapts a function to MediaSource.
type MediaSourceFunc func() ([]webrtc.TrackLocal, error)

// Tracks implements MediaSource.
func (f MediaSourceFunc) Tracks() ([]webrtc.TrackLocal, error) { return f() }

// NegotiatorParams carries the per-call wiring a factory needs.
type NegotiatorParams struct {
	CallID string
	Tracks []webrtc.TrackLocal
	// OnLocalCandidate fires for every locally discovered candidate; the
	// orchestrator sends each immediately.
	OnLocalCandidate func(candidate json.RawMessage)
	// OnConnectionChange reports engine connectivity so the orchestrator can
	// move Connecting→Active and observe transport failure.
	OnConnectionChange func(state webrtc.PeerConnectionState)
}

// NegotiatorFactory builds a Negotiator for one call.
type NegotiatorFactory func(p NegotiatorParams) (Negotiator, error)

// NewPionFactory returns a factory producing pion-backed negotiators with
// the given ICE configuration.
func NewPionFactory(iceServers []webrtc.ICEServer, log zerolog.Logger) NegotiatorFactory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return func(p NegotiatorParams) (Negotiator, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		for _, t := range p.Tracks {
			if _, err := pc.AddTrack(t); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || p.OnLocalCandidate == nil {
				return
			}
			data, err := json.Marshal(c.ToJSON())
			if err != nil {
				log.Warn().Err(err).Str("call", p.CallID).Msg("marshal ICE candidate")
				return
			}
			p.OnLocalCandidate(data)
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Debug().Str("call", p.CallID).Str("state", state.String()).Msg("peer connection state")
			if p.OnConnectionChange != nil {
				p.OnConnectionChange(state)
			}
		})
		return &pionNegotiator{pc: pc}, nil
	}
}

// pionNegotiator wraps one *webrtc.PeerConnection.
type pionNegotiator struct {
	pc *webrtc.PeerConnection
}

func (n *pionNegotiator) CreateOffer() (json.RawMessage, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (n *pionNegotiator) CreateAnswer() (json.RawMessage, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (n *pionNegotiator) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return n.pc.SetRemoteDescription(sd)
}

func (n *pionNegotiator) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	return n.pc.AddICECandidate(init)
}

func (n *pionNegotiator) Close() error {
	return n.pc.Close()
}
