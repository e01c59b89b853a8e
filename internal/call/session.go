package call

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// session is the per-call state owned by the Orchestrator for the lifetime
// of one call. All fields are guarded by the Orchestrator's mutex.
type session struct {
	callID       string
	localUserID  string
	remoteUserID string
	state        State

	// tracks are acquired before any signaling envelope is sent and
	// attached when the negotiation context is created.
	tracks []webrtc.TrackLocal
	neg    Negotiator

	// remoteOffer holds an offer that arrived before the local accept
	// (direct-offer flow); it is applied when the user accepts.
	remoteOffer json.RawMessage

	// Candidates received before the remote description is set must never
	// be discarded: they queue here and flush, in arrival order, the moment
	// the description is applied.
	hasRemoteDesc     bool
	pendingCandidates []json.RawMessage
}

// addRemoteCandidate applies the candidate immediately when the remote
// description is set, otherwise queues it. Out-of-order candidates are never
// an error.
func (s *session) addRemoteCandidate(candidate json.RawMessage) error {
	if s.hasRemoteDesc && s.neg != nil {
		return s.neg.AddICECandidate(candidate)
	}
	s.pendingCandidates = append(s.pendingCandidates, candidate)
	return nil
}

// applyRemoteDescription sets the remote description and flushes the queued
// candidates in their original arrival order.
func (s *session) applyRemoteDescription(desc json.RawMessage) error {
	if err := s.neg.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.hasRemoteDesc = true
	for _, c := range s.pendingCandidates {
		if err := s.neg.AddICECandidate(c); err != nil {
			return err
		}
	}
	s.pendingCandidates = nil
	return nil
}
