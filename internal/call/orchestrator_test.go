package call

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Aks-20/SocialChat/internal/dispatch"
	"github.com/Aks-20/SocialChat/internal/presence"
	"github.com/Aks-20/SocialChat/internal/protocol"
	"github.com/Aks-20/SocialChat/internal/typing"
)

// fakeSender records outbound signaling envelopes.
type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) types() []string {
	envs := f.envelopes()
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func (f *fakeSender) last() protocol.Envelope {
	envs := f.envelopes()
	return envs[len(envs)-1]
}

// fakeNegotiator records the order of negotiation operations.
type fakeNegotiator struct {
	mu            sync.Mutex
	ops           []string
	closed        bool
	failSetRemote error
}

func (n *fakeNegotiator) record(op string) {
	n.mu.Lock()
	n.ops = append(n.ops, op)
	n.mu.Unlock()
}

func (n *fakeNegotiator) operations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.ops))
	copy(out, n.ops)
	return out
}

func (n *fakeNegotiator) CreateOffer() (json.RawMessage, error) {
	n.record("offer")
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (n *fakeNegotiator) CreateAnswer() (json.RawMessage, error) {
	n.record("answer")
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (n *fakeNegotiator) SetRemoteDescription(desc json.RawMessage) error {
	if n.failSetRemote != nil {
		return n.failSetRemote
	}
	n.record("remote")
	return nil
}

func (n *fakeNegotiator) AddICECandidate(candidate json.RawMessage) error {
	var c struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(candidate, &c); err != nil {
		return err
	}
	n.record("cand:" + c.Candidate)
	return nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type harness struct {
	orch   *Orchestrator
	disp   *dispatch.Dispatcher
	sender *fakeSender
	neg    *fakeNegotiator

	mu     sync.Mutex
	params *NegotiatorParams
	states []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender: &fakeSender{},
		neg:    &fakeNegotiator{},
	}
	reg := typing.NewRegistry(time.Minute, zerolog.Nop())
	t.Cleanup(reg.Close)
	h.disp = dispatch.New(presence.NewTracker(), reg, zerolog.Nop())
	h.orch = NewOrchestrator(Config{
		UserID: "1",
		Sender: h.sender,
		Factory: func(p NegotiatorParams) (Negotiator, error) {
			h.mu.Lock()
			h.params = &p
			h.mu.Unlock()
			return h.neg, nil
		},
		Media: MediaSourceFunc(func() ([]webrtc.TrackLocal, error) { return nil, nil }),
		OnState: func(_ string, s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})
	h.orch.Bind(h.disp)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) dispatch(t *testing.T, msgType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	h.disp.Dispatch(env)
}

func (h *harness) engineState(state webrtc.PeerConnectionState) {
	h.mu.Lock()
	p := h.params
	h.mu.Unlock()
	p.OnConnectionChange(state)
}

func (h *harness) requireState(t *testing.T, want State) {
	t.Helper()
	info, ok := h.orch.Current()
	require.True(t, ok)
	require.Equal(t, want, info.State)
}

func (h *harness) requireIdle(t *testing.T) {
	t.Helper()
	_, ok := h.orch.Current()
	require.False(t, ok)
}

func candidate(s string) json.RawMessage {
	return json.RawMessage(`{"candidate":"` + s + `"}`)
}

func TestOrchestrator_CallerFlow(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.requireState(t, StateOutgoing)
	require.Equal(t, []string{protocol.TypeCreateVideoCall}, h.sender.types())

	var ring protocol.CreateCallPayload
	require.NoError(t, h.sender.last().Decode(&ring))
	require.Equal(t, callID, ring.CallID)
	require.Equal(t, "2", ring.TargetUserID)
	require.Equal(t, "1", ring.UserID)

	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})
	h.requireState(t, StateConnecting)
	require.Equal(t, []string{protocol.TypeCreateVideoCall, protocol.TypeOffer}, h.sender.types())
	require.Equal(t, []string{"offer"}, h.neg.operations())

	h.dispatch(t, protocol.TypeAnswer, protocol.AnswerPayload{
		CallID: callID, UserID: "2",
		Answer: json.RawMessage(`{"type":"answer","sdp":"a"}`),
	})
	h.requireState(t, StateActive)
	require.Equal(t, []string{"offer", "remote"}, h.neg.operations())
}

func TestOrchestrator_CandidatesQueueUntilRemoteDescription(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})

	// Remote candidates race ahead of the answer: they must queue, not fail.
	for _, c := range []string{"c1", "c2", "c3"} {
		h.dispatch(t, protocol.TypeICECandidate, protocol.ICECandidatePayload{
			CallID: callID, UserID: "2", Candidate: candidate(c),
		})
	}
	require.Equal(t, []string{"offer"}, h.neg.operations(), "no candidate applied before the description")

	h.dispatch(t, protocol.TypeAnswer, protocol.AnswerPayload{
		CallID: callID, UserID: "2",
		Answer: json.RawMessage(`{"type":"answer","sdp":"a"}`),
	})

	require.Equal(t, []string{"offer", "remote", "cand:c1", "cand:c2", "cand:c3"}, h.neg.operations(),
		"queued candidates flush in arrival order after the description")

	// Later candidates apply immediately.
	h.dispatch(t, protocol.TypeICECandidate, protocol.ICECandidatePayload{
		CallID: callID, UserID: "2", Candidate: candidate("c4"),
	})
	require.Equal(t, "cand:c4", h.neg.operations()[5])
}

func TestOrchestrator_CalleeRingFlow(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, protocol.TypeCreateVideoCall, protocol.CreateCallPayload{CallID: "call-1", UserID: "2"})
	h.requireState(t, StateIncoming)
	require.Empty(t, h.sender.types(), "ringing sends nothing until the user decides")

	require.NoError(t, h.orch.Accept())
	h.requireState(t, StateConnecting)
	require.Equal(t, []string{protocol.TypeAcceptCall}, h.sender.types())

	h.dispatch(t, protocol.TypeOffer, protocol.OfferPayload{
		CallID: "call-1", UserID: "2",
		Offer: json.RawMessage(`{"type":"offer","sdp":"o"}`),
	})
	require.Equal(t, []string{protocol.TypeAcceptCall, protocol.TypeAnswer}, h.sender.types())
	require.Equal(t, []string{"remote", "answer"}, h.neg.operations())
	h.requireState(t, StateConnecting)

	// The callee goes active when the engine reports connectivity.
	h.engineState(webrtc.PeerConnectionStateConnected)
	h.requireState(t, StateActive)
}

func TestOrchestrator_DirectOfferFlow(t *testing.T) {
	h := newHarness(t)

	// An offer in idle opens an incoming session with the offer held.
	h.dispatch(t, protocol.TypeOffer, protocol.OfferPayload{
		CallID: "call-1", UserID: "2",
		Offer: json.RawMessage(`{"type":"offer","sdp":"o"}`),
	})
	h.requireState(t, StateIncoming)
	require.Empty(t, h.sender.types())

	// Accept applies the held offer and answers directly, no accept_call.
	require.NoError(t, h.orch.Accept())
	h.requireState(t, StateConnecting)
	require.Equal(t, []string{protocol.TypeAnswer}, h.sender.types())
	require.Equal(t, []string{"remote", "answer"}, h.neg.operations())
}

func TestOrchestrator_Reject(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, protocol.TypeCreateVideoCall, protocol.CreateCallPayload{CallID: "call-1", UserID: "2"})
	require.NoError(t, h.orch.Reject())
	h.requireIdle(t)

	require.Equal(t, []string{protocol.TypeRejectCall}, h.sender.types())
	var p protocol.CallControlPayload
	require.NoError(t, h.sender.last().Decode(&p))
	require.Equal(t, "call-1", p.CallID)
	require.Equal(t, "2", p.TargetUserID)
	require.Empty(t, p.Reason)
}

func TestOrchestrator_BusyRingAutoRejected(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)

	h.dispatch(t, protocol.TypeCreateVideoCall, protocol.CreateCallPayload{CallID: "other", UserID: "3"})

	// The intruder got a busy reject and the original session is untouched.
	require.Equal(t, []string{protocol.TypeCreateVideoCall, protocol.TypeRejectCall}, h.sender.types())
	var p protocol.CallControlPayload
	require.NoError(t, h.sender.last().Decode(&p))
	require.Equal(t, "other", p.CallID)
	require.Equal(t, "3", p.TargetUserID)
	require.Equal(t, protocol.RejectReasonBusy, p.Reason)

	info, ok := h.orch.Current()
	require.True(t, ok)
	require.Equal(t, callID, info.CallID)
	require.Equal(t, StateOutgoing, info.State)
}

func TestOrchestrator_BusyOfferAutoRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.StartCall("2")
	require.NoError(t, err)

	h.dispatch(t, protocol.TypeOffer, protocol.OfferPayload{
		CallID: "other", UserID: "3",
		Offer: json.RawMessage(`{"type":"offer","sdp":"o"}`),
	})

	var p protocol.CallControlPayload
	require.NoError(t, h.sender.last().Decode(&p))
	require.Equal(t, protocol.TypeRejectCall, h.sender.last().Type)
	require.Equal(t, protocol.RejectReasonBusy, p.Reason)
}

func TestOrchestrator_StartCallWhileBusy(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.StartCall("2")
	require.NoError(t, err)

	_, err = h.orch.StartCall("3")
	require.ErrorIs(t, err, ErrBusy)
}

func TestOrchestrator_StartCallMediaFailure(t *testing.T) {
	h := newHarness(t)
	sender := h.sender

	orch := NewOrchestrator(Config{
		UserID: "1",
		Sender: sender,
		Factory: func(NegotiatorParams) (Negotiator, error) {
			t.Fatal("no negotiation context without media")
			return nil, nil
		},
		Media:  MediaSourceFunc(func() ([]webrtc.TrackLocal, error) { return nil, errors.New("no camera") }),
		Logger: zerolog.Nop(),
	})

	_, err := orch.StartCall("2")
	require.ErrorIs(t, err, ErrMediaUnavailable)
	require.Empty(t, sender.envelopes(), "no signaling without media")
	_, ok := orch.Current()
	require.False(t, ok)
}

func TestOrchestrator_AcceptMediaFailureRejectsCall(t *testing.T) {
	h := newHarness(t)

	reg := typing.NewRegistry(time.Minute, zerolog.Nop())
	defer reg.Close()
	disp := dispatch.New(presence.NewTracker(), reg, zerolog.Nop())
	sender := &fakeSender{}
	orch := NewOrchestrator(Config{
		UserID:  "1",
		Sender:  sender,
		Factory: func(p NegotiatorParams) (Negotiator, error) { return h.neg, nil },
		Media:   MediaSourceFunc(func() ([]webrtc.TrackLocal, error) { return nil, errors.New("no camera") }),
		Logger:  zerolog.Nop(),
	})
	orch.Bind(disp)

	env, err := protocol.NewEnvelope(protocol.TypeCreateVideoCall, protocol.CreateCallPayload{CallID: "call-1", UserID: "2"})
	require.NoError(t, err)
	disp.Dispatch(env)

	require.ErrorIs(t, orch.Accept(), ErrMediaUnavailable)

	// The peer is not left ringing and the session is gone.
	require.Equal(t, []string{protocol.TypeRejectCall}, sender.types())
	_, ok := orch.Current()
	require.False(t, ok)
}

func TestOrchestrator_RemoteEndMidNegotiation(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})
	h.requireState(t, StateConnecting)

	h.dispatch(t, protocol.TypeCallEnded, protocol.CallControlPayload{CallID: callID, UserID: "2"})
	h.requireIdle(t)
	require.True(t, h.neg.isClosed(), "negotiation context released")
}

func TestOrchestrator_RemoteReject(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)

	h.dispatch(t, protocol.TypeCallRejected, protocol.CallControlPayload{CallID: callID, UserID: "2", Reason: protocol.RejectReasonBusy})
	h.requireIdle(t)
}

func TestOrchestrator_HangUp(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})

	require.NoError(t, h.orch.HangUp())
	h.requireIdle(t)
	require.True(t, h.neg.isClosed())

	last := h.sender.last()
	require.Equal(t, protocol.TypeEndCall, last.Type)
	var p protocol.CallControlPayload
	require.NoError(t, last.Decode(&p))
	require.Equal(t, callID, p.CallID)
	require.Equal(t, "2", p.TargetUserID)

	require.ErrorIs(t, h.orch.HangUp(), ErrNoCall)
}

func TestOrchestrator_EngineFailureFailsCall(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})

	h.engineState(webrtc.PeerConnectionStateFailed)
	h.requireIdle(t)
	require.True(t, h.neg.isClosed())

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.states) > 0 && h.states[len(h.states)-1] == StateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestOrchestrator_StrayEventsIgnored(t *testing.T) {
	h := newHarness(t)

	// Nothing active: all of these are no-ops.
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: "x", UserID: "2"})
	h.dispatch(t, protocol.TypeCallEnded, protocol.CallControlPayload{CallID: "x", UserID: "2"})
	h.dispatch(t, protocol.TypeAnswer, protocol.AnswerPayload{CallID: "x", Answer: json.RawMessage(`{}`)})
	h.dispatch(t, protocol.TypeICECandidate, protocol.ICECandidatePayload{CallID: "x", Candidate: candidate("c")})
	h.requireIdle(t)
	require.Empty(t, h.sender.types())

	require.ErrorIs(t, h.orch.Accept(), ErrNoCall)
	require.ErrorIs(t, h.orch.Reject(), ErrNoCall)
	require.ErrorIs(t, h.orch.HangUp(), ErrNoCall)
}

func TestOrchestrator_CandidateForOtherCallDropped(t *testing.T) {
	h := newHarness(t)

	callID, err := h.orch.StartCall("2")
	require.NoError(t, err)
	h.dispatch(t, protocol.TypeCallAccepted, protocol.CallControlPayload{CallID: callID, UserID: "2"})

	h.dispatch(t, protocol.TypeICECandidate, protocol.ICECandidatePayload{
		CallID: "other", UserID: "3", Candidate: candidate("x"),
	})
	require.Equal(t, []string{"offer"}, h.neg.operations(), "foreign candidates never reach the session")
}
