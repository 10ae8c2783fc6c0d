package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
)

type signal struct {
	event string
	data  any
}

type fakeSig struct {
	mu      sync.Mutex
	signals []signal
}

func (s *fakeSig) Send(eventName string, data any) error {
	s.mu.Lock()
	s.signals = append(s.signals, signal{event: eventName, data: data})
	s.mu.Unlock()
	return nil
}

func (s *fakeSig) sent(eventName string) []signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal
	for _, sg := range s.signals {
		if sg.event == eventName {
			out = append(out, sg)
		}
	}
	return out
}

type trackOp struct {
	kind    string
	enabled bool
}

// fakeNeg mimics the negotiator's candidate queueing: candidates before the
// remote description are held and applied in order afterwards.
type fakeNeg struct {
	mu            sync.Mutex
	remoteSet     bool
	offer         string
	answer        string
	pending       []proto.ICECandidate
	applied       []proto.ICECandidate
	onCand        func(proto.ICECandidate)
	onLink        func(LinkState)
	closed        bool
	trackOps      []trackOp
	replacedVideo int
	replaceErr    error
}

func (n *fakeNeg) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }

func (n *fakeNeg) AcceptOffer(_ context.Context, offer string) (string, error) {
	n.mu.Lock()
	n.offer = offer
	n.remoteSet = true
	n.applied = append(n.applied, n.pending...)
	n.pending = nil
	n.mu.Unlock()
	return "answer-sdp", nil
}

func (n *fakeNeg) AcceptAnswer(answer string) error {
	n.mu.Lock()
	n.answer = answer
	n.remoteSet = true
	n.applied = append(n.applied, n.pending...)
	n.pending = nil
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) AddRemoteCandidate(c proto.ICECandidate) error {
	n.mu.Lock()
	if n.remoteSet {
		n.applied = append(n.applied, c)
	} else {
		n.pending = append(n.pending, c)
	}
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) ReplaceVideoTrack() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.replaceErr != nil {
		return n.replaceErr
	}
	n.replacedVideo++
	return nil
}

func (n *fakeNeg) SetTrackEnabled(kind string, enabled bool) error {
	n.mu.Lock()
	n.trackOps = append(n.trackOps, trackOp{kind: kind, enabled: enabled})
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) tracks() []trackOp {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]trackOp(nil), n.trackOps...)
}

func (n *fakeNeg) OnLocalCandidate(fn func(proto.ICECandidate)) {
	n.mu.Lock()
	n.onCand = fn
	n.mu.Unlock()
}

func (n *fakeNeg) OnLinkState(fn func(LinkState)) {
	n.mu.Lock()
	n.onLink = fn
	n.mu.Unlock()
}

func (n *fakeNeg) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNeg) link(st LinkState) {
	n.mu.Lock()
	fn := n.onLink
	n.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (n *fakeNeg) appliedCandidates() []proto.ICECandidate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]proto.ICECandidate(nil), n.applied...)
}

func testCallConfig() config.Call {
	return config.Call{
		RingTimeoutSec:   1,
		RecoveryGraceSec: 1,
		STUNServers:      []string{"stun:stun.test:3478"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeSig, *fakeNeg, *event.Bus) {
	t.Helper()
	sig := &fakeSig{}
	neg := &fakeNeg{}
	bus := event.NewBus()
	tmrs := timer.NewRegistry()
	t.Cleanup(func() { tmrs.Close(); bus.Close() })
	factory := func(config.Call, string, bool) (Negotiator, error) { return neg, nil }
	e := NewEngine(testCallConfig(), "alice", sig, bus, tmrs, factory)
	return e, sig, neg, bus
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func cand(s string) proto.ICECandidate {
	return proto.ICECandidate{Candidate: s}
}

func currentState(t *testing.T, e *Engine) CallState {
	t.Helper()
	sess, ok := e.Current()
	if !ok {
		return StateIdle
	}
	return sess.State()
}

func TestOutboundCallLifecycle(t *testing.T) {
	e, sig, neg, _ := newTestEngine(t)

	id, err := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := currentState(t, e); got != StateDialing {
		t.Fatalf("state = %s, want dialing", got)
	}

	inits := sig.sent(proto.EventCallInitiate)
	if len(inits) != 1 {
		t.Fatalf("initiates = %d", len(inits))
	}
	ci := inits[0].data.(proto.CallInitiate)
	if ci.CallID != id || ci.To != "bob" || ci.Offer != "offer-sdp" {
		t.Fatalf("initiate = %+v", ci)
	}

	e.HandleAccept(raw(t, proto.CallAccept{CallID: id, Answer: "answer-sdp"}))
	if got := currentState(t, e); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	neg.mu.Lock()
	answer := neg.answer
	neg.mu.Unlock()
	if answer != "answer-sdp" {
		t.Fatal("answer never reached the negotiator")
	}

	neg.link(LinkConnected)
	if got := currentState(t, e); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}

	if err := e.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if len(sig.sent(proto.EventCallEnd)) != 1 {
		t.Fatal("no call:end sent")
	}
	if _, ok := e.Current(); ok {
		t.Fatal("session should be cleared after hangup")
	}

	neg.mu.Lock()
	closed := neg.closed
	neg.mu.Unlock()
	if !closed {
		// Close runs async off the end path.
		time.Sleep(50 * time.Millisecond)
		neg.mu.Lock()
		closed = neg.closed
		neg.mu.Unlock()
	}
	if !closed {
		t.Fatal("negotiator not closed")
	}
}

func TestInboundAcceptAppliesQueuedCandidatesInOrder(t *testing.T) {
	e, sig, neg, bus := newTestEngine(t)
	events, cancel := bus.Subscribe()
	defer cancel()

	e.HandleInitiate(raw(t, proto.CallInitiate{
		CallID: "call-1", From: "bob", MediaType: proto.MediaVideo, Offer: "their-offer",
	}))
	if got := currentState(t, e); got != StateRinging {
		t.Fatalf("state = %s, want ringing", got)
	}

	var sawIncoming bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == event.CallIncoming {
				ic := ev.Payload.(IncomingCall)
				if ic.From != "bob" || ic.Media != proto.MediaVideo {
					t.Fatalf("incoming = %+v", ic)
				}
				sawIncoming = true
			}
		default:
			done = true
		}
	}
	if !sawIncoming {
		t.Fatal("no callIncoming event")
	}

	// Candidates trickle before the user accepts.
	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		e.HandleICE(raw(t, proto.CallICE{CallID: "call-1", Candidate: cand(c)}))
	}

	if err := e.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := currentState(t, e); got != StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	neg.mu.Lock()
	offer := neg.offer
	neg.mu.Unlock()
	if offer != "their-offer" {
		t.Fatal("offer never reached the negotiator")
	}

	accepts := sig.sent(proto.EventCallAccept)
	if len(accepts) != 1 || accepts[0].data.(proto.CallAccept).Answer != "answer-sdp" {
		t.Fatalf("accepts = %+v", accepts)
	}

	applied := neg.appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied = %d candidates, want 3", len(applied))
	}
	for i, want := range []string{"cand-1", "cand-2", "cand-3"} {
		if applied[i].Candidate != want {
			t.Fatalf("candidate order broken at %d: got %s want %s", i, applied[i].Candidate, want)
		}
	}

	// A late candidate goes straight through.
	e.HandleICE(raw(t, proto.CallICE{CallID: "call-1", Candidate: cand("cand-4")}))
	if got := neg.appliedCandidates(); len(got) != 4 || got[3].Candidate != "cand-4" {
		t.Fatalf("late candidate mishandled: %+v", got)
	}
}

func TestSecondIncomingCallAnsweredBusy(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)

	e.HandleInitiate(raw(t, proto.CallInitiate{CallID: "call-1", From: "bob", MediaType: proto.MediaAudio, Offer: "o1"}))
	e.HandleInitiate(raw(t, proto.CallInitiate{CallID: "call-2", From: "carol", MediaType: proto.MediaAudio, Offer: "o2"}))

	busies := sig.sent(proto.EventCallBusy)
	if len(busies) != 1 {
		t.Fatalf("busy signals = %d, want 1", len(busies))
	}
	if got := busies[0].data.(proto.CallBusy).CallID; got != "call-2" {
		t.Fatalf("busy for %s, want call-2", got)
	}

	// First call untouched.
	sess, ok := e.Current()
	if !ok || sess.ID != "call-1" || sess.State() != StateRinging {
		t.Fatal("first call was disturbed by the busy reject")
	}
}

func TestSecondOutboundCallRefused(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if _, err := e.StartCall(context.Background(), "bob", proto.MediaAudio); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.StartCall(context.Background(), "carol", proto.MediaAudio); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("err = %v, want ErrCallInProgress", err)
	}
}

func TestDeclineSendsSignalAndEnds(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)
	e.HandleInitiate(raw(t, proto.CallInitiate{CallID: "call-1", From: "bob", MediaType: proto.MediaAudio, Offer: "o"}))

	if err := e.Decline("not now"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	declines := sig.sent(proto.EventCallDecline)
	if len(declines) != 1 || declines[0].data.(proto.CallDecline).Reason != "not now" {
		t.Fatalf("declines = %+v", declines)
	}
	if _, ok := e.Current(); ok {
		t.Fatal("session should be cleared after decline")
	}
}

func TestRemoteDeclineAndBusyEndDialing(t *testing.T) {
	e, _, _, bus := newTestEngine(t)
	events, cancel := bus.Subscribe()
	defer cancel()

	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	e.HandleDecline(raw(t, proto.CallDecline{CallID: id, Reason: "busy elsewhere"}))

	if _, ok := e.Current(); ok {
		t.Fatal("session should be cleared after remote decline")
	}
	var final StateChange
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == event.CallStateChanged {
				final = ev.Payload.(StateChange)
			}
		default:
			done = true
		}
	}
	if final.State != StateDeclined || final.Reason != "busy elsewhere" {
		t.Fatalf("final = %+v", final)
	}

	// A busy frame for an already-dead call is ignored.
	e.HandleBusy(raw(t, proto.CallBusy{CallID: id}))
}

func TestLateFramesForDeadCallIgnored(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	e.Hangup()

	e.HandleAccept(raw(t, proto.CallAccept{CallID: id, Answer: "late"}))
	e.HandleICE(raw(t, proto.CallICE{CallID: id, Candidate: cand("late")}))
	e.HandleEnd(raw(t, proto.CallEnd{CallID: id}))
	if _, ok := e.Current(); ok {
		t.Fatal("dead call revived by late frames")
	}
}

func TestInvalidTransitionRefusedOnLiveCall(t *testing.T) {
	e, _, neg, _ := newTestEngine(t)
	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	e.HandleAccept(raw(t, proto.CallAccept{CallID: id, Answer: "a"}))
	neg.link(LinkConnected)

	// A decline frame cannot terminate an active call.
	e.HandleDecline(raw(t, proto.CallDecline{CallID: id}))
	if got := currentState(t, e); got != StateActive {
		t.Fatalf("state = %s, want active after bogus decline", got)
	}
}

func TestRingTimeoutCallerSendsMissed(t *testing.T) {
	e, sig, _, _ := newTestEngine(t)
	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Current(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := e.Current(); ok {
		t.Fatal("unanswered call never timed out")
	}
	missed := sig.sent(proto.EventCallMissed)
	if len(missed) != 1 || missed[0].data.(proto.CallMissed).CallID != id {
		t.Fatalf("missed signals = %+v", missed)
	}
}

func TestRingTimeoutCalleeRecordsMissed(t *testing.T) {
	e, _, _, bus := newTestEngine(t)
	events, cancel := bus.Subscribe()
	defer cancel()

	e.HandleInitiate(raw(t, proto.CallInitiate{CallID: "call-1", From: "bob", MediaType: proto.MediaAudio, Offer: "o"}))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Current(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var sawMissed, sawNotification bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == event.CallStateChanged && ev.Payload.(StateChange).State == StateMissed {
				sawMissed = true
			}
			if ev.Type == event.Notification {
				sawNotification = true
			}
		default:
			done = true
		}
	}
	if !sawMissed || !sawNotification {
		t.Fatalf("missed=%v notification=%v, want both", sawMissed, sawNotification)
	}
}

func TestCallerCancelWhileRingingIsMissed(t *testing.T) {
	e, _, _, bus := newTestEngine(t)
	events, cancel := bus.Subscribe()
	defer cancel()

	e.HandleInitiate(raw(t, proto.CallInitiate{CallID: "call-1", From: "bob", MediaType: proto.MediaAudio, Offer: "o"}))
	e.HandleEnd(raw(t, proto.CallEnd{CallID: "call-1"}))

	var final StateChange
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Type == event.CallStateChanged {
				final = ev.Payload.(StateChange)
			}
		default:
			done = true
		}
	}
	if final.State != StateMissed {
		t.Fatalf("final state = %s, want missed", final.State)
	}
}

func TestRecoveryGraceEndsCall(t *testing.T) {
	e, sig, neg, _ := newTestEngine(t)
	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	e.HandleAccept(raw(t, proto.CallAccept{CallID: id, Answer: "a"}))
	neg.link(LinkConnected)
	neg.link(LinkDisconnected)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Current(); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := e.Current(); ok {
		t.Fatal("call survived past the recovery grace period")
	}
	ends := sig.sent(proto.EventCallEnd)
	if len(ends) != 1 || ends[0].data.(proto.CallEnd).Reason != "connection lost" {
		t.Fatalf("ends = %+v", ends)
	}
}

func TestRecoveryWithinGraceKeepsCall(t *testing.T) {
	e, _, neg, _ := newTestEngine(t)
	id, _ := e.StartCall(context.Background(), "bob", proto.MediaAudio)
	e.HandleAccept(raw(t, proto.CallAccept{CallID: id, Answer: "a"}))
	neg.link(LinkConnected)
	neg.link(LinkDisconnected)
	time.Sleep(200 * time.Millisecond)
	neg.link(LinkConnected)

	// Past the original grace deadline the call must still be up.
	time.Sleep(1200 * time.Millisecond)
	if got := currentState(t, e); got != StateActive {
		t.Fatalf("state = %s, want active after recovery", got)
	}
}

func TestToggleMute(t *testing.T) {
	e, _, neg, _ := newTestEngine(t)
	if _, err := e.ToggleAudio(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("err = %v, want ErrNoCall", err)
	}
	e.StartCall(context.Background(), "bob", proto.MediaVideo)

	muted, err := e.ToggleAudio()
	if err != nil || !muted {
		t.Fatalf("toggle audio = %v, %v", muted, err)
	}
	muted, _ = e.ToggleAudio()
	if muted {
		t.Fatal("second toggle should unmute")
	}
	disabled, _ := e.ToggleVideo()
	if !disabled {
		t.Fatal("video toggle should disable")
	}

	// Each toggle reaches the negotiator's sender.
	want := []trackOp{
		{kind: proto.MediaAudio, enabled: false},
		{kind: proto.MediaAudio, enabled: true},
		{kind: proto.MediaVideo, enabled: false},
	}
	got := neg.tracks()
	if len(got) != len(want) {
		t.Fatalf("track ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("track op %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSwitchCameraReplacesVideoTrack(t *testing.T) {
	e, _, neg, _ := newTestEngine(t)
	if err := e.SwitchCamera(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("err = %v, want ErrNoCall", err)
	}

	e.StartCall(context.Background(), "bob", proto.MediaVideo)
	if err := e.SwitchCamera(); err != nil {
		t.Fatalf("switch camera: %v", err)
	}
	neg.mu.Lock()
	replaced := neg.replacedVideo
	neg.mu.Unlock()
	if replaced != 1 {
		t.Fatalf("video track replacements = %d, want 1", replaced)
	}
}

func TestSwitchCameraRefusedOnAudioCall(t *testing.T) {
	e, _, neg, _ := newTestEngine(t)
	e.StartCall(context.Background(), "bob", proto.MediaAudio)

	if err := e.SwitchCamera(); err == nil {
		t.Fatal("switch camera on an audio call must fail")
	}
	neg.mu.Lock()
	replaced := neg.replacedVideo
	neg.mu.Unlock()
	if replaced != 0 {
		t.Fatalf("video track replacements = %d, want 0", replaced)
	}
}

func TestMediaFailureFailsAttemptAndNotifies(t *testing.T) {
	sig := &fakeSig{}
	bus := event.NewBus()
	tmrs := timer.NewRegistry()
	t.Cleanup(func() { tmrs.Close(); bus.Close() })
	factory := func(config.Call, string, bool) (Negotiator, error) {
		return nil, ErrMediaUnavailable
	}
	e := NewEngine(testCallConfig(), "alice", sig, bus, tmrs, factory)
	events, cancel := bus.Subscribe()
	defer cancel()

	if _, err := e.StartCall(context.Background(), "bob", proto.MediaVideo); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("err = %v, want ErrMediaUnavailable", err)
	}
	if _, ok := e.Current(); ok {
		t.Fatal("session must be torn down after a media failure")
	}

	var sawFailed, sawNotification bool
	deadline := time.After(2 * time.Second)
	for !sawFailed || !sawNotification {
		select {
		case ev := <-events:
			switch ev.Type {
			case event.CallStateChanged:
				if sc := ev.Payload.(StateChange); sc.State == StateFailed {
					sawFailed = true
				}
			case event.Notification:
				sawNotification = true
			}
		case <-deadline:
			t.Fatalf("failed=%t notification=%t after media failure", sawFailed, sawNotification)
		}
	}
}
