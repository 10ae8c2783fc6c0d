// Package call manages audio/video call attempts: the signaling state
// machine on top of the event channel, and the Pion peer connections that
// carry the media. One call attempt at a time; a second incoming call is
// answered busy without touching the first.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/event"
	"github.com/rbakker/palaver/internal/proto"
	"github.com/rbakker/palaver/internal/timer"
)

var (
	ErrCallInProgress = errors.New("call: another call is in progress")
	ErrNoCall         = errors.New("call: no call in progress")
)

// Timer registry keys.
const (
	timerRingTimeout = "call-timeout"
	timerRecovery    = "call-recovery"
	timerTick        = "call-tick"
)

// StateChange is the payload of event.CallStateChanged.
type StateChange struct {
	CallID    string
	PeerID    string
	Direction Direction
	Media     string
	State     CallState
	Reason    string
}

// IncomingCall is the payload of event.CallIncoming.
type IncomingCall struct {
	CallID string
	From   string
	Media  string
}

// Tick is the payload of event.CallTick, published once per second while a
// call is active.
type Tick struct {
	CallID  string
	Elapsed time.Duration
}

// Signaler is the slice of the transport the engine needs.
type Signaler interface {
	Send(eventName string, data any) error
}

// Engine owns the call state machine. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg    config.Call
	userID string
	sig    Signaler
	bus    *event.Bus
	tmrs   *timer.Registry
	newNeg NegotiatorFactory

	mu           sync.Mutex
	sess         *Session
	neg          Negotiator
	pendingOffer string
	// Candidates that trickled in before the peer connection exists
	// (callee side, before the user accepts). Arrival order is preserved;
	// the negotiator keeps its own queue for the remote-description gap.
	pendingICE []proto.ICECandidate
}

// NewEngine creates an idle engine. factory may be nil to use Pion.
func NewEngine(cfg config.Call, userID string, sig Signaler, bus *event.Bus, tmrs *timer.Registry, factory NegotiatorFactory) *Engine {
	if factory == nil {
		factory = NewPionNegotiator
	}
	return &Engine{
		cfg:    cfg,
		userID: userID,
		sig:    sig,
		bus:    bus,
		tmrs:   tmrs,
		newNeg: factory,
	}
}

// Current returns the session of the call in progress, if any.
func (e *Engine) Current() (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, e.sess != nil
}

// StartCall places an outbound call to peerID with the given media type.
// Returns the call id.
func (e *Engine) StartCall(ctx context.Context, peerID, media string) (string, error) {
	if media != proto.MediaAudio && media != proto.MediaVideo {
		return "", fmt.Errorf("call: unknown media type %q", media)
	}

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		return "", ErrCallInProgress
	}
	sess := newSession(proto.NewCallID(), peerID, DirectionOutbound, media)
	sess.transitionTo(StateDialing)
	e.sess = sess
	e.mu.Unlock()

	log.Printf("CALL [%s]: dialing %s (%s)", sess.ID, peerID, media)
	e.publishState(sess)

	neg, err := e.newNeg(e.cfg, sess.ID, media == proto.MediaVideo)
	if err != nil {
		e.notifyMediaFailure(err)
		e.end(sess.ID, StateFailed, fmt.Sprintf("media setup: %v", err))
		return "", err
	}
	e.wireNegotiator(sess.ID, neg)

	offer, err := neg.CreateOffer(ctx)
	if err != nil {
		neg.Close()
		e.end(sess.ID, StateFailed, fmt.Sprintf("offer: %v", err))
		return "", err
	}

	e.mu.Lock()
	if e.sess != sess {
		// Hung up while the offer was being prepared.
		e.mu.Unlock()
		neg.Close()
		return "", ErrNoCall
	}
	e.neg = neg
	e.mu.Unlock()

	err = e.sig.Send(proto.EventCallInitiate, proto.CallInitiate{
		CallID:    sess.ID,
		From:      e.userID,
		To:        peerID,
		MediaType: media,
		Offer:     offer,
	})
	if err != nil {
		e.end(sess.ID, StateFailed, fmt.Sprintf("signaling: %v", err))
		return "", err
	}

	e.tmrs.Set(timerRingTimeout, e.cfg.RingTimeout(), func() { e.ringTimeout(sess.ID) })
	return sess.ID, nil
}

// Accept answers the ringing inbound call.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	sess := e.sess
	if sess == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	if sess.State() != StateRinging {
		e.mu.Unlock()
		return fmt.Errorf("call: cannot accept in state %s", sess.State())
	}
	offer := e.pendingOffer
	e.mu.Unlock()

	neg, err := e.newNeg(e.cfg, sess.ID, sess.Media == proto.MediaVideo)
	if err != nil {
		e.notifyMediaFailure(err)
		e.sendEnd(sess.ID, "media setup failed")
		e.end(sess.ID, StateFailed, fmt.Sprintf("media setup: %v", err))
		return err
	}
	e.wireNegotiator(sess.ID, neg)

	answer, err := neg.AcceptOffer(ctx, offer)
	if err != nil {
		neg.Close()
		e.sendEnd(sess.ID, "negotiation failed")
		e.end(sess.ID, StateFailed, fmt.Sprintf("answer: %v", err))
		return err
	}

	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		neg.Close()
		return ErrNoCall
	}
	e.neg = neg
	queued := e.pendingICE
	e.pendingICE = nil
	e.pendingOffer = ""
	sess.transitionTo(StateConnecting)
	e.mu.Unlock()

	e.tmrs.Clear(timerRingTimeout)
	for _, c := range queued {
		if err := neg.AddRemoteCandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", sess.ID, err)
		}
	}
	e.publishState(sess)

	err = e.sig.Send(proto.EventCallAccept, proto.CallAccept{
		CallID: sess.ID,
		From:   e.userID,
		Answer: answer,
	})
	if err != nil {
		e.end(sess.ID, StateFailed, fmt.Sprintf("signaling: %v", err))
		return err
	}
	log.Printf("CALL [%s]: accepted from %s", sess.ID, sess.PeerID)
	return nil
}

// Decline rejects the ringing inbound call.
func (e *Engine) Decline(reason string) error {
	e.mu.Lock()
	sess := e.sess
	if sess == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	if sess.State() != StateRinging {
		e.mu.Unlock()
		return fmt.Errorf("call: cannot decline in state %s", sess.State())
	}
	e.mu.Unlock()

	if reason == "" {
		reason = "declined"
	}
	if err := e.sig.Send(proto.EventCallDecline, proto.CallDecline{
		CallID: sess.ID,
		From:   e.userID,
		Reason: reason,
	}); err != nil {
		log.Printf("CALL [%s]: decline signal: %v", sess.ID, err)
	}
	e.end(sess.ID, StateDeclined, reason)
	return nil
}

// Hangup ends the call in progress. On a ringing inbound call it declines.
func (e *Engine) Hangup() error {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return ErrNoCall
	}
	if sess.State() == StateRinging {
		return e.Decline("")
	}

	e.sendEnd(sess.ID, "hangup")
	e.end(sess.ID, StateEnded, "local hangup")
	return nil
}

// ToggleAudio flips the local audio mute of the call in progress. The
// outgoing audio track is detached or reattached to match.
func (e *Engine) ToggleAudio() (bool, error) {
	e.mu.Lock()
	sess, neg := e.sess, e.neg
	e.mu.Unlock()
	if sess == nil {
		return false, ErrNoCall
	}
	muted := sess.ToggleAudio()
	e.setTrack(sess.ID, neg, proto.MediaAudio, !muted)
	return muted, nil
}

// ToggleVideo flips the local video of the call in progress. The outgoing
// video track is detached or reattached to match.
func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	sess, neg := e.sess, e.neg
	e.mu.Unlock()
	if sess == nil {
		return false, ErrNoCall
	}
	disabled := sess.ToggleVideo()
	e.setTrack(sess.ID, neg, proto.MediaVideo, !disabled)
	return disabled, nil
}

func (e *Engine) setTrack(callID string, neg Negotiator, kind string, enabled bool) {
	if neg == nil {
		return
	}
	if err := neg.SetTrackEnabled(kind, enabled); err != nil && !errors.Is(err, ErrMediaUnavailable) {
		log.Printf("CALL [%s]: %s track enable=%t: %v", callID, kind, enabled, err)
	}
}

// SwitchCamera replaces the outgoing video track of a video call with a
// freshly captured one, in place.
func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	sess, neg := e.sess, e.neg
	e.mu.Unlock()
	if sess == nil || neg == nil {
		return ErrNoCall
	}
	if sess.Media != proto.MediaVideo {
		return fmt.Errorf("call: %s is not a video call", sess.ID)
	}
	if err := neg.ReplaceVideoTrack(); err != nil {
		return fmt.Errorf("call: replace video track: %w", err)
	}
	return nil
}

// Close hangs up any call in progress.
func (e *Engine) Close() {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess != nil {
		e.sendEnd(sess.ID, "shutdown")
		e.end(sess.ID, StateEnded, "shutdown")
	}
}

// ── inbound signaling ───────────────────────────────────────────────────────

// HandleInitiate processes an inbound call:initiate frame. If a call is
// already in progress the new attempt is answered busy; the current call is
// untouched.
func (e *Engine) HandleInitiate(data json.RawMessage) {
	var ci proto.CallInitiate
	if err := json.Unmarshal(data, &ci); err != nil || ci.CallID == "" {
		log.Printf("CALL: bad call:initiate: %v", err)
		return
	}

	e.mu.Lock()
	if e.sess != nil {
		e.mu.Unlock()
		log.Printf("CALL [%s]: busy, rejecting call from %s", ci.CallID, ci.From)
		if err := e.sig.Send(proto.EventCallBusy, proto.CallBusy{CallID: ci.CallID, From: e.userID}); err != nil {
			log.Printf("CALL [%s]: busy signal: %v", ci.CallID, err)
		}
		e.bus.Publish(event.Event{
			Type:    event.Notification,
			Payload: fmt.Sprintf("missed call from %s (busy)", ci.From),
		})
		return
	}
	sess := newSession(ci.CallID, ci.From, DirectionInbound, ci.MediaType)
	sess.transitionTo(StateRinging)
	e.sess = sess
	e.pendingOffer = ci.Offer
	e.mu.Unlock()

	log.Printf("CALL [%s]: incoming %s call from %s", ci.CallID, ci.MediaType, ci.From)
	e.publishState(sess)
	e.bus.Publish(event.Event{
		Type:    event.CallIncoming,
		Payload: IncomingCall{CallID: ci.CallID, From: ci.From, Media: ci.MediaType},
	})
	e.tmrs.Set(timerRingTimeout, e.cfg.RingTimeout(), func() { e.ringTimeout(ci.CallID) })
}

// HandleAccept processes an inbound call:accept frame (caller side).
func (e *Engine) HandleAccept(data json.RawMessage) {
	var ca proto.CallAccept
	if err := json.Unmarshal(data, &ca); err != nil {
		log.Printf("CALL: bad call:accept: %v", err)
		return
	}

	e.mu.Lock()
	sess, neg := e.sess, e.neg
	e.mu.Unlock()
	if sess == nil || sess.ID != ca.CallID || neg == nil {
		log.Printf("CALL [%s]: accept for unknown call", ca.CallID)
		return
	}
	if !sess.transitionTo(StateConnecting) {
		return
	}

	e.tmrs.Clear(timerRingTimeout)
	e.publishState(sess)

	if err := neg.AcceptAnswer(ca.Answer); err != nil {
		e.sendEnd(sess.ID, "negotiation failed")
		e.end(sess.ID, StateFailed, fmt.Sprintf("answer: %v", err))
	}
}

// HandleDecline processes an inbound call:decline frame (caller side).
func (e *Engine) HandleDecline(data json.RawMessage) {
	var cd proto.CallDecline
	if err := json.Unmarshal(data, &cd); err != nil {
		return
	}
	reason := cd.Reason
	if reason == "" {
		reason = "declined"
	}
	e.end(cd.CallID, StateDeclined, reason)
}

// HandleBusy processes an inbound call:busy frame (caller side).
func (e *Engine) HandleBusy(data json.RawMessage) {
	var cb proto.CallBusy
	if err := json.Unmarshal(data, &cb); err != nil {
		return
	}
	e.end(cb.CallID, StateBusy, "busy")
}

// HandleEnd processes an inbound call:end frame. On a still-ringing call the
// caller gave up, which counts as missed.
func (e *Engine) HandleEnd(data json.RawMessage) {
	var ce proto.CallEnd
	if err := json.Unmarshal(data, &ce); err != nil {
		return
	}

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.ID != ce.CallID {
		return
	}

	if sess.State() == StateRinging {
		e.notifyMissed(sess.PeerID)
		e.end(ce.CallID, StateMissed, "caller hung up")
		return
	}
	reason := ce.Reason
	if reason == "" {
		reason = "remote hangup"
	}
	e.end(ce.CallID, StateEnded, reason)
}

// HandleMissed processes an inbound call:missed frame (callee side).
func (e *Engine) HandleMissed(data json.RawMessage) {
	var cm proto.CallMissed
	if err := json.Unmarshal(data, &cm); err != nil {
		return
	}
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.ID != cm.CallID || sess.State() != StateRinging {
		return
	}
	e.notifyMissed(sess.PeerID)
	e.end(cm.CallID, StateMissed, "missed")
}

// HandleICE processes an inbound call:ice-candidate frame. Candidates for
// the current call always reach the negotiator in arrival order; before the
// negotiator exists they are held here.
func (e *Engine) HandleICE(data json.RawMessage) {
	var ci proto.CallICE
	if err := json.Unmarshal(data, &ci); err != nil {
		return
	}

	e.mu.Lock()
	sess := e.sess
	if sess == nil || sess.ID != ci.CallID {
		e.mu.Unlock()
		return
	}
	neg := e.neg
	if neg == nil {
		e.pendingICE = append(e.pendingICE, ci.Candidate)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := neg.AddRemoteCandidate(ci.Candidate); err != nil {
		log.Printf("CALL [%s]: remote candidate: %v", ci.CallID, err)
	}
}

// ── internal ────────────────────────────────────────────────────────────────

func (e *Engine) wireNegotiator(callID string, neg Negotiator) {
	neg.OnLocalCandidate(func(c proto.ICECandidate) {
		err := e.sig.Send(proto.EventCallICECandidate, proto.CallICE{
			CallID:    callID,
			From:      e.userID,
			Candidate: c,
		})
		if err != nil {
			log.Printf("CALL [%s]: send candidate: %v", callID, err)
		}
	})
	neg.OnLinkState(func(st LinkState) { e.onLinkState(callID, st) })
}

// onLinkState reacts to peer connection state changes. A drop while the call
// is up starts the recovery grace timer; ICE recovering on its own within
// the grace period keeps the call alive.
func (e *Engine) onLinkState(callID string, st LinkState) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.ID != callID {
		return
	}

	switch st {
	case LinkConnected:
		if e.tmrs.Clear(timerRecovery) {
			log.Printf("CALL [%s]: connection recovered", callID)
		}
		if sess.State() == StateConnecting && sess.transitionTo(StateActive) {
			log.Printf("CALL [%s]: active", callID)
			e.publishState(sess)
			e.scheduleTick(callID)
		}
	case LinkDisconnected, LinkFailed:
		s := sess.State()
		if s != StateConnecting && s != StateActive {
			return
		}
		log.Printf("CALL [%s]: connection %s, waiting %s for recovery", callID, st, e.cfg.RecoveryGrace())
		e.tmrs.Set(timerRecovery, e.cfg.RecoveryGrace(), func() { e.recoveryExpired(callID) })
	}
}

func (e *Engine) recoveryExpired(callID string) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.ID != callID {
		return
	}
	e.sendEnd(callID, "connection lost")
	e.end(callID, StateFailed, "connection lost")
}

func (e *Engine) ringTimeout(callID string) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.ID != callID {
		return
	}

	switch sess.State() {
	case StateDialing:
		// Tell the callee to stop ringing and record the miss.
		if err := e.sig.Send(proto.EventCallMissed, proto.CallMissed{CallID: callID}); err != nil {
			log.Printf("CALL [%s]: missed signal: %v", callID, err)
		}
		e.end(callID, StateMissed, "no answer")
	case StateRinging:
		e.notifyMissed(sess.PeerID)
		e.end(callID, StateMissed, "missed")
	}
}

// scheduleTick publishes the running call duration once per second.
func (e *Engine) scheduleTick(callID string) {
	e.tmrs.Set(timerTick, time.Second, func() {
		e.mu.Lock()
		sess := e.sess
		e.mu.Unlock()
		if sess == nil || sess.ID != callID || sess.State() != StateActive {
			return
		}
		e.bus.Publish(event.Event{
			Type:    event.CallTick,
			Payload: Tick{CallID: callID, Elapsed: sess.Duration()},
		})
		e.scheduleTick(callID)
	})
}

func (e *Engine) sendEnd(callID, reason string) {
	err := e.sig.Send(proto.EventCallEnd, proto.CallEnd{
		CallID: callID,
		From:   e.userID,
		Reason: reason,
	})
	if err != nil {
		log.Printf("CALL [%s]: end signal: %v", callID, err)
	}
}

// end moves the call to a terminal state and tears everything down. A call
// id that no longer matches the session in progress is ignored, so stale
// timers and late frames cannot kill the next call.
func (e *Engine) end(callID string, final CallState, reason string) {
	e.mu.Lock()
	sess := e.sess
	if sess == nil || sess.ID != callID {
		e.mu.Unlock()
		return
	}
	if !sess.transitionTo(final) {
		e.mu.Unlock()
		return
	}
	sess.setReason(reason)
	neg := e.neg
	e.sess = nil
	e.neg = nil
	e.pendingOffer = ""
	e.pendingICE = nil
	e.mu.Unlock()

	e.tmrs.Clear(timerRingTimeout)
	e.tmrs.Clear(timerRecovery)
	e.tmrs.Clear(timerTick)
	if neg != nil {
		go neg.Close()
	}

	log.Printf("CALL [%s]: %s (%s)", callID, final, reason)
	e.publishState(sess)
}

func (e *Engine) notifyMediaFailure(cause error) {
	e.bus.Publish(event.Event{
		Type:    event.Notification,
		Payload: fmt.Sprintf("call could not start: %v", cause),
	})
}

func (e *Engine) notifyMissed(from string) {
	e.bus.Publish(event.Event{
		Type:    event.Notification,
		Payload: fmt.Sprintf("missed call from %s", from),
	})
}

func (e *Engine) publishState(sess *Session) {
	e.bus.Publish(event.Event{
		Type: event.CallStateChanged,
		Payload: StateChange{
			CallID:    sess.ID,
			PeerID:    sess.PeerID,
			Direction: sess.Direction,
			Media:     sess.Media,
			State:     sess.State(),
			Reason:    sess.Reason(),
		},
	})
}
