package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/rbakker/palaver/internal/config"
	"github.com/rbakker/palaver/internal/proto"
)

// pliInterval is how often a picture loss indication is requested for remote
// video. Keeps the decoder recoverable after packet loss.
const pliInterval = 3 * time.Second

// ErrMediaUnavailable means local capture failed or the platform has no
// capture subsystem.
var ErrMediaUnavailable = errors.New("call: local media unavailable")

// LinkState is the condensed peer connection state the Engine reacts to.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (l LinkState) String() string {
	switch l {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiator drives the SDP and ICE lifecycle of one peer connection.
// The Engine only talks to this interface; tests substitute a fake.
type Negotiator interface {
	// CreateOffer produces the local offer SDP (caller side).
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies the remote offer and produces the answer SDP
	// (callee side). Queued remote candidates are applied afterwards.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	// AcceptAnswer applies the remote answer (caller side). Queued remote
	// candidates are applied afterwards.
	AcceptAnswer(answer string) error
	// AddRemoteCandidate applies a trickled candidate. Candidates arriving
	// before the remote description are held and applied in arrival order
	// once it is set.
	AddRemoteCandidate(c proto.ICECandidate) error
	// ReplaceVideoTrack swaps the outgoing camera track in place, without
	// renegotiation. The replacement is captured first; the old track is
	// stopped only once the swap succeeds.
	ReplaceVideoTrack() error
	// SetTrackEnabled mutes (false) or unmutes (true) the outgoing track of
	// the given kind (proto.MediaAudio or proto.MediaVideo).
	SetTrackEnabled(kind string, enabled bool) error
	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(proto.ICECandidate))
	// OnLinkState registers the sink for connection state changes.
	OnLinkState(fn func(LinkState))
	Close() error
}

// NegotiatorFactory builds a Negotiator for one call attempt.
type NegotiatorFactory func(cfg config.Call, callID string, wantVideo bool) (Negotiator, error)

// NewPionNegotiator is the production NegotiatorFactory. Local capture
// happens here; a capture failure fails the call attempt with
// ErrMediaUnavailable. Platforms without a capture subsystem get a
// receive-only connection.
func NewPionNegotiator(cfg config.Call, callID string, wantVideo bool) (Negotiator, error) {
	pc, media, err := initMediaPC(cfg, callID, wantVideo)
	if err != nil {
		return nil, err
	}
	n := &pionNegotiator{
		callID: callID,
		pc:     pc,
		media:  media,
		done:   make(chan struct{}),
	}
	n.wire()
	return n, nil
}

type pionNegotiator struct {
	callID    string
	pc        *webrtc.PeerConnection
	media     *localMedia
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	remoteSet   bool
	pending     []proto.ICECandidate
	onCandidate func(proto.ICECandidate)
	onLink      func(LinkState)
}

func (n *pionNegotiator) wire() {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		n.mu.Lock()
		fn := n.onCandidate
		n.mu.Unlock()
		if fn != nil {
			fn(proto.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", n.callID, s)
		n.mu.Lock()
		fn := n.onLink
		n.mu.Unlock()
		if fn != nil {
			fn(linkStateFor(s))
		}
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track kind=%s codec=%s ssrc=%d",
			n.callID, track.Kind(), track.Codec().MimeType, track.SSRC())
		go n.readRemoteTrack(track)
	})
}

func linkStateFor(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed
	default:
		return LinkNew
	}
}

// readRemoteTrack drains RTP from a remote track so the jitter buffers keep
// moving, and requests a PLI for video at a fixed interval so the sender
// refreshes a keyframe after loss.
func (n *pionNegotiator) readRemoteTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-n.done:
					return
				case <-ticker.C:
					err := n.pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote track read: %v", n.callID, err)
			}
			return
		}
		_ = pkt
	}
}

func (n *pionNegotiator) CreateOffer(ctx context.Context) (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	// Wait for ICE gathering so the offer carries host candidates; trickled
	// ones follow via OnLocalCandidate.
	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return n.pc.LocalDescription().SDP, nil
}

func (n *pionNegotiator) AcceptOffer(ctx context.Context, offer string) (string, error) {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	})
	if err != nil {
		return "", err
	}
	n.flushPending()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return n.pc.LocalDescription().SDP, nil
}

func (n *pionNegotiator) AcceptAnswer(answer string) error {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return err
	}
	n.flushPending()
	return nil
}

func (n *pionNegotiator) AddRemoteCandidate(c proto.ICECandidate) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.addCandidate(c)
}

// flushPending marks the remote description set and applies held candidates
// in the order they arrived.
func (n *pionNegotiator) flushPending() {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	if len(pending) > 0 {
		log.Printf("CALL [%s]: applying %d queued ICE candidate(s)", n.callID, len(pending))
	}
	for _, c := range pending {
		if err := n.addCandidate(c); err != nil {
			log.Printf("CALL [%s]: queued candidate: %v", n.callID, err)
		}
	}
}

func (n *pionNegotiator) addCandidate(c proto.ICECandidate) error {
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// ReplaceVideoTrack captures a fresh camera track and swaps it onto the
// existing video sender with RTPSender.ReplaceTrack. No renegotiation: the
// codec and constraints match the original capture.
func (n *pionNegotiator) ReplaceVideoTrack() error {
	lm := n.media
	if lm == nil {
		return ErrMediaUnavailable
	}
	lm.mu.Lock()
	sender := lm.videoSender
	lm.mu.Unlock()
	if sender == nil {
		return ErrMediaUnavailable
	}

	track, stop, err := captureVideoTrack(n.callID)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(track); err != nil {
		stop()
		return err
	}

	lm.mu.Lock()
	old := lm.stopVideo
	lm.videoTrack = track
	lm.stopVideo = stop
	lm.mu.Unlock()
	if old != nil {
		old()
	}
	log.Printf("CALL [%s]: video track replaced", n.callID)
	return nil
}

// SetTrackEnabled mutes or unmutes an outgoing track. Mute detaches the
// track from its sender so no frames leave the encoder; unmute reattaches
// the captured track.
func (n *pionNegotiator) SetTrackEnabled(kind string, enabled bool) error {
	lm := n.media
	if lm == nil {
		return ErrMediaUnavailable
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var sender *webrtc.RTPSender
	var track webrtc.TrackLocal
	switch kind {
	case proto.MediaAudio:
		sender, track = lm.audioSender, lm.audioTrack
	case proto.MediaVideo:
		sender, track = lm.videoSender, lm.videoTrack
	default:
		return fmt.Errorf("call: unknown track kind %q", kind)
	}
	if sender == nil {
		return ErrMediaUnavailable
	}
	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

func (n *pionNegotiator) OnLocalCandidate(fn func(proto.ICECandidate)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) OnLinkState(fn func(LinkState)) {
	n.mu.Lock()
	n.onLink = fn
	n.mu.Unlock()
}

func (n *pionNegotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		if n.media != nil {
			n.media.stopAll()
		}
		err = n.pc.Close()
	})
	return err
}
