package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/rbakker/palaver/internal/config"
)

// localMedia is the captured side of a peer connection: the senders the
// local tracks ride on, the tracks themselves, and per-track stop functions.
// nil when the platform has no capture subsystem.
type localMedia struct {
	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	stopAudio   func()
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
	stopVideo   func()
}

func (lm *localMedia) stopAll() {
	lm.mu.Lock()
	stopA, stopV := lm.stopAudio, lm.stopVideo
	lm.stopAudio, lm.stopVideo = nil, nil
	lm.mu.Unlock()
	if stopA != nil {
		stopA()
	}
	if stopV != nil {
		stopV()
	}
}

// iceServers maps the configured STUN URLs to pion's format.
func iceServers(cfg config.Call) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	addRecvOnlyKind(callID, pc, webrtc.RTPCodecTypeVideo)
	addRecvOnlyKind(callID, pc, webrtc.RTPCodecTypeAudio)
}

// addRecvOnlyKind adds a recvonly transceiver for one kind, so remote media
// of that kind still flows when there is no local track sending it.
func addRecvOnlyKind(callID string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(%s) error: %v", callID, kind, err)
	}
}
