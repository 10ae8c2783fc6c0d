//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/rbakker/palaver/internal/config"
)

// initMediaPC creates a receive-only peer connection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere the call receives remote media only.
func initMediaPC(cfg config.Call, callID string, _ bool) (*webrtc.PeerConnection, *localMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}

	// Recvonly transceivers so SDP has valid m-lines with ICE credentials.
	addRecvOnlyTransceivers(callID, pc)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local media on this platform)", callID)
	return pc, nil, nil
}

func captureVideoTrack(callID string) (webrtc.TrackLocal, func(), error) {
	return nil, nil, ErrMediaUnavailable
}
