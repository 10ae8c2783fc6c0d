//go:build linux

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/rbakker/palaver/internal/config"
)

// newCodecSelector builds the VP8+Opus selector used for every capture on
// this connection, so a track captured later still matches the negotiated
// codecs.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// videoConstraints restricts capture to raw frame formats at a laptop-class
// resolution.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that produces
	// malformed JPEG frames, which poisons the VP8 encoder and breaks SDP
	// negotiation. Raw formats only.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	// Cap at 640×480 — higher resolutions increase VP8 encoding latency
	// noticeably on laptop-class hardware.
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// initMediaPC creates the peer connection with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo on Linux). A video
// call that cannot open a camera fails here; an audio call that cannot open
// a microphone fails too. A busy microphone on a video call is tolerated.
func initMediaPC(cfg config.Call, callID string, wantVideo bool) (*webrtc.PeerConnection, *localMedia, error) {
	codecSelector, err := newCodecSelector()
	if err != nil {
		return nil, nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s — far too
	// short for paths that have short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", callID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device — kind=%v label=%q", callID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. Try the full set first, then narrower ones, so a missing/busy
	// microphone doesn't prevent the camera from working. A video call never
	// falls back to audio-only: the camera is the point of the call.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{false, true, "audio-only"},
	}
	if wantVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = videoConstraints
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			continue
		}

		lm := &localMedia{}
		tracks := stream.GetTracks()
		for _, track := range tracks {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", callID, err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", callID, err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				lm.audioSender, lm.audioTrack = sender, track
				lm.stopAudio = func() { track.Close() }
			case webrtc.RTPCodecTypeVideo:
				lm.videoSender, lm.videoTrack = sender, track
				lm.stopVideo = func() { track.Close() }
			}
		}

		// Kinds not captured still get a recvonly m-line for remote media.
		if lm.audioSender == nil {
			addRecvOnlyKind(callID, pc, webrtc.RTPCodecTypeAudio)
		}
		if lm.videoSender == nil {
			addRecvOnlyKind(callID, pc, webrtc.RTPCodecTypeVideo)
		}

		log.Printf("CALL [%s]: local media captured (%s) — %d tracks", callID, a.label, len(tracks))
		return pc, lm, nil
	}

	pc.Close()
	if wantVideo {
		return nil, nil, fmt.Errorf("%w: camera capture failed", ErrMediaUnavailable)
	}
	return nil, nil, fmt.Errorf("%w: microphone capture failed", ErrMediaUnavailable)
}

// captureVideoTrack opens a fresh camera track with the same codec and
// constraints as the initial capture, for in-place track replacement.
func captureVideoTrack(callID string) (webrtc.TrackLocal, func(), error) {
	codecSelector, err := newCodecSelector()
	if err != nil {
		return nil, nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Video: videoConstraints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	videos := stream.GetVideoTracks()
	if len(videos) == 0 {
		return nil, nil, fmt.Errorf("%w: no video track captured", ErrMediaUnavailable)
	}
	track := videos[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL [%s]: replacement track ended: %v", callID, err)
		}
	})
	return track, func() { track.Close() }, nil
}
