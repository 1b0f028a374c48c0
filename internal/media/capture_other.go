//go:build !linux || !cgo

package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates a receive-only PeerConnection on non-Linux
// platforms. Capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up for Linux here.
func newPeerConnection(iceServers []string, _ bool) (*webrtc.PeerConnection, func(), error) {
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

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc)
	log.Infof("peer connection ready (receive-only, no local capture on this platform)")
	return pc, nil, nil
}
