package media

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WebRTCTransport is the production transport: Pion WebRTC with local
// capture via pion/mediadevices where the platform supports it.
type WebRTCTransport struct {
	iceServers    []string
	videoDisabled bool
}

// NewWebRTCTransport creates the transport. videoDisabled forces audio-only
// capture even for video calls (headless or camera-less machines).
func NewWebRTCTransport(iceServers []string, videoDisabled bool) *WebRTCTransport {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &WebRTCTransport{iceServers: iceServers, videoDisabled: videoDisabled}
}

// NewSession builds a PeerConnection with local capture for the requested
// kind. Capture failures degrade to receive-only rather than failing the
// call; only PeerConnection construction errors are fatal.
func (t *WebRTCTransport) NewSession(cfg SessionConfig) (Session, error) {
	wantVideo := cfg.Video && !t.videoDisabled
	ice := cfg.ICEServers
	if len(ice) == 0 {
		ice = t.iceServers
	}

	pc, stopCapture, err := newPeerConnection(ice, wantVideo)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &webrtcSession{pc: pc, stopCapture: stopCapture}
	s.wireCallbacks()
	return s, nil
}

// webrtcSession adapts a Pion PeerConnection to the Session interface.
type webrtcSession struct {
	pc          *webrtc.PeerConnection
	stopCapture func()

	mu          sync.Mutex
	closed      bool
	onCandidate func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
	onQuality   func(Quality)

	// Detached sender tracks, so mute/camera-off can ReplaceTrack(nil) and
	// restore later without renegotiation.
	muted    map[webrtc.RTPCodecType]webrtc.TrackLocal
	samplers []*qualitySampler
}

func (s *webrtcSession) wireCallbacks() {
	s.muted = make(map[webrtc.RTPCodecType]webrtc.TrackLocal)

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		s.mu.Lock()
		fn := s.onCandidate
		s.mu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Debugf("remote track: kind=%s codec=%s", track.Kind(), track.Codec().MimeType)
		s.mu.Lock()
		fn := s.onTrack
		qfn := s.onQuality
		s.mu.Unlock()

		sampler := newQualitySampler(track, qfn)
		s.mu.Lock()
		s.samplers = append(s.samplers, sampler)
		s.mu.Unlock()
		go sampler.run()

		if fn != nil {
			fn(remoteTrack{kind: track.Kind().String()})
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("peer connection state: %s", state)
		mapped, ok := mapConnState(state)
		if !ok {
			return
		}
		s.mu.Lock()
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(mapped)
		}
	})

	// RTCP receiver reports carry the remote's view of our outbound loss;
	// fold them into the quality estimate.
	for _, sender := range s.pc.GetSenders() {
		go s.readSenderRTCP(sender)
	}
}

func mapConnState(state webrtc.PeerConnectionState) (ConnState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	}
	return "", false
}

type remoteTrack struct{ kind string }

func (r remoteTrack) Kind() string { return r.kind }

func (s *webrtcSession) CreateOffer() (SDP, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return SDP{}, fmt.Errorf("create offer: %w", err)
	}
	return SDP{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *webrtcSession) CreateAnswer() (SDP, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return SDP{}, fmt.Errorf("create answer: %w", err)
	}
	return SDP{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *webrtcSession) SetLocalDescription(sdp SDP) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (s *webrtcSession) SetRemoteDescription(sdp SDP) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *webrtcSession) AddICECandidate(c Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (s *webrtcSession) OnICECandidate(fn func(Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *webrtcSession) OnRemoteTrack(fn func(RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *webrtcSession) OnConnectionStateChange(fn func(ConnState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *webrtcSession) OnQuality(fn func(Quality)) {
	s.mu.Lock()
	s.onQuality = fn
	s.mu.Unlock()
}

// SetAudioEnabled toggles the outbound audio track via ReplaceTrack, which
// needs no renegotiation.
func (s *webrtcSession) SetAudioEnabled(enabled bool) bool {
	return s.setTrackEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetVideoEnabled toggles the outbound video track.
func (s *webrtcSession) SetVideoEnabled(enabled bool) bool {
	return s.setTrackEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *webrtcSession) setTrackEnabled(kind webrtc.RTPCodecType, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	for _, sender := range s.pc.GetSenders() {
		track := sender.Track()
		if !enabled {
			if track == nil || track.Kind() != kind {
				continue
			}
			s.muted[kind] = track
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Warnf("disable %s track: %v", kind, err)
				return true
			}
			return false
		}
		// Re-enable: find the sender we previously emptied.
		if track == nil {
			saved, ok := s.muted[kind]
			if !ok {
				continue
			}
			if err := sender.ReplaceTrack(saved); err != nil {
				log.Warnf("enable %s track: %v", kind, err)
				return false
			}
			delete(s.muted, kind)
			return true
		}
	}
	// No matching sender: voice-only call has no video track to enable.
	return false
}

func (s *webrtcSession) readSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		fn := s.onQuality
		samplers := s.samplers
		s.mu.Unlock()
		if fn == nil || len(samplers) == 0 {
			continue
		}
		if q, ok := qualityFromRTCP(buf[:n]); ok {
			fn(q)
		}
	}
}

// Close releases capture devices and the connection. Idempotent.
func (s *webrtcSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stopCapture
	samplers := s.samplers
	s.samplers = nil
	s.mu.Unlock()

	for _, sampler := range samplers {
		sampler.stop()
	}
	if stop != nil {
		stop()
	}
	return s.pc.Close()
}
