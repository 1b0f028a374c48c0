package media

import (
	"fmt"
	"strings"
	"sync"
)

// LoopTransport is an in-memory Transport for tests and the -fake-media demo
// mode. Sessions rendezvous through the transport by a token embedded in the
// SDP string, so two engines sharing one LoopTransport (or two transports
// sharing a registry via Pair) complete a realistic offer/answer/candidate
// handshake without any network or capture devices.
type LoopTransport struct {
	mu       sync.Mutex
	sessions map[string]*loopSession
	nextID   int
	open     int
	fail     bool
}

// NewLoopTransport creates an empty loopback transport.
func NewLoopTransport() *LoopTransport {
	return &LoopTransport{sessions: make(map[string]*loopSession)}
}

// Pair makes two transports share one session registry, so a session created
// on one can reach its peer created on the other. Used by two-engine tests.
func Pair(a, b *LoopTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	b.sessions = a.sessions
}

// SetFail makes subsequent handshakes stall: descriptions and candidates are
// accepted but sessions never link or connect. Exercises the negotiation
// timeout path.
func (t *LoopTransport) SetFail(fail bool) {
	t.mu.Lock()
	t.fail = fail
	t.mu.Unlock()
}

// OpenCaptures reports how many sessions are currently open. The engine must
// drive this back to zero on every terminal call transition.
func (t *LoopTransport) OpenCaptures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *LoopTransport) NewSession(cfg SessionConfig) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &loopSession{
		t:            t,
		id:           fmt.Sprintf("loop-%d", t.nextID),
		video:        cfg.Video,
		audioEnabled: true,
		videoEnabled: cfg.Video,
	}
	t.sessions[s.id] = s
	t.open++
	return s, nil
}

// loopSession is one half of an in-memory call leg.
type loopSession struct {
	t     *LoopTransport
	id    string
	video bool

	mu           sync.Mutex
	peer         *loopSession
	localSet     bool
	remoteSet    bool
	gotCandidate bool
	connected    bool
	closed       bool
	audioEnabled bool
	videoEnabled bool

	onCandidate func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnState)
	onQuality   func(Quality)

	// candidate emission is deferred until both the local description and
	// the callback are in place, whichever comes last.
	candidatePending bool
}

const loopSDPPrefix = "loop-session:"

func (s *loopSession) CreateOffer() (SDP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SDP{}, ErrSessionClosed
	}
	return SDP{Type: "offer", SDP: loopSDPPrefix + s.id}, nil
}

func (s *loopSession) CreateAnswer() (SDP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SDP{}, ErrSessionClosed
	}
	if !s.remoteSet {
		return SDP{}, fmt.Errorf("create answer: no remote offer")
	}
	return SDP{Type: "answer", SDP: loopSDPPrefix + s.id}, nil
}

func (s *loopSession) SetLocalDescription(sdp SDP) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.localSet = true
	fire := s.onCandidate
	if fire == nil {
		s.candidatePending = true
	}
	s.mu.Unlock()

	if fire != nil {
		fire(Candidate{Candidate: "candidate:loop 1 udp 1 127.0.0.1 9 typ host"})
	}
	s.maybeConnect()
	return nil
}

func (s *loopSession) SetRemoteDescription(sdp SDP) error {
	token := strings.TrimPrefix(sdp.SDP, loopSDPPrefix)
	if token == sdp.SDP {
		return fmt.Errorf("set remote description: unrecognized sdp %q", sdp.SDP)
	}

	s.t.mu.Lock()
	failing := s.t.fail
	peer := s.t.sessions[token]
	s.t.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.remoteSet = true
	if !failing && peer != nil && peer != s {
		s.peer = peer
	}
	s.mu.Unlock()

	if !failing && peer != nil && peer != s {
		peer.mu.Lock()
		if peer.peer == nil {
			peer.peer = s
		}
		peer.mu.Unlock()
	}
	s.maybeConnect()
	return nil
}

func (s *loopSession) AddICECandidate(c Candidate) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gotCandidate = true
	s.mu.Unlock()
	s.maybeConnect()
	return nil
}

// maybeConnect fires remote-track and connected callbacks on both legs once
// each side has exchanged descriptions and at least one candidate. Exactly
// once per session.
func (s *loopSession) maybeConnect() {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return
	}
	s.fireIfReady()
	peer.fireIfReady()
}

func (s *loopSession) fireIfReady() {
	s.mu.Lock()
	ready := !s.closed && !s.connected &&
		s.localSet && s.remoteSet && s.gotCandidate && s.peer != nil
	if !ready {
		s.mu.Unlock()
		return
	}
	s.connected = true
	onTrack := s.onTrack
	onState := s.onState
	onQuality := s.onQuality
	peerVideo := s.peer.video
	s.mu.Unlock()

	if onTrack != nil {
		onTrack(remoteTrack{kind: "audio"})
		if peerVideo {
			onTrack(remoteTrack{kind: "video"})
		}
	}
	if onState != nil {
		onState(StateConnected)
	}
	if onQuality != nil {
		onQuality(QualityExcellent)
	}
}

func (s *loopSession) OnICECandidate(fn func(Candidate)) {
	s.mu.Lock()
	s.onCandidate = fn
	pending := s.candidatePending
	s.candidatePending = false
	s.mu.Unlock()
	if pending && fn != nil {
		fn(Candidate{Candidate: "candidate:loop 1 udp 1 127.0.0.1 9 typ host"})
	}
}

func (s *loopSession) OnRemoteTrack(fn func(RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *loopSession) OnConnectionStateChange(fn func(ConnState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *loopSession) OnQuality(fn func(Quality)) {
	s.mu.Lock()
	s.onQuality = fn
	s.mu.Unlock()
}

func (s *loopSession) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.audioEnabled = enabled
	return s.audioEnabled
}

func (s *loopSession) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.video {
		return false
	}
	s.videoEnabled = enabled
	return s.videoEnabled
}

func (s *loopSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peer := s.peer
	s.peer = nil
	s.mu.Unlock()

	s.t.mu.Lock()
	delete(s.t.sessions, s.id)
	s.t.open--
	s.t.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		onState := peer.onState
		wasConnected := peer.connected
		peer.peer = nil
		peer.mu.Unlock()
		if wasConnected && onState != nil {
			onState(StateClosed)
		}
	}
	return nil
}
