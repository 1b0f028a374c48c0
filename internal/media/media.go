// Package media abstracts the peer-to-peer audio/video transport behind a
// small interface the call engine drives: create a session, exchange SDP and
// trickled ICE candidates through the signaling store, and wait for a remote
// track. Two implementations exist — Pion WebRTC for real calls and an
// in-memory loopback for tests and demos — chosen once at composition time,
// never probed at call time.
package media

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

var (
	// ErrMediaDenied is returned when local capture devices cannot be
	// acquired at all (permission or hardware failure).
	ErrMediaDenied = errors.New("local media unavailable")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("media session closed")
)

// SDP is a session description exchanged through the signaling store.
type SDP struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one trickled ICE candidate.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// ConnState is the coarse transport connection state surfaced to the engine.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateFailed     ConnState = "failed"
	StateClosed     ConnState = "closed"
)

// Quality is the coarse connection-quality indicator derived from inbound
// RTP statistics. It mirrors what the remote peer's network looks like from
// here; it is never authoritative for the peer's own device state.
type Quality string

const (
	QualityConnecting Quality = "connecting"
	QualityPoor       Quality = "poor"
	QualityGood       Quality = "good"
	QualityExcellent  Quality = "excellent"
)

// SessionConfig describes the session to create. Video=false acquires
// audio only.
type SessionConfig struct {
	Video      bool
	ICEServers []string
}

// RemoteTrack is a playable inbound media stream handle. The engine only
// needs its kind; rendering belongs to the host application.
type RemoteTrack interface {
	Kind() string // "audio" or "video"
}

// Session is one peer connection. Callbacks must be registered before the
// offer/answer exchange starts and may fire from transport goroutines; the
// engine serializes them onto its own event path.
type Session interface {
	CreateOffer() (SDP, error)
	CreateAnswer() (SDP, error)
	SetLocalDescription(sdp SDP) error
	SetRemoteDescription(sdp SDP) error
	AddICECandidate(c Candidate) error

	OnICECandidate(fn func(Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(ConnState))
	OnQuality(fn func(Quality))

	// SetAudioEnabled / SetVideoEnabled toggle the local outbound tracks.
	// They report the resulting enabled state, which may differ from the
	// request when the track does not exist (e.g. voice call, no camera).
	SetAudioEnabled(enabled bool) bool
	SetVideoEnabled(enabled bool) bool

	// Close releases local capture devices and tears the connection down.
	// Idempotent, and safe to call while an offer/answer is in flight.
	Close() error
}

// Transport creates sessions. Creating a session acquires local media for
// the requested kind, so the caller owns exactly one live session per call
// and must Close it on every terminal transition.
type Transport interface {
	NewSession(cfg SessionConfig) (Session, error)
}
