// Package call implements the one-to-one call engine: the shared CallRecord
// document, the session state machine that drives signaling and media for a
// single call, the standing listener that surfaces incoming calls, and the
// Manager facade the host application talks to. Group calls are composed in
// via internal/group.
package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlink/ringlink/internal/media"
)

var log = logging.Logger("call")

var (
	// ErrBusy is returned when a call is started or answered while another
	// call already holds the local media devices.
	ErrBusy = errors.New("already in a call")

	// ErrNoCall is returned for commands that need an active call when
	// there is none.
	ErrNoCall = errors.New("no active call")

	// ErrInvalidTransition is returned for commands that do not apply to
	// the call's current status.
	ErrInvalidTransition = errors.New("invalid call transition")
)

// Kind distinguishes voice from video calls.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known call kind.
func (k Kind) Valid() bool { return k == KindVoice || k == KindVideo }

// Video reports whether the kind carries a video track.
func (k Kind) Video() bool { return k == KindVideo }

// Status is the lifecycle state of a call, shared through the store.
type Status string

const (
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusDeclined  Status = "declined"
	StatusMissed    Status = "missed"
)

// Terminal reports whether no further lifecycle transition can occur.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCalling, StatusRinging, StatusConnected,
		StatusEnded, StatusDeclined, StatusMissed:
		return true
	}
	return false
}

// End reasons, recorded on the record for diagnostics. A failed negotiation
// looks like a normal call end to the user; the reason is metadata only.
const (
	ReasonHangup = "hangup"
	ReasonFailed = "failed"
)

// Party identifies one call participant with its display metadata.
type Party struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Record is the authoritative shared document for one 1:1 call. Each side
// writes only the fields it owns: the caller writes offer and
// caller_candidates (and creates the record); the receiver writes answer,
// receiver_candidates and the ringing/connected statuses. Terminal statuses
// may be written by either side, but never concurrently to the same value by
// protocol construction, so last-write-wins store semantics are safe.
type Record struct {
	ID             string `json:"id"`
	CallerID       string `json:"caller_id"`
	CallerName     string `json:"caller_name,omitempty"`
	CallerAvatar   string `json:"caller_avatar,omitempty"`
	ReceiverID     string `json:"receiver_id"`
	ReceiverName   string `json:"receiver_name,omitempty"`
	ReceiverAvatar string `json:"receiver_avatar,omitempty"`

	Type      Kind       `json:"type"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  int        `json:"duration,omitempty"` // seconds, connected calls only
	EndReason string     `json:"end_reason,omitempty"`

	Offer              *media.SDP        `json:"offer,omitempty"`
	Answer             *media.SDP        `json:"answer,omitempty"`
	CallerCandidates   []media.Candidate `json:"caller_candidates,omitempty"`
	ReceiverCandidates []media.Candidate `json:"receiver_candidates,omitempty"`
}

// Caller returns the caller's identity as a Party.
func (r *Record) Caller() Party {
	return Party{ID: r.CallerID, Name: r.CallerName, Avatar: r.CallerAvatar}
}

// Receiver returns the receiver's identity as a Party.
func (r *Record) Receiver() Party {
	return Party{ID: r.ReceiverID, Name: r.ReceiverName, Avatar: r.ReceiverAvatar}
}

// Peer returns the counterpart of selfID on this record.
func (r *Record) Peer(selfID string) Party {
	if r.CallerID == selfID {
		return r.Receiver()
	}
	return r.Caller()
}

// DecodeRecord validates a raw store document into a Record. Malformed
// documents fail here, at the boundary, and never reach the state machine.
func DecodeRecord(doc json.RawMessage) (*Record, error) {
	var r Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode call record: %w", err)
	}
	if r.ID == "" || r.CallerID == "" || r.ReceiverID == "" {
		return nil, fmt.Errorf("call record missing identity fields")
	}
	if !r.Type.Valid() {
		return nil, fmt.Errorf("call record has unknown kind %q", r.Type)
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("call record has unknown status %q", r.Status)
	}
	return &r, nil
}
