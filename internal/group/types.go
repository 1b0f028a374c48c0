// Package group implements multi-party calls on top of the same signaling
// store: one shared GroupCallRecord for lifecycle and membership, per-member
// audit sub-records, and a pairwise mesh of media sessions negotiated
// through per-pair signaling documents.
package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlink/ringlink/internal/media"
)

var log = logging.Logger("group")

var (
	// ErrNotAdmin is returned when a non-admin attempts an admin-only
	// action. Nothing is mutated.
	ErrNotAdmin = errors.New("not a group call admin")

	// ErrNotInvited is returned when joining a call that does not list the
	// local identity as invited or admin.
	ErrNotInvited = errors.New("not invited to this group call")

	// ErrCallFull is returned when joining would exceed max participants.
	ErrCallFull = errors.New("group call is full")

	// ErrCallEnded is returned for operations on an ended call.
	ErrCallEnded = errors.New("group call already ended")
)

// Kind distinguishes group voice from group video calls.
type Kind string

const (
	KindVoice Kind = "group-voice"
	KindVideo Kind = "group-video"
)

func (k Kind) Valid() bool { return k == KindVoice || k == KindVideo }
func (k Kind) Video() bool { return k == KindVideo }

// Status is the group call lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

func (s Status) Valid() bool    { return s == StatusActive || s == StatusEnded }
func (s Status) Terminal() bool { return s == StatusEnded }

// Record is the shared GroupCallRecord. Membership arrays are mutated by
// read-modify-write; each identity only ever adds or removes itself, except
// admins, who additionally manage invited and may remove others. Joining or
// declining consumes the invite; invites still pending when the call ends
// are stamped into missed. Per-member join/leave history lives in Membership
// sub-records, which are stamped with a leave time rather than deleted.
type Record struct {
	ID              string     `json:"id"`
	GroupID         string     `json:"group_id"`
	GroupName       string     `json:"group_name,omitempty"`
	Type            Kind       `json:"type"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	MaxParticipants int        `json:"max_participants"`
	Invited         []string   `json:"invited_participants"`
	Active          []string   `json:"active_participants"`
	Rejected        []string   `json:"rejected_participants,omitempty"`
	Missed          []string   `json:"missed_participants,omitempty"`
	Admins          []string   `json:"admins"`
}

func (r *Record) IsAdmin(id string) bool   { return contains(r.Admins, id) }
func (r *Record) IsActive(id string) bool  { return contains(r.Active, id) }
func (r *Record) IsInvited(id string) bool { return contains(r.Invited, id) || r.IsAdmin(id) }

// DecodeRecord validates a raw store document into a Record.
func DecodeRecord(doc json.RawMessage) (*Record, error) {
	var r Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode group call record: %w", err)
	}
	if r.ID == "" || r.GroupID == "" {
		return nil, fmt.Errorf("group call record missing identity fields")
	}
	if !r.Type.Valid() {
		return nil, fmt.Errorf("group call record has unknown kind %q", r.Type)
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("group call record has unknown status %q", r.Status)
	}
	return &r, nil
}

// Membership is one member's join/leave audit sub-record.
type Membership struct {
	ID       string     `json:"id"`
	CallID   string     `json:"call_id"`
	MemberID string     `json:"member_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// pairSignal is one peer pair's negotiation document. The initiator (the
// lexicographically smaller identity) creates it and owns offer and
// initiator_candidates; the responder owns answer and responder_candidates.
type pairSignal struct {
	ID                  string            `json:"id"`
	CallID              string            `json:"call_id"`
	From                string            `json:"from"`
	To                  string            `json:"to"`
	Offer               *media.SDP        `json:"offer,omitempty"`
	Answer              *media.SDP        `json:"answer,omitempty"`
	InitiatorCandidates []media.Candidate `json:"initiator_candidates,omitempty"`
	ResponderCandidates []media.Candidate `json:"responder_candidates,omitempty"`
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func without(xs []string, x string) []string {
	out := make([]string, 0, len(xs))
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}
