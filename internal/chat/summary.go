// Package chat is the call engine's outlet into the host application's chat
// history: one textual summary line per finished call. The engine emits
// summaries fire-and-forget; rendering and storage beyond that belong to the
// host.
package chat

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

// Direction of a call relative to the local identity.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Outcome is how a call finished.
type Outcome string

const (
	OutcomeEnded    Outcome = "ended"
	OutcomeMissed   Outcome = "missed"
	OutcomeDeclined Outcome = "declined"
	OutcomeFailed   Outcome = "failed"
)

// Summary is one finished call, as the chat history sees it.
type Summary struct {
	Kind      string    // "voice", "video", "group-voice", "group-video"
	Direction Direction
	Peer      string // counterpart (1:1) or group display name
	Outcome   Outcome
	Duration  time.Duration // connected time; zero unless the call connected
	At        time.Time
}

// Text renders the summary line shown in the chat.
func (s Summary) Text() string {
	switch s.Outcome {
	case OutcomeEnded:
		return fmt.Sprintf("%s call ended (%s)", kindTitle(s.Kind), clockFormat(s.Duration))
	case OutcomeMissed:
		return fmt.Sprintf("Missed %s call", kindWord(s.Kind))
	case OutcomeDeclined:
		return fmt.Sprintf("%s call declined", kindTitle(s.Kind))
	default:
		return fmt.Sprintf("%s call failed", kindTitle(s.Kind))
	}
}

// Summarizer receives one summary per terminal call transition. Failures are
// logged and swallowed by callers; a broken chat layer must never block call
// teardown.
type Summarizer interface {
	AppendSummary(ctx context.Context, s Summary) error
}

// clockFormat renders a duration as m:ss (5s -> "0:05").
func clockFormat(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func kindTitle(kind string) string {
	switch kind {
	case "video":
		return "Video"
	case "group-voice":
		return "Group voice"
	case "group-video":
		return "Group video"
	default:
		return "Voice"
	}
}

func kindWord(kind string) string {
	switch kind {
	case "video":
		return "video"
	case "group-voice":
		return "group voice"
	case "group-video":
		return "group video"
	default:
		return "voice"
	}
}
