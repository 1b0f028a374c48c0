// Package audio is the audio-routing port: the call engine tells the host
// where call audio should come out, instead of toggling platform audio modes
// as scattered side effects. The engine calls Route on speaker toggle and
// Reset on every terminal call transition.
package audio

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("audio")

// Output is a playback destination.
type Output string

const (
	OutputEarpiece Output = "earpiece"
	OutputSpeaker  Output = "speaker"
)

// Router switches call audio between outputs. Implementations wrap whatever
// the host platform offers; routing failures are the host's problem and must
// not affect call state.
type Router interface {
	Route(o Output) error
	Reset() error
}

// NullRouter is the default Router for hosts without routable audio.
type NullRouter struct{}

func (NullRouter) Route(o Output) error {
	log.Debugf("audio route -> %s (null router)", o)
	return nil
}

func (NullRouter) Reset() error { return nil }
