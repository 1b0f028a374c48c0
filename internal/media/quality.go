package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// qualityWindow is how often the sampler re-evaluates inbound loss.
const qualityWindow = 2 * time.Second

// qualitySampler reads RTP off a remote track and derives the coarse
// connection-quality indicator from sequence-number gaps. Reading here also
// keeps the track's receive buffer drained when the host application does
// not consume media itself.
type qualitySampler struct {
	track *webrtc.TrackRemote
	fn    func(Quality)

	mu      sync.Mutex
	stopped bool
}

func newQualitySampler(track *webrtc.TrackRemote, fn func(Quality)) *qualitySampler {
	return &qualitySampler{track: track, fn: fn}
}

func (s *qualitySampler) run() {
	var (
		lastSeq     uint16
		haveSeq     bool
		received    int
		lost        int
		windowStart = time.Now()
	)

	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = s.track.ReadRTP()
		if err != nil {
			return
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		received++
		if haveSeq {
			if gap := seqGap(lastSeq, pkt.SequenceNumber); gap > 1 {
				lost += gap - 1
			}
		}
		lastSeq = pkt.SequenceNumber
		haveSeq = true

		if time.Since(windowStart) >= qualityWindow {
			if s.fn != nil {
				s.fn(lossToQuality(lost, received+lost))
			}
			received, lost = 0, 0
			windowStart = time.Now()
		}
	}
}

func (s *qualitySampler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// seqGap returns the forward distance between two RTP sequence numbers,
// accounting for wraparound. Reordered (backward) packets count as 0.
func seqGap(prev, cur uint16) int {
	d := int(cur) - int(prev)
	if d < -32768 {
		d += 65536
	}
	if d < 0 {
		return 0
	}
	return d
}

func lossToQuality(lost, total int) Quality {
	if total == 0 {
		return QualityConnecting
	}
	ratio := float64(lost) / float64(total)
	switch {
	case ratio < 0.01:
		return QualityExcellent
	case ratio < 0.05:
		return QualityGood
	default:
		return QualityPoor
	}
}

// qualityFromRTCP extracts the worst fraction-lost from receiver reports in
// a compound RTCP packet. This is the remote peer's view of our outbound
// stream; it is folded into the same coarse indicator.
func qualityFromRTCP(buf []byte) (Quality, bool) {
	pkts, err := rtcp.Unmarshal(buf)
	if err != nil {
		return "", false
	}
	var worst uint8
	found := false
	for _, p := range pkts {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, r := range rr.Reports {
			found = true
			if r.FractionLost > worst {
				worst = r.FractionLost
			}
		}
	}
	if !found {
		return "", false
	}
	// FractionLost is loss*256 over the last report interval.
	switch {
	case worst < 3: // < ~1 %
		return QualityExcellent, true
	case worst < 13: // < ~5 %
		return QualityGood, true
	default:
		return QualityPoor, true
	}
}
