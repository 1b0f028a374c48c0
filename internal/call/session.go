package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/store"
	"github.com/ringlink/ringlink/internal/util"
)

// Hooks are the session's upward-facing callbacks. They may fire from store
// subscription or media transport goroutines; the Manager serializes them.
// OnTerminal fires exactly once per session, for both local and remote
// terminal transitions.
type Hooks struct {
	OnUpdate    func(*Record)
	OnConnected func()
	OnTerminal  func(*Record)
	OnQuality   func(media.Quality)
}

// Session is the state machine for one 1:1 call, caller or receiver side. It
// owns the media session and the by-ID store subscription for its record,
// and dies on the first terminal transition. Commands arriving while an
// asynchronous step is in flight always win: End and Decline are accepted in
// any state, and stale in-flight results are discarded via a generation
// counter.
type Session struct {
	st  store.Store
	tp  media.Transport
	clk clock.Clock

	selfID   string
	isCaller bool
	ringTO   time.Duration
	negTO    time.Duration
	hooks    Hooks

	mu          sync.Mutex
	rec         Record
	ms          media.Session
	unsub       func()
	ringTimer   *clock.Timer
	negTimer    *clock.Timer
	gen         int
	remoteSet   bool // remote description applied; candidates may flow
	applied     int  // counterpart candidates applied so far
	localCands  []media.Candidate
	connected   bool
	connectedAt time.Time
	terminal    bool
}

// ─── Construction ────────────────────────────────────────────────────────────

// StartOutbound acquires local media, creates the CallRecord with status
// calling, writes the negotiation offer, and arms the no-answer timeout.
// The caller owns the returned session until its OnTerminal fires.
func StartOutbound(ctx context.Context, st store.Store, tp media.Transport, clk clock.Clock,
	self, peer Party, kind Kind, ringTO, negTO time.Duration, hooks Hooks) (*Session, error) {

	ms, err := tp.NewSession(media.SessionConfig{Video: kind.Video()})
	if err != nil {
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	s := &Session{
		st: st, tp: tp, clk: clk,
		selfID: self.ID, isCaller: true,
		ringTO: ringTO, negTO: negTO, hooks: hooks,
		ms: ms,
		rec: Record{
			CallerID: self.ID, CallerName: self.Name, CallerAvatar: self.Avatar,
			ReceiverID: peer.ID, ReceiverName: peer.Name, ReceiverAvatar: peer.Avatar,
			Type: kind, Status: StatusCalling, StartTime: clk.Now(),
		},
	}
	s.wireMedia()

	id, err := st.Create(ctx, store.Calls, &s.rec)
	if err != nil {
		_ = ms.Close()
		return nil, fmt.Errorf("create call record: %w", err)
	}
	s.mu.Lock()
	s.rec.ID = id
	s.mu.Unlock()

	s.unsub = st.Subscribe(byID(id), s.handleEvent)

	offer, err := ms.CreateOffer()
	if err == nil {
		err = ms.SetLocalDescription(offer)
	}
	if err != nil {
		log.Errorf("call %s: offer failed: %v", id, err)
		s.terminalLocal(StatusEnded, ReasonFailed)
		return nil, fmt.Errorf("create offer: %w", err)
	}

	s.mu.Lock()
	s.rec.Offer = &offer
	gen := s.gen
	s.ringTimer = clk.AfterFunc(ringTO, s.onRingTimeout)
	s.mu.Unlock()

	s.writeAsync(gen, map[string]any{"offer": offer})
	log.Infof("call %s: %s -> %s (%s) calling", id, self.ID, peer.ID, kind)
	return s, nil
}

// AnswerInbound re-reads the record, and if it is still answerable acquires
// local media, consumes the caller's offer, and writes the answer. If the
// record already reached a terminal status the answer is a no-op and
// (nil, nil) is returned — no media is acquired.
func AnswerInbound(ctx context.Context, st store.Store, tp media.Transport, clk clock.Clock,
	selfID, recID string, negTO time.Duration, hooks Hooks) (*Session, error) {

	doc, err := st.Get(ctx, store.Calls, recID)
	if err != nil {
		log.Warnf("answer %s: record gone: %v", recID, err)
		return nil, nil
	}
	rec, err := DecodeRecord(doc)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusCalling && rec.Status != StatusRinging {
		log.Warnf("answer %s: status already %s, ignoring", recID, rec.Status)
		return nil, nil
	}
	if rec.ReceiverID != selfID {
		return nil, fmt.Errorf("answer %s: record addressed to %s, not %s", recID, rec.ReceiverID, selfID)
	}

	ms, err := tp.NewSession(media.SessionConfig{Video: rec.Type.Video()})
	if err != nil {
		return nil, fmt.Errorf("acquire local media: %w", err)
	}

	s := &Session{
		st: st, tp: tp, clk: clk,
		selfID: selfID, isCaller: false,
		negTO: negTO, hooks: hooks,
		ms:  ms,
		rec: *rec,
	}
	s.wireMedia()
	s.unsub = st.Subscribe(byID(recID), s.handleEvent)

	s.mu.Lock()
	s.negTimer = clk.AfterFunc(negTO, s.onNegotiateTimeout)
	offer := s.rec.Offer
	s.mu.Unlock()

	// The offer is normally present by answer time; if the snapshot raced
	// ahead of the caller's offer write, the subscription delivers it.
	if offer != nil {
		s.consumeOffer(*offer)
	}
	log.Infof("call %s: answering from %s", recID, rec.CallerID)
	return s, nil
}

// Decline writes the declined terminal status on a record without acquiring
// media or building a session. Used by the receiver and by the busy
// auto-decline path.
func Decline(ctx context.Context, st store.Store, clk clock.Clock, recID string) error {
	now := clk.Now()
	err := st.Update(ctx, store.Calls, recID, map[string]any{
		"status":   StatusDeclined,
		"end_time": now,
	})
	if err != nil {
		return fmt.Errorf("decline call %s: %w", recID, err)
	}
	return nil
}

func byID(id string) store.Query {
	return store.Query{
		Collection: store.Calls,
		Where:      []store.Cond{{Field: "id", Op: store.OpEq, Value: id}},
	}
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Record returns a copy of the session's current view of the call record.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Connected reports whether the call reached connected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetAudioEnabled toggles the outbound audio track. Safe after terminal.
func (s *Session) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	ms := s.ms
	s.mu.Unlock()
	if ms == nil {
		return false
	}
	return ms.SetAudioEnabled(enabled)
}

// SetVideoEnabled toggles the outbound video track.
func (s *Session) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	ms := s.ms
	s.mu.Unlock()
	if ms == nil {
		return false
	}
	return ms.SetVideoEnabled(enabled)
}

// ─── Commands ────────────────────────────────────────────────────────────────

// End hangs up in any state. Media is released synchronously; the store
// write happens in the background with retries and never blocks teardown.
func (s *Session) End() {
	s.terminalLocal(StatusEnded, ReasonHangup)
}

// ─── Media callbacks ─────────────────────────────────────────────────────────

func (s *Session) wireMedia() {
	s.ms.OnICECandidate(s.handleLocalCandidate)
	s.ms.OnRemoteTrack(func(media.RemoteTrack) {
		// The receiver owns the connected status write.
		s.markConnected(!s.isCaller)
	})
	s.ms.OnConnectionStateChange(func(cs media.ConnState) {
		switch cs {
		case media.StateConnected:
			s.markConnected(!s.isCaller)
		case media.StateFailed:
			s.terminalLocal(StatusEnded, ReasonFailed)
		}
	})
	s.ms.OnQuality(func(q media.Quality) {
		s.mu.Lock()
		fn := s.hooks.OnQuality
		dead := s.terminal
		s.mu.Unlock()
		if fn != nil && !dead {
			fn(q)
		}
	})
}

// handleLocalCandidate appends a trickled candidate to the side-owned array
// and rewrites that array on the record. Only this side ever writes it, so
// the read-modify-write is race-free under last-write-wins.
func (s *Session) handleLocalCandidate(c media.Candidate) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.localCands = append(s.localCands, c)
	arr := make([]media.Candidate, len(s.localCands))
	copy(arr, s.localCands)
	field := "receiver_candidates"
	if s.isCaller {
		field = "caller_candidates"
	}
	gen := s.gen
	s.mu.Unlock()

	s.writeAsync(gen, map[string]any{field: arr})
}

// ─── Store events ────────────────────────────────────────────────────────────

func (s *Session) handleEvent(ev store.Event) {
	if ev.Type == store.EventRemoved {
		// Record vanished under us (counterpart deleted it, or the purger
		// ran on a terminal state we never observed).
		s.terminalRemote(StatusEnded, "")
		return
	}
	r, err := DecodeRecord(ev.Doc)
	if err != nil {
		log.Warnf("dropping malformed call document %s: %v", ev.ID, err)
		return
	}
	s.apply(r)
}

// apply folds a store snapshot of the record into the session, triggering
// whatever transitions the counterpart's writes imply. Redundant events are
// absorbed: every step below is guarded to fire at most once.
func (s *Session) apply(r *Record) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}

	var answer, offer *media.SDP
	if s.isCaller {
		if r.Answer != nil && s.rec.Answer == nil {
			s.rec.Answer = r.Answer
			answer = r.Answer
		}
		s.rec.ReceiverCandidates = r.ReceiverCandidates
	} else {
		if r.Offer != nil && s.rec.Offer == nil {
			s.rec.Offer = r.Offer
			offer = r.Offer
		}
		s.rec.CallerCandidates = r.CallerCandidates
	}
	var pending []media.Candidate
	if s.remoteSet {
		pending = s.drainCandidatesLocked()
	}
	status := r.Status
	if status != s.rec.Status && (status == StatusRinging || status.Terminal() || status == StatusConnected) {
		s.rec.Status = status
	}
	s.rec.EndReason = r.EndReason
	ms := s.ms
	s.mu.Unlock()

	if answer != nil {
		s.applyAnswer(ms, *answer)
	}
	if offer != nil {
		s.consumeOffer(*offer)
	}
	for _, c := range pending {
		if err := ms.AddICECandidate(c); err != nil {
			log.Debugf("add candidate: %v", err)
		}
	}

	switch {
	case status.Terminal():
		s.terminalRemote(status, r.EndReason)
	case status == StatusConnected:
		s.markConnected(false)
	default:
		s.fireUpdate()
	}
}

// drainCandidatesLocked returns counterpart candidates not yet applied.
// Caller must hold s.mu and have remoteSet.
func (s *Session) drainCandidatesLocked() []media.Candidate {
	remote := s.rec.ReceiverCandidates
	if !s.isCaller {
		remote = s.rec.CallerCandidates
	}
	if len(remote) <= s.applied {
		return nil
	}
	pending := remote[s.applied:]
	s.applied = len(remote)
	return pending
}

// applyAnswer is the caller-side reaction to the receiver's answer: the
// no-answer timer stops and the negotiation timer takes over until a remote
// track arrives.
func (s *Session) applyAnswer(ms media.Session, answer media.SDP) {
	s.mu.Lock()
	if s.terminal || s.remoteSet {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.negTimer = s.clk.AfterFunc(s.negTO, s.onNegotiateTimeout)
	pending := s.drainCandidatesLocked()
	s.mu.Unlock()

	if err := ms.SetRemoteDescription(answer); err != nil {
		log.Errorf("call %s: apply answer: %v", s.id(), err)
		s.terminalLocal(StatusEnded, ReasonFailed)
		return
	}
	for _, c := range pending {
		if err := ms.AddICECandidate(c); err != nil {
			log.Debugf("add candidate: %v", err)
		}
	}
}

// consumeOffer is the receiver-side half of negotiation: apply the offer,
// produce an answer, and write it for the caller to pick up.
func (s *Session) consumeOffer(offer media.SDP) {
	s.mu.Lock()
	if s.terminal || s.remoteSet {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	ms := s.ms
	pending := s.drainCandidatesLocked()
	s.mu.Unlock()

	if err := ms.SetRemoteDescription(offer); err != nil {
		log.Errorf("call %s: apply offer: %v", s.id(), err)
		s.terminalLocal(StatusEnded, ReasonFailed)
		return
	}
	for _, c := range pending {
		if err := ms.AddICECandidate(c); err != nil {
			log.Debugf("add candidate: %v", err)
		}
	}

	answer, err := ms.CreateAnswer()
	if err == nil {
		err = ms.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("call %s: answer failed: %v", s.id(), err)
		s.terminalLocal(StatusEnded, ReasonFailed)
		return
	}

	s.mu.Lock()
	s.rec.Answer = &answer
	gen := s.gen
	s.mu.Unlock()
	s.writeAsync(gen, map[string]any{"answer": answer})
}

// ─── Transitions ─────────────────────────────────────────────────────────────

// markConnected transitions to connected exactly once. write selects whether
// this side stamps the shared status (receiver) or only observes it (caller).
func (s *Session) markConnected(write bool) {
	s.mu.Lock()
	if s.terminal || s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.connectedAt = s.clk.Now()
	s.rec.Status = StatusConnected
	s.stopTimersLocked()
	gen := s.gen
	s.mu.Unlock()

	if write {
		s.writeAsync(gen, map[string]any{"status": StatusConnected})
	}
	log.Infof("call %s: connected", s.id())
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	s.fireUpdate()
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	missed := !s.terminal && !s.connected
	s.mu.Unlock()
	if !missed {
		return
	}
	log.Infof("call %s: no answer, missed", s.id())
	s.terminalLocal(StatusMissed, "")
}

func (s *Session) onNegotiateTimeout() {
	s.mu.Lock()
	failed := !s.terminal && !s.connected
	s.mu.Unlock()
	if !failed {
		return
	}
	log.Warnf("call %s: negotiation timed out", s.id())
	s.terminalLocal(StatusEnded, ReasonFailed)
}

// terminalLocal performs a locally-initiated terminal transition: media is
// released synchronously, the store write is retried in the background, and
// OnTerminal fires once. Bumping the generation discards any in-flight
// asynchronous writes from the live phase of the call.
func (s *Session) terminalLocal(status Status, reason string) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.gen++
	gen := s.gen
	now := s.clk.Now()
	s.rec.Status = status
	s.rec.EndTime = &now
	s.rec.EndReason = reason
	patch := map[string]any{"status": status, "end_time": now}
	if reason != "" {
		patch["end_reason"] = reason
	}
	if s.connected {
		s.rec.Duration = int(now.Sub(s.connectedAt).Seconds())
		patch["duration"] = s.rec.Duration
	}
	s.stopTimersLocked()
	ms := s.ms
	unsub := s.unsub
	s.unsub = nil
	rec := s.rec
	s.mu.Unlock()

	if ms != nil {
		_ = ms.Close()
	}
	if unsub != nil {
		unsub()
	}
	s.writeAsync(gen, patch)

	log.Infof("call %s: %s (%s)", rec.ID, status, reason)
	if s.hooks.OnTerminal != nil {
		s.hooks.OnTerminal(&rec)
	}
}

// terminalRemote reacts to a terminal status observed from the store: same
// teardown, but nothing is written back.
func (s *Session) terminalRemote(status Status, reason string) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.gen++
	now := s.clk.Now()
	s.rec.Status = status
	if s.rec.EndTime == nil {
		s.rec.EndTime = &now
	}
	s.rec.EndReason = reason
	if s.connected && s.rec.Duration == 0 {
		s.rec.Duration = int(now.Sub(s.connectedAt).Seconds())
	}
	s.stopTimersLocked()
	ms := s.ms
	unsub := s.unsub
	s.unsub = nil
	rec := s.rec
	s.mu.Unlock()

	if ms != nil {
		_ = ms.Close()
	}
	if unsub != nil {
		unsub()
	}

	log.Infof("call %s: %s by counterpart", rec.ID, status)
	if s.hooks.OnTerminal != nil {
		s.hooks.OnTerminal(&rec)
	}
}

func (s *Session) stopTimersLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.negTimer != nil {
		s.negTimer.Stop()
		s.negTimer = nil
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Session) id() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ID
}

func (s *Session) fireUpdate() {
	if s.hooks.OnUpdate == nil {
		return
	}
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	s.hooks.OnUpdate(&rec)
}

// writeAsync patches the record in the background with backoff. A write is
// abandoned when the session's generation has moved on (terminal transition
// superseded it) or the record no longer exists.
func (s *Session) writeAsync(gen int, patch map[string]any) {
	go func() {
		b := util.DefaultBackoff(s.clk)
		err := b.Retry(context.Background(), func() error {
			s.mu.Lock()
			stale := s.gen != gen
			id := s.rec.ID
			s.mu.Unlock()
			if stale {
				return nil
			}
			err := s.st.Update(context.Background(), store.Calls, id, patch)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			log.Warnf("call %s: background write failed: %v", s.id(), err)
		}
	}()
}
