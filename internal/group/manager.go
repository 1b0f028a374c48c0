package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/store"
	"github.com/ringlink/ringlink/internal/util"
)

// Hooks are a group call's upward-facing callbacks; they may fire from store
// or transport goroutines.
type Hooks struct {
	OnRoster    func(Record)
	OnPeerTrack func(peerID string, t media.RemoteTrack)
	OnTerminal  func(Record)
}

// Orchestrator builds and joins group calls for one local identity. It is a
// factory for Call handles; a Manager-level facade enforces the
// one-call-at-a-time invariant across 1:1 and group calls.
type Orchestrator struct {
	st  store.Store
	tp  media.Transport
	clk clock.Clock

	selfID          string
	maxParticipants int
}

// NewOrchestrator creates an orchestrator for selfID. maxParticipants is the
// default cap applied when Start is given zero.
func NewOrchestrator(st store.Store, tp media.Transport, clk clock.Clock, selfID string, maxParticipants int) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if maxParticipants <= 0 {
		maxParticipants = 9
	}
	return &Orchestrator{st: st, tp: tp, clk: clk, selfID: selfID, maxParticipants: maxParticipants}
}

// ─── Entry points ────────────────────────────────────────────────────────────

// Start creates a group call record with the local identity as the sole
// active member and everyone in invited pending. The starter must be listed
// in admins.
func (o *Orchestrator) Start(ctx context.Context, groupID, groupName string, kind Kind,
	invited, admins []string, maxParticipants int, hooks Hooks) (*Call, error) {

	if !contains(admins, o.selfID) {
		return nil, ErrNotAdmin
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown group call kind %q", kind)
	}
	if maxParticipants <= 0 {
		maxParticipants = o.maxParticipants
	}

	rec := Record{
		GroupID:         groupID,
		GroupName:       groupName,
		Type:            kind,
		Status:          StatusActive,
		StartTime:       o.clk.Now(),
		MaxParticipants: maxParticipants,
		Invited:         without(invited, o.selfID),
		Active:          []string{o.selfID},
		Admins:          admins,
	}
	id, err := o.st.Create(ctx, store.GroupCalls, &rec)
	if err != nil {
		return nil, fmt.Errorf("create group call record: %w", err)
	}
	rec.ID = id
	log.Infof("group call %s: started by %s (%d invited)", id, o.selfID, len(rec.Invited))
	return o.attach(ctx, rec, hooks)
}

// Join adds the local identity to the active roster. The identity must be
// invited (or an admin) and the cap must hold.
func (o *Orchestrator) Join(ctx context.Context, recID string, hooks Hooks) (*Call, error) {
	rec, err := o.read(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, ErrCallEnded
	}
	if rec.IsActive(o.selfID) {
		return nil, fmt.Errorf("already joined group call %s", recID)
	}
	if !rec.IsInvited(o.selfID) {
		return nil, ErrNotInvited
	}
	if len(rec.Active) >= rec.MaxParticipants {
		return nil, ErrCallFull
	}

	// Joining consumes the invite; whatever is left in invited when the call
	// ends is the missed set.
	rec.Active = append(rec.Active, o.selfID)
	rec.Invited = without(rec.Invited, o.selfID)
	if err := o.st.Update(ctx, store.GroupCalls, recID, map[string]any{
		"active_participants":  rec.Active,
		"invited_participants": rec.Invited,
	}); err != nil {
		return nil, fmt.Errorf("join group call %s: %w", recID, err)
	}
	log.Infof("group call %s: %s joined (%d active)", recID, o.selfID, len(rec.Active))
	return o.attach(ctx, *rec, hooks)
}

// Decline moves the local identity from invited to rejected without joining.
func (o *Orchestrator) Decline(ctx context.Context, recID string) error {
	rec, err := o.read(ctx, recID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if !contains(rec.Invited, o.selfID) {
		return nil
	}
	return o.st.Update(ctx, store.GroupCalls, recID, map[string]any{
		"invited_participants":  without(rec.Invited, o.selfID),
		"rejected_participants": append(rec.Rejected, o.selfID),
	})
}

func (o *Orchestrator) read(ctx context.Context, recID string) (*Record, error) {
	doc, err := o.st.Get(ctx, store.GroupCalls, recID)
	if err != nil {
		return nil, fmt.Errorf("read group call %s: %w", recID, err)
	}
	return DecodeRecord(doc)
}

// attach builds the local Call handle: membership audit record, record and
// signaling subscriptions, and the initial peer mesh.
func (o *Orchestrator) attach(ctx context.Context, rec Record, hooks Hooks) (*Call, error) {
	c := &Call{
		o:           o,
		hooks:       hooks,
		rec:         rec,
		peers:       make(map[string]*peerLink),
		pendingSigs: make(map[string]pairSignal),
	}

	mem := Membership{CallID: rec.ID, MemberID: o.selfID, JoinedAt: o.clk.Now()}
	memID, err := o.st.Create(ctx, store.GroupMembers, &mem)
	if err != nil {
		log.Warnf("group call %s: membership record: %v", rec.ID, err)
	}
	c.membershipID = memID

	c.unsubRec = o.st.Subscribe(store.Query{
		Collection: store.GroupCalls,
		Where:      []store.Cond{{Field: "id", Op: store.OpEq, Value: rec.ID}},
	}, c.handleRecordEvent)

	c.unsubSig = o.st.Subscribe(store.Query{
		Collection: store.GroupSignals,
		Where:      []store.Cond{{Field: "call_id", Op: store.OpEq, Value: rec.ID}},
	}, c.handleSignalEvent)

	c.reconcile(rec)
	return c, nil
}

// ─── Call handle ─────────────────────────────────────────────────────────────

// Call is the local handle on one group call: the mirrored record, the
// membership audit entry, and one media session per active remote peer.
type Call struct {
	o     *Orchestrator
	hooks Hooks

	mu           sync.Mutex
	rec          Record
	peers        map[string]*peerLink
	pendingSigs  map[string]pairSignal // signals seen before their peer link existed
	membershipID string
	unsubRec     func()
	unsubSig     func()
	terminal     bool
}

// peerLink is one mesh edge. The initiator (lexicographically smaller
// identity) creates the pair signaling document and the offer.
type peerLink struct {
	peerID    string
	initiator bool

	mu         sync.Mutex
	ms         media.Session
	sigID      string
	remoteSet  bool
	applied    int
	localCands []media.Candidate
	closed     bool
}

// Record returns a copy of the current mirrored record.
func (c *Call) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

// Columns returns the presentation grid width for the current roster.
func (c *Call) Columns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return GridColumns(len(c.rec.Active))
}

// SetAudioEnabled toggles outbound audio on every mesh session.
func (c *Call) SetAudioEnabled(enabled bool) bool {
	res := enabled
	for _, l := range c.links() {
		l.mu.Lock()
		ms := l.ms
		l.mu.Unlock()
		if ms != nil {
			res = ms.SetAudioEnabled(enabled)
		}
	}
	return res
}

// SetVideoEnabled toggles outbound video on every mesh session.
func (c *Call) SetVideoEnabled(enabled bool) bool {
	res := false
	for _, l := range c.links() {
		l.mu.Lock()
		ms := l.ms
		l.mu.Unlock()
		if ms != nil {
			res = ms.SetVideoEnabled(enabled)
		}
	}
	return res
}

func (c *Call) links() []*peerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*peerLink, 0, len(c.peers))
	for _, l := range c.peers {
		out = append(out, l)
	}
	return out
}

// current re-reads the record so roster math runs on fresh state; the event
// mirror can lag writes made by other members just before a command.
func (c *Call) current(ctx context.Context) (Record, error) {
	c.mu.Lock()
	id := c.rec.ID
	c.mu.Unlock()
	rec, err := c.o.read(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// Leave removes the local identity from the roster, stamps its membership
// record, and tears the local mesh down. The record ends when the roster
// drains to empty.
func (c *Call) Leave(ctx context.Context) error {
	rec, err := c.current(ctx)
	if err != nil {
		c.teardown(StatusActive)
		return fmt.Errorf("leave group call: %w", err)
	}

	remaining := without(rec.Active, c.o.selfID)
	patch := map[string]any{"active_participants": remaining}
	if len(remaining) == 0 {
		patch["status"] = StatusEnded
		patch["end_time"] = c.o.clk.Now()
		patch["invited_participants"] = []string{}
		patch["missed_participants"] = append(rec.Missed, rec.Invited...)
	}
	err = c.o.st.Update(ctx, store.GroupCalls, rec.ID, patch)
	c.teardown(StatusActive)
	if err != nil {
		return fmt.Errorf("leave group call %s: %w", rec.ID, err)
	}
	return nil
}

// End force-terminates the call for everyone. Admin only; a non-admin
// attempt fails without mutating anything.
func (c *Call) End(ctx context.Context) error {
	rec, err := c.current(ctx)
	if err != nil {
		return fmt.Errorf("end group call: %w", err)
	}
	if !rec.IsAdmin(c.o.selfID) {
		return ErrNotAdmin
	}
	err = c.o.st.Update(ctx, store.GroupCalls, rec.ID, map[string]any{
		"status":               StatusEnded,
		"end_time":             c.o.clk.Now(),
		"invited_participants": []string{},
		"missed_participants":  append(rec.Missed, rec.Invited...),
	})
	c.teardown(StatusEnded)
	if err != nil {
		return fmt.Errorf("end group call %s: %w", rec.ID, err)
	}
	return nil
}

// Invite adds an identity to the invited set. Admin only.
func (c *Call) Invite(ctx context.Context, memberID string) error {
	rec, err := c.current(ctx)
	if err != nil {
		return fmt.Errorf("invite to group call: %w", err)
	}
	if !rec.IsAdmin(c.o.selfID) {
		return ErrNotAdmin
	}
	if rec.IsInvited(memberID) || rec.IsActive(memberID) {
		return nil
	}
	return c.o.st.Update(ctx, store.GroupCalls, rec.ID, map[string]any{
		"invited_participants": append(rec.Invited, memberID),
	})
}

// Remove force-removes an identity from the active roster. Admin only. The
// removed member's own engine observes the roster change and tears its mesh
// down locally.
func (c *Call) Remove(ctx context.Context, memberID string) error {
	rec, err := c.current(ctx)
	if err != nil {
		return fmt.Errorf("remove from group call: %w", err)
	}
	if !rec.IsAdmin(c.o.selfID) {
		return ErrNotAdmin
	}
	if !rec.IsActive(memberID) {
		return nil
	}
	return c.o.st.Update(ctx, store.GroupCalls, rec.ID, map[string]any{
		"active_participants":  without(rec.Active, memberID),
		"invited_participants": without(rec.Invited, memberID),
	})
}

// ─── Store events ────────────────────────────────────────────────────────────

func (c *Call) handleRecordEvent(ev store.Event) {
	if ev.Type == store.EventRemoved {
		c.teardown(StatusEnded)
		return
	}
	rec, err := DecodeRecord(ev.Doc)
	if err != nil {
		log.Warnf("dropping malformed group call document %s: %v", ev.ID, err)
		return
	}
	c.reconcile(*rec)
}

// reconcile folds a record snapshot into the handle and syncs the mesh to
// the roster: a session per active remote peer, created and closed as
// membership changes arrive.
func (c *Call) reconcile(rec Record) {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.rec = rec
	if rec.Status.Terminal() {
		c.mu.Unlock()
		c.teardown(StatusEnded)
		return
	}
	if !rec.IsActive(c.o.selfID) {
		// Removed by an admin (or our leave write came back around).
		c.mu.Unlock()
		c.teardown(StatusActive)
		return
	}

	var added []*peerLink
	var removed []*peerLink
	for _, p := range rec.Active {
		if p == c.o.selfID || c.peers[p] != nil {
			continue
		}
		l := &peerLink{peerID: p, initiator: c.o.selfID < p}
		c.peers[p] = l
		added = append(added, l)
	}
	for p, l := range c.peers {
		if !rec.IsActive(p) {
			delete(c.peers, p)
			removed = append(removed, l)
		}
	}
	c.mu.Unlock()

	for _, l := range removed {
		l.close()
	}
	for _, l := range added {
		c.openLink(l)
		c.mu.Lock()
		sig, ok := c.pendingSigs[l.peerID]
		delete(c.pendingSigs, l.peerID)
		c.mu.Unlock()
		if ok {
			c.applySignal(l, l.peerID, sig)
		}
	}
	if c.hooks.OnRoster != nil {
		c.hooks.OnRoster(rec)
	}
}

// openLink creates the media session for one mesh edge and, when this side
// is the initiator, publishes the pair signaling document with the offer.
func (c *Call) openLink(l *peerLink) {
	c.mu.Lock()
	kind := c.rec.Type
	callID := c.rec.ID
	c.mu.Unlock()

	ms, err := c.o.tp.NewSession(media.SessionConfig{Video: kind.Video()})
	if err != nil {
		log.Errorf("group call %s: session for %s: %v", callID, l.peerID, err)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ms.Close()
		return
	}
	l.ms = ms
	l.mu.Unlock()

	ms.OnICECandidate(func(cand media.Candidate) { c.publishCandidate(l, cand) })
	ms.OnRemoteTrack(func(t media.RemoteTrack) {
		if c.hooks.OnPeerTrack != nil {
			c.hooks.OnPeerTrack(l.peerID, t)
		}
	})

	if !l.initiator {
		return // wait for the initiator's offer document
	}

	offer, err := ms.CreateOffer()
	if err == nil {
		err = ms.SetLocalDescription(offer)
	}
	if err != nil {
		log.Errorf("group call %s: offer for %s: %v", callID, l.peerID, err)
		return
	}
	sig := pairSignal{CallID: callID, From: c.o.selfID, To: l.peerID, Offer: &offer}
	id, err := c.o.st.Create(context.Background(), store.GroupSignals, &sig)
	if err != nil {
		log.Errorf("group call %s: publish offer for %s: %v", callID, l.peerID, err)
		return
	}
	l.mu.Lock()
	l.sigID = id
	l.mu.Unlock()

	// Candidates that trickled before the pair document existed are pending
	// in the owned array; write them now.
	c.flushCandidates(l)
}

// publishCandidate appends a trickled candidate to this side's owned array
// on the pair document. The responder may see candidates before the pair
// document id is known; flushCandidates re-sends the accumulated array once
// it is.
func (c *Call) publishCandidate(l *peerLink, cand media.Candidate) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.localCands = append(l.localCands, cand)
	l.mu.Unlock()
	c.flushCandidates(l)
}

// flushCandidates rewrites this side's full owned candidate array on the
// pair document, retried in the background. Owner-only read-modify-write, so
// last-write-wins semantics are safe.
func (c *Call) flushCandidates(l *peerLink) {
	l.mu.Lock()
	if l.closed || l.sigID == "" || len(l.localCands) == 0 {
		l.mu.Unlock()
		return
	}
	arr := make([]media.Candidate, len(l.localCands))
	copy(arr, l.localCands)
	sigID := l.sigID
	field := "responder_candidates"
	if l.initiator {
		field = "initiator_candidates"
	}
	l.mu.Unlock()

	go func() {
		b := util.DefaultBackoff(c.o.clk)
		err := b.Retry(context.Background(), func() error {
			err := c.o.st.Update(context.Background(), store.GroupSignals, sigID, map[string]any{field: arr})
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		})
		if err != nil {
			log.Warnf("group call: candidate write for %s failed: %v", l.peerID, err)
		}
	}()
}

func (c *Call) handleSignalEvent(ev store.Event) {
	if ev.Type == store.EventRemoved {
		return
	}
	var sig pairSignal
	if err := jsonDecode(ev.Doc, &sig); err != nil {
		log.Warnf("dropping malformed pair signal %s: %v", ev.ID, err)
		return
	}

	var peerID string
	switch c.o.selfID {
	case sig.From:
		peerID = sig.To
	case sig.To:
		peerID = sig.From
	default:
		return // another pair's edge
	}

	c.mu.Lock()
	l := c.peers[peerID]
	if l == nil {
		// The roster event that creates this link may still be in flight;
		// keep the signal for reconcile to replay.
		if !c.terminal {
			c.pendingSigs[peerID] = sig
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.applySignal(l, peerID, sig)
}

// applySignal folds one pair document snapshot into a mesh edge.
func (c *Call) applySignal(l *peerLink, peerID string, sig pairSignal) {
	l.mu.Lock()
	if l.closed || l.ms == nil {
		l.mu.Unlock()
		return
	}
	learnedSig := false
	if l.sigID == "" {
		l.sigID = sig.ID
		learnedSig = true
	}
	ms := l.ms
	var offer, answer *media.SDP
	if l.initiator {
		if sig.Answer != nil && !l.remoteSet {
			l.remoteSet = true
			answer = sig.Answer
		}
	} else {
		if sig.Offer != nil && !l.remoteSet {
			l.remoteSet = true
			offer = sig.Offer
		}
	}
	var pending []media.Candidate
	if l.remoteSet {
		remote := sig.ResponderCandidates
		if !l.initiator {
			remote = sig.InitiatorCandidates
		}
		if len(remote) > l.applied {
			pending = remote[l.applied:]
			l.applied = len(remote)
		}
	}
	l.mu.Unlock()

	if learnedSig {
		c.flushCandidates(l)
	}
	if answer != nil {
		if err := ms.SetRemoteDescription(*answer); err != nil {
			log.Errorf("group call: apply answer from %s: %v", peerID, err)
		}
	}
	if offer != nil {
		c.answerOffer(l, ms, *offer)
	}
	for _, cand := range pending {
		if err := ms.AddICECandidate(cand); err != nil {
			log.Debugf("group call: add candidate from %s: %v", peerID, err)
		}
	}
}

// answerOffer is the responder half of one mesh edge.
func (c *Call) answerOffer(l *peerLink, ms media.Session, offer media.SDP) {
	if err := ms.SetRemoteDescription(offer); err != nil {
		log.Errorf("group call: apply offer from %s: %v", l.peerID, err)
		return
	}
	answer, err := ms.CreateAnswer()
	if err == nil {
		err = ms.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("group call: answer for %s: %v", l.peerID, err)
		return
	}

	l.mu.Lock()
	sigID := l.sigID
	l.mu.Unlock()
	go func() {
		b := util.DefaultBackoff(c.o.clk)
		err := b.Retry(context.Background(), func() error {
			return c.o.st.Update(context.Background(), store.GroupSignals, sigID, map[string]any{"answer": answer})
		})
		if err != nil {
			log.Warnf("group call: answer write for %s failed: %v", l.peerID, err)
		}
	}()
	c.flushCandidates(l)
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// teardown closes the mesh, cancels subscriptions, stamps the membership
// record, and fires OnTerminal exactly once.
func (c *Call) teardown(status Status) {
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	c.terminal = true
	links := make([]*peerLink, 0, len(c.peers))
	for _, l := range c.peers {
		links = append(links, l)
	}
	c.peers = map[string]*peerLink{}
	unsubRec, unsubSig := c.unsubRec, c.unsubSig
	c.unsubRec, c.unsubSig = nil, nil
	memID := c.membershipID
	rec := c.rec
	if status.Terminal() {
		rec.Status = status
	}
	c.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	if unsubRec != nil {
		unsubRec()
	}
	if unsubSig != nil {
		unsubSig()
	}
	if memID != "" {
		now := c.o.clk.Now()
		go func() {
			b := util.DefaultBackoff(c.o.clk)
			_ = b.Retry(context.Background(), func() error {
				err := c.o.st.Update(context.Background(), store.GroupMembers, memID, map[string]any{"left_at": now})
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return err
			})
		}()
	}

	log.Infof("group call %s: local teardown (%s)", rec.ID, rec.Status)
	if c.hooks.OnTerminal != nil {
		c.hooks.OnTerminal(rec)
	}
}

func (l *peerLink) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ms := l.ms
	l.ms = nil
	l.mu.Unlock()
	if ms != nil {
		_ = ms.Close()
	}
}

func jsonDecode(doc []byte, sig *pairSignal) error {
	if err := json.Unmarshal(doc, sig); err != nil {
		return err
	}
	if sig.ID == "" || sig.CallID == "" || sig.From == "" || sig.To == "" {
		return fmt.Errorf("pair signal missing identity fields")
	}
	return nil
}
