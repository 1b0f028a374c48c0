package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ringlink/ringlink/internal/audio"
	"github.com/ringlink/ringlink/internal/chat"
	"github.com/ringlink/ringlink/internal/config"
	"github.com/ringlink/ringlink/internal/group"
	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/store"
)

// State is the read-only snapshot the host renders from. Derived, never
// persisted; reset on every terminal transition.
type State struct {
	InCall          bool          `json:"in_call"`
	IncomingCall    bool          `json:"incoming_call"`
	Status          string        `json:"status,omitempty"`
	Kind            string        `json:"kind,omitempty"`
	Peer            Party         `json:"peer,omitempty"`
	GroupID         string        `json:"group_id,omitempty"`
	GroupName       string        `json:"group_name,omitempty"`
	ActiveCount     int           `json:"active_count,omitempty"`
	GridColumns     int           `json:"grid_columns,omitempty"`
	Muted           bool          `json:"muted"`
	VideoEnabled    bool          `json:"video_enabled"`
	SpeakerOn       bool          `json:"speaker_on"`
	CameraFacing    string        `json:"camera_facing,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	Quality         media.Quality `json:"quality,omitempty"`
}

// Manager is the single entry point the host application calls into. It
// enforces one call at a time across 1:1 and group calls, owns the duration
// ticker and audio routing, and emits one chat summary per finished call.
type Manager struct {
	st  store.Store
	tp  media.Transport
	clk clock.Clock
	cfg *config.Config

	self     Party
	sum      chat.Summarizer
	router   audio.Router
	listener *Listener
	orch     *group.Orchestrator

	mu           sync.Mutex
	sess         *Session
	gcall        *group.Call
	groupStarted bool
	incoming     *Incoming
	state        State
	starting     bool
	tickerStop   chan struct{}
	closed       bool

	stateSubs map[int]chan State
	incSubs   map[int]chan Incoming
	nextSub   int

	timerCount int32
}

// NewManager wires the engine for one local identity and starts the
// incoming-call listener. sum and router may be nil.
func NewManager(cfg *config.Config, st store.Store, tp media.Transport, clk clock.Clock,
	sum chat.Summarizer, router audio.Router) *Manager {

	if clk == nil {
		clk = clock.New()
	}
	if router == nil {
		router = audio.NullRouter{}
	}
	m := &Manager{
		st: st, tp: tp, clk: clk, cfg: cfg,
		self: Party{
			ID:     cfg.Identity.ID,
			Name:   cfg.Identity.Name,
			Avatar: cfg.Identity.Avatar,
		},
		sum:       sum,
		router:    router,
		stateSubs: make(map[int]chan State),
		incSubs:   make(map[int]chan Incoming),
	}
	m.state.CameraFacing = "front"
	m.orch = group.NewOrchestrator(st, tp, clk, m.self.ID, cfg.Call.MaxGroupParticipants)
	m.listener = NewListener(st, clk, m.self.ID, cfg.Call.RingTimeout(),
		m.busy, m.handleSurface, m.handleSurfaceCleared)
	m.listener.Start()
	return m
}

// Close tears the engine down, ending any active call.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sess := m.sess
	gcall := m.gcall
	m.mu.Unlock()

	m.listener.Close()
	if sess != nil {
		sess.End()
	}
	if gcall != nil {
		_ = gcall.Leave(context.Background())
	}

	m.mu.Lock()
	for id, ch := range m.stateSubs {
		delete(m.stateSubs, id)
		close(ch)
	}
	for id, ch := range m.incSubs {
		delete(m.incSubs, id)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil || m.gcall != nil || m.starting
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveTimers reports how many duration tickers are running. Always 0 or 1.
func (m *Manager) ActiveTimers() int {
	return int(atomic.LoadInt32(&m.timerCount))
}

// SubscribeState returns a channel of state snapshots. Slow consumers drop.
func (m *Manager) SubscribeState() (<-chan State, func()) {
	ch := make(chan State, 16)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.stateSubs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if cur, ok := m.stateSubs[id]; ok && cur == ch {
			delete(m.stateSubs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// SubscribeIncoming returns a channel of surfaced incoming calls.
func (m *Manager) SubscribeIncoming() (<-chan Incoming, func()) {
	ch := make(chan Incoming, 4)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.incSubs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if cur, ok := m.incSubs[id]; ok && cur == ch {
			delete(m.incSubs, id)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// ─── 1:1 commands ────────────────────────────────────────────────────────────

// StartCall places an outbound call. Fails with ErrBusy while any call is
// active; media devices are owned by at most one call at a time.
func (m *Manager) StartCall(ctx context.Context, peer Party, kind Kind) error {
	m.mu.Lock()
	if m.sess != nil || m.gcall != nil || m.starting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.starting = true
	m.mu.Unlock()

	sess, err := StartOutbound(ctx, m.st, m.tp, m.clk, m.self, peer, kind,
		m.cfg.Call.RingTimeout(), m.cfg.Call.NegotiateTimeout(), m.sessionHooks())

	m.mu.Lock()
	m.starting = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if sess.Record().Status.Terminal() {
		// The counterpart killed the record before the session could be
		// installed (a busy receiver auto-declines this fast). The terminal
		// hook owns the summary; nothing to install.
		m.mu.Unlock()
		return nil
	}
	m.sess = sess
	m.state = State{
		InCall:       true,
		Status:       string(StatusCalling),
		Kind:         string(kind),
		Peer:         peer,
		VideoEnabled: kind.Video(),
		CameraFacing: m.state.CameraFacing,
	}
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return nil
}

// AnswerCall answers the surfaced incoming call — 1:1 or group invite. A
// record that already went terminal is a silent no-op per the store race
// contract.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	inc := m.incoming
	if inc == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	if m.sess != nil || m.gcall != nil || m.starting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.starting = true
	m.incoming = nil
	m.mu.Unlock()

	if inc.Group != nil {
		return m.joinGroup(ctx, inc.Group.ID)
	}

	sess, err := AnswerInbound(ctx, m.st, m.tp, m.clk, m.self.ID, inc.Call.ID,
		m.cfg.Call.NegotiateTimeout(), m.sessionHooks())

	m.mu.Lock()
	m.starting = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if sess == nil {
		// Raced with a terminal transition; nothing was acquired.
		m.state.IncomingCall = false
		st := m.state
		m.mu.Unlock()
		m.publishState(st)
		return nil
	}
	if sess.Record().Status.Terminal() {
		// The caller hung up while the answer was in flight; the terminal
		// hook owns the summary and the media was already released.
		m.state.IncomingCall = false
		st := m.state
		m.mu.Unlock()
		m.publishState(st)
		return nil
	}
	rec := sess.Record()
	m.sess = sess
	m.state = State{
		InCall:       true,
		Status:       string(StatusRinging),
		Kind:         string(rec.Type),
		Peer:         rec.Caller(),
		VideoEnabled: rec.Type.Video(),
		CameraFacing: m.state.CameraFacing,
	}
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return nil
}

// DeclineCall declines the surfaced incoming call without acquiring media.
func (m *Manager) DeclineCall(ctx context.Context) error {
	m.mu.Lock()
	inc := m.incoming
	if inc == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.incoming = nil
	m.state.IncomingCall = false
	st := m.state
	m.mu.Unlock()
	m.publishState(st)

	if inc.Group != nil {
		if err := m.orch.Decline(ctx, inc.Group.ID); err != nil {
			return err
		}
		m.emitSummary(chat.Summary{
			Kind:      string(inc.Group.Type),
			Direction: chat.DirectionIncoming,
			Peer:      inc.Group.GroupName,
			Outcome:   chat.OutcomeDeclined,
			At:        m.clk.Now(),
		})
		return nil
	}
	if err := Decline(ctx, m.st, m.clk, inc.Call.ID); err != nil {
		return err
	}
	m.emitSummary(chat.Summary{
		Kind:      string(inc.Call.Type),
		Direction: chat.DirectionIncoming,
		Peer:      inc.Call.Caller().Name,
		Outcome:   chat.OutcomeDeclined,
		At:        m.clk.Now(),
	})
	return nil
}

// EndCall hangs up the active call. For a group call this leaves; an admin
// force-end is EndGroupCall.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	gcall := m.gcall
	m.mu.Unlock()

	switch {
	case sess != nil:
		sess.End()
		return nil
	case gcall != nil:
		return gcall.Leave(ctx)
	default:
		return ErrNoCall
	}
}

// ─── Toggles ─────────────────────────────────────────────────────────────────

// ToggleMute flips the microphone and returns the new muted state.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	muted := !m.state.Muted
	m.state.Muted = muted
	sess := m.sess
	gcall := m.gcall
	st := m.state
	m.mu.Unlock()

	if sess != nil {
		sess.SetAudioEnabled(!muted)
	}
	if gcall != nil {
		gcall.SetAudioEnabled(!muted)
	}
	m.publishState(st)
	return muted
}

// ToggleVideo flips the outbound video track and returns the resulting
// enabled state, which stays false on voice calls with no video track.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	want := !m.state.VideoEnabled
	sess := m.sess
	gcall := m.gcall
	m.mu.Unlock()

	got := false
	if sess != nil {
		got = sess.SetVideoEnabled(want)
	}
	if gcall != nil {
		got = gcall.SetVideoEnabled(want)
	}

	m.mu.Lock()
	m.state.VideoEnabled = got
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return got
}

// ToggleSpeaker flips audio routing between speaker and earpiece.
func (m *Manager) ToggleSpeaker() bool {
	m.mu.Lock()
	on := !m.state.SpeakerOn
	m.state.SpeakerOn = on
	st := m.state
	m.mu.Unlock()

	out := audio.OutputEarpiece
	if on {
		out = audio.OutputSpeaker
	}
	if err := m.router.Route(out); err != nil {
		log.Warnf("audio route %s: %v", out, err)
	}
	m.publishState(st)
	return on
}

// ToggleCamera flips the camera facing used at the next capture. The engine
// only tracks the preference; capture selection happens when a session
// acquires media.
func (m *Manager) ToggleCamera() string {
	m.mu.Lock()
	if m.state.CameraFacing == "front" {
		m.state.CameraFacing = "back"
	} else {
		m.state.CameraFacing = "front"
	}
	facing := m.state.CameraFacing
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return facing
}

// ─── Group commands ──────────────────────────────────────────────────────────

// StartGroupCall creates and joins a group call. The local identity must be
// in admins.
func (m *Manager) StartGroupCall(ctx context.Context, groupID, groupName string,
	kind group.Kind, invited, admins []string, maxParticipants int) error {

	m.mu.Lock()
	if m.sess != nil || m.gcall != nil || m.starting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.starting = true
	m.mu.Unlock()

	gcall, err := m.orch.Start(ctx, groupID, groupName, kind, invited, admins,
		maxParticipants, m.groupHooks())

	m.mu.Lock()
	m.starting = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.adoptGroupLocked(gcall, true)
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return nil
}

// JoinGroupCall joins an active group call the local identity was invited to.
func (m *Manager) JoinGroupCall(ctx context.Context, recID string) error {
	m.mu.Lock()
	if m.sess != nil || m.gcall != nil || m.starting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.starting = true
	if m.incoming != nil && m.incoming.Group != nil && m.incoming.Group.ID == recID {
		m.incoming = nil
	}
	m.mu.Unlock()
	return m.joinGroup(ctx, recID)
}

func (m *Manager) joinGroup(ctx context.Context, recID string) error {
	gcall, err := m.orch.Join(ctx, recID, m.groupHooks())

	m.mu.Lock()
	m.starting = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.adoptGroupLocked(gcall, false)
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return nil
}

// adoptGroupLocked installs a joined group call and starts the duration
// ticker. Caller holds m.mu.
func (m *Manager) adoptGroupLocked(gcall *group.Call, started bool) {
	rec := gcall.Record()
	m.gcall = gcall
	m.groupStarted = started
	m.state = State{
		InCall:       true,
		Status:       string(group.StatusActive),
		Kind:         string(rec.Type),
		GroupID:      rec.GroupID,
		GroupName:    rec.GroupName,
		ActiveCount:  len(rec.Active),
		GridColumns:  group.GridColumns(len(rec.Active)),
		VideoEnabled: rec.Type.Video(),
		CameraFacing: m.state.CameraFacing,
	}
	m.startTickerLocked()
}

// EndGroupCall force-terminates the active group call for everyone. Fails
// with group.ErrNotAdmin for non-admins.
func (m *Manager) EndGroupCall(ctx context.Context) error {
	m.mu.Lock()
	gcall := m.gcall
	m.mu.Unlock()
	if gcall == nil {
		return ErrNoCall
	}
	return gcall.End(ctx)
}

// InviteToGroupCall adds an identity to the active group call. Admin only.
func (m *Manager) InviteToGroupCall(ctx context.Context, memberID string) error {
	m.mu.Lock()
	gcall := m.gcall
	m.mu.Unlock()
	if gcall == nil {
		return ErrNoCall
	}
	return gcall.Invite(ctx, memberID)
}

// RemoveFromGroupCall force-removes an identity. Admin only.
func (m *Manager) RemoveFromGroupCall(ctx context.Context, memberID string) error {
	m.mu.Lock()
	gcall := m.gcall
	m.mu.Unlock()
	if gcall == nil {
		return ErrNoCall
	}
	return gcall.Remove(ctx, memberID)
}

// DeclineGroupCall declines a group invite by record id, whether or not it
// is currently surfaced.
func (m *Manager) DeclineGroupCall(ctx context.Context, recID string) error {
	m.mu.Lock()
	if m.incoming != nil && m.incoming.Group != nil && m.incoming.Group.ID == recID {
		m.incoming = nil
		m.state.IncomingCall = false
	}
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
	return m.orch.Decline(ctx, recID)
}

// ─── Session hooks ───────────────────────────────────────────────────────────

func (m *Manager) sessionHooks() Hooks {
	return Hooks{
		OnUpdate:    m.onSessionUpdate,
		OnConnected: m.onSessionConnected,
		OnTerminal:  m.onSessionTerminal,
		OnQuality:   m.onQuality,
	}
}

func (m *Manager) onSessionUpdate(rec *Record) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	m.state.Status = string(rec.Status)
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

func (m *Manager) onSessionConnected() {
	m.mu.Lock()
	m.state.Status = string(StatusConnected)
	m.state.DurationSeconds = 0
	m.startTickerLocked()
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

// onSessionTerminal is the single teardown point for 1:1 calls, local or
// remote: ticker stopped, audio routing reset, one summary emitted, state
// cleared.
func (m *Manager) onSessionTerminal(rec *Record) {
	m.mu.Lock()
	// A session that died before StartCall or AnswerCall installed it still
	// fires this hook; it must not tear down an unrelated live call.
	owns := m.sess != nil && m.sess.Record().ID == rec.ID
	if owns {
		m.sess = nil
		m.stopTickerLocked()
		m.state = State{CameraFacing: m.state.CameraFacing}
	}
	st := m.state
	m.mu.Unlock()

	if owns {
		if err := m.router.Reset(); err != nil {
			log.Warnf("audio reset: %v", err)
		}
	}

	dir := chat.DirectionIncoming
	peer := rec.Caller()
	if rec.CallerID == m.self.ID {
		dir = chat.DirectionOutgoing
		peer = rec.Receiver()
	}
	m.emitSummary(chat.Summary{
		Kind:      string(rec.Type),
		Direction: dir,
		Peer:      peer.Name,
		Outcome:   outcomeFor(rec),
		Duration:  time.Duration(rec.Duration) * time.Second,
		At:        m.clk.Now(),
	})
	if owns {
		m.publishState(st)
	}
}

func (m *Manager) onQuality(q media.Quality) {
	m.mu.Lock()
	if m.state.Quality == q {
		m.mu.Unlock()
		return
	}
	m.state.Quality = q
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

// ─── Group hooks ─────────────────────────────────────────────────────────────

func (m *Manager) groupHooks() group.Hooks {
	return group.Hooks{
		OnRoster:   m.onGroupRoster,
		OnTerminal: m.onGroupTerminal,
		OnPeerTrack: func(peerID string, t media.RemoteTrack) {
			log.Debugf("group peer %s: %s track", peerID, t.Kind())
		},
	}
}

func (m *Manager) onGroupRoster(rec group.Record) {
	m.mu.Lock()
	if m.gcall == nil {
		m.mu.Unlock()
		return
	}
	m.state.ActiveCount = len(rec.Active)
	m.state.GridColumns = group.GridColumns(len(rec.Active))
	st := m.state
	m.mu.Unlock()
	m.publishState(st)
}

func (m *Manager) onGroupTerminal(rec group.Record) {
	m.mu.Lock()
	if m.gcall == nil {
		m.mu.Unlock()
		return
	}
	m.gcall = nil
	started := m.groupStarted
	duration := m.state.DurationSeconds
	m.stopTickerLocked()
	m.state = State{CameraFacing: m.state.CameraFacing}
	st := m.state
	m.mu.Unlock()

	if err := m.router.Reset(); err != nil {
		log.Warnf("audio reset: %v", err)
	}

	dir := chat.DirectionIncoming
	if started {
		dir = chat.DirectionOutgoing
	}
	m.emitSummary(chat.Summary{
		Kind:      string(rec.Type),
		Direction: dir,
		Peer:      rec.GroupName,
		Outcome:   chat.OutcomeEnded,
		Duration:  time.Duration(duration) * time.Second,
		At:        m.clk.Now(),
	})
	m.publishState(st)
}

// ─── Incoming surface ────────────────────────────────────────────────────────

func (m *Manager) handleSurface(inc Incoming) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	incCopy := inc
	m.incoming = &incCopy
	m.state.IncomingCall = true
	st := m.state
	subs := make([]chan Incoming, 0, len(m.incSubs))
	for _, ch := range m.incSubs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- inc:
		default:
		}
	}
	m.publishState(st)
}

// handleSurfaceCleared fires when a surfaced call leaves the pre-answer
// window without local action: the caller hung up, the record went missed,
// or the ring window lapsed. It emits the receiver-side summary; answers and
// declines clear m.incoming first and emit their own.
func (m *Manager) handleSurfaceCleared(id string) {
	m.mu.Lock()
	inc := m.incoming
	if inc == nil || inc.ID() != id {
		m.mu.Unlock()
		return
	}
	m.incoming = nil
	m.state.IncomingCall = false
	st := m.state
	m.mu.Unlock()
	m.publishState(st)

	if inc.Group != nil {
		return // group invites expire silently
	}

	outcome := chat.OutcomeMissed
	if doc, err := m.st.Get(context.Background(), store.Calls, id); err == nil {
		if rec, derr := DecodeRecord(doc); derr == nil && rec.Status == StatusDeclined {
			// Declined from another device; not a miss.
			outcome = chat.OutcomeDeclined
		}
	}
	m.emitSummary(chat.Summary{
		Kind:      string(inc.Call.Type),
		Direction: chat.DirectionIncoming,
		Peer:      inc.Call.Caller().Name,
		Outcome:   outcome,
		At:        m.clk.Now(),
	})
}

// ─── Internals ───────────────────────────────────────────────────────────────

// startTickerLocked starts the 1 s duration ticker exactly once per
// connected transition. Caller holds m.mu.
func (m *Manager) startTickerLocked() {
	if m.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	m.tickerStop = stop
	atomic.AddInt32(&m.timerCount, 1)
	t := m.clk.Ticker(time.Second)

	go func() {
		defer t.Stop()
		defer atomic.AddInt32(&m.timerCount, -1)
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.mu.Lock()
				if m.tickerStop != stop {
					m.mu.Unlock()
					return
				}
				m.state.DurationSeconds++
				st := m.state
				m.mu.Unlock()
				m.publishState(st)
			}
		}
	}()
}

// stopTickerLocked stops the duration ticker if running. Caller holds m.mu.
func (m *Manager) stopTickerLocked() {
	if m.tickerStop == nil {
		return
	}
	close(m.tickerStop)
	m.tickerStop = nil
}

// emitSummary writes the chat summary fire-and-forget; a failing chat layer
// never blocks teardown.
func (m *Manager) emitSummary(s chat.Summary) {
	if m.sum == nil {
		return
	}
	go func() {
		if err := m.sum.AppendSummary(context.Background(), s); err != nil {
			log.Warnf("append call summary: %v", err)
		}
	}()
}

func (m *Manager) publishState(st State) {
	m.mu.Lock()
	subs := make([]chan State, 0, len(m.stateSubs))
	for _, ch := range m.stateSubs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func outcomeFor(rec *Record) chat.Outcome {
	switch rec.Status {
	case StatusMissed:
		return chat.OutcomeMissed
	case StatusDeclined:
		return chat.OutcomeDeclined
	}
	if rec.EndReason == ReasonFailed {
		return chat.OutcomeFailed
	}
	return chat.OutcomeEnded
}
