package call

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ringlink/ringlink/internal/group"
	"github.com/ringlink/ringlink/internal/store"
)

// Incoming is one surfaced incoming call: a 1:1 record or a group invite,
// never both.
type Incoming struct {
	Call  *Record
	Group *group.Record
}

// ID returns the underlying record id.
func (i Incoming) ID() string {
	if i.Call != nil {
		return i.Call.ID
	}
	if i.Group != nil {
		return i.Group.ID
	}
	return ""
}

// Listener watches the store for call records addressed to the local
// identity and surfaces at most one incoming call at a time. While one is
// surfaced, further candidates are suppressed — not queued — which is the
// documented policy. Inbound 1:1 records that arrive while the engine is
// already in a call are auto-declined (busy) without surfacing.
type Listener struct {
	st     store.Store
	clk    clock.Clock
	selfID string
	ringTO time.Duration

	busy      func() bool
	onSurface func(Incoming)
	onClear   func(id string)

	mu         sync.Mutex
	surfacedID string
	suppressed map[string]bool
	ringTimer  *clock.Timer
	cancels    []func()
	closed     bool
}

// NewListener builds a listener. busy reports whether the engine currently
// holds a call; onSurface and onClear report incoming-call state changes.
func NewListener(st store.Store, clk clock.Clock, selfID string, ringTO time.Duration,
	busy func() bool, onSurface func(Incoming), onClear func(id string)) *Listener {
	if clk == nil {
		clk = clock.New()
	}
	return &Listener{
		st: st, clk: clk, selfID: selfID, ringTO: ringTO,
		busy: busy, onSurface: onSurface, onClear: onClear,
		suppressed: make(map[string]bool),
	}
}

// Start opens the standing subscriptions: 1:1 records addressed to the local
// identity in a pre-answer status, and active group calls listing it as
// invited.
func (l *Listener) Start() {
	cancelCalls := l.st.Subscribe(store.Query{
		Collection: store.Calls,
		Where: []store.Cond{
			{Field: "receiver_id", Op: store.OpEq, Value: l.selfID},
			{Field: "status", Op: store.OpIn, Value: []string{string(StatusCalling), string(StatusRinging)}},
		},
	}, l.handleCallEvent)

	cancelGroups := l.st.Subscribe(store.Query{
		Collection: store.GroupCalls,
		Where: []store.Cond{
			{Field: "invited_participants", Op: store.OpContains, Value: l.selfID},
			{Field: "status", Op: store.OpEq, Value: string(group.StatusActive)},
		},
	}, l.handleGroupEvent)

	l.mu.Lock()
	l.cancels = append(l.cancels, cancelCalls, cancelGroups)
	l.mu.Unlock()
}

// Close cancels the standing subscriptions.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancels := l.cancels
	l.cancels = nil
	if l.ringTimer != nil {
		l.ringTimer.Stop()
		l.ringTimer = nil
	}
	l.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Surfaced returns the id of the currently surfaced incoming call, if any.
func (l *Listener) Surfaced() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.surfacedID
}

// ─── 1:1 records ─────────────────────────────────────────────────────────────

func (l *Listener) handleCallEvent(ev store.Event) {
	if ev.Type == store.EventRemoved {
		// Left the pre-answer window: answered here, or ended/declined/missed.
		l.forget(ev.ID)
		l.clear(ev.ID)
		return
	}
	rec, err := DecodeRecord(ev.Doc)
	if err != nil {
		log.Warnf("dropping malformed incoming call document %s: %v", ev.ID, err)
		return
	}
	if rec.Status != StatusCalling && rec.Status != StatusRinging {
		l.clear(rec.ID)
		return
	}

	l.mu.Lock()
	if l.closed || l.surfacedID == rec.ID || l.suppressed[rec.ID] {
		l.mu.Unlock()
		return
	}
	if l.busy != nil && l.busy() {
		// Busy: auto-decline without alerting the user.
		l.suppressed[rec.ID] = true
		l.mu.Unlock()
		log.Infof("incoming call %s from %s: busy, auto-declining", rec.ID, rec.CallerID)
		go func() {
			if err := Decline(context.Background(), l.st, l.clk, rec.ID); err != nil {
				log.Warnf("busy auto-decline %s: %v", rec.ID, err)
			}
		}()
		return
	}
	if cur := l.surfacedID; cur != "" {
		// One incoming call at a time; later candidates are suppressed.
		l.suppressed[rec.ID] = true
		l.mu.Unlock()
		log.Infof("incoming call %s suppressed, %s already surfaced", rec.ID, cur)
		return
	}

	l.surfacedID = rec.ID
	l.ringTimer = l.clk.AfterFunc(l.ringTO, func() { l.clear(rec.ID) })
	onSurface := l.onSurface
	l.mu.Unlock()

	// Ringing is a receiver-owned status write; it tells the caller the
	// counterpart is being alerted.
	go func() {
		err := l.st.Update(context.Background(), store.Calls, rec.ID, map[string]any{
			"status": StatusRinging,
		})
		if err != nil {
			log.Debugf("write ringing on %s: %v", rec.ID, err)
		}
	}()

	log.Infof("incoming %s call %s from %s", rec.Type, rec.ID, rec.CallerID)
	if onSurface != nil {
		onSurface(Incoming{Call: rec})
	}
}

// ─── Group records ───────────────────────────────────────────────────────────

func (l *Listener) handleGroupEvent(ev store.Event) {
	if ev.Type == store.EventRemoved {
		l.forget(ev.ID)
		l.clear(ev.ID)
		return
	}
	rec, err := group.DecodeRecord(ev.Doc)
	if err != nil {
		log.Warnf("dropping malformed group invite document %s: %v", ev.ID, err)
		return
	}
	if rec.Status.Terminal() || rec.IsActive(l.selfID) {
		l.clear(rec.ID)
		return
	}

	l.mu.Lock()
	if l.closed || l.surfacedID == rec.ID || l.suppressed[rec.ID] {
		l.mu.Unlock()
		return
	}
	if (l.busy != nil && l.busy()) || l.surfacedID != "" {
		// Group invites are suppressed while busy, never auto-rejected; the
		// user can still join from the group later.
		l.suppressed[rec.ID] = true
		l.mu.Unlock()
		log.Infof("group invite %s suppressed", rec.ID)
		return
	}

	l.surfacedID = rec.ID
	onSurface := l.onSurface
	l.mu.Unlock()

	log.Infof("incoming group call %s (%s)", rec.ID, rec.GroupName)
	if onSurface != nil {
		onSurface(Incoming{Group: rec})
	}
}

// forget drops the suppression entry for a record that left the query
// window, keeping the map bounded over the listener's lifetime.
func (l *Listener) forget(id string) {
	l.mu.Lock()
	delete(l.suppressed, id)
	l.mu.Unlock()
}

// clear drops the surfaced state if it is the given record.
func (l *Listener) clear(id string) {
	l.mu.Lock()
	if l.surfacedID != id {
		l.mu.Unlock()
		return
	}
	l.surfacedID = ""
	if l.ringTimer != nil {
		l.ringTimer.Stop()
		l.ringTimer = nil
	}
	onClear := l.onClear
	l.mu.Unlock()

	if onClear != nil {
		onClear(id)
	}
}
