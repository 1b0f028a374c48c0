package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Purger deletes call records a grace period after they reach a terminal
// status, bounding store growth. The retention window is configuration, not
// a hard-coded delay; it also gives late subscribers a chance to observe the
// terminal status before the record disappears.
type Purger struct {
	st        Store
	clk       clock.Clock
	retention time.Duration

	mu      sync.Mutex
	timers  map[string]*clock.Timer
	cancels []func()
	closed  bool
}

// terminalStatuses per collection: 1:1 calls have three terminal statuses,
// group calls only end.
var terminalStatuses = map[string][]string{
	Calls:      {"ended", "declined", "missed"},
	GroupCalls: {"ended"},
}

// NewPurger creates a purger over st. Call Start to begin watching.
func NewPurger(st Store, retention time.Duration, clk clock.Clock) *Purger {
	if clk == nil {
		clk = clock.New()
	}
	return &Purger{
		st:        st,
		clk:       clk,
		retention: retention,
		timers:    make(map[string]*clock.Timer),
	}
}

// Start subscribes to terminal records in both call collections.
func (p *Purger) Start() {
	for collection, statuses := range terminalStatuses {
		vals := make([]any, len(statuses))
		for i, s := range statuses {
			vals[i] = s
		}
		q := Query{
			Collection: collection,
			Where:      []Cond{{Field: "status", Op: OpIn, Value: vals}},
		}
		cancel := p.st.Subscribe(q, p.onEvent)
		p.mu.Lock()
		p.cancels = append(p.cancels, cancel)
		p.mu.Unlock()
	}
}

func (p *Purger) onEvent(e Event) {
	key := docKey(e.Collection, e.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	switch e.Type {
	case EventAdded, EventModified:
		if _, scheduled := p.timers[key]; scheduled {
			return
		}
		collection, id := e.Collection, e.ID
		log.Debugf("purger: %s scheduled for deletion in %s", key, p.retention)
		p.timers[key] = p.clk.AfterFunc(p.retention, func() {
			p.purge(collection, id)
		})
	case EventRemoved:
		// Deleted by someone else (or by us); drop the timer.
		if t, ok := p.timers[key]; ok {
			t.Stop()
			delete(p.timers, key)
		}
	}
}

func (p *Purger) purge(collection, id string) {
	p.mu.Lock()
	delete(p.timers, docKey(collection, id))
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if err := p.st.Delete(context.Background(), collection, id); err != nil {
		log.Warnf("purger: delete %s/%s: %v", collection, id, err)
		return
	}
	log.Debugf("purger: deleted %s/%s", collection, id)
}

// Close cancels subscriptions and pending deletions.
func (p *Purger) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancels := p.cancels
	p.cancels = nil
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = map[string]*clock.Timer{}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
