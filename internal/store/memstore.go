package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ringlink/ringlink/internal/util"
)

// MemStore is the in-process store backend. Multiple engine instances share
// one MemStore to talk to each other, which is how the tests run both ends
// of a call in a single process. It also simulates the adapter's documented
// failure mode: SetOffline suspends event delivery and reconnecting
// re-delivers the current snapshot.
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]json.RawMessage // collection -> id -> doc
	subs    map[int]*memSub
	nextSub int
	offline bool
	closed  bool
}

type memSub struct {
	q       Query
	fn      func(Event)
	matched map[string]bool // doc key -> currently inside the query

	qmu    sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]map[string]json.RawMessage),
		subs: make(map[int]*memSub),
	}
}

func docKey(collection, id string) string { return collection + "/" + id }

// Create stores doc under a fresh ID and returns it.
func (s *MemStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := util.NewID()
	raw, err := withID(doc, id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]json.RawMessage)
	}
	s.docs[collection][id] = raw
	s.fanOutLocked(collection, id, raw)
	return id, nil
}

// Update shallow-merges patch into an existing document.
func (s *MemStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	raw, err := applyPatch(cur, patch)
	if err != nil {
		return err
	}
	s.docs[collection][id] = raw
	s.fanOutLocked(collection, id, raw)
	return nil
}

// Delete removes a document. Deleting an absent document is a no-op.
func (s *MemStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[collection][id]; !ok {
		return nil
	}
	delete(s.docs[collection], id)
	s.fanOutLocked(collection, id, nil)
	return nil
}

// Get returns the current document.
func (s *MemStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Subscribe registers fn for changes matching q. The current snapshot is
// delivered first as EventAdded per matching document. fn runs on a
// dedicated goroutine, so it may call back into the store.
func (s *MemStore) Subscribe(q Query, fn func(Event)) (cancel func()) {
	sub := &memSub{
		q:       q,
		fn:      fn,
		matched: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.snapshotLocked(sub)
	s.mu.Unlock()

	go sub.drain()

	return func() {
		s.mu.Lock()
		if cur, ok := s.subs[id]; ok && cur == sub {
			delete(s.subs, id)
		}
		s.mu.Unlock()
		sub.close()
	}
}

// Close shuts the store down and stops all subscriptions.
func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = map[int]*memSub{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// SetOffline simulates network loss. While offline, no events are delivered
// (and intervening changes are lost, per the adapter contract); going back
// online re-delivers the current snapshot to every subscriber.
func (s *MemStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == offline {
		return
	}
	s.offline = offline
	if offline {
		return
	}
	for _, sub := range s.subs {
		// Re-sync: forget match state, then replay the snapshot.
		sub.matched = make(map[string]bool)
		s.snapshotLocked(sub)
	}
}

// snapshotLocked queues EventAdded for every document matching sub's query.
func (s *MemStore) snapshotLocked(sub *memSub) {
	for id, doc := range s.docs[sub.q.Collection] {
		if sub.q.Matches(doc) {
			sub.matched[docKey(sub.q.Collection, id)] = true
			sub.push(Event{Type: EventAdded, Collection: sub.q.Collection, ID: id, Doc: doc})
		}
	}
}

// fanOutLocked routes one document change (doc nil = removed) to all
// subscribers, translating it per subscriber into added/modified/removed
// relative to their query.
func (s *MemStore) fanOutLocked(collection, id string, doc json.RawMessage) {
	if s.offline {
		return
	}
	key := docKey(collection, id)
	for _, sub := range s.subs {
		if sub.q.Collection != collection {
			continue
		}
		was := sub.matched[key]
		now := doc != nil && sub.q.Matches(doc)
		switch {
		case !was && now:
			sub.matched[key] = true
			sub.push(Event{Type: EventAdded, Collection: collection, ID: id, Doc: doc})
		case was && now:
			sub.push(Event{Type: EventModified, Collection: collection, ID: id, Doc: doc})
		case was && !now:
			delete(sub.matched, key)
			sub.push(Event{Type: EventRemoved, Collection: collection, ID: id})
		}
	}
}

// ─── Subscriber delivery queue ──────────────────────────────────────────────
//
// Unbounded FIFO drained by one goroutine per subscriber. Bounded channels
// would either drop protocol events or deadlock when a callback writes back
// into the store.

func (m *memSub) push(e Event) {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.qmu.Unlock()
}

func (m *memSub) drain() {
	for range m.wake {
		for {
			m.qmu.Lock()
			if len(m.queue) == 0 {
				m.qmu.Unlock()
				break
			}
			e := m.queue[0]
			m.queue = m.queue[1:]
			m.qmu.Unlock()
			m.fn(e)
		}
	}
}

func (m *memSub) close() {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	close(m.wake)
	m.qmu.Unlock()
}
