package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/ringlink/ringlink/internal/storage"
	"github.com/ringlink/ringlink/internal/util"
)

// SQLiteStore backs the signaling store with a SQLite file, so engine
// instances in separate processes on one machine share call records through
// the filesystem. Change delivery is a version-horizon poll over the
// documents table, woken early by fsnotify when the database file changes.
type SQLiteStore struct {
	db   *storage.DB
	clk  clock.Clock
	poll time.Duration

	mu      sync.Mutex
	subs    map[int]*memSub
	nextSub int
	lastVer int64
	closed  bool

	wake    chan struct{}
	done    chan struct{}
	watcher *fsnotify.Watcher
}

// NewSQLiteStore opens a store over db, polling at interval (woken early by
// file-change notifications). clk may be a mock in tests.
func NewSQLiteStore(db *storage.DB, interval time.Duration, clk clock.Clock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	ver, err := db.MaxVer()
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		clk:     clk,
		poll:    interval,
		subs:    make(map[int]*memSub),
		lastVer: ver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	// fsnotify on the DB directory: another process committing to the DB (or
	// its WAL) nudges the poller instead of waiting out the interval. Purely
	// an optimization — the interval poll remains the correctness backstop.
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(db.Path())); err == nil {
			s.watcher = w
			go s.watchLoop(w, filepath.Base(db.Path()))
		} else {
			w.Close()
			log.Debugf("sqlite store: watch %s: %v", db.Path(), err)
		}
	}

	go s.pollLoop()
	return s, nil
}

func (s *SQLiteStore) watchLoop(w *fsnotify.Watcher, base string) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(ev.Name), base) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *SQLiteStore) pollLoop() {
	ticker := s.clk.Ticker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.deliverChanges()
	}
}

// deliverChanges reads every row past the version horizon and fans it out.
func (s *SQLiteStore) deliverChanges() {
	s.mu.Lock()
	since := s.lastVer
	s.mu.Unlock()

	rows, err := s.db.DocsSince(since)
	if err != nil {
		log.Warnf("sqlite store: poll: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, r := range rows {
		if r.Ver > s.lastVer {
			s.lastVer = r.Ver
		}
		var doc json.RawMessage
		if !r.Deleted {
			doc = json.RawMessage(r.Doc)
		}
		s.fanOutLocked(r.Collection, r.ID, doc)
	}
}

func (s *SQLiteStore) fanOutLocked(collection, id string, doc json.RawMessage) {
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

// Create stores doc under a fresh ID and returns it.
func (s *SQLiteStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := util.NewID()
	raw, err := withID(doc, id)
	if err != nil {
		return "", err
	}
	if _, err := s.db.PutDoc(collection, id, raw); err != nil {
		return "", err
	}
	s.nudge()
	return id, nil
}

// Update shallow-merges patch into an existing document.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	cur, ok, err := s.db.GetDoc(collection, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	raw, err := applyPatch(cur, patch)
	if err != nil {
		return err
	}
	if _, err := s.db.PutDoc(collection, id, raw); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// Delete tombstones a document.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.db.DeleteDoc(collection, id); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// Get returns the current document.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	doc, ok, err := s.db.GetDoc(collection, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Subscribe registers fn for changes matching q, snapshot first.
func (s *SQLiteStore) Subscribe(q Query, fn func(Event)) (cancel func()) {
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

	rows, err := s.db.LiveDocs(q.Collection)
	if err != nil {
		log.Warnf("sqlite store: snapshot: %v", err)
	}
	for _, r := range rows {
		doc := json.RawMessage(r.Doc)
		if q.Matches(doc) {
			sub.matched[docKey(r.Collection, r.ID)] = true
			sub.push(Event{Type: EventAdded, Collection: r.Collection, ID: r.ID, Doc: doc})
		}
	}
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

// Close stops the poller and all subscriptions. The underlying DB is owned
// by the caller and stays open.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = map[int]*memSub{}
	s.mu.Unlock()

	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// nudge wakes the local poller so this process sees its own writes
// immediately (read-after-write within one record).
func (s *SQLiteStore) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
