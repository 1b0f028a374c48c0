package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDisconnected is returned for operations attempted while the hub
// connection is down. Callers that must not lose a write retry with backoff
// (the engine already does this for status-critical writes).
var ErrDisconnected = errors.New("store hub disconnected")

// WSStore is the client side of the hub protocol: a Store implementation
// that proxies the four operations over a websocket. On connection loss it
// redials with backoff and re-issues every live subscription; the hub then
// replays the current snapshot, which is exactly the adapter's documented
// reconnect behavior.
type WSStore struct {
	url string

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextSeq int64
	nextSub int64
	pending map[int64]chan wsFrame
	subs    map[int64]*wsSub
	closed  bool
	done    chan struct{}
}

type wsSub struct {
	q  Query
	fn func(Event)
}

// DialHub connects to a hub at url (e.g. "ws://host:8790/ws").
func DialHub(url string) (*WSStore, error) {
	s := &WSStore{
		url:     url,
		pending: make(map[int64]chan wsFrame),
		subs:    make(map[int64]*wsSub),
		done:    make(chan struct{}),
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	s.ws = ws
	go s.readLoop(ws)
	return s, nil
}

func (s *WSStore) readLoop(ws *websocket.Conn) {
	for {
		var f wsFrame
		if err := ws.ReadJSON(&f); err != nil {
			s.onDisconnect(ws, err)
			return
		}

		switch f.Op {
		case "event":
			s.mu.Lock()
			sub := s.subs[f.Sub]
			s.mu.Unlock()
			if sub != nil && f.Event != nil {
				sub.fn(*f.Event)
			}
		default:
			s.mu.Lock()
			ch := s.pending[f.Seq]
			delete(s.pending, f.Seq)
			s.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

// onDisconnect fails pending requests and starts the redial loop.
func (s *WSStore) onDisconnect(old *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.ws != old {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	pending := s.pending
	s.pending = make(map[int64]chan wsFrame)
	closed := s.closed
	s.mu.Unlock()

	old.Close()
	for _, ch := range pending {
		ch <- wsFrame{Error: ErrDisconnected.Error()}
	}
	if closed {
		return
	}

	log.Warnf("store hub connection lost: %v — reconnecting", cause)
	go s.redialLoop()
}

func (s *WSStore) redialLoop() {
	wait := 250 * time.Millisecond
	for {
		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}
		if wait < 5*time.Second {
			wait *= 2
		}

		ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			log.Debugf("store hub redial: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			ws.Close()
			return
		}
		s.ws = ws
		resubs := make(map[int64]*wsSub, len(s.subs))
		for id, sub := range s.subs {
			resubs[id] = sub
		}
		s.mu.Unlock()

		go s.readLoop(ws)

		// Re-issue subscriptions; the hub replays each snapshot.
		for id, sub := range resubs {
			q := sub.q
			s.sendFrame(wsFrame{Op: "subscribe", Sub: id, Query: &q})
		}
		log.Infof("store hub reconnected (%d subscriptions restored)", len(resubs))
		return
	}
}

// request sends a frame and waits for the matching response.
func (s *WSStore) request(ctx context.Context, f wsFrame) (wsFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wsFrame{}, ErrClosed
	}
	if s.ws == nil {
		s.mu.Unlock()
		return wsFrame{}, ErrDisconnected
	}
	s.nextSeq++
	f.Seq = s.nextSeq
	ch := make(chan wsFrame, 1)
	s.pending[f.Seq] = ch
	s.mu.Unlock()

	if err := s.sendFrame(f); err != nil {
		s.mu.Lock()
		delete(s.pending, f.Seq)
		s.mu.Unlock()
		return wsFrame{}, err
	}

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, f.Seq)
		s.mu.Unlock()
		return wsFrame{}, ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == ErrNotFound.Error() {
				return wsFrame{}, ErrNotFound
			}
			if resp.Error == ErrDisconnected.Error() {
				return wsFrame{}, ErrDisconnected
			}
			return wsFrame{}, errors.New(resp.Error)
		}
		return resp, nil
	}
}

func (s *WSStore) sendFrame(f wsFrame) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return ErrDisconnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteJSON(f)
}

// Create stores doc on the hub under a fresh ID and returns it.
func (s *WSStore) Create(ctx context.Context, collection string, doc any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	resp, err := s.request(ctx, wsFrame{Op: "create", Collection: collection, Doc: b})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Update shallow-merges patch into a hub document.
func (s *WSStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	_, err := s.request(ctx, wsFrame{Op: "update", Collection: collection, ID: id, Patch: patch})
	return err
}

// Delete removes a hub document.
func (s *WSStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.request(ctx, wsFrame{Op: "delete", Collection: collection, ID: id})
	return err
}

// Get returns the current hub document.
func (s *WSStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	resp, err := s.request(ctx, wsFrame{Op: "get", Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Doc, nil
}

// Subscribe registers fn for hub changes matching q. Events are delivered
// from the read loop via a per-subscription queue so fn may call back into
// the store.
func (s *WSStore) Subscribe(q Query, fn func(Event)) (cancel func()) {
	queue := &memSub{
		q:       q,
		fn:      fn,
		matched: map[string]bool{},
		wake:    make(chan struct{}, 1),
	}
	go queue.drain()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		queue.close()
		return func() {}
	}
	s.nextSub++
	id := s.nextSub
	s.subs[id] = &wsSub{q: q, fn: queue.push}
	s.mu.Unlock()

	s.sendFrame(wsFrame{Op: "subscribe", Sub: id, Query: &q})

	return func() {
		s.mu.Lock()
		_, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ok {
			s.sendFrame(wsFrame{Op: "unsubscribe", Sub: id})
			queue.close()
		}
	}
}

// Close drops the hub connection and all subscriptions.
func (s *WSStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := s.ws
	s.ws = nil
	s.subs = map[int64]*wsSub{}
	s.mu.Unlock()

	close(s.done)
	if ws != nil {
		ws.Close()
	}
	return nil
}
