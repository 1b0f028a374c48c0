package store

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsFrame is the wire format shared by the hub and the websocket client.
// Requests carry Seq and are answered with a frame echoing the same Seq;
// subscription events carry Sub and no Seq.
type wsFrame struct {
	Op         string          `json:"op"`
	Seq        int64           `json:"seq,omitempty"`
	Sub        int64           `json:"sub,omitempty"`
	Collection string          `json:"collection,omitempty"`
	ID         string          `json:"id,omitempty"`
	Doc        json.RawMessage `json:"doc,omitempty"`
	Patch      map[string]any  `json:"patch,omitempty"`
	Query      *Query          `json:"query,omitempty"`
	Event      *Event          `json:"event,omitempty"`
	Error      string          `json:"error,omitempty"`
}

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub serves a shared in-memory store to websocket clients. It is the
// networked store backend: one hub process, N peers connecting with WSStore.
// State lives only as long as the hub, which suits call records — they are
// short-lived by design and purged after a grace period anyway.
type Hub struct {
	store *MemStore
	srv   *http.Server
	ln    net.Listener

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[int64]func() // sub id -> cancel
}

// NewHub creates a hub around a fresh MemStore.
func NewHub() *Hub {
	return &Hub{
		store: NewMemStore(),
		conns: make(map[*hubConn]struct{}),
	}
}

// Store exposes the hub's backing store for co-located use (the hub process
// can run an engine against it directly).
func (h *Hub) Store() *MemStore { return h.store }

// ListenAndServe binds addr and serves /ws until Close.
func (h *Hub) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	srv := &http.Server{Handler: mux}

	h.mu.Lock()
	h.ln = ln
	h.srv = srv
	h.mu.Unlock()

	log.Infof("store hub listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, valid after ListenAndServe started.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Close stops the server and drops all client connections.
func (h *Hub) Close() error {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	srv := h.srv
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	if srv != nil {
		srv.Close()
	}
	return h.store.Close()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("hub: upgrade: %v", err)
		return
	}

	c := &hubConn{ws: ws, subs: make(map[int64]func())}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	log.Debugf("hub: client connected from %s", ws.RemoteAddr())
	h.readLoop(c)

	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()

	c.mu.Lock()
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = nil
	c.mu.Unlock()
	ws.Close()
	log.Debugf("hub: client %s disconnected", ws.RemoteAddr())
}

func (h *Hub) readLoop(c *hubConn) {
	for {
		var f wsFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		h.dispatch(c, f)
	}
}

func (h *Hub) dispatch(c *hubConn, f wsFrame) {
	ctx := context.Background()
	resp := wsFrame{Op: f.Op + "-resp", Seq: f.Seq}

	switch f.Op {
	case "create":
		var doc any
		if err := json.Unmarshal(f.Doc, &doc); err != nil {
			resp.Error = "bad document: " + err.Error()
			break
		}
		id, err := h.store.Create(ctx, f.Collection, doc)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.ID = id
		}

	case "update":
		if err := h.store.Update(ctx, f.Collection, f.ID, f.Patch); err != nil {
			resp.Error = err.Error()
		}

	case "delete":
		if err := h.store.Delete(ctx, f.Collection, f.ID); err != nil {
			resp.Error = err.Error()
		}

	case "get":
		doc, err := h.store.Get(ctx, f.Collection, f.ID)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Doc = doc
		}

	case "subscribe":
		if f.Query == nil {
			resp.Error = "missing query"
			break
		}
		sub := f.Sub
		cancel := h.store.Subscribe(*f.Query, func(e Event) {
			c.send(wsFrame{Op: "event", Sub: sub, Event: &e})
		})
		c.mu.Lock()
		if c.subs == nil {
			// Connection is already tearing down.
			c.mu.Unlock()
			cancel()
			resp.Error = "connection closed"
			break
		}
		c.subs[sub] = cancel
		c.mu.Unlock()

	case "unsubscribe":
		c.mu.Lock()
		cancel := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	default:
		resp.Error = "unknown op: " + f.Op
	}

	if f.Seq != 0 {
		c.send(resp)
	}
}

func (c *hubConn) send(f wsFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		log.Debugf("hub: write to %s: %v", c.ws.RemoteAddr(), err)
	}
}
