package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	go func() { _ = h.ListenAndServe("127.0.0.1:0") }()
	t.Cleanup(func() { _ = h.Close() })
	require.Eventually(t, func() bool { return h.Addr() != "" },
		time.Second, 5*time.Millisecond)
	return h
}

func dialTestHub(t *testing.T, h *Hub) *WSStore {
	t.Helper()
	s, err := DialHub("ws://" + h.Addr() + "/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWSStoreRoundTrip(t *testing.T) {
	h := startHub(t)
	s := dialTestHub(t, h)
	ctx := context.Background()

	id, err := s.Create(ctx, Calls, map[string]any{"status": "calling", "receiver_id": "bob"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, Calls, id)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "calling", m["status"])

	require.NoError(t, s.Update(ctx, Calls, id, map[string]any{"status": "ended"}))
	doc, err = s.Get(ctx, Calls, id)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "ended", m["status"])
	assert.Equal(t, "bob", m["receiver_id"], "updates are shallow merges")

	require.NoError(t, s.Delete(ctx, Calls, id))
	_, err = s.Get(ctx, Calls, id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Update(ctx, Calls, "absent", map[string]any{"x": 1}), ErrNotFound)
}

func TestWSStoreSubscribeAcrossClients(t *testing.T) {
	h := startHub(t)
	writer := dialTestHub(t, h)
	reader := dialTestHub(t, h)
	ctx := context.Background()

	pre, err := writer.Create(ctx, Calls, map[string]any{"receiver_id": "bob", "status": "calling"})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := reader.Subscribe(Query{
		Collection: Calls,
		Where:      []Cond{{Field: "receiver_id", Op: OpEq, Value: "bob"}},
	}, rec.record)
	defer cancel()

	// Snapshot first.
	rec.waitFor(t, func(evs []Event) bool {
		return countType(evs, EventAdded) == 1 && evs[0].ID == pre
	})

	require.NoError(t, writer.Update(ctx, Calls, pre, map[string]any{"status": "connected"}))
	rec.waitFor(t, func(evs []Event) bool { return countType(evs, EventModified) >= 1 })

	require.NoError(t, writer.Delete(ctx, Calls, pre))
	rec.waitFor(t, func(evs []Event) bool { return countType(evs, EventRemoved) == 1 })
}

func TestWSStoreSubscriberCanWriteBack(t *testing.T) {
	h := startHub(t)
	s := dialTestHub(t, h)
	ctx := context.Background()

	done := make(chan struct{})
	cancel := s.Subscribe(Query{
		Collection: Calls,
		Where:      []Cond{{Field: "status", Op: OpEq, Value: "calling"}},
	}, func(e Event) {
		if e.Type != EventAdded {
			return
		}
		// A store write from inside the event callback must not deadlock the
		// websocket read loop.
		if err := s.Update(ctx, Calls, e.ID, map[string]any{"status": "ringing"}); err == nil {
			close(done)
		}
	})
	defer cancel()

	_, err := s.Create(ctx, Calls, map[string]any{"status": "calling"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback write deadlocked")
	}
}

func TestWSStoreReconnectReplaysSnapshot(t *testing.T) {
	h1 := startHub(t)
	addr := h1.Addr()
	s := dialTestHub(t, h1)
	ctx := context.Background()

	_, err := s.Create(ctx, Calls, map[string]any{"receiver_id": "bob", "status": "calling"})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := s.Subscribe(Query{
		Collection: Calls,
		Where:      []Cond{{Field: "receiver_id", Op: OpEq, Value: "bob"}},
	}, rec.record)
	defer cancel()
	rec.waitFor(t, func(evs []Event) bool { return countType(evs, EventAdded) == 1 })

	// Take the hub down; in-flight operations fail and the client redials.
	require.NoError(t, h1.Close())
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, Calls, "anything")
		return errors.Is(err, ErrDisconnected)
	}, 2*time.Second, 10*time.Millisecond)

	// A hub comes back on the same address with a matching record.
	h2 := NewHub()
	id2, err := h2.Store().Create(ctx, Calls, map[string]any{"receiver_id": "bob", "status": "ringing"})
	require.NoError(t, err)
	go func() { _ = h2.ListenAndServe(addr) }()
	t.Cleanup(func() { _ = h2.Close() })

	// The subscription is re-issued on reconnect and the snapshot replayed.
	require.Eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if e.Type == EventAdded && e.ID == id2 {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	// Operations flow again over the new connection.
	doc, err := s.Get(ctx, Calls, id2)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "ringing", m["status"])
}

func TestWSStoreHubSharedWithLocalEngine(t *testing.T) {
	h := startHub(t)
	remote := dialTestHub(t, h)
	local := h.Store()
	ctx := context.Background()

	id, err := local.Create(ctx, Calls, map[string]any{"receiver_id": "bob"})
	require.NoError(t, err)

	doc, err := remote.Get(ctx, Calls, id)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "bob", m["receiver_id"])
}
