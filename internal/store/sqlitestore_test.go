package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/internal/storage"
)

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db, 10*time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreReadAfterWrite(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Calls, map[string]any{"status": "calling", "receiver_id": "bob"})
	require.NoError(t, err)

	doc, err := s.Get(ctx, Calls, id)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "calling", m["status"])

	require.NoError(t, s.Update(ctx, Calls, id, map[string]any{"status": "ringing"}))
	doc, err = s.Get(ctx, Calls, id)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Equal(t, "ringing", m["status"])
	assert.Equal(t, "bob", m["receiver_id"])

	require.NoError(t, s.Delete(ctx, Calls, id))
	_, err = s.Get(ctx, Calls, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreSubscribeDeliversChanges(t *testing.T) {
	s := openSQLiteStore(t)
	ctx := context.Background()

	pre, err := s.Create(ctx, Calls, map[string]any{"receiver_id": "bob", "status": "calling"})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := s.Subscribe(Query{
		Collection: Calls,
		Where:      []Cond{{Field: "receiver_id", Op: OpEq, Value: "bob"}},
	}, rec.record)
	defer cancel()

	rec.waitFor(t, func(evs []Event) bool {
		return countType(evs, EventAdded) == 1 && evs[0].ID == pre
	})

	require.NoError(t, s.Update(ctx, Calls, pre, map[string]any{"status": "connected"}))
	rec.waitFor(t, func(evs []Event) bool { return countType(evs, EventModified) >= 1 })

	require.NoError(t, s.Delete(ctx, Calls, pre))
	rec.waitFor(t, func(evs []Event) bool { return countType(evs, EventRemoved) == 1 })
}

func TestSQLiteStoreTwoInstancesShareOneDatabase(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "shared.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := NewSQLiteStore(db, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(db, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer b.Close()

	rec := &eventRecorder{}
	cancel := b.Subscribe(Query{Collection: Calls}, rec.record)
	defer cancel()

	id, err := a.Create(context.Background(), Calls, map[string]any{"status": "calling"})
	require.NoError(t, err)

	rec.waitFor(t, func(evs []Event) bool {
		return len(evs) >= 1 && evs[0].ID == id
	})
}
