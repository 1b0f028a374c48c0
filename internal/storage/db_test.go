package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDocumentVersioning(t *testing.T) {
	db := openTestDB(t)

	v1, err := db.PutDoc("calls", "a", []byte(`{"status":"calling"}`))
	require.NoError(t, err)
	v2, err := db.PutDoc("calls", "b", []byte(`{"status":"calling"}`))
	require.NoError(t, err)
	assert.Greater(t, v2, v1, "versions are monotonic")

	v3, err := db.PutDoc("calls", "a", []byte(`{"status":"ended"}`))
	require.NoError(t, err)
	assert.Greater(t, v3, v2, "updates bump the version")

	max, err := db.MaxVer()
	require.NoError(t, err)
	assert.Equal(t, v3, max)

	doc, ok, err := db.GetDoc("calls", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"ended"}`, string(doc))
}

func TestDeleteTombstones(t *testing.T) {
	db := openTestDB(t)

	_, err := db.PutDoc("calls", "a", []byte(`{}`))
	require.NoError(t, err)
	before, err := db.MaxVer()
	require.NoError(t, err)

	require.NoError(t, db.DeleteDoc("calls", "a"))

	_, ok, err := db.GetDoc("calls", "a")
	require.NoError(t, err)
	assert.False(t, ok, "tombstoned doc is not live")

	// The tombstone is still visible to pollers, with a bumped version.
	rows, err := db.DocsSince(before)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Deleted)
	assert.Greater(t, rows[0].Ver, before)

	live, err := db.LiveDocs("calls")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestDocsSinceOrdersByVersion(t *testing.T) {
	db := openTestDB(t)

	_, err := db.PutDoc("calls", "a", []byte(`{}`))
	require.NoError(t, err)
	_, err = db.PutDoc("calls", "b", []byte(`{}`))
	require.NoError(t, err)
	_, err = db.PutDoc("calls", "a", []byte(`{"x":1}`))
	require.NoError(t, err)

	rows, err := db.DocsSince(0)
	require.NoError(t, err)
	require.Len(t, rows, 2, "one row per doc, latest version")
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].Ver, rows[i-1].Ver)
	}
}

func TestCallHistory(t *testing.T) {
	db := openTestDB(t)

	now := time.Now().UnixMilli()
	require.NoError(t, db.AppendHistory(HistoryRow{
		ID: "1", Kind: "voice", Direction: "outgoing", Peer: "bob",
		Outcome: "ended", Duration: 12, Line: "Voice call ended (0:12)", CreatedAt: now,
	}))
	require.NoError(t, db.AppendHistory(HistoryRow{
		ID: "2", Kind: "video", Direction: "incoming", Peer: "carol",
		Outcome: "missed", Line: "Missed video call", CreatedAt: now + 1,
	}))

	rows, err := db.RecentHistory(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[0].ID, "newest first")
	assert.Equal(t, "Voice call ended (0:12)", rows[1].Line)

	rows, err = db.RecentHistory(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
