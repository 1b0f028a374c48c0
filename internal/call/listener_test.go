package call

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/internal/store"
)

// Suppression entries must not outlive their records; a long-lived listener
// sheds them as records leave the pre-answer window.
func TestListenerForgetsSuppressedRecords(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	surfaced := make(chan Incoming, 1)
	l := NewListener(st, clock.New(), "bob", time.Minute,
		nil, func(inc Incoming) { surfaced <- inc }, nil)
	l.Start()
	defer l.Close()

	_, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id": "alice", "receiver_id": "bob", "type": "voice", "status": "calling",
	})
	require.NoError(t, err)
	select {
	case <-surfaced:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never surfaced")
	}

	second, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id": "carol", "receiver_id": "bob", "type": "voice", "status": "calling",
	})
	require.NoError(t, err)

	suppressedLen := func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.suppressed)
	}
	require.Eventually(t, func() bool { return suppressedLen() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The record vanishing (retention purge, or the caller deleting it) takes
	// the suppression entry with it.
	require.NoError(t, st.Delete(ctx, store.Calls, second))
	require.Eventually(t, func() bool { return suppressedLen() == 0 },
		2*time.Second, 5*time.Millisecond)
}
