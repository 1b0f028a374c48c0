package group

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/store"
)

// callEvents records one member's hook activity.
type callEvents struct {
	mu       sync.Mutex
	last     Record
	tracks   map[string]int
	terminal int
}

func newCallEvents() *callEvents {
	return &callEvents{tracks: make(map[string]int)}
}

func (e *callEvents) hooks() Hooks {
	return Hooks{
		OnRoster: func(r Record) {
			e.mu.Lock()
			e.last = r
			e.mu.Unlock()
		},
		OnPeerTrack: func(peerID string, _ media.RemoteTrack) {
			e.mu.Lock()
			e.tracks[peerID]++
			e.mu.Unlock()
		},
		OnTerminal: func(Record) {
			e.mu.Lock()
			e.terminal++
			e.mu.Unlock()
		},
	}
}

func (e *callEvents) peerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}

func (e *callEvents) terminalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func readRecord(t *testing.T, st store.Store, id string) *Record {
	t.Helper()
	doc, err := st.Get(context.Background(), store.GroupCalls, id)
	require.NoError(t, err)
	rec, err := DecodeRecord(doc)
	require.NoError(t, err)
	return rec
}

func TestGroupCallLifecycle(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	invited := []string{"alice", "bob", "carol", "dave", "erin"}
	admins := []string{"alice"}

	aliceEv := newCallEvents()
	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-design", "Design Team", KindVoice, invited, admins, 0, aliceEv.hooks())
	require.NoError(t, err)

	rec := alice.Record()
	assert.Equal(t, []string{"alice"}, rec.Active)
	assert.Len(t, rec.Invited, 4, "starter is not in the invited list")
	assert.Equal(t, 9, rec.MaxParticipants)

	bobEv := newCallEvents()
	bob, err := NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, rec.ID, bobEv.hooks())
	require.NoError(t, err)
	carolEv := newCallEvents()
	carol, err := NewOrchestrator(st, tp, nil, "carol", 0).Join(ctx, rec.ID, carolEv.hooks())
	require.NoError(t, err)

	for _, c := range []*Call{alice, bob, carol} {
		call := c
		require.Eventually(t, func() bool { return len(call.Record().Active) == 3 },
			2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 2, call.Columns())
	}

	// Full mesh: each of the 3 members holds a session per remote peer.
	require.Eventually(t, func() bool { return tp.OpenCaptures() == 6 },
		2*time.Second, 5*time.Millisecond)
	for _, ev := range []*callEvents{aliceEv, bobEv, carolEv} {
		rec := ev
		require.Eventually(t, func() bool { return rec.peerCount() == 2 },
			2*time.Second, 5*time.Millisecond)
	}

	// End is admin-only; a denied attempt changes nothing.
	assert.ErrorIs(t, bob.End(ctx), ErrNotAdmin)
	assert.Equal(t, StatusActive, readRecord(t, st, rec.ID).Status)

	require.NoError(t, alice.End(ctx))
	ended := readRecord(t, st, rec.ID)
	assert.Equal(t, StatusEnded, ended.Status)
	require.NotNil(t, ended.EndTime)

	for _, ev := range []*callEvents{aliceEv, bobEv, carolEv} {
		e := ev
		require.Eventually(t, func() bool { return e.terminalCount() == 1 },
			2*time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool { return tp.OpenCaptures() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestGroupJoinRules(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-1", "Pair", KindVoice, []string{"bob", "carol"}, []string{"alice"}, 2, newCallEvents().hooks())
	require.NoError(t, err)
	recID := alice.Record().ID

	_, err = NewOrchestrator(st, tp, nil, "mallory", 0).Join(ctx, recID, Hooks{})
	assert.ErrorIs(t, err, ErrNotInvited)

	bob, err := NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, recID, newCallEvents().hooks())
	require.NoError(t, err)
	defer bob.Leave(ctx)

	_, err = NewOrchestrator(st, tp, nil, "carol", 0).Join(ctx, recID, Hooks{})
	assert.ErrorIs(t, err, ErrCallFull)

	_, err = NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, recID, Hooks{})
	assert.Error(t, err, "double join is rejected")

	require.NoError(t, alice.End(ctx))
	_, err = NewOrchestrator(st, tp, nil, "carol", 0).Join(ctx, recID, Hooks{})
	assert.ErrorIs(t, err, ErrCallEnded)
}

func TestGroupDeclineMovesInvitedToRejected(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-1", "Pair", KindVoice, []string{"bob"}, []string{"alice"}, 0, Hooks{})
	require.NoError(t, err)
	recID := alice.Record().ID

	bob := NewOrchestrator(st, tp, nil, "bob", 0)
	require.NoError(t, bob.Decline(ctx, recID))

	rec := readRecord(t, st, recID)
	assert.Empty(t, rec.Invited)
	assert.Equal(t, []string{"bob"}, rec.Rejected)

	// Declining twice is a no-op.
	require.NoError(t, bob.Decline(ctx, recID))
	assert.Equal(t, []string{"bob"}, readRecord(t, st, recID).Rejected)
}

func TestGroupEndMarksUnansweredInvitesMissed(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-1", "Quartet", KindVoice, []string{"bob", "carol", "dave"}, []string{"alice"}, 0, Hooks{})
	require.NoError(t, err)
	recID := alice.Record().ID

	_, err = NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, recID, Hooks{})
	require.NoError(t, err)
	require.NoError(t, NewOrchestrator(st, tp, nil, "carol", 0).Decline(ctx, recID))

	// Joining consumed bob's invite.
	assert.NotContains(t, readRecord(t, st, recID).Invited, "bob")

	require.NoError(t, alice.End(ctx))
	rec := readRecord(t, st, recID)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Equal(t, []string{"dave"}, rec.Missed, "only the never-answered invite is missed")
	assert.Equal(t, []string{"carol"}, rec.Rejected)
	assert.Empty(t, rec.Invited)
}

func TestGroupLeaveDrainsToEnded(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	aliceEv := newCallEvents()
	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-1", "Pair", KindVoice, []string{"bob", "erin"}, []string{"alice"}, 0, aliceEv.hooks())
	require.NoError(t, err)
	recID := alice.Record().ID

	bobEv := newCallEvents()
	bob, err := NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, recID, bobEv.hooks())
	require.NoError(t, err)

	// Track membership audit records for this call.
	type memberState struct {
		mu   sync.Mutex
		rows map[string]Membership
	}
	ms := &memberState{rows: make(map[string]Membership)}
	cancel := st.Subscribe(store.Query{
		Collection: store.GroupMembers,
		Where:      []store.Cond{{Field: "call_id", Op: store.OpEq, Value: recID}},
	}, func(e store.Event) {
		if e.Type == store.EventRemoved {
			return
		}
		var m Membership
		if err := json.Unmarshal(e.Doc, &m); err != nil {
			return
		}
		ms.mu.Lock()
		ms.rows[m.MemberID] = m
		ms.mu.Unlock()
	})
	defer cancel()

	require.NoError(t, alice.Leave(ctx))
	require.Eventually(t, func() bool { return aliceEv.terminalCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	rec := readRecord(t, st, recID)
	assert.Equal(t, StatusActive, rec.Status, "call survives while members remain")
	assert.Equal(t, []string{"bob"}, rec.Active)

	require.NoError(t, bob.Leave(ctx))
	require.Eventually(t, func() bool {
		return readRecord(t, st, recID).Status == StatusEnded
	}, 2*time.Second, 5*time.Millisecond)

	// erin never answered and lands in the missed set.
	ended := readRecord(t, st, recID)
	assert.Equal(t, []string{"erin"}, ended.Missed)
	assert.Empty(t, ended.Invited)

	// Both audit records are stamped, never deleted.
	require.Eventually(t, func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		a, okA := ms.rows["alice"]
		b, okB := ms.rows["bob"]
		return okA && okB && a.LeftAt != nil && b.LeftAt != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return tp.OpenCaptures() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestGroupAdminInviteAndRemove(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	alice, err := NewOrchestrator(st, tp, nil, "alice", 0).
		Start(ctx, "g-1", "Trio", KindVoice, []string{"bob", "carol"}, []string{"alice"}, 0, Hooks{})
	require.NoError(t, err)
	recID := alice.Record().ID

	bobEv := newCallEvents()
	bob, err := NewOrchestrator(st, tp, nil, "bob", 0).Join(ctx, recID, bobEv.hooks())
	require.NoError(t, err)

	assert.ErrorIs(t, bob.Invite(ctx, "dave"), ErrNotAdmin)
	assert.ErrorIs(t, bob.Remove(ctx, "alice"), ErrNotAdmin)
	assert.Len(t, readRecord(t, st, recID).Active, 2, "denied commands mutate nothing")

	require.NoError(t, alice.Invite(ctx, "dave"))
	assert.Contains(t, readRecord(t, st, recID).Invited, "dave")

	require.NoError(t, alice.Remove(ctx, "bob"))
	require.Eventually(t, func() bool { return bobEv.terminalCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	rec := readRecord(t, st, recID)
	assert.Equal(t, []string{"alice"}, rec.Active)
	assert.Equal(t, StatusActive, rec.Status)

	require.NoError(t, alice.End(ctx))
}
