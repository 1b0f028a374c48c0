package call

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/store"
)

func TestAnswerInboundOnTerminalRecordIsNoOp(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	id, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id":   "alice",
		"receiver_id": "bob",
		"type":        "voice",
		"status":      "declined",
	})
	require.NoError(t, err)

	sess, err := AnswerInbound(ctx, st, tp, clock.NewMock(), "bob", id, time.Minute, Hooks{})
	require.NoError(t, err)
	require.Nil(t, sess, "terminal record must not produce a session")
	assert.Equal(t, 0, tp.OpenCaptures(), "no media acquired for a dead call")
}

func TestAnswerInboundRejectsWrongReceiver(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	ctx := context.Background()

	id, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id":   "alice",
		"receiver_id": "bob",
		"type":        "voice",
		"status":      "calling",
	})
	require.NoError(t, err)

	_, err = AnswerInbound(ctx, st, tp, clock.NewMock(), "mallory", id, time.Minute, Hooks{})
	require.Error(t, err)
	assert.Equal(t, 0, tp.OpenCaptures())
}

func TestDeclineWritesTerminalStatus(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()
	clk := clock.NewMock()

	id, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id":   "alice",
		"receiver_id": "bob",
		"type":        "voice",
		"status":      "calling",
	})
	require.NoError(t, err)

	require.NoError(t, Decline(ctx, st, clk, id))

	doc, err := st.Get(ctx, store.Calls, id)
	require.NoError(t, err)
	rec, err := DecodeRecord(doc)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, rec.Status)
	require.NotNil(t, rec.EndTime)
}

func TestSessionDropsMalformedDocuments(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	tp := media.NewLoopTransport()
	clk := clock.NewMock()
	ctx := context.Background()

	var terminals int32
	sess, err := StartOutbound(ctx, st, tp, clk,
		Party{ID: "alice", Name: "Alice"}, Party{ID: "bob", Name: "Bob"},
		KindVoice, 30*time.Second, 20*time.Second,
		Hooks{OnTerminal: func(*Record) { atomic.AddInt32(&terminals, 1) }})
	require.NoError(t, err)

	rec := sess.Record()
	assert.Equal(t, StatusCalling, rec.Status)

	// A corrupted write from elsewhere must not kill the session.
	require.NoError(t, st.Update(ctx, store.Calls, rec.ID, map[string]any{"type": "garbage"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusCalling, sess.Record().Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&terminals))

	sess.End()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&terminals) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tp.OpenCaptures())
}

func TestRecordFieldOwnershipSurvivesMerge(t *testing.T) {
	st := store.NewMemStore()
	defer st.Close()
	ctx := context.Background()

	id, err := st.Create(ctx, store.Calls, map[string]any{
		"caller_id":   "alice",
		"receiver_id": "bob",
		"type":        "video",
		"status":      "calling",
		"caller_candidates": []media.Candidate{
			{Candidate: "candidate:1"},
		},
	})
	require.NoError(t, err)

	// Receiver-owned write leaves caller-owned fields intact.
	require.NoError(t, st.Update(ctx, store.Calls, id, map[string]any{
		"status": "ringing",
		"receiver_candidates": []media.Candidate{
			{Candidate: "candidate:2"},
		},
	}))

	doc, err := st.Get(ctx, store.Calls, id)
	require.NoError(t, err)
	rec, err := DecodeRecord(doc)
	require.NoError(t, err)
	assert.Equal(t, StatusRinging, rec.Status)
	require.Len(t, rec.CallerCandidates, 1)
	require.Len(t, rec.ReceiverCandidates, 1)
	assert.Equal(t, "candidate:1", rec.CallerCandidates[0].Candidate)
}
