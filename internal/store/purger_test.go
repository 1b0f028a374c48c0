package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func (p *Purger) pendingTimers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func TestPurgerDeletesTerminalRecordsAfterRetention(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()
	clk := clock.NewMock()

	p := NewPurger(s, 10*time.Second, clk)
	p.Start()
	defer p.Close()

	live, err := s.Create(ctx, Calls, map[string]any{"status": "connected"})
	require.NoError(t, err)
	dead, err := s.Create(ctx, Calls, map[string]any{"status": "ended"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.pendingTimers() == 1 },
		time.Second, 5*time.Millisecond)

	// Not yet.
	clk.Add(9 * time.Second)
	_, err = s.Get(ctx, Calls, dead)
	require.NoError(t, err)

	clk.Add(time.Second)
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, Calls, dead)
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)

	// Non-terminal records are untouched.
	_, err = s.Get(ctx, Calls, live)
	require.NoError(t, err)
}

func TestPurgerWatchesTerminalTransitions(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()
	clk := clock.NewMock()

	p := NewPurger(s, 5*time.Second, clk)
	p.Start()
	defer p.Close()

	id, err := s.Create(ctx, GroupCalls, map[string]any{"status": "active"})
	require.NoError(t, err)
	require.Equal(t, 0, p.pendingTimers())

	require.NoError(t, s.Update(ctx, GroupCalls, id, map[string]any{"status": "ended"}))
	require.Eventually(t, func() bool { return p.pendingTimers() == 1 },
		time.Second, 5*time.Millisecond)

	clk.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, GroupCalls, id)
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)
}
