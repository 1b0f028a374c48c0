package chat

import (
	"context"
	"sync"
	"time"

	"github.com/ringlink/ringlink/internal/storage"
	"github.com/ringlink/ringlink/internal/util"
)

// History is the sqlite-backed Summarizer: summaries are persisted to the
// call_history table, mirrored into a small in-memory ring for cheap reads,
// and fanned out to subscribers (the host's chat pane).
type History struct {
	db     *storage.DB
	recent *util.RingBuffer[Summary]

	mu   sync.Mutex
	subs map[int]chan Summary
	next int
}

// NewHistory creates a History over db, pre-warming the recent ring from the
// newest persisted rows. bufSize bounds the in-memory ring, not the table.
func NewHistory(db *storage.DB, bufSize int) (*History, error) {
	if bufSize <= 0 {
		bufSize = 50
	}
	h := &History{
		db:     db,
		recent: util.NewRingBuffer[Summary](bufSize),
		subs:   make(map[int]chan Summary),
	}

	rows, err := h.db.RecentHistory(bufSize)
	if err != nil {
		return nil, err
	}
	// RecentHistory is newest first; the ring wants oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		h.recent.Push(rowToSummary(rows[i]))
	}
	return h, nil
}

// AppendSummary persists one summary and notifies subscribers. Implements
// Summarizer.
func (h *History) AppendSummary(ctx context.Context, s Summary) error {
	row := storage.HistoryRow{
		ID:        util.NewID(),
		Kind:      s.Kind,
		Direction: string(s.Direction),
		Peer:      s.Peer,
		Outcome:   string(s.Outcome),
		Duration:  int(s.Duration.Seconds()),
		Line:      s.Text(),
		CreatedAt: s.At.UnixMilli(),
	}
	if err := h.db.AppendHistory(row); err != nil {
		return err
	}
	h.recent.Push(s)

	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
			log.Debugf("history subscriber lagging, dropping summary")
		}
	}
	h.mu.Unlock()
	return nil
}

// Recent returns up to limit summaries, oldest first, from the in-memory
// ring.
func (h *History) Recent(limit int) []Summary {
	all := h.recent.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Subscribe returns a channel of future summaries. Slow consumers drop.
func (h *History) Subscribe() (<-chan Summary, func()) {
	ch := make(chan Summary, 16)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if cur, ok := h.subs[id]; ok && cur == ch {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

func rowToSummary(r storage.HistoryRow) Summary {
	return Summary{
		Kind:      r.Kind,
		Direction: Direction(r.Direction),
		Peer:      r.Peer,
		Outcome:   Outcome(r.Outcome),
		Duration:  time.Duration(r.Duration) * time.Second,
		At:        time.UnixMilli(r.CreatedAt),
	}
}
