// Package store defines the signaling store: a shared, subscribable document
// store the call engine uses to exchange call records and negotiation
// payloads between participants. Three backends exist — in-memory (tests and
// single-process setups), SQLite (co-located processes sharing a file) and a
// websocket hub (networked). The engine only ever sees the Store interface;
// the backend is chosen once at composition time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("store")

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Collections used by the call engine. Other collections may exist in the
// same store; the engine never touches them.
const (
	Calls        = "calls"
	GroupCalls   = "groupCalls"
	GroupMembers = "groupMembers"
	GroupSignals = "groupSignals"
)

// EventType classifies a change event.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// Event is one document change delivered to a subscriber. Doc is nil for
// removals. Events for a single document arrive in order; no ordering is
// guaranteed across documents.
type Event struct {
	Type       EventType       `json:"type"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Doc        json.RawMessage `json:"doc,omitempty"`
}

// Op is a query condition operator.
type Op string

const (
	OpEq       Op = "=="
	OpIn       Op = "in"
	OpContains Op = "array-contains"
)

// Cond is one equality-style condition on a top-level document field.
type Cond struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents in one collection. All conditions must hold.
type Query struct {
	Collection string `json:"collection"`
	Where      []Cond `json:"where,omitempty"`
}

// Store is the signaling store contract. Create assigns and returns the
// document ID (embedding it in the stored document under "id"). Update
// shallow-merges patch into the document's top-level fields. Subscribe
// delivers an initial snapshot as EventAdded per matching document, then
// incremental events, until the returned cancel func is called.
type Store interface {
	Create(ctx context.Context, collection string, doc any) (string, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Subscribe(q Query, fn func(Event)) (cancel func())
	Close() error
}

// ─── Shared helpers ──────────────────────────────────────────────────────────

// applyPatch shallow-merges patch into the JSON document doc.
func applyPatch(doc json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	m := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}
	for k, v := range patch {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// withID returns doc as JSON with its "id" field set.
func withID(doc any, id string) (json.RawMessage, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return applyPatch(b, map[string]any{"id": id})
}

// Matches reports whether the JSON document satisfies the query. Documents
// that fail to decode never match; the caller decides whether to log.
func (q Query) Matches(doc json.RawMessage) bool {
	if len(q.Where) == 0 {
		return true
	}
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return false
	}
	for _, c := range q.Where {
		if !c.matches(m) {
			return false
		}
	}
	return true
}

func (c Cond) matches(m map[string]any) bool {
	got, ok := m[c.Field]
	switch c.Op {
	case OpEq:
		return ok && jsonEqual(got, c.Value)
	case OpIn:
		if !ok {
			return false
		}
		vals, isSlice := anySlice(c.Value)
		if !isSlice {
			return false
		}
		for _, v := range vals {
			if jsonEqual(got, v) {
				return true
			}
		}
		return false
	case OpContains:
		arr, isSlice := anySlice(got)
		if !isSlice {
			return false
		}
		for _, v := range arr {
			if jsonEqual(v, c.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// jsonEqual compares two values the way they compare after a JSON round
// trip: numbers as float64, everything else by string equality of the
// marshaled form.
func jsonEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func anySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
