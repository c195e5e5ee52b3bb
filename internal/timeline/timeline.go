// Package timeline implements the per-agent append-only event log. Each
// log is addressed by (epoch, seq): seq is strictly increasing with no
// gaps within an epoch, and the epoch bumps when the agent is rehydrated
// after a restart. A single producer (the agent's turn task) appends;
// any number of readers query or subscribe with immutable cursors.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paseo-sh/paseo/internal/store"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// DefaultMaxItems bounds the in-memory window per agent. Older items
// stay in the store and are served from there.
const DefaultMaxItems = 10000

// Direction selects how a query walks the log.
type Direction string

const (
	DirectionTail  Direction = "tail"
	DirectionAfter Direction = "after"
)

// Projection selects how in-flight deltas are presented.
type Projection string

const (
	// ProjectionProjected collapses repeated tool_call updates into
	// their latest state at the position of first appearance.
	ProjectionProjected Projection = "projected"
	// ProjectionRaw returns every delta as appended.
	ProjectionRaw Projection = "raw"
)

// Entry is one addressed log item.
type Entry struct {
	Cursor protocol.Cursor
	Item   *protocol.TimelineItem
	At     time.Time
}

// Query describes a read of the log.
type Query struct {
	Direction  Direction
	Cursor     *protocol.Cursor
	Limit      int
	Projection Projection
}

// Event is one delivery on a subscription. EpochBumped marks the
// sentinel a replaying reader receives when its cursor's epoch has been
// superseded; Entry then carries the fresh cursor position.
type Event struct {
	Entry       Entry
	EpochBumped bool
}

// Log is a single agent's timeline.
type Log struct {
	agentID  string
	maxItems int
	repo     *store.TimelineRepository // nil in tests

	mu      sync.Mutex
	epoch   int64
	nextSeq int64
	entries []Entry // bounded window, ascending seq within epoch
	trimmed bool    // entries no longer start at seq 1
	subs    map[int64]*Subscription
	nextSub int64
}

// Option configures a Log.
type Option func(*Log)

// WithStore write-through persists every appended item.
func WithStore(repo *store.TimelineRepository) Option {
	return func(l *Log) { l.repo = repo }
}

// WithMaxItems bounds the in-memory window.
func WithMaxItems(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxItems = n
		}
	}
}

// New creates a log positioned at the start of epoch. Rehydrated agents
// pass their bumped epoch; seq restarts at 1.
func New(agentID string, epoch int64, opts ...Option) *Log {
	l := &Log{
		agentID:  agentID,
		maxItems: DefaultMaxItems,
		epoch:    epoch,
		subs:     make(map[int64]*Subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AgentID returns the owning agent's id.
func (l *Log) AgentID() string { return l.agentID }

// Cursor returns the high-water mark: the address of the most recent
// item, or (epoch, 0) for an empty epoch.
func (l *Log) Cursor() protocol.Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return protocol.Cursor{Epoch: l.epoch, Seq: l.nextSeq}
}

// SubscriberCount reports how many live subscriptions the log has.
func (l *Log) SubscriberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Append assigns the next seq to item, persists it, and fans it out to
// subscribers. Only the agent's turn task may call Append.
func (l *Log) Append(ctx context.Context, item *protocol.TimelineItem) (protocol.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, item)
}

func (l *Log) appendLocked(ctx context.Context, item *protocol.TimelineItem) (protocol.Cursor, error) {
	l.nextSeq++
	entry := Entry{
		Cursor: protocol.Cursor{Epoch: l.epoch, Seq: l.nextSeq},
		Item:   item,
		At:     time.Now().UTC(),
	}

	if l.repo != nil {
		payload, err := json.Marshal(item)
		if err != nil {
			l.nextSeq--
			return protocol.Cursor{}, fmt.Errorf("encoding timeline item: %w", err)
		}
		if err := l.repo.Append(ctx, &store.TimelineItemRecord{
			AgentID:   l.agentID,
			Epoch:     entry.Cursor.Epoch,
			Seq:       entry.Cursor.Seq,
			ItemType:  string(item.Type),
			Payload:   payload,
			CreatedAt: entry.At,
		}); err != nil {
			l.nextSeq--
			return protocol.Cursor{}, fmt.Errorf("persisting timeline item: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxItems {
		l.entries = l.entries[len(l.entries)-l.maxItems:]
		l.trimmed = true
	}

	for _, sub := range l.subs {
		sub.deliver(Event{Entry: entry})
	}
	return entry.Cursor, nil
}

// BumpEpoch starts a new epoch, resets seq, and appends the
// session_rehydrated marker so readers can detect the discontinuity.
// Subscribers receive an epoch-bump sentinel before the marker.
func (l *Log) BumpEpoch(ctx context.Context) (protocol.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.epoch++
	l.nextSeq = 0
	l.entries = nil
	l.trimmed = false

	sentinel := Event{
		Entry:       Entry{Cursor: protocol.Cursor{Epoch: l.epoch, Seq: 0}},
		EpochBumped: true,
	}
	for _, sub := range l.subs {
		sub.deliver(sentinel)
	}

	return l.appendLocked(ctx, &protocol.TimelineItem{Type: protocol.ItemSessionRehydrated})
}

// Read executes a query. Tail serves the last Limit items in ascending
// order; After serves items strictly after the cursor within its epoch.
// A cursor from an earlier epoch yields an epoch-bump sentinel entry
// carrying the fresh cursor, and the caller re-reads from there.
func (l *Log) Read(ctx context.Context, q Query) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch q.Direction {
	case DirectionAfter:
		if q.Cursor == nil {
			return nil, fmt.Errorf("after query requires a cursor")
		}
		if q.Cursor.Epoch != l.epoch {
			return []Event{{
				Entry:       Entry{Cursor: protocol.Cursor{Epoch: l.epoch, Seq: 0}},
				EpochBumped: true,
			}}, nil
		}
		entries, err := l.afterLocked(ctx, q.Cursor.Seq, q.Limit)
		if err != nil {
			return nil, err
		}
		return project(entries, q.Projection), nil

	case DirectionTail, "":
		limit := q.Limit
		if limit <= 0 {
			limit = len(l.entries)
		}
		entries, err := l.tailLocked(ctx, limit)
		if err != nil {
			return nil, err
		}
		return project(entries, q.Projection), nil

	default:
		return nil, fmt.Errorf("unknown direction %q", q.Direction)
	}
}

// afterLocked returns entries of the current epoch with seq > afterSeq.
func (l *Log) afterLocked(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	memFirst := int64(1)
	if len(l.entries) > 0 {
		memFirst = l.entries[0].Cursor.Seq
	}
	if !l.trimmed || afterSeq >= memFirst-1 {
		var out []Entry
		for _, e := range l.entries {
			if e.Cursor.Seq > afterSeq {
				out = append(out, e)
				if limit > 0 && len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}
	if l.repo == nil {
		return nil, fmt.Errorf("cursor %d evicted from memory and no store configured", afterSeq)
	}
	recs, err := l.repo.After(ctx, l.agentID, l.epoch, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

func (l *Log) tailLocked(ctx context.Context, limit int) ([]Entry, error) {
	if !l.trimmed || limit <= len(l.entries) {
		start := len(l.entries) - limit
		if start < 0 {
			start = 0
		}
		out := make([]Entry, len(l.entries)-start)
		copy(out, l.entries[start:])
		return out, nil
	}
	recs, err := l.repo.Tail(ctx, l.agentID, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords(recs)
}

func decodeRecords(recs []*store.TimelineItemRecord) ([]Entry, error) {
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		item := &protocol.TimelineItem{}
		if err := json.Unmarshal(rec.Payload, item); err != nil {
			return nil, fmt.Errorf("decoding timeline item (%s %d:%d): %w",
				rec.AgentID, rec.Epoch, rec.Seq, err)
		}
		out = append(out, Entry{
			Cursor: protocol.Cursor{Epoch: rec.Epoch, Seq: rec.Seq},
			Item:   item,
			At:     rec.CreatedAt,
		})
	}
	return out, nil
}

// project applies the requested projection. Projected collapses each
// tool call's updates into the latest state at the call's first
// position; raw passes everything through.
func project(entries []Entry, p Projection) []Event {
	if p == ProjectionRaw {
		out := make([]Event, len(entries))
		for i, e := range entries {
			out[i] = Event{Entry: e}
		}
		return out
	}

	latest := make(map[string]*protocol.TimelineItem)
	for _, e := range entries {
		if e.Item != nil && e.Item.Type == protocol.ItemToolCall && e.Item.ToolCall != nil {
			latest[e.Item.ToolCall.CallID] = e.Item
		}
	}

	out := make([]Event, 0, len(entries))
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Item != nil && e.Item.Type == protocol.ItemToolCall && e.Item.ToolCall != nil {
			id := e.Item.ToolCall.CallID
			if seen[id] {
				continue
			}
			seen[id] = true
			e.Item = latest[id]
		}
		out = append(out, Event{Entry: e})
	}
	return out
}
