package timeline

import (
	"context"

	"github.com/paseo-sh/paseo/pkg/protocol"
)

// subscriptionBuffer is the per-subscriber channel depth. A reader that
// falls this far behind is closed rather than blocking the producer.
const subscriptionBuffer = 256

// Subscription is a live feed of log events. Events arrive in append
// order; a lagging subscriber is closed (Events is closed) and must
// resubscribe with its last cursor.
type Subscription struct {
	id     int64
	log    *Log
	events chan Event
	closed bool
}

// Subscribe registers a live reader. When fromCursor is set, items after
// the cursor are replayed into the feed first; the replay and the switch
// to live delivery are atomic, so no item is missed or duplicated.
func (l *Log) Subscribe(ctx context.Context, fromCursor *protocol.Cursor) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var replay []Event
	if fromCursor != nil {
		if fromCursor.Epoch != l.epoch {
			replay = append(replay, Event{
				Entry:       Entry{Cursor: protocol.Cursor{Epoch: l.epoch, Seq: 0}},
				EpochBumped: true,
			})
			for _, e := range l.entries {
				replay = append(replay, Event{Entry: e})
			}
		} else {
			entries, err := l.afterLocked(ctx, fromCursor.Seq, 0)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				replay = append(replay, Event{Entry: e})
			}
		}
	}

	sub := &Subscription{
		id:     l.nextSub,
		log:    l,
		events: make(chan Event, subscriptionBuffer+len(replay)),
	}
	l.nextSub++
	for _, ev := range replay {
		sub.events <- ev
	}
	l.subs[sub.id] = sub
	return sub, nil
}

// Events returns the delivery channel. It is closed when the
// subscription is torn down or the subscriber lags too far behind.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.log.subs, s.id)
	close(s.events)
}

// deliver is called with the log lock held.
func (s *Subscription) deliver(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Subscriber stopped draining; cut it loose so the producer
		// never blocks.
		s.closeLocked()
	}
}
