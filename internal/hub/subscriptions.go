package hub

import (
	"context"
	"encoding/json"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/internal/terminal"
	"github.com/paseo-sh/paseo/internal/timeline"
	"github.com/paseo-sh/paseo/pkg/multiplex"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// subscription is one live topic binding on a client. teardown funcs run
// exactly once, in order, when the subscription is replaced, explicitly
// removed, or the client disconnects.
type subscription struct {
	id       string
	teardown []func()
}

func (s *subscription) close() {
	for _, fn := range s.teardown {
		fn()
	}
	s.teardown = nil
}

// addSubscription installs sub under its id. Reusing a subscriptionId on
// the same connection replaces the previous binding.
func (c *Client) addSubscription(sub *subscription) {
	c.mu.Lock()
	prev := c.subs[sub.id]
	c.subs[sub.id] = sub
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

func (c *Client) removeSubscription(id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("unknown subscription %q", id)
	}
	sub.close()
	return nil
}

// teardownAll releases every subscription the client holds. Called once
// on disconnect.
func (c *Client) teardownAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.streams = make(map[uint32]*terminal.Session)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// decodeField extracts one event data field into dst. The in-memory bus
// delivers the publisher's Go value; NATS delivers decoded JSON maps. A
// marshal round trip covers both without caring which bus is wired.
func decodeField(data map[string]interface{}, key string, dst interface{}) bool {
	v, ok := data[key]
	if !ok || v == nil {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// subscribeAgent opens an agent_stream subscription: replayed timeline
// entries from the cursor in the response, then live stream and state
// events until unsubscribed.
func (c *Client) subscribeAgent(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.SubscribeAgent
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	if params.SubscriptionID == "" {
		return nil, apperr.Validationf("subscriptionId is required")
	}
	a, err := c.hub.agents.Lookup(params.AgentID)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.hub.agents.Get(params.AgentID)
	if err != nil {
		return nil, err
	}
	a.MarkObserved()

	var replay []protocol.TimelineEntry
	if params.FromCursor != nil {
		evs, err := a.Timeline().Read(ctx, timeline.Query{
			Direction:  timeline.DirectionAfter,
			Cursor:     params.FromCursor,
			Projection: timeline.ProjectionProjected,
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "replaying timeline")
		}
		replay = toTimelineEntries(evs)
	}

	subID, agentID := params.SubscriptionID, params.AgentID
	streamSub, err := c.hub.bus.Subscribe(events.BuildAgentStreamSubject(agentID), func(ctx context.Context, ev *bus.Event) error {
		var stream protocol.AgentStreamEvent
		if !decodeField(ev.Data, "event", &stream) {
			return nil
		}
		stream.SubscriptionID = subID
		c.sendJSON("", &stream)
		return nil
	})
	if err != nil {
		return nil, err
	}
	stateSub, err := c.hub.bus.Subscribe(events.BuildAgentStateSubject(agentID), func(ctx context.Context, ev *bus.Event) error {
		var snap protocol.Agent
		if !decodeField(ev.Data, "agent", &snap) {
			return nil
		}
		c.sendJSON("agent_state:"+subID, &protocol.AgentStateEvent{
			Type:  protocol.TypeAgentState,
			Agent: &snap,
		})
		return nil
	})
	if err != nil {
		streamSub.Unsubscribe()
		return nil, err
	}

	c.addSubscription(&subscription{
		id: subID,
		teardown: []func(){
			func() { streamSub.Unsubscribe() },
			func() { stateSub.Unsubscribe() },
		},
	})
	return fields{"agent": snapshot, "entries": replay}, nil
}

// subscribeAgentDirectory pushes the current membership snapshot on every
// directory change. The initial snapshot rides in the response.
func (c *Client) subscribeAgentDirectory(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.SubscribeAgentDirectory
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	if params.SubscriptionID == "" {
		return nil, apperr.Validationf("subscriptionId is required")
	}

	subID := params.SubscriptionID
	handler := func(ctx context.Context, ev *bus.Event) error {
		c.sendJSON("directory:"+subID, &protocol.AgentDirectoryUpdate{
			Type:           protocol.TypeAgentDirectoryUpdate,
			SubscriptionID: subID,
			Agents:         c.hub.agents.Directory(),
		})
		return nil
	}

	sub := &subscription{id: subID}
	for _, eventType := range []string{events.AgentCreated, events.AgentUpdated, events.AgentArchived, events.AgentDeleted} {
		busSub, err := c.hub.bus.Subscribe(eventType, handler)
		if err != nil {
			sub.close()
			return nil, err
		}
		sub.teardown = append(sub.teardown, func() { busSub.Unsubscribe() })
	}
	c.addSubscription(sub)

	return fields{"agents": c.hub.agents.Directory()}, nil
}

// subscribeCheckoutDiff binds the client to a checkout watcher, creating
// one when this is the first subscriber for (cwd, mode).
func (c *Client) subscribeCheckoutDiff(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.SubscribeCheckoutDiff
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	if params.SubscriptionID == "" {
		return nil, apperr.Validationf("subscriptionId is required")
	}

	watchID, initial, err := c.hub.checkouts.Subscribe(ctx, params.Cwd, params.Mode)
	if err != nil {
		return nil, err
	}

	subID, cwd, mode := params.SubscriptionID, params.Cwd, params.Mode
	busSub, err := c.hub.bus.Subscribe(events.BuildCheckoutDiffSubject(watchID), func(ctx context.Context, ev *bus.Event) error {
		var diffs []protocol.FileDiff
		if !decodeField(ev.Data, "files", &diffs) {
			return nil
		}
		c.sendJSON("checkout:"+subID, &protocol.CheckoutDiffUpdate{
			Type:           protocol.TypeCheckoutDiffUpdate,
			SubscriptionID: subID,
			Cwd:            cwd,
			Mode:           mode,
			Files:          diffs,
		})
		return nil
	})
	if err != nil {
		c.hub.checkouts.Unsubscribe(watchID)
		return nil, err
	}

	c.addSubscription(&subscription{
		id: subID,
		teardown: []func(){
			func() { busSub.Unsubscribe() },
			func() { c.hub.checkouts.Unsubscribe(watchID) },
		},
	})
	return fields{"cwd": cwd, "mode": mode, "files": initial}, nil
}

// subscribeTerminal attaches the client to a terminal session. The
// current screen snapshot rides in the response; live snapshots arrive
// as terminal_state pushes and raw output as multiplex frames keyed by
// the session's stream id.
func (c *Client) subscribeTerminal(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.SubscribeTerminal
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	if params.SubscriptionID == "" {
		return nil, apperr.Validationf("subscriptionId is required")
	}
	sess, err := c.hub.terminals.Get(params.TerminalID)
	if err != nil {
		return nil, err
	}

	sess.Attach()
	if params.Cols > 0 && params.Rows > 0 {
		sess.ApplyViewportHint(params.Cols, params.Rows)
	}
	streamID := sess.StreamID()
	c.mu.Lock()
	c.streams[streamID] = sess
	c.mu.Unlock()

	subID := params.SubscriptionID
	stateSub, err := c.hub.bus.Subscribe(events.BuildTerminalStateSubject(sess.ID()), func(ctx context.Context, ev *bus.Event) error {
		var state protocol.TerminalState
		if !decodeField(ev.Data, "state", &state) {
			return nil
		}
		c.sendJSON("terminal:"+subID, &protocol.TerminalStateEvent{
			Type:           protocol.TypeTerminalState,
			SubscriptionID: subID,
			State:          &state,
		})
		return nil
	})
	if err != nil {
		c.detachTerminal(sess)
		return nil, err
	}
	outputSub, err := c.hub.bus.Subscribe(events.BuildTerminalOutputSubject(sess.ID()), func(ctx context.Context, ev *bus.Event) error {
		chunk, offset, ok := decodeTerminalOutput(ev.Data)
		if !ok {
			return nil
		}
		c.sendBinary(multiplex.Encode(&multiplex.Frame{
			Channel:     multiplex.ChannelTerminal,
			MessageType: multiplex.TerminalOutputUtf8,
			StreamID:    streamID,
			Offset:      offset,
			Payload:     chunk,
		}), true)
		return nil
	})
	if err != nil {
		stateSub.Unsubscribe()
		c.detachTerminal(sess)
		return nil, err
	}

	c.addSubscription(&subscription{
		id: subID,
		teardown: []func(){
			func() { stateSub.Unsubscribe() },
			func() { outputSub.Unsubscribe() },
			func() { c.detachTerminal(sess) },
		},
	})
	return fields{"state": sess.Snapshot()}, nil
}

func (c *Client) detachTerminal(sess *terminal.Session) {
	c.mu.Lock()
	if c.streams[sess.StreamID()] == sess {
		delete(c.streams, sess.StreamID())
	}
	c.mu.Unlock()
	sess.Detach()
}

// decodeTerminalOutput handles both bus shapes for output chunks: the
// in-memory bus hands over []byte, NATS base64-encodes it.
func decodeTerminalOutput(data map[string]interface{}) ([]byte, uint64, bool) {
	var chunk []byte
	switch v := data["data"].(type) {
	case []byte:
		chunk = v
	case string:
		if !decodeField(data, "data", &chunk) {
			return nil, 0, false
		}
	default:
		return nil, 0, false
	}

	var offset uint64
	switch v := data["offset"].(type) {
	case uint64:
		offset = v
	case float64:
		offset = uint64(v)
	case int:
		offset = uint64(v)
	case int64:
		offset = uint64(v)
	}
	return chunk, offset, true
}
