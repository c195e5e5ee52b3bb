package hub

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/files"
	"github.com/paseo-sh/paseo/internal/timeline"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// fields carries the type-specific payload of an RPC response, flattened
// next to the response envelope.
type fields map[string]interface{}

// handleEnvelope dispatches one parsed JSON frame. RPC messages receive
// exactly one <type>_response carrying the request id; a failing message
// without a request id is answered with a bare error frame.
func (c *Client) handleEnvelope(ctx context.Context, env *protocol.Envelope) {
	c.log.Debug("received message",
		zap.String("type", env.Type),
		zap.String("request_id", env.RequestID))

	if env.Type == protocol.TypeHeartbeat {
		c.handleHeartbeat(ctx, env)
		return
	}

	result, err := c.dispatch(ctx, env)
	c.respond(env, result, err)
}

func (c *Client) respond(env *protocol.Envelope, result fields, err error) {
	if env.RequestID == "" {
		if err != nil {
			c.sendJSON("", map[string]interface{}{
				"type":    protocol.TypeError,
				"message": err.Error(),
			})
		}
		return
	}

	msg := map[string]interface{}{
		"type":      protocol.ResponseType(env.Type),
		"requestId": env.RequestID,
	}
	if err != nil {
		msg["error"] = err.Error()
		msg["errorKind"] = string(apperr.KindOrDefault(err, apperr.ProviderFailure))
	} else {
		for k, v := range result {
			msg[k] = v
		}
	}
	c.sendJSON("", msg)
}

func decodeParams(env *protocol.Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return apperr.Validationf("malformed %s: %v", env.Type, err)
	}
	return nil
}

// dispatch routes one RPC message to its service call. Subscription
// messages return the initial state embedded in the response.
func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) (fields, error) {
	switch env.Type {

	case protocol.TypeRegisterPushToken:
		return c.handleRegisterPushToken(ctx, env)

	case protocol.TypeCreateAgent:
		var params protocol.CreateAgent
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		a, err := c.hub.agents.Create(ctx, params)
		if err != nil {
			return nil, err
		}
		return fields{"agent": a}, nil

	case protocol.TypeSendMessage:
		var params protocol.SendMessage
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.SendMessage(ctx, params.AgentID, params.Text, params.Images)

	case protocol.TypeCancelTurn:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.CancelTurn(ctx, params.AgentID)

	case protocol.TypeRespondToPermission:
		var params protocol.RespondToPermission
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.RespondToPermission(ctx, params.AgentID, params.RequestID, params.Decision)

	case protocol.TypeArchiveAgent:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.Archive(ctx, params.AgentID)

	case protocol.TypeUpdateAgent:
		var params protocol.UpdateAgent
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		a, err := c.hub.agents.Update(ctx, params)
		if err != nil {
			return nil, err
		}
		return fields{"agent": a}, nil

	case protocol.TypeDeleteAgent:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.Delete(ctx, params.AgentID)

	case protocol.TypeFetchAgents:
		var params protocol.FetchAgents
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return fields{"agents": c.hub.agents.List(params.IncludeArchived)}, nil

	case protocol.TypeFetchAgent:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		a, err := c.hub.agents.Get(params.AgentID)
		if err != nil {
			return nil, err
		}
		return fields{"agent": a}, nil

	case protocol.TypeFetchAgentTimeline:
		return c.handleFetchTimeline(ctx, env)

	case protocol.TypeEnsureAgentInitialized:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.EnsureInitialized(ctx, params.AgentID)

	case protocol.TypeRefreshAgent:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.Refresh(ctx, params.AgentID)

	case protocol.TypeSetMode:
		var params protocol.SetMode
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.agents.SetMode(ctx, params.AgentID, params.ModeID)

	case protocol.TypeListProviderModels:
		var params protocol.ListProviderModels
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		if params.AgentID == "" {
			return nil, apperr.Validationf("agentId is required")
		}
		models, err := c.hub.agents.Models(ctx, params.AgentID)
		if err != nil {
			return nil, err
		}
		return fields{"models": models}, nil

	case protocol.TypeListCommands:
		var params protocol.AgentRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		commands, err := c.hub.agents.Commands(ctx, params.AgentID)
		if err != nil {
			return nil, err
		}
		return fields{"commands": commands}, nil

	case protocol.TypeSubscribeAgent:
		return c.subscribeAgent(ctx, env)
	case protocol.TypeUnsubscribeAgent,
		protocol.TypeUnsubscribeAgentDirectory,
		protocol.TypeUnsubscribeCheckoutDiff,
		protocol.TypeUnsubscribeTerminal:
		var params protocol.SubscriptionRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.removeSubscription(params.SubscriptionID)
	case protocol.TypeSubscribeAgentDirectory:
		return c.subscribeAgentDirectory(ctx, env)
	case protocol.TypeSubscribeCheckoutDiff:
		return c.subscribeCheckoutDiff(ctx, env)
	case protocol.TypeSubscribeTerminal:
		return c.subscribeTerminal(ctx, env)

	case protocol.TypeExploreFilesystem:
		var params protocol.ExploreFilesystem
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		entries, err := files.Explore(params.Path)
		if err != nil {
			return nil, err
		}
		return fields{"entries": entries}, nil

	case protocol.TypeRequestDownloadToken:
		var params protocol.RequestDownloadToken
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		token, err := c.hub.downloads.Issue(params.Path)
		if err != nil {
			return nil, err
		}
		return fields{"token": token}, nil

	case protocol.TypeGetHighlightedDiff:
		var params protocol.GetHighlightedDiff
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		lines, err := files.HighlightedDiff(ctx, params.Cwd, params.Path, params.Mode)
		if err != nil {
			return nil, err
		}
		return fields{"path": params.Path, "lines": lines}, nil

	case protocol.TypeCheckoutStatus:
		var params protocol.CheckoutRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		status, err := c.hub.checkouts.Status(ctx, params.Cwd)
		if err != nil {
			return nil, err
		}
		return fields{"status": status}, nil

	case protocol.TypeCheckoutPRStatus:
		var params protocol.CheckoutRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		pr, err := c.hub.checkouts.PRStatus(ctx, params.Cwd)
		if err != nil {
			return nil, err
		}
		return fields{"pr": pr}, nil

	case protocol.TypeListTerminals:
		var params protocol.CheckoutRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		terminals, err := c.hub.terminals.List(params.Cwd)
		if err != nil {
			return nil, err
		}
		return fields{"terminals": terminals}, nil

	case protocol.TypeCreateTerminal:
		var params protocol.CreateTerminal
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		info, err := c.hub.terminals.Create(params.Cwd, params.Name, params.Cols, params.Rows)
		if err != nil {
			return nil, err
		}
		return fields{"terminal": info}, nil

	case protocol.TypeSendTerminalInput:
		var params protocol.SendTerminalInput
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.terminals.Input(params.TerminalID, params.InputType, params.Data, params.Cols, params.Rows, params.Signal)

	case protocol.TypeKillTerminal:
		var params protocol.TerminalRef
		if err := decodeParams(env, &params); err != nil {
			return nil, err
		}
		return nil, c.hub.terminals.Kill(params.TerminalID)

	default:
		return nil, apperr.Validationf("unknown message type %q", env.Type)
	}
}

// handleHeartbeat acknowledges the heartbeat and refreshes presence: the
// focused agent is marked observed so push notifications stay quiet for
// content the user is already looking at.
func (c *Client) handleHeartbeat(ctx context.Context, env *protocol.Envelope) {
	var params protocol.Heartbeat
	if err := decodeParams(env, &params); err != nil {
		c.respond(env, nil, err)
		return
	}

	c.mu.Lock()
	c.device = params
	c.mu.Unlock()

	if params.FocusedAgentID != "" && params.AppVisible {
		if a, err := c.hub.agents.Lookup(params.FocusedAgentID); err == nil {
			a.MarkObserved()
		}
	}

	ack := map[string]interface{}{
		"type":       protocol.TypeHeartbeatAck,
		"serverTime": time.Now().UTC(),
	}
	if env.RequestID != "" {
		ack["requestId"] = env.RequestID
	}
	c.sendJSON("", ack)
}

func (c *Client) handleRegisterPushToken(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.RegisterPushToken
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	if params.Token == "" {
		return nil, apperr.Validationf("token is required")
	}
	if c.hub.store == nil {
		return nil, apperr.New(apperr.HostFatal, "push token store unavailable")
	}
	c.mu.Lock()
	deviceName := c.device.DeviceType
	c.mu.Unlock()
	if err := c.hub.store.PushTokens().Register(ctx, params.Token, params.Platform, deviceName); err != nil {
		return nil, apperr.Wrap(apperr.HostFatal, err, "persisting push token")
	}
	return nil, nil
}

func (c *Client) handleFetchTimeline(ctx context.Context, env *protocol.Envelope) (fields, error) {
	var params protocol.FetchAgentTimeline
	if err := decodeParams(env, &params); err != nil {
		return nil, err
	}
	a, err := c.hub.agents.Lookup(params.AgentID)
	if err != nil {
		return nil, err
	}

	query := timeline.Query{
		Direction:  timeline.Direction(params.Direction),
		Cursor:     params.Cursor,
		Limit:      params.Limit,
		Projection: timeline.Projection(params.Projection),
	}
	if query.Projection == "" {
		query.Projection = timeline.ProjectionProjected
	}
	evs, err := a.Timeline().Read(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "reading timeline")
	}
	return fields{
		"agentId": params.AgentID,
		"entries": toTimelineEntries(evs),
		"cursor":  a.Timeline().Cursor(),
	}, nil
}

func toTimelineEntries(evs []timeline.Event) []protocol.TimelineEntry {
	out := make([]protocol.TimelineEntry, 0, len(evs))
	for _, ev := range evs {
		out = append(out, protocol.TimelineEntry{
			Cursor:      ev.Entry.Cursor,
			Item:        ev.Entry.Item,
			EpochBumped: ev.EpochBumped,
		})
	}
	return out
}
