// Package permission parks provider permission callbacks until a client
// decides, with FIFO bookkeeping per agent and an auto-deny timeout.
package permission

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// DefaultTimeout is how long a request may stay unresolved before the
// broker denies it on the client's behalf.
const DefaultTimeout = 5 * time.Minute

// tombstoneLimit bounds how many settled request ids are remembered for
// idempotency errors.
const tombstoneLimit = 256

// Outcome is a decision plus how it came about.
type Outcome struct {
	Decision protocol.PermissionDecision
	// TimedOut marks a broker auto-deny; the turn fails rather than
	// continuing.
	TimedOut bool
}

// Ticket is one parked permission request. The opener waits on
// Outcome(); the channel fires exactly once.
type Ticket struct {
	Request protocol.PermissionRequest
	outcome chan Outcome
}

// Outcome returns the resolution channel.
func (t *Ticket) Outcome() <-chan Outcome { return t.outcome }

type settled string

const (
	settledResolved settled = "resolved"
	settledCanceled settled = "canceled"
)

type pending struct {
	ticket *Ticket
	timer  *time.Timer
}

// Broker is the single mutator of the pending-permission table.
type Broker struct {
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	// order holds request ids per agent in arrival order.
	order map[string][]string
	// tombstones remembers settled ids so duplicate decisions get a
	// precise error.
	tombstones map[string]settled
	tombOrder  []string
}

// NewBroker builds a broker. A zero timeout falls back to
// DefaultTimeout.
func NewBroker(timeout time.Duration, log *logger.Logger) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		log:        log.WithFields(zap.String("component", "permission-broker")),
		timeout:    timeout,
		pending:    make(map[string]*pending),
		order:      make(map[string][]string),
		tombstones: make(map[string]settled),
	}
}

// Open parks a new request and starts its timeout clock. The assigned
// broker-local id is in the returned ticket's Request.ID.
func (b *Broker) Open(req protocol.PermissionRequest) *Ticket {
	req.ID = uuid.New().String()
	req.CreatedAt = time.Now().UTC()

	t := &Ticket{Request: req, outcome: make(chan Outcome, 1)}
	p := &pending{ticket: t}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(req.AgentID, req.ID) })

	b.mu.Lock()
	b.pending[req.ID] = p
	b.order[req.AgentID] = append(b.order[req.AgentID], req.ID)
	b.mu.Unlock()

	b.log.Debug("permission request opened",
		zap.String("agent_id", req.AgentID),
		zap.String("request_id", req.ID),
		zap.String("name", req.Name))
	return t
}

// Resolve delivers a client decision. Duplicate decisions return
// request_already_resolved; decisions after a cancel return
// request_canceled; unknown ids return request_not_found.
func (b *Broker) Resolve(agentID, requestID string, decision protocol.PermissionDecision) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.ticket.Request.AgentID != agentID {
		state := b.tombstones[requestID]
		b.mu.Unlock()
		switch state {
		case settledResolved:
			return apperr.New(apperr.Validation, "request_already_resolved")
		case settledCanceled:
			return apperr.New(apperr.Validation, "request_canceled")
		default:
			return apperr.New(apperr.NotFound, "request_not_found")
		}
	}
	b.settleLocked(p, settledResolved)
	b.mu.Unlock()

	p.ticket.outcome <- Outcome{Decision: decision}
	b.log.Debug("permission request resolved",
		zap.String("agent_id", agentID),
		zap.String("request_id", requestID),
		zap.String("behavior", string(decision.Behavior)))
	return nil
}

// CancelAgent drops every pending request for the agent, without
// delivering outcomes; the caller is tearing the turn down. Late
// decisions for the dropped ids return request_canceled.
func (b *Broker) CancelAgent(agentID string) int {
	b.mu.Lock()
	ids := b.order[agentID]
	var dropped int
	for _, id := range ids {
		if p, ok := b.pending[id]; ok {
			b.settleLocked(p, settledCanceled)
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.Debug("pending permissions canceled",
			zap.String("agent_id", agentID), zap.Int("count", dropped))
	}
	return dropped
}

// Pending lists the agent's unresolved requests in arrival order.
func (b *Broker) Pending(agentID string) []protocol.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.PermissionRequest, 0, len(b.order[agentID]))
	for _, id := range b.order[agentID] {
		if p, ok := b.pending[id]; ok {
			out = append(out, p.ticket.Request)
		}
	}
	return out
}

// Get returns one pending request by id.
func (b *Broker) Get(agentID, requestID string) (protocol.PermissionRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok || p.ticket.Request.AgentID != agentID {
		return protocol.PermissionRequest{}, false
	}
	return p.ticket.Request, true
}

// expire auto-denies a request whose clock ran out.
func (b *Broker) expire(agentID, requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.settleLocked(p, settledResolved)
	b.mu.Unlock()

	b.log.Warn("permission request timed out, auto-denying",
		zap.String("agent_id", agentID),
		zap.String("request_id", requestID))
	p.ticket.outcome <- Outcome{
		Decision: protocol.PermissionDecision{
			Behavior: protocol.PermissionDeny,
			Message:  "timeout",
		},
		TimedOut: true,
	}
}

// settleLocked removes a request from the live table and tombstones its
// id. Callers hold b.mu.
func (b *Broker) settleLocked(p *pending, state settled) {
	id := p.ticket.Request.ID
	agentID := p.ticket.Request.AgentID
	p.timer.Stop()
	delete(b.pending, id)

	ids := b.order[agentID]
	for i, candidate := range ids {
		if candidate == id {
			b.order[agentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.order[agentID]) == 0 {
		delete(b.order, agentID)
	}

	b.tombstones[id] = state
	b.tombOrder = append(b.tombOrder, id)
	for len(b.tombOrder) > tombstoneLimit {
		delete(b.tombstones, b.tombOrder[0])
		b.tombOrder = b.tombOrder[1:]
	}
}
