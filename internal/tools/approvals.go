package tools

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roost/internal/bus"
)

// PendingApproval is a gated action waiting for external resolution.
type PendingApproval struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Approvals is the in-memory approval queue, mutated only on request and
// resolve.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]PendingApproval
	bus     *bus.Bus
}

func NewApprovals(b *bus.Bus) *Approvals {
	return &Approvals{
		pending: make(map[string]PendingApproval),
		bus:     b,
	}
}

// Request queues an action for approval and returns its 8-char handle.
func (a *Approvals) Request(agentID, description string, data map[string]any) string {
	id := uuid.NewString()[:8]
	req := PendingApproval{
		ID:          id,
		AgentID:     agentID,
		Description: description,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}

	a.mu.Lock()
	a.pending[id] = req
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Emit(bus.EventApprovalRequested, map[string]any{
			"approval_id": id,
			"agent_id":    agentID,
			"description": description,
		})
	}
	return id
}

// Resolve removes a pending approval and reports the decision.
func (a *Approvals) Resolve(id string, approved bool) (PendingApproval, error) {
	a.mu.Lock()
	req, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		return PendingApproval{}, fmt.Errorf("approval %s not found", id)
	}

	if a.bus != nil {
		a.bus.Emit(bus.EventApprovalResolved, map[string]any{
			"approval_id": id,
			"agent_id":    req.AgentID,
			"approved":    approved,
		})
	}
	return req, nil
}

// Pending lists unresolved approvals, oldest first.
func (a *Approvals) Pending() []PendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingApproval, 0, len(a.pending))
	for _, req := range a.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
