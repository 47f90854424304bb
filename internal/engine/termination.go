package engine

import (
	"context"
	"time"

	"github.com/kuuji/callwire/internal/callfsm"
	"github.com/kuuji/callwire/internal/metrics"
	"github.com/kuuji/callwire/pkg/callproto"
)

// EndCall implements the local-end half of the Termination Coordinator
// (§4.J): if already terminal or no call is active, it is a no-op;
// otherwise it writes the terminal row update (tolerantly — failures still
// proceed to local cleanup) and transitions to ended.
func (e *Engine) EndCall(ctx context.Context) error {
	e.mu.Lock()
	cs := e.call
	e.mu.Unlock()
	if cs == nil {
		return nil
	}
	if cs.fsm.Current() == callfsm.StateEnded {
		return nil
	}

	now := time.Now()
	patch := callproto.Patch{
		Status:  statusPtr(callproto.StatusEnded),
		EndedAt: &now,
		EndedBy: rolePtr(e.myRole.Role),
	}
	if err := e.deps.Gateway.Update(ctx, cs.id, patch); err != nil {
		e.log.Warn("writing terminal row update", "error", err, "call_id", cs.id)
	}

	cs.mu.Lock()
	cs.reason = metrics.ReasonCompleted
	cs.mu.Unlock()

	cs.fsm.Fire(ctx, callfsm.EventEndCall, "user ended call")
	return nil
}
