package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// ExecuteReturn performs the approved update_return call. It is the only node
// that writes to the order store.
func (h *Handlers) ExecuteReturn(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	call := st.PendingSensitiveCall
	if call == nil || st.Approval != statex.ApprovalApproved {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: approval=%q", contractx.ErrNoPendingApproval, st.Approval)
	}

	changed, err := h.deps.Purchases.RequestReturn(ctx, st.UserID, call.OrderID)
	if err != nil {
		return contractx.RoutingDecision{}, storeError(err, "request return order="+call.OrderID)
	}

	now := h.now()
	var confirmation string
	if changed {
		confirmation = fmt.Sprintf("Your return for %s (order %s) has been started. We'll email you the return instructions shortly.",
			call.ProductName, call.OrderID)
	} else {
		confirmation = fmt.Sprintf("A return for %s (order %s) is already on file, so nothing else was changed.",
			call.ProductName, call.OrderID)
	}

	// The snapshot stays as loaded; the next turn reloads it from the store.
	st.RefreshRequested = true
	st.AppendToolExchange(call.ID, call.Tool, call.Args, confirmation)
	if err := st.MarkExecuted(confirmation, now); err != nil {
		return contractx.RoutingDecision{}, err
	}
	return contractx.Respond(confirmation), nil
}
