package orchestratornode

import (
	"context"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// FetchPurchaseHistory loads the caller's orders once per conversation, or
// again when a refresh was requested. It has a single static successor, so
// the returned decision carries nothing.
func (h *Handlers) FetchPurchaseHistory(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	if !st.HistoryLoadedAt.IsZero() && !st.RefreshRequested {
		return contractx.RoutingDecision{}, nil
	}

	records, err := h.deps.Purchases.ListPurchases(ctx, st.UserID)
	if err != nil {
		return contractx.RoutingDecision{}, storeError(err, "list purchases user="+st.UserID)
	}

	st.PurchaseHistory = records
	st.HistoryLoadedAt = h.now()
	st.RefreshRequested = false
	return contractx.RoutingDecision{}, nil
}
