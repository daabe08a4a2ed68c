package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

func (h *Handlers) ClassifyIntent(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	decision, err := h.deps.Classifier.Classify(ctx, contractx.IntentRequest{
		Messages:      st.Messages,
		PreviousRoute: st.Route,
		ActiveProduct: st.ActiveProduct,
		Now:           h.now(),
	})
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	if err := decision.Validate(); err != nil {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: %w", contractx.ErrMalformedOutput, err)
	}

	switch decision.Kind {
	case contractx.RouteOrderStatus:
		st.ChangeRoute(NodeOrderStatus)
	case contractx.RouteReturnProcessing:
		st.ChangeRoute(NodeReturnProcessing)
	case contractx.RouteProductQA:
		st.ChangeRoute(NodeProductQA)
	case contractx.RouteOtherTalk:
		st.ChangeRoute(NodeSmallTalk)
	case contractx.RouteRespond:
	case contractx.RouteAskClarification, contractx.RouteInvokeTool:
		return contractx.RoutingDecision{}, fmt.Errorf("%w: classifier cannot emit %s", contractx.ErrMalformedOutput, decision.Kind)
	default:
		return contractx.RoutingDecision{}, fmt.Errorf("%w: %q", contractx.ErrUnknownRoute, decision.Kind)
	}
	return decision, nil
}
