package orchestratornode

import (
	"context"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

// ReturnProcessing validates the product and the return policy, then either
// explains why no return can be started or asks to run update_return.
func (h *Handlers) ReturnProcessing(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	res, err := h.deps.Resolver.Resolve(ctx, st)
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	if !res.Resolved() {
		return h.clarify(st, res), nil
	}
	rec := *res.Record

	if st.LastRejectedOrderID != "" && st.LastRejectedOrderID == rec.OrderID {
		st.LastRejectedOrderID = ""
		evidence := fmt.Sprintf("The user declined starting a return for %s. Their feedback is the latest message. No return was started.",
			describeOrder(rec))
		return h.respond(ctx, st, NodeReturnProcessing, h.deps.Prompts.ReturnProcessing, evidence)
	}

	out, err := h.runTool(ctx, st, toolx.ToolReturnWindowValidation, map[string]any{"order_id": rec.OrderID})
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	window, ok := out.Result.(toolx.ReturnWindowOutput)
	if !ok {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: unexpected return window result %T", contractx.ErrValidation, out.Result)
	}

	var evidence string
	switch window.Verdict {
	case toolx.VerdictEligible:
		return contractx.InvokeTool(toolx.ToolUpdateReturn, map[string]any{
			"order_id":     rec.OrderID,
			"product_name": rec.ProductName,
		}), nil
	case toolx.VerdictExistingReturn:
		evidence = fmt.Sprintf("A return already exists for %s. Explain its current state; do not start another one.", describeOrder(rec))
	case toolx.VerdictNotDelivered:
		evidence = fmt.Sprintf("%s has not been delivered yet, so it cannot be returned.", describeOrder(rec))
	case toolx.VerdictWindowExpired:
		evidence = fmt.Sprintf("The return window for %s closed on %s, so it can no longer be returned.",
			describeOrder(rec), window.Deadline.Format(time.DateOnly))
	default:
		return contractx.RoutingDecision{}, fmt.Errorf("%w: unknown return verdict %q", contractx.ErrValidation, window.Verdict)
	}
	return h.respond(ctx, st, NodeReturnProcessing, h.deps.Prompts.ReturnProcessing, evidence)
}
