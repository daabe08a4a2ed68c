package orchestratornode

import (
	"context"
	"strings"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

// OrderStatusFailureText is returned when order data cannot be retrieved.
const OrderStatusFailureText = "Sorry, I couldn't retrieve order data right now. Please try again in a moment."

func (h *Handlers) OrderStatus(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	res, err := h.deps.Resolver.Resolve(ctx, st)
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	if !res.Resolved() {
		return h.clarify(st, res), nil
	}

	query := strings.TrimSpace(res.Record.ProductName + " " + st.LatestUserMessage())
	out, err := h.runTool(ctx, st, toolx.ToolStructuredRAG, map[string]any{"query": query})
	if err != nil {
		return contractx.RoutingDecision{}, err
	}

	evidence := describeOrder(*res.Record) + "\n" + renderToolResult(out)
	return h.respond(ctx, st, NodeOrderStatus, h.deps.Prompts.OrderStatus, evidence)
}
