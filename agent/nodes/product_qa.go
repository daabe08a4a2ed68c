package orchestratornode

import (
	"context"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

// ProductQA answers from product documentation. It does not check ownership
// and never asks for clarification; a recognised product only scopes the search.
func (h *Handlers) ProductQA(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	product, err := h.deps.Resolver.Scope(ctx, st)
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	query := st.LatestUserMessage()
	if product != "" {
		query = product + ": " + query
	}

	out, err := h.runTool(ctx, st, toolx.ToolUnstructuredRAG, map[string]any{"query": query})
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	return h.respond(ctx, st, NodeProductQA, h.deps.Prompts.ProductQA, renderToolResult(out))
}
