package orchestratornode

import (
	"context"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

func (h *Handlers) SmallTalk(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error) {
	return h.respond(ctx, st, NodeSmallTalk, h.deps.Prompts.SmallTalk, "")
}
