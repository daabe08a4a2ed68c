package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	nodex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/nodes"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

// compilePrepareTurnGraph builds the pipeline that validates an inbound turn
// and loads the thread's latest checkpoint.
func (o *Orchestrator) compilePrepareTurnGraph(
	ctx context.Context,
) (compose.Runnable[nodex.TurnInput, *nodex.TurnState], error) {
	graph := compose.NewGraph[nodex.TurnInput, *nodex.TurnState]()

	if err := graph.AddLambdaNode("validate_request",
		compose.InvokableLambda(func(ctx context.Context, in nodex.TurnInput) (*nodex.TurnState, error) {
			return nodex.ValidateRequest(in, o.now)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_request: %w", err)
	}

	if err := graph.AddLambdaNode("load_or_create_state",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.TurnState) (*nodex.TurnState, error) {
			return nodex.LoadOrCreateState(ctx, in, o.checkpoints)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_or_create_state: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_request"},
		{"validate_request", "load_or_create_state"},
		{"load_or_create_state", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.prepare_turn"))
	if err != nil {
		return nil, fmt.Errorf("compile prepare turn graph: %w", err)
	}
	return runner, nil
}

// nodeSpec is one entry of the dispatch table. failureText replaces the
// generic fallback when the node fails.
type nodeSpec struct {
	run         nodex.Func
	failureText string
}

const executeReturnFailureText = "I couldn't start the return just now. Reply \"y\" to try again, or tell me if you changed your mind."

func buildDispatch(h *nodex.Handlers) map[string]nodeSpec {
	return map[string]nodeSpec{
		nodex.NodeFetchPurchaseHistory: {run: h.FetchPurchaseHistory},
		nodex.NodeClassifyIntent:       {run: h.ClassifyIntent},
		nodex.NodeOrderStatus:          {run: h.OrderStatus, failureText: nodex.OrderStatusFailureText},
		nodex.NodeReturnProcessing:     {run: h.ReturnProcessing},
		nodex.NodeProductQA:            {run: h.ProductQA},
		nodex.NodeSmallTalk:            {run: h.SmallTalk},
		nodex.NodeExecuteReturn:        {run: h.ExecuteReturn, failureText: executeReturnFailureText},
	}
}

// transition is the driver's next move. Exactly one of next, outcome and
// suspend is set.
type transition struct {
	next    string
	outcome contractx.OutcomeKind
	suspend bool
}

// route computes the transition for the decision a node emitted. It is the
// only place where control flow between nodes is defined.
func route(node string, d contractx.RoutingDecision) (transition, error) {
	if node == nodex.NodeFetchPurchaseHistory {
		return transition{next: nodex.NodeClassifyIntent}, nil
	}
	if err := d.Validate(); err != nil {
		return transition{}, err
	}

	if d.IsHandoff() {
		if node != nodex.NodeClassifyIntent {
			return transition{}, fmt.Errorf("%w: %s cannot hand off to %s", contractx.ErrValidation, node, d.Kind)
		}
		return transition{next: handlerFor(d.Kind)}, nil
	}

	switch d.Kind {
	case contractx.RouteAskClarification:
		return transition{outcome: contractx.OutcomeClarification}, nil
	case contractx.RouteRespond:
		return transition{outcome: contractx.OutcomeResponse}, nil
	case contractx.RouteInvokeTool:
		if !toolx.IsSensitive(d.Tool.Name) || node != nodex.NodeReturnProcessing {
			return transition{}, fmt.Errorf("%w: %s cannot invoke %s", contractx.ErrValidation, node, d.Tool.Name)
		}
		if orderID, _ := d.Tool.Args["order_id"].(string); strings.TrimSpace(orderID) == "" {
			return transition{}, fmt.Errorf("%w: %s requires order_id", contractx.ErrValidation, d.Tool.Name)
		}
		return transition{suspend: true}, nil
	default:
		return transition{}, fmt.Errorf("%w: %q", contractx.ErrUnknownRoute, d.Kind)
	}
}

func handlerFor(kind contractx.RouteKind) string {
	switch kind {
	case contractx.RouteOrderStatus:
		return nodex.NodeOrderStatus
	case contractx.RouteReturnProcessing:
		return nodex.NodeReturnProcessing
	case contractx.RouteProductQA:
		return nodex.NodeProductQA
	default:
		return nodex.NodeSmallTalk
	}
}
