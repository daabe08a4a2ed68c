package specialist

import (
	"context"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

type intentClassifier struct {
	runner compose.Runnable[map[string]any, *schema.Message]
	opts   []compose.Option
}

func newIntentClassifier(ctx context.Context, chatModel einomodel.ToolCallingChatModel, systemPrompt string, opts ...compose.Option) (*intentClassifier, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, fmt.Errorf("%w: intent prompt", contractx.ErrPromptMissing)
	}
	routed, err := chatModel.WithTools(toolx.RouteInfos())
	if err != nil {
		return nil, fmt.Errorf("%w: bind routing tools: %v", contractx.ErrModelInvoke, err)
	}
	runner, err := compileIntentGraph(ctx, routed, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: compile intent graph: %v", contractx.ErrModelInvoke, err)
	}
	return &intentClassifier{runner: runner, opts: opts}, nil
}

func (c *intentClassifier) Classify(ctx context.Context, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
	history := conversationTurns(req.Messages, maxIntentTurns)
	if len(history) == 0 {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: conversation is empty", contractx.ErrValidation)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	msg, err := c.runner.Invoke(ctx, map[string]any{
		"history":        history,
		"previous_route": orNone(req.PreviousRoute),
		"active_product": orNone(req.ActiveProduct),
		"today":          now.Format(time.DateOnly),
	}, c.opts...)
	if err != nil {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: intent invoke: %v", contractx.ErrModelInvoke, err)
	}
	return decisionFromMessage(msg)
}

// decisionFromMessage maps the first routing tool call to a decision. A plain
// text answer without a tool call is passed through as a direct reply.
func decisionFromMessage(msg *schema.Message) (contractx.RoutingDecision, error) {
	if msg == nil {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: empty intent response", contractx.ErrMalformedOutput)
	}
	for _, call := range msg.ToolCalls {
		kind, ok := toolx.RouteKindForTool(call.Function.Name)
		if !ok {
			return contractx.RoutingDecision{}, fmt.Errorf("%w: unknown routing tool %q", contractx.ErrMalformedOutput, call.Function.Name)
		}
		return contractx.RoutingDecision{Kind: kind}, nil
	}
	if text := strings.TrimSpace(msg.Content); text != "" {
		return contractx.Respond(text), nil
	}
	return contractx.RoutingDecision{}, fmt.Errorf("%w: intent response has no tool call", contractx.ErrMalformedOutput)
}
