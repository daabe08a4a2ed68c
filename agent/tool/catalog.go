package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// Routing tools bound to the intent classifier.
const (
	ToolToOrderStatus      = "ToOrderStatusAssistant"
	ToolToReturnProcessing = "ToReturnProcessingAssistant"
	ToolToProductQA        = "ToProductQAAssistant"
	ToolOtherTalk          = "OtherTalk"
)

// Task tools.
const (
	ToolStructuredRAG          = "structured_rag"
	ToolUnstructuredRAG        = "unstructured_rag"
	ToolReturnWindowValidation = "return_window_validation"
	// ToolUpdateReturn mutates the order store and always goes through approval.
	ToolUpdateReturn = "update_return"
)

// Result is the outcome of one read tool execution. A tool-level failure that
// the handler can explain to the user is reported in Error, not as an error return.
type Result struct {
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Executor runs read-only tools against the current conversation snapshot.
type Executor func(ctx context.Context, st *statex.ConversationState, tool string, args map[string]any) (Result, error)

type Deps struct {
	Structured       contractx.StructuredRetriever
	Unstructured     contractx.UnstructuredRetriever
	TopK             int
	ReturnWindowDays int
}

func NewExecutor(deps Deps) Executor {
	fallback := DefaultExecutor()
	return func(ctx context.Context, st *statex.ConversationState, tool string, args map[string]any) (Result, error) {
		switch tool {
		case ToolStructuredRAG:
			return executeStructuredRAG(ctx, deps, st, args)
		case ToolUnstructuredRAG:
			return executeUnstructuredRAG(ctx, deps, st, args)
		case ToolReturnWindowValidation:
			return executeReturnWindow(deps, st, args)
		default:
			return fallback(ctx, st, tool, args)
		}
	}
}

func DefaultExecutor() Executor {
	return func(_ context.Context, _ *statex.ConversationState, tool string, _ map[string]any) (Result, error) {
		return Result{
			Tool:  tool,
			Error: fmt.Sprintf("tool=%s is unavailable", tool),
		}, nil
	}
}

// IsSensitive reports whether a tool mutates external state.
func IsSensitive(tool string) bool {
	return tool == ToolUpdateReturn
}

// RouteKindForTool maps a classifier tool call to a routing decision kind.
func RouteKindForTool(name string) (contractx.RouteKind, bool) {
	switch strings.TrimSpace(name) {
	case ToolToOrderStatus:
		return contractx.RouteOrderStatus, true
	case ToolToReturnProcessing:
		return contractx.RouteReturnProcessing, true
	case ToolToProductQA:
		return contractx.RouteProductQA, true
	case ToolOtherTalk:
		return contractx.RouteOtherTalk, true
	default:
		return "", false
	}
}

func RouteInfos() []*schema.ToolInfo {
	reason := map[string]*schema.ParameterInfo{
		"reason": {Type: schema.String, Desc: "Short reason for choosing this route"},
	}
	return []*schema.ToolInfo{
		{
			Name:        ToolToOrderStatus,
			Desc:        "Transfer to the order status assistant for questions about order, shipping, or delivery status of a purchased product.",
			ParamsOneOf: schema.NewParamsOneOfByParams(reason),
		},
		{
			Name:        ToolToReturnProcessing,
			Desc:        "Transfer to the return processing assistant when the user wants to return a purchased product or asks about an existing return.",
			ParamsOneOf: schema.NewParamsOneOfByParams(reason),
		},
		{
			Name:        ToolToProductQA,
			Desc:        "Transfer to the product question assistant for specifications, compatibility, or usage questions about products.",
			ParamsOneOf: schema.NewParamsOneOfByParams(reason),
		},
		{
			Name:        ToolOtherTalk,
			Desc:        "Use for greetings, thanks, and anything unrelated to orders, returns, or products.",
			ParamsOneOf: schema.NewParamsOneOfByParams(reason),
		},
	}
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s is required", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

func executeStructuredRAG(ctx context.Context, deps Deps, st *statex.ConversationState, args map[string]any) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return Result{Tool: ToolStructuredRAG, Error: err.Error()}, nil
	}
	if deps.Structured == nil {
		return Result{Tool: ToolStructuredRAG, Error: "structured retrieval is not configured"}, nil
	}
	out, err := deps.Structured.Search(ctx, contractx.StructuredQuery{
		Query:  query,
		TopK:   deps.TopK,
		UserID: st.UserID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("structured_rag: %w", err)
	}
	return Result{Tool: ToolStructuredRAG, Result: out}, nil
}

func executeUnstructuredRAG(ctx context.Context, deps Deps, st *statex.ConversationState, args map[string]any) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return Result{Tool: ToolUnstructuredRAG, Error: err.Error()}, nil
	}
	if deps.Unstructured == nil {
		return Result{Tool: ToolUnstructuredRAG, Error: "unstructured retrieval is not configured"}, nil
	}
	out, err := deps.Unstructured.Search(ctx, contractx.UnstructuredQuery{
		Query:   query,
		TopK:    deps.TopK,
		History: st.Messages,
	})
	if err != nil {
		return Result{}, fmt.Errorf("unstructured_rag: %w", err)
	}
	return Result{Tool: ToolUnstructuredRAG, Result: out}, nil
}
