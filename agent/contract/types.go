package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// RouteKind tags a RoutingDecision. The set is closed.
type RouteKind string

const (
	RouteOrderStatus      RouteKind = "to_order_status"
	RouteReturnProcessing RouteKind = "to_return_processing"
	RouteProductQA        RouteKind = "to_product_qa"
	RouteOtherTalk        RouteKind = "other_talk"
	RouteAskClarification RouteKind = "ask_clarification"
	RouteInvokeTool       RouteKind = "invoke_tool"
	RouteRespond          RouteKind = "respond"
)

// ToolCall is the payload of an invoke_tool decision.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// RoutingDecision is what every node emits. Only the field matching Kind is meaningful.
type RoutingDecision struct {
	Kind RouteKind `json:"kind"`
	Tool *ToolCall `json:"tool,omitempty"`
	Text string    `json:"text,omitempty"`
}

func ToOrderStatus() RoutingDecision      { return RoutingDecision{Kind: RouteOrderStatus} }
func ToReturnProcessing() RoutingDecision { return RoutingDecision{Kind: RouteReturnProcessing} }
func ToProductQA() RoutingDecision        { return RoutingDecision{Kind: RouteProductQA} }
func OtherTalk() RoutingDecision          { return RoutingDecision{Kind: RouteOtherTalk} }

func AskClarification(text string) RoutingDecision {
	return RoutingDecision{Kind: RouteAskClarification, Text: text}
}

func InvokeTool(name string, args map[string]any) RoutingDecision {
	return RoutingDecision{Kind: RouteInvokeTool, Tool: &ToolCall{Name: name, Args: args}}
}

func Respond(text string) RoutingDecision {
	return RoutingDecision{Kind: RouteRespond, Text: text}
}

// IsHandoff reports whether the decision moves control to a task handler.
func (d RoutingDecision) IsHandoff() bool {
	switch d.Kind {
	case RouteOrderStatus, RouteReturnProcessing, RouteProductQA, RouteOtherTalk:
		return true
	default:
		return false
	}
}

func (d RoutingDecision) Validate() error {
	switch d.Kind {
	case RouteOrderStatus, RouteReturnProcessing, RouteProductQA, RouteOtherTalk:
		return nil
	case RouteAskClarification, RouteRespond:
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("%w: %s requires text", ErrValidation, d.Kind)
		}
		return nil
	case RouteInvokeTool:
		if d.Tool == nil || strings.TrimSpace(d.Tool.Name) == "" {
			return fmt.Errorf("%w: invoke_tool requires a tool name", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRoute, d.Kind)
	}
}

type OutcomeKind string

const (
	OutcomeResponse      OutcomeKind = "response"
	OutcomeClarification OutcomeKind = "clarification"
	OutcomeApproval      OutcomeKind = "approval"
)

// TurnOutcome is what a caller receives at the end of a turn.
type TurnOutcome struct {
	ThreadID    string                `json:"thread_id"`
	Kind        OutcomeKind           `json:"kind"`
	Text        string                `json:"text"`
	PendingCall *statex.SensitiveCall `json:"pending_call,omitempty"`
	// Fallback is true when Text is a generic failure message.
	Fallback   bool  `json:"fallback,omitempty"`
	Replayed   bool  `json:"replayed,omitempty"`
	SequenceNo int64 `json:"sequence_no"`
}

type IntentRequest struct {
	Messages      []*schema.Message `json:"messages"`
	PreviousRoute string            `json:"previous_route,omitempty"`
	ActiveProduct string            `json:"active_product,omitempty"`
	Now           time.Time         `json:"now"`
}

// ResponseRequest carries everything the text generator may use for one reply.
type ResponseRequest struct {
	Task        string            `json:"task"`
	Instruction string            `json:"instruction"`
	UserMessage string            `json:"user_message"`
	Product     string            `json:"product,omitempty"`
	Context     string            `json:"context,omitempty"`
	History     []*schema.Message `json:"history,omitempty"`
}

type StructuredQuery struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	UserID string `json:"user_id"`
}

type UnstructuredQuery struct {
	Query   string            `json:"query"`
	TopK    int               `json:"top_k"`
	History []*schema.Message `json:"history,omitempty"`
}

// TurnFailure describes a node failure that was turned into a fallback reply.
type TurnFailure struct {
	ThreadID   string
	UserID     string
	Node       string
	SequenceNo int64
	Attempts   int
	Err        error
	Fallback   string
	At         time.Time
}
