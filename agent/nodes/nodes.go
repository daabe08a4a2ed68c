package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	promptx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/prompt"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/purchase"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/resolver"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

// Node names. They are persisted in checkpoints as NextNode.
const (
	NodeFetchPurchaseHistory = "fetch_purchase_history"
	NodeClassifyIntent       = "classify_intent"
	NodeOrderStatus          = "order_status"
	NodeReturnProcessing     = "return_processing"
	NodeProductQA            = "product_qa"
	NodeSmallTalk            = "small_talk"
	NodeExecuteReturn        = "execute_return"
)

// Func is one step of the state machine. It mutates st in place; the driver
// always passes a private copy.
type Func func(ctx context.Context, st *statex.ConversationState) (contractx.RoutingDecision, error)

type Deps struct {
	Classifier contractx.IntentClassifier
	Resolver   *resolver.Resolver
	Responder  contractx.Responder
	Purchases  contractx.PurchaseStore
	Tools      toolx.Executor
	Prompts    promptx.PromptSet

	Now   func() time.Time
	NewID func() string
}

func (d Deps) Validate() error {
	switch {
	case d.Classifier == nil:
		return errors.New("intent classifier is required")
	case d.Resolver == nil:
		return errors.New("product resolver is required")
	case d.Responder == nil:
		return errors.New("responder is required")
	case d.Purchases == nil:
		return errors.New("purchase store is required")
	case d.Tools == nil:
		return errors.New("tool executor is required")
	}
	return nil
}

// Handlers holds the task nodes of the conversation state machine.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) (*Handlers, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Handlers{deps: deps}, nil
}

func (h *Handlers) now() time.Time {
	return h.deps.Now().UTC()
}

// runTool executes a read tool and records the exchange in the transcript.
func (h *Handlers) runTool(ctx context.Context, st *statex.ConversationState, name string, args map[string]any) (toolx.Result, error) {
	out, err := h.deps.Tools(ctx, st, name, args)
	if err != nil {
		return toolx.Result{}, err
	}
	st.AppendToolExchange(h.deps.NewID(), name, args, renderToolResult(out))
	if out.Error != "" {
		return out, fmt.Errorf("%w: tool %s: %s", contractx.ErrValidation, name, out.Error)
	}
	return out, nil
}

func (h *Handlers) respond(ctx context.Context, st *statex.ConversationState, task, instruction, evidence string) (contractx.RoutingDecision, error) {
	text, err := h.deps.Responder.Respond(ctx, contractx.ResponseRequest{
		Task:        task,
		Instruction: instruction,
		UserMessage: st.LatestUserMessage(),
		Product:     st.ActiveProduct,
		Context:     evidence,
		History:     st.Messages,
	})
	if err != nil {
		return contractx.RoutingDecision{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return contractx.RoutingDecision{}, fmt.Errorf("%w: %s produced an empty reply", contractx.ErrMalformedOutput, task)
	}
	return contractx.Respond(text), nil
}

func (h *Handlers) clarify(st *statex.ConversationState, res resolver.Result) contractx.RoutingDecision {
	return contractx.AskClarification(resolver.ClarificationText(res.Clarification, st.PurchaseHistory))
}

// storeError keeps the store's own classification. Missing orders and invalid
// input are permanent; anything the store did not classify is retried.
func storeError(err error, op string) error {
	switch {
	case contractx.IsTransient(err):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, purchase.ErrOrderNotFound), errors.Is(err, contractx.ErrValidation):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", contractx.ErrTransient, op, err)
	}
}

func renderToolResult(out toolx.Result) string {
	if out.Error != "" {
		return "error: " + out.Error
	}
	switch v := out.Result.(type) {
	case string:
		return v
	case toolx.ReturnWindowOutput:
		return fmt.Sprintf("order %s (%s): verdict=%s order_status=%s return_status=%s deadline=%s",
			v.OrderID, v.ProductName, v.Verdict, v.OrderStatus, orNone(v.ReturnStatus), v.Deadline.Format(time.DateOnly))
	default:
		return fmt.Sprint(v)
	}
}

func describeOrder(rec statex.PurchaseRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "order %s: %s, ordered %s, status %s", rec.OrderID, rec.ProductName,
		rec.OrderDate.Format(time.DateOnly), rec.OrderStatus)
	if rec.HasReturn() {
		fmt.Fprintf(&b, ", return %s", rec.ReturnStatus)
		if rec.ReturnStartDate != nil {
			fmt.Fprintf(&b, " since %s", rec.ReturnStartDate.Format(time.DateOnly))
		}
	}
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
