package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
)

// ConversationState is the single mutable unit threaded through every node.
// - Routing: Route + ActiveProduct + Clarification
// - Approval: Approval + PendingSensitiveCall + LastExecuted
type ConversationState struct {
	// Identity
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	Messages []*schema.Message `json:"messages,omitempty"`

	// Snapshot of the caller's orders; read-only for handlers.
	PurchaseHistory  []PurchaseRecord `json:"purchase_history,omitempty"`
	HistoryLoadedAt  time.Time        `json:"history_loaded_at,omitempty"`
	RefreshRequested bool             `json:"refresh_requested,omitempty"`

	Route         string         `json:"route,omitempty"`
	ActiveProduct string         `json:"active_product,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`

	Approval             ApprovalStatus `json:"approval,omitempty"`
	PendingSensitiveCall *SensitiveCall `json:"pending_sensitive_call,omitempty"`
	LastExecuted         *ExecutedCall  `json:"last_executed,omitempty"`
	// LastRejectedOrderID is set for the turn that follows a rejection.
	LastRejectedOrderID string `json:"last_rejected_order_id,omitempty"`

	Turn      int       `json:"turn"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ClarificationKind string

const (
	ClarificationNoMatch         ClarificationKind = "no_match"
	ClarificationMultipleMatches ClarificationKind = "multiple_matches"
)

type Clarification struct {
	Kind       ClarificationKind `json:"kind"`
	Detail     string            `json:"detail,omitempty"`
	Candidates []string          `json:"candidates,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending_approval"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalExecuted ApprovalStatus = "executed"
	ApprovalRejected ApprovalStatus = "rejected"
)

// SensitiveCall describes a suspended mutating tool invocation.
type SensitiveCall struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	OrderID     string         `json:"order_id"`
	ProductName string         `json:"product_name"`
	RequestedAt time.Time      `json:"requested_at"`
}

type ExecutedCall struct {
	CallID       string    `json:"call_id"`
	OrderID      string    `json:"order_id"`
	Confirmation string    `json:"confirmation"`
	ExecutedAt   time.Time `json:"executed_at"`
}

var (
	ErrNilState            = errors.New("conversation state is nil")
	ErrInvalidThread       = errors.New("thread id is empty")
	ErrInvalidUser         = errors.New("user id is empty")
	ErrProductWhileClarify = errors.New("active product set while clarification pending")
	ErrApprovalCorrupt     = errors.New("approval state inconsistent with pending call")
)

func NewConversationState(threadID, userID string, now time.Time) *ConversationState {
	return &ConversationState{
		ThreadID:  threadID,
		UserID:    userID,
		Messages:  make([]*schema.Message, 0, 8),
		UpdatedAt: now.UTC(),
	}
}

func (s *ConversationState) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

// AppendUser appends a user turn.
func (s *ConversationState) AppendUser(text string) {
	s.Messages = append(s.Messages, schema.UserMessage(text))
}

// AppendAssistant appends an assistant turn.
func (s *ConversationState) AppendAssistant(text string) {
	s.Messages = append(s.Messages, schema.AssistantMessage(text, nil))
}

// AppendToolExchange records a tool invocation and its result as a pair of messages.
func (s *ConversationState) AppendToolExchange(callID, tool string, args map[string]any, result string) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		rawArgs = []byte("{}")
	}
	s.Messages = append(s.Messages,
		schema.AssistantMessage("", []schema.ToolCall{{
			ID:   callID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tool,
				Arguments: string(rawArgs),
			},
		}}),
		schema.ToolMessage(result, callID),
	)
}

// LatestUserMessage returns the content of the most recent user turn.
func (s *ConversationState) LatestUserMessage() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m != nil && m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

// SetActiveProduct resolves the product under discussion and drops any pending clarification.
func (s *ConversationState) SetActiveProduct(name string) {
	s.ActiveProduct = strings.TrimSpace(name)
	s.Clarification = nil
}

// SetClarification records a pending disambiguation and drops the active product.
func (s *ConversationState) SetClarification(c *Clarification) {
	s.Clarification = c
	s.ActiveProduct = ""
}

// ChangeRoute records the route picked for this turn; a topic change forgets the active product.
func (s *ConversationState) ChangeRoute(route string) {
	if s.Route != "" && s.Route != route {
		s.ActiveProduct = ""
		s.Clarification = nil
	}
	s.Route = route
}

// FindOrder looks up a purchase record in the snapshot.
func (s *ConversationState) FindOrder(orderID string) (PurchaseRecord, bool) {
	if s == nil {
		return PurchaseRecord{}, false
	}
	for _, rec := range s.PurchaseHistory {
		if rec.OrderID == orderID {
			return rec, true
		}
	}
	return PurchaseRecord{}, false
}

/* ---------------------------- Approval helpers ---------------------------- */

var ErrInvalidTransition = errors.New("invalid approval transition")

// Suspend moves the approval gate from NONE to PENDING_APPROVAL.
func (s *ConversationState) Suspend(call *SensitiveCall) error {
	if call == nil || strings.TrimSpace(call.ID) == "" {
		return fmt.Errorf("%w: sensitive call is empty", ErrInvalidTransition)
	}
	if s.PendingSensitiveCall != nil {
		return fmt.Errorf("%w: call %s already pending", ErrInvalidTransition, s.PendingSensitiveCall.ID)
	}
	s.PendingSensitiveCall = call
	s.Approval = ApprovalPending
	s.LastRejectedOrderID = ""
	return nil
}

// Approve moves PENDING_APPROVAL to APPROVED. Approving an already approved call is allowed
// so that a crash between approval and execution can be resumed.
func (s *ConversationState) Approve() error {
	if s.PendingSensitiveCall == nil {
		return fmt.Errorf("%w: nothing pending", ErrInvalidTransition)
	}
	if s.Approval != ApprovalPending && s.Approval != ApprovalApproved {
		return fmt.Errorf("%w: approve from %q", ErrInvalidTransition, s.Approval)
	}
	s.Approval = ApprovalApproved
	return nil
}

// Reject clears the pending call without executing it.
func (s *ConversationState) Reject() (*SensitiveCall, error) {
	if s.PendingSensitiveCall == nil {
		return nil, fmt.Errorf("%w: nothing pending", ErrInvalidTransition)
	}
	call := s.PendingSensitiveCall
	s.PendingSensitiveCall = nil
	s.Approval = ApprovalRejected
	s.LastRejectedOrderID = call.OrderID
	return call, nil
}

// MarkExecuted records the single execution of the approved call.
func (s *ConversationState) MarkExecuted(confirmation string, now time.Time) error {
	if s.PendingSensitiveCall == nil || s.Approval != ApprovalApproved {
		return fmt.Errorf("%w: execute from %q", ErrInvalidTransition, s.Approval)
	}
	s.LastExecuted = &ExecutedCall{
		CallID:       s.PendingSensitiveCall.ID,
		OrderID:      s.PendingSensitiveCall.OrderID,
		Confirmation: confirmation,
		ExecutedAt:   now.UTC(),
	}
	s.PendingSensitiveCall = nil
	s.Approval = ApprovalExecuted
	return nil
}

// AwaitingApproval reports whether the gate holds a call.
func (s *ConversationState) AwaitingApproval() bool {
	return s != nil && s.PendingSensitiveCall != nil &&
		(s.Approval == ApprovalPending || s.Approval == ApprovalApproved)
}

func (s *ConversationState) Validate() error {
	if s == nil {
		return ErrNilState
	}
	if strings.TrimSpace(s.ThreadID) == "" {
		return ErrInvalidThread
	}
	if strings.TrimSpace(s.UserID) == "" {
		return ErrInvalidUser
	}
	if s.ActiveProduct != "" && s.Clarification != nil {
		return ErrProductWhileClarify
	}
	pending := s.PendingSensitiveCall != nil
	gateHolds := s.Approval == ApprovalPending || s.Approval == ApprovalApproved
	if pending != gateHolds {
		return fmt.Errorf("%w: approval=%q pending=%t", ErrApprovalCorrupt, s.Approval, pending)
	}
	return nil
}

// Clone returns a deep copy through the JSON representation used for checkpoints.
func (s *ConversationState) Clone() (*ConversationState, error) {
	if s == nil {
		return nil, ErrNilState
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation state: %w", err)
	}
	var out ConversationState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal conversation state: %w", err)
	}
	return &out, nil
}
