package state

import (
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
)

func newTestState(t *testing.T) *ConversationState {
	t.Helper()
	return NewConversationState("thread-1", "4165", time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
}

func TestConversationStateActiveProductAndClarificationAreExclusive(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	st.SetClarification(&Clarification{Kind: ClarificationNoMatch})
	st.SetActiveProduct("Jetson Nano")
	if st.Clarification != nil {
		t.Fatalf("clarification = %+v, want nil after SetActiveProduct", st.Clarification)
	}

	st.SetClarification(&Clarification{Kind: ClarificationMultipleMatches, Candidates: []string{"A", "B"}})
	if st.ActiveProduct != "" {
		t.Fatalf("active product = %q, want empty after SetClarification", st.ActiveProduct)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	st.ActiveProduct = "forced"
	if err := st.Validate(); !errors.Is(err, ErrProductWhileClarify) {
		t.Fatalf("Validate() error = %v, want ErrProductWhileClarify", err)
	}
}

func TestConversationStateRouteChangeClearsProduct(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	st.ChangeRoute("order_status")
	st.SetActiveProduct("Jetson Nano")

	st.ChangeRoute("order_status")
	if st.ActiveProduct != "Jetson Nano" {
		t.Fatalf("active product = %q, want kept on same route", st.ActiveProduct)
	}

	st.ChangeRoute("return_processing")
	if st.ActiveProduct != "" {
		t.Fatalf("active product = %q, want cleared on route change", st.ActiveProduct)
	}
}

func TestConversationStateApprovalLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	st := newTestState(t)
	call := &SensitiveCall{ID: "call-1", Tool: "update_return", OrderID: "1001", RequestedAt: now}

	if err := st.Approve(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Approve() before Suspend error = %v, want ErrInvalidTransition", err)
	}
	if err := st.Suspend(call); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if !st.AwaitingApproval() || st.Approval != ApprovalPending {
		t.Fatalf("approval = %q awaiting=%t, want pending", st.Approval, st.AwaitingApproval())
	}
	if err := st.Suspend(call); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Suspend() error = %v, want ErrInvalidTransition", err)
	}
	if err := st.MarkExecuted("done", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkExecuted() before Approve error = %v, want ErrInvalidTransition", err)
	}
	if err := st.Approve(); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if err := st.Approve(); err != nil {
		t.Fatalf("repeated Approve() error = %v", err)
	}
	if err := st.MarkExecuted("done", now); err != nil {
		t.Fatalf("MarkExecuted() error = %v", err)
	}
	if st.PendingSensitiveCall != nil || st.Approval != ApprovalExecuted {
		t.Fatalf("after execute pending=%v approval=%q", st.PendingSensitiveCall, st.Approval)
	}
	if st.LastExecuted == nil || st.LastExecuted.CallID != "call-1" || st.LastExecuted.Confirmation != "done" {
		t.Fatalf("LastExecuted = %+v", st.LastExecuted)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestConversationStateReject(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	if err := st.Suspend(&SensitiveCall{ID: "call-2", OrderID: "1002"}); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	call, err := st.Reject()
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if call.ID != "call-2" {
		t.Fatalf("Reject() call = %q, want call-2", call.ID)
	}
	if st.Approval != ApprovalRejected || st.LastRejectedOrderID != "1002" {
		t.Fatalf("approval=%q lastRejected=%q", st.Approval, st.LastRejectedOrderID)
	}
	if _, err := st.Reject(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Reject() error = %v, want ErrInvalidTransition", err)
	}
}

func TestConversationStateValidateDetectsCorruptApproval(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	st.Approval = ApprovalPending
	if err := st.Validate(); !errors.Is(err, ErrApprovalCorrupt) {
		t.Fatalf("Validate() error = %v, want ErrApprovalCorrupt", err)
	}
}

func TestConversationStateCloneIsDeep(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	st.AppendUser("where is my Jetson Nano?")
	st.AppendToolExchange("tc-1", "structured_rag", map[string]any{"query": "Jetson"}, "shipped")
	st.PurchaseHistory = []PurchaseRecord{{OrderID: "1001", ProductName: "Jetson Nano"}}

	clone, err := st.Clone()
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	clone.PurchaseHistory[0].ProductName = "changed"
	clone.AppendAssistant("reply")

	if st.PurchaseHistory[0].ProductName != "Jetson Nano" {
		t.Fatalf("original purchase history mutated: %+v", st.PurchaseHistory)
	}
	if len(st.Messages) != 3 {
		t.Fatalf("original messages = %d, want 3", len(st.Messages))
	}
	if len(clone.Messages) != 4 {
		t.Fatalf("clone messages = %d, want 4", len(clone.Messages))
	}
	if clone.Messages[1].Role != schema.Assistant || len(clone.Messages[1].ToolCalls) != 1 {
		t.Fatalf("tool call message not preserved: %+v", clone.Messages[1])
	}
	if clone.Messages[2].Role != schema.Tool || clone.Messages[2].ToolCallID != "tc-1" {
		t.Fatalf("tool result message not preserved: %+v", clone.Messages[2])
	}
}

func TestLatestUserMessageSkipsAssistantTurns(t *testing.T) {
	t.Parallel()

	st := newTestState(t)
	st.AppendUser("first")
	st.AppendAssistant("answer")
	st.AppendUser("  second  ")
	st.AppendAssistant("answer 2")

	if got := st.LatestUserMessage(); got != "second" {
		t.Fatalf("LatestUserMessage() = %q, want second", got)
	}
}

func TestPurchaseRecordHasReturn(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":          false,
		"none":      false,
		"None":      false,
		"Requested": true,
		"Completed": true,
	}
	for status, want := range cases {
		if got := (PurchaseRecord{ReturnStatus: status}).HasReturn(); got != want {
			t.Fatalf("HasReturn(%q) = %t, want %t", status, got, want)
		}
	}
}
