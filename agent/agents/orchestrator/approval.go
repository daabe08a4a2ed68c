package orchestrator

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	nodex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/nodes"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

const defaultCancelReason = "the approval window expired"

func affirmativeSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if n := normalizeApproval(tok); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// confirmToken is the first allow-list entry that survives normalisation.
func confirmToken(tokens []string) string {
	for _, tok := range tokens {
		if n := normalizeApproval(tok); n != "" {
			return n
		}
	}
	return ""
}

func normalizeApproval(s string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), ".!")
}

// isAffirmative matches the whole input against the allow-list. Anything
// else, including "yes but...", counts as a rejection with feedback.
func (o *Orchestrator) isAffirmative(input string) bool {
	_, ok := o.affirmative[normalizeApproval(input)]
	return ok
}

func (o *Orchestrator) approvalPrompt(call *statex.SensitiveCall) string {
	return fmt.Sprintf("I can start a return for %s (order %s). Reply %q to confirm, or tell me what you'd like to do instead.",
		call.ProductName, call.OrderID, o.confirmToken)
}

// suspend parks the turn before a sensitive call. Nothing is mutated until
// the user approves.
func (o *Orchestrator) suspend(ctx context.Context, t *turn, d contractx.RoutingDecision) (contractx.TurnOutcome, error) {
	orderID, _ := d.Tool.Args["order_id"].(string)
	productName, _ := d.Tool.Args["product_name"].(string)
	call := &statex.SensitiveCall{
		ID:          o.newID(),
		Tool:        d.Tool.Name,
		Args:        d.Tool.Args,
		OrderID:     orderID,
		ProductName: productName,
		RequestedAt: o.now().UTC(),
	}
	if err := t.state.Suspend(call); err != nil {
		return contractx.TurnOutcome{}, err
	}

	text := o.approvalPrompt(call)
	t.state.AppendAssistant(text)
	t.state.Touch(o.now())
	if err := o.checkpoint(ctx, t, nodex.NodeExecuteReturn, "suspend"); err != nil {
		return contractx.TurnOutcome{}, err
	}

	logx.Info().
		Str("thread_id", t.threadID).
		Str("call_id", call.ID).
		Str("tool", call.Tool).
		Str("order_id", call.OrderID).
		Msg("awaiting approval")

	if o.cfg.ApprovalTimeout > 0 && o.scheduler != nil {
		if err := o.scheduler.ScheduleExpiry(ctx, t.threadID, call.ID, o.cfg.ApprovalTimeout); err != nil {
			logx.Warn().Err(err).Str("thread_id", t.threadID).Str("call_id", call.ID).Msg("schedule approval expiry failed")
		}
	}

	return contractx.TurnOutcome{
		ThreadID:    t.threadID,
		Kind:        contractx.OutcomeApproval,
		Text:        text,
		PendingCall: call,
		SequenceNo:  t.seq,
	}, nil
}

// decideApproval applies the user's answer to a suspended thread.
func (o *Orchestrator) decideApproval(ctx context.Context, t *turn, input string) (contractx.TurnOutcome, error) {
	st := t.state
	st.Turn++
	st.AppendUser(input)
	st.Touch(o.now())

	if o.isAffirmative(input) {
		if err := st.Approve(); err != nil {
			return contractx.TurnOutcome{}, err
		}
		if err := o.checkpoint(ctx, t, nodex.NodeExecuteReturn, "approval"); err != nil {
			return contractx.TurnOutcome{}, err
		}
		t.node = nodex.NodeExecuteReturn
		return o.run(ctx, t)
	}

	call, err := st.Reject()
	if err != nil {
		return contractx.TurnOutcome{}, err
	}
	logx.Info().
		Str("thread_id", t.threadID).
		Str("call_id", call.ID).
		Str("order_id", call.OrderID).
		Msg("sensitive call rejected")

	if err := o.checkpoint(ctx, t, nodex.NodeReturnProcessing, "rejection"); err != nil {
		return contractx.TurnOutcome{}, err
	}
	t.node = nodex.NodeReturnProcessing
	return o.run(ctx, t)
}

// replay answers a repeated approval after execution with the stored
// confirmation. It writes nothing.
func (o *Orchestrator) replay(t *turn, input string) (contractx.TurnOutcome, bool) {
	st := t.state
	if st.Approval != statex.ApprovalExecuted || st.LastExecuted == nil || !o.isAffirmative(input) {
		return contractx.TurnOutcome{}, false
	}
	logx.Info().
		Str("thread_id", t.threadID).
		Str("call_id", st.LastExecuted.CallID).
		Msg("approval replay")
	return contractx.TurnOutcome{
		ThreadID:   t.threadID,
		Kind:       contractx.OutcomeResponse,
		Text:       st.LastExecuted.Confirmation,
		Replayed:   true,
		SequenceNo: t.seq,
	}, true
}

func (o *Orchestrator) cancel(ctx context.Context, t *turn, callID, reason string) (contractx.TurnOutcome, error) {
	st := t.state
	pending := st.PendingSensitiveCall
	if pending == nil || pending.ID != callID || st.Approval != statex.ApprovalPending {
		logx.Debug().Str("thread_id", t.threadID).Str("call_id", callID).Msg("stale cancellation ignored")
		return contractx.TurnOutcome{ThreadID: t.threadID, SequenceNo: t.seq}, nil
	}

	if _, err := st.Reject(); err != nil {
		return contractx.TurnOutcome{}, err
	}
	st.LastRejectedOrderID = ""
	if strings.TrimSpace(reason) == "" {
		reason = defaultCancelReason
	}
	text := fmt.Sprintf("I didn't start the return for %s (order %s) because %s. Let me know if you still want it.",
		pending.ProductName, pending.OrderID, reason)
	st.AppendAssistant(text)
	st.Touch(o.now())
	if err := o.checkpoint(ctx, t, "", "cancel"); err != nil {
		return contractx.TurnOutcome{}, err
	}

	logx.Info().Str("thread_id", t.threadID).Str("call_id", callID).Msg("pending call cancelled")
	return contractx.TurnOutcome{
		ThreadID:   t.threadID,
		Kind:       contractx.OutcomeResponse,
		Text:       text,
		SequenceNo: t.seq,
	}, nil
}
