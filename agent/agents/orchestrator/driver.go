package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	nodex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/nodes"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

// turn is the driver's working set for one inbound event.
type turn struct {
	threadID string
	userID   string
	state    *statex.ConversationState
	seq      int64
	node     string
}

func newTurn(st *statex.ConversationState, latest *statex.Checkpoint) *turn {
	t := &turn{
		threadID: st.ThreadID,
		userID:   st.UserID,
		state:    st,
	}
	if latest != nil {
		t.seq = latest.SequenceNo
	}
	return t
}

func (o *Orchestrator) startTurn(ctx context.Context, t *turn, text string) (contractx.TurnOutcome, error) {
	st := t.state
	st.Turn++
	st.AppendUser(text)
	if st.Approval == statex.ApprovalExecuted || st.Approval == statex.ApprovalRejected {
		st.Approval = statex.ApprovalNone
	}
	st.LastRejectedOrderID = ""
	st.Touch(o.now())

	if err := o.checkpoint(ctx, t, nodex.NodeFetchPurchaseHistory, "input"); err != nil {
		return contractx.TurnOutcome{}, err
	}
	t.node = nodex.NodeFetchPurchaseHistory
	return o.run(ctx, t)
}

// resumeInterrupted finishes a turn a crash left between nodes, starting at
// the node the latest checkpoint names.
func (o *Orchestrator) resumeInterrupted(ctx context.Context, t *turn, node string) (contractx.TurnOutcome, error) {
	logx.Warn().
		Str("thread_id", t.threadID).
		Int64("sequence_no", t.seq).
		Str("node", node).
		Msg("resuming interrupted turn")
	t.node = node
	return o.run(ctx, t)
}

// run executes nodes from t.node until the turn ends, suspends, or fails.
func (o *Orchestrator) run(ctx context.Context, t *turn) (contractx.TurnOutcome, error) {
	for steps := 0; ; steps++ {
		if steps >= o.cfg.MaxSteps {
			err := fmt.Errorf("%w: thread=%s node=%s max=%d", contractx.ErrRecursionExceeded, t.threadID, t.node, o.cfg.MaxSteps)
			return o.fallback(ctx, t, "", 0, err)
		}

		spec, ok := o.dispatch[t.node]
		if !ok {
			return contractx.TurnOutcome{}, fmt.Errorf("%w: node %q", contractx.ErrUnknownRoute, t.node)
		}

		next, decision, attempts, err := o.runStep(ctx, t, spec)
		if err != nil {
			if ctx.Err() != nil {
				o.report(ctx, t, attempts, err, "")
				return contractx.TurnOutcome{}, err
			}
			if errors.Is(err, contractx.ErrStepTimeout) {
				return o.fallback(ctx, t, "", attempts, err)
			}
			return o.fallback(ctx, t, spec.failureText, attempts, err)
		}

		tr, err := route(t.node, decision)
		if err != nil {
			return o.fallback(ctx, t, spec.failureText, attempts, err)
		}

		t.state = next
		logx.Debug().
			Str("thread_id", t.threadID).
			Str("node", t.node).
			Str("decision", string(decision.Kind)).
			Int("attempts", attempts).
			Msg("step completed")

		switch {
		case tr.suspend:
			return o.suspend(ctx, t, decision)
		case tr.next != "":
			if err := o.checkpoint(ctx, t, tr.next, t.node); err != nil {
				return contractx.TurnOutcome{}, err
			}
			t.node = tr.next
		default:
			return o.finish(ctx, t, tr.outcome, decision.Text)
		}
	}
}

type stepResult struct {
	state    *statex.ConversationState
	decision contractx.RoutingDecision
	err      error
}

// runStep runs one node on a private copy of the state, retrying transient
// failures on a fresh copy of the same input.
func (o *Orchestrator) runStep(ctx context.Context, t *turn, spec nodeSpec) (*statex.ConversationState, contractx.RoutingDecision, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, o.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return nil, contractx.RoutingDecision{}, attempts, err
			}
		}
		attempts++

		input, err := t.state.Clone()
		if err != nil {
			return nil, contractx.RoutingDecision{}, attempts, err
		}
		res := o.invokeNode(ctx, spec.run, input)
		if res.err == nil {
			return res.state, res.decision, attempts, nil
		}

		lastErr = res.err
		if errors.Is(res.err, contractx.ErrStepTimeout) || ctx.Err() != nil || !contractx.IsTransient(res.err) {
			return nil, contractx.RoutingDecision{}, attempts, res.err
		}
		logx.Warn().
			Err(res.err).
			Str("thread_id", t.threadID).
			Str("node", t.node).
			Int("attempt", attempts).
			Msg("transient step failure")
	}
	return nil, contractx.RoutingDecision{}, attempts, lastErr
}

// invokeNode bounds a node by StepTimeout even when it ignores its context.
func (o *Orchestrator) invokeNode(ctx context.Context, run nodex.Func, st *statex.ConversationState) stepResult {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepResult{err: fmt.Errorf("node panic: %v", r)}
			}
		}()
		decision, err := run(stepCtx, st)
		done <- stepResult{state: st, decision: decision, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			res.err = fmt.Errorf("%w: %w", contractx.ErrStepTimeout, res.err)
		}
		return res
	case <-stepCtx.Done():
		if err := ctx.Err(); err != nil {
			return stepResult{err: err}
		}
		return stepResult{err: fmt.Errorf("%w: after %s", contractx.ErrStepTimeout, o.cfg.StepTimeout)}
	}
}

func (o *Orchestrator) finish(ctx context.Context, t *turn, kind contractx.OutcomeKind, text string) (contractx.TurnOutcome, error) {
	t.state.AppendAssistant(text)
	t.state.Touch(o.now())
	if err := o.checkpoint(ctx, t, "", t.node); err != nil {
		return contractx.TurnOutcome{}, err
	}
	return contractx.TurnOutcome{
		ThreadID:   t.threadID,
		Kind:       kind,
		Text:       text,
		SequenceNo: t.seq,
	}, nil
}

// fallback ends the turn with a user-safe message. The state is the one the
// failed node started from, so none of its partial effects survive. An empty
// text picks the next generic message.
func (o *Orchestrator) fallback(ctx context.Context, t *turn, text string, attempts int, cause error) (contractx.TurnOutcome, error) {
	if text == "" {
		text = o.fallbacks.Next()
	}
	o.report(ctx, t, attempts, cause, text)

	nextNode := ""
	if t.state.AwaitingApproval() {
		nextNode = nodex.NodeExecuteReturn
	}
	t.state.AppendAssistant(text)
	t.state.Touch(o.now())
	if err := o.checkpoint(ctx, t, nextNode, "fallback"); err != nil {
		return contractx.TurnOutcome{}, err
	}
	return contractx.TurnOutcome{
		ThreadID:   t.threadID,
		Kind:       contractx.OutcomeResponse,
		Text:       text,
		Fallback:   true,
		SequenceNo: t.seq,
	}, nil
}

func (o *Orchestrator) report(ctx context.Context, t *turn, attempts int, cause error, fallback string) {
	o.reporter.Report(ctx, contractx.TurnFailure{
		ThreadID:   t.threadID,
		UserID:     t.userID,
		Node:       t.node,
		SequenceNo: t.seq,
		Attempts:   attempts,
		Err:        cause,
		Fallback:   fallback,
		At:         o.now().UTC(),
	})
}

func (o *Orchestrator) checkpoint(ctx context.Context, t *turn, nextNode, source string) error {
	seq := t.seq + 1
	cp := &statex.Checkpoint{
		ThreadID:   t.threadID,
		SequenceNo: seq,
		State:      t.state,
		NextNode:   nextNode,
		Source:     source,
		CreatedAt:  o.now().UTC(),
	}
	if err := o.checkpoints.Put(ctx, cp); err != nil {
		return fmt.Errorf("checkpoint thread=%s seq=%d: %w", t.threadID, seq, err)
	}
	t.seq = seq

	logx.Debug().
		Str("thread_id", t.threadID).
		Int64("sequence_no", seq).
		Str("next_node", nextNode).
		Str("source", source).
		Msg("checkpoint written")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
