package orchestrator

import (
	"context"
	"sync/atomic"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

var defaultFallbackMessages = []string{
	"Sorry, something went wrong on my side. Could you try that again?",
	"I ran into a problem handling that request. Please try again in a moment.",
	"Apologies, I couldn't complete that just now. Could you rephrase or try again?",
}

type fallbackRotator struct {
	messages []string
	next     atomic.Uint64
}

func newFallbackRotator(messages []string) *fallbackRotator {
	if len(messages) == 0 {
		messages = defaultFallbackMessages
	}
	return &fallbackRotator{messages: messages}
}

func (r *fallbackRotator) Next() string {
	i := r.next.Add(1) - 1
	return r.messages[i%uint64(len(r.messages))]
}

// LogReporter writes turn failures to the structured log.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, f contractx.TurnFailure) {
	logx.Error().
		Err(f.Err).
		Str("thread_id", f.ThreadID).
		Str("user_id", f.UserID).
		Str("node", f.Node).
		Int64("sequence_no", f.SequenceNo).
		Int("attempts", f.Attempts).
		Str("fallback", f.Fallback).
		Msg("turn failed, replied with fallback")
}

var _ contractx.FailureReporter = LogReporter{}
