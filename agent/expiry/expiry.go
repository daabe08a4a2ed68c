// Package expiry schedules the cancellation of approvals that were never answered.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
	qstashx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/qstash"
)

const (
	Reason             = "the approval window expired"
	maxCallbackBytes   = 64 << 10
	signatureHeaderKey = "Upstash-Signature"
)

// Canceller is satisfied by the orchestrator.
type Canceller interface {
	CancelPending(ctx context.Context, threadID, callID, reason string) (contractx.TurnOutcome, error)
}

type payload struct {
	ThreadID string `json:"thread_id"`
	CallID   string `json:"call_id"`
}

// QStashScheduler publishes a delayed message that calls back into Handler.
type QStashScheduler struct {
	client      *qstashx.Client
	callbackURL string
}

func NewQStashScheduler(client *qstashx.Client, callbackURL string) (*QStashScheduler, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	if strings.TrimSpace(callbackURL) == "" {
		return nil, errors.New("approval callback url is required")
	}
	return &QStashScheduler{client: client, callbackURL: strings.TrimSpace(callbackURL)}, nil
}

func (s *QStashScheduler) ScheduleExpiry(ctx context.Context, threadID, callID string, after time.Duration) error {
	body, err := json.Marshal(payload{ThreadID: threadID, CallID: callID})
	if err != nil {
		return fmt.Errorf("marshal expiry payload: %w", err)
	}
	id, err := s.client.Publish(ctx, qstashx.Message{
		Destination:     s.callbackURL,
		Body:            body,
		Delay:           after,
		DeduplicationID: callID,
	})
	if err != nil {
		return fmt.Errorf("%w: schedule approval expiry: %v", contractx.ErrTransient, err)
	}
	logx.Debug().Str("thread_id", threadID).Str("call_id", callID).Str("message_id", id).Msg("approval expiry scheduled")
	return nil
}

// Handler receives QStash deliveries and cancels the named call when it is still pending.
func Handler(client *qstashx.Client, callbackURL string, canceller Canceller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := client.Verify(r.Header.Get(signatureHeaderKey), body, callbackURL); err != nil {
			logx.Warn().Err(err).Msg("rejected approval expiry callback")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var p payload
		if err := json.Unmarshal(body, &p); err != nil || p.ThreadID == "" || p.CallID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, err := canceller.CancelPending(r.Context(), p.ThreadID, p.CallID, Reason); err != nil {
			logx.Error().Err(err).Str("thread_id", p.ThreadID).Str("call_id", p.CallID).Msg("cancel expired approval")
			// non-2xx makes QStash retry the delivery
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// TimerScheduler cancels expired approvals in process, for single-node use.
type TimerScheduler struct {
	mu        sync.Mutex
	canceller Canceller
	timers    map[string]*time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// Bind sets the canceller. The orchestrator is built after its scheduler, so this runs late.
func (s *TimerScheduler) Bind(canceller Canceller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceller = canceller
}

func (s *TimerScheduler) ScheduleExpiry(ctx context.Context, threadID, callID string, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceller == nil {
		return errors.New("timer scheduler has no canceller")
	}
	if t, ok := s.timers[callID]; ok {
		t.Stop()
	}
	canceller := s.canceller
	s.timers[callID] = time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.timers, callID)
		s.mu.Unlock()

		if _, err := canceller.CancelPending(context.Background(), threadID, callID, Reason); err != nil {
			logx.Error().Err(err).Str("thread_id", threadID).Str("call_id", callID).Msg("cancel expired approval")
		}
	})
	return nil
}

// Stop drops every outstanding timer.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

var (
	_ contractx.ApprovalScheduler = (*QStashScheduler)(nil)
	_ contractx.ApprovalScheduler = (*TimerScheduler)(nil)
)
