package orchestratornode

import (
	"errors"
	"strings"
	"time"

	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidThread  = statex.ErrInvalidThread
	ErrInvalidUser    = statex.ErrInvalidUser
)

type TurnInput struct {
	ThreadID string
	UserID   string
	Text     string
}

// TurnState is what the turn preparation pipeline hands to the driver.
type TurnState struct {
	ThreadID string
	UserID   string
	Text     string
	Now      time.Time

	// Latest is nil for a new thread.
	Latest *statex.Checkpoint
	State  *statex.ConversationState
}

func ValidateRequest(in TurnInput, nowFn func() time.Time) (*TurnState, error) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" {
		return nil, ErrInvalidThread
	}

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	return &TurnState{
		ThreadID: threadID,
		UserID:   userID,
		Text:     text,
		Now:      nowFn().UTC(),
	}, nil
}
