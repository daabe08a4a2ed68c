package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

func LoadOrCreateState(
	ctx context.Context,
	in *TurnState,
	store statex.CheckpointStore,
) (*TurnState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: turn state is nil", contractx.ErrValidation)
	}

	latest, st, err := loadOrCreateState(ctx, store, in)
	if err != nil {
		return nil, err
	}
	if st.UserID != in.UserID {
		return nil, fmt.Errorf("%w: thread=%s", contractx.ErrUserMismatch, in.ThreadID)
	}
	in.Latest = latest
	in.State = st
	return in, nil
}

func loadOrCreateState(
	ctx context.Context,
	store statex.CheckpointStore,
	in *TurnState,
) (*statex.Checkpoint, *statex.ConversationState, error) {
	cp, err := store.GetLatest(ctx, in.ThreadID)
	if err == nil {
		if cp.State == nil {
			return nil, nil, fmt.Errorf("%w: checkpoint %d of thread %s has no state", contractx.ErrValidation, cp.SequenceNo, in.ThreadID)
		}
		return cp, cp.State, nil
	}
	if !errors.Is(err, statex.ErrCheckpointNotFound) {
		return nil, nil, err
	}

	return nil, statex.NewConversationState(in.ThreadID, in.UserID, in.Now), nil
}
