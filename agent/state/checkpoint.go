package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNilCheckpoint      = errors.New("checkpoint is nil")
	ErrSequenceConflict   = errors.New("checkpoint sequence is not increasing")
)

// Checkpoint is an immutable snapshot of a thread plus the node to run next.
// NextNode is empty once the turn has completed.
type Checkpoint struct {
	ThreadID   string             `json:"thread_id"`
	SequenceNo int64              `json:"sequence_no"`
	State      *ConversationState `json:"state"`
	NextNode   string             `json:"next_node,omitempty"`
	Source     string             `json:"source,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// CheckpointStore is the persistence contract used by the orchestrator.
// Put must reject a SequenceNo that is not strictly greater than the latest one.
type CheckpointStore interface {
	Put(ctx context.Context, cp *Checkpoint) error
	GetLatest(ctx context.Context, threadID string) (*Checkpoint, error)
	History(ctx context.Context, threadID string) ([]*Checkpoint, error)
}

func (c *Checkpoint) Validate() error {
	if c == nil {
		return ErrNilCheckpoint
	}
	if strings.TrimSpace(c.ThreadID) == "" {
		return ErrInvalidThread
	}
	if c.SequenceNo <= 0 {
		return fmt.Errorf("%w: sequence_no=%d", ErrSequenceConflict, c.SequenceNo)
	}
	if c.State == nil {
		return ErrNilState
	}
	if c.State.ThreadID != c.ThreadID {
		return fmt.Errorf("state thread %q does not match checkpoint thread %q", c.State.ThreadID, c.ThreadID)
	}
	return c.State.Validate()
}

// Suspended reports whether the checkpoint waits for an approval decision.
func (c *Checkpoint) Suspended() bool {
	return c != nil && c.NextNode != "" && c.State != nil && c.State.AwaitingApproval()
}

func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return raw, nil
}

func decodeCheckpoint(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// MemoryCheckpointStore keeps encoded checkpoints in process memory.
// Snapshots are stored encoded so callers can never mutate a stored checkpoint.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	threads map[string][][]byte
	latest  map[string]int64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		threads: make(map[string][][]byte),
		latest:  make(map[string]int64),
	}
}

func (m *MemoryCheckpointStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	raw, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.latest[cp.ThreadID]; ok && cp.SequenceNo <= cur {
		return fmt.Errorf("%w: thread=%s got=%d latest=%d", ErrSequenceConflict, cp.ThreadID, cp.SequenceNo, cur)
	}
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], raw)
	m.latest[cp.ThreadID] = cp.SequenceNo
	return nil
}

func (m *MemoryCheckpointStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThread
	}
	m.mu.RLock()
	rows := m.threads[threadID]
	var raw []byte
	if len(rows) > 0 {
		raw = rows[len(rows)-1]
	}
	m.mu.RUnlock()

	if raw == nil {
		return nil, ErrCheckpointNotFound
	}
	return decodeCheckpoint(raw)
}

func (m *MemoryCheckpointStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThread
	}
	m.mu.RLock()
	rows := append([][]byte(nil), m.threads[threadID]...)
	m.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(rows))
	for _, raw := range rows {
		cp, err := decodeCheckpoint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
