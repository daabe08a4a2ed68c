package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

const pgUniqueViolation = "23505"

type checkpointRow struct {
	bun.BaseModel `bun:"table:conversation_checkpoints,alias:cp"`

	ThreadID   string          `bun:"thread_id,pk"`
	SequenceNo int64           `bun:"sequence_no,pk"`
	NextNode   string          `bun:"next_node,notnull,default:''"`
	Source     string          `bun:"source,notnull,default:''"`
	State      json.RawMessage `bun:"state,type:jsonb,notnull"`
	CreatedAt  time.Time       `bun:"created_at,notnull"`
}

// PostgresCheckpointStore persists checkpoints in an append-only Postgres table.
type PostgresCheckpointStore struct {
	db bun.IDB
}

func NewPostgresCheckpointStore(db bun.IDB) (*PostgresCheckpointStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &PostgresCheckpointStore{db: db}, nil
}

// CreateSchema creates the checkpoint table when it does not exist.
func (s *PostgresCheckpointStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*checkpointRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	row := &checkpointRow{
		ThreadID:   cp.ThreadID,
		SequenceNo: cp.SequenceNo,
		NextNode:   cp.NextNode,
		Source:     cp.Source,
		State:      raw,
		CreatedAt:  cp.CreatedAt.UTC(),
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var latest int64
		if err := tx.NewSelect().
			Model((*checkpointRow)(nil)).
			ColumnExpr("COALESCE(MAX(sequence_no), 0)").
			Where("thread_id = ?", cp.ThreadID).
			Scan(ctx, &latest); err != nil {
			return fmt.Errorf("select latest checkpoint: %w", err)
		}
		if cp.SequenceNo <= latest {
			return fmt.Errorf("%w: thread=%s got=%d latest=%d", ErrSequenceConflict, cp.ThreadID, cp.SequenceNo, latest)
		}

		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			var pgErr pgdriver.Error
			if errors.As(err, &pgErr) && pgErr.Field('C') == pgUniqueViolation {
				return fmt.Errorf("%w: thread=%s seq=%d", ErrSequenceConflict, cp.ThreadID, cp.SequenceNo)
			}
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

func (s *PostgresCheckpointStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThread
	}
	var row checkpointRow
	err := s.db.NewSelect().
		Model(&row).
		Where("thread_id = ?", threadID).
		OrderExpr("sequence_no DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return row.toCheckpoint()
}

func (s *PostgresCheckpointStore) History(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThread
	}
	var rows []checkpointRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("thread_id = ?", threadID).
		OrderExpr("sequence_no ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("select checkpoint history: %w", err)
	}

	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := rows[i].toCheckpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (r *checkpointRow) toCheckpoint() (*Checkpoint, error) {
	var st ConversationState
	if err := json.Unmarshal(r.State, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state thread=%s seq=%d: %w", r.ThreadID, r.SequenceNo, err)
	}
	return &Checkpoint{
		ThreadID:   r.ThreadID,
		SequenceNo: r.SequenceNo,
		State:      &st,
		NextNode:   r.NextNode,
		Source:     r.Source,
		CreatedAt:  r.CreatedAt.UTC(),
	}, nil
}

var _ CheckpointStore = (*PostgresCheckpointStore)(nil)
