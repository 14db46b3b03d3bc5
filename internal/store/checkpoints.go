package store

import (
	stdctx "context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/context"
)

// ArchiveItems runs the flash-save unit of work: insert the checkpoint row
// and delete the archived items in one transaction. A failure at any point
// rolls back both, leaving the active set and checkpoint history unchanged.
func (s *Store) ArchiveItems(ctx stdctx.Context, cp *context.Checkpoint, itemIDs []string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin flash-save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var checkpointID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO context_checkpoints (
			agent_id, checkpoint_data, items_count, items_archived,
			hot_items_retained, token_count
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		cp.AgentID, cp.CheckpointData, cp.ItemsCount, cp.ItemsArchived,
		cp.HotItemsRetained, cp.TokenCount,
	).Scan(&checkpointID)
	if err != nil {
		return 0, fmt.Errorf("insert checkpoint: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM context_items WHERE id = ANY($1) AND agent_id = $2`,
		itemIDs, cp.AgentID)
	if err != nil {
		return 0, fmt.Errorf("remove archived items: %w", err)
	}
	if int(tag.RowsAffected()) != len(itemIDs) {
		// A candidate vanished between selection and archival; abort rather
		// than commit a checkpoint that disagrees with what was removed.
		return 0, fmt.Errorf("archive removed %d items, expected %d", tag.RowsAffected(), len(itemIDs))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit flash-save tx: %w", err)
	}

	s.logger.Info("checkpoint written",
		zap.Int64("checkpoint", checkpointID),
		zap.String("agent", cp.AgentID),
		zap.Int("archived", cp.ItemsArchived))
	return checkpointID, nil
}

// ListCheckpoints returns checkpoint summaries for an agent, most recent
// first. The payload is left out; GetCheckpoint returns it.
func (s *Store) ListCheckpoints(ctx stdctx.Context, agentID string, limit int) ([]*context.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, items_count, items_archived,
		       hot_items_retained, token_count, created_at
		FROM context_checkpoints
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*context.Checkpoint
	for rows.Next() {
		var cp context.Checkpoint
		if err := rows.Scan(
			&cp.ID, &cp.AgentID, &cp.ItemsCount, &cp.ItemsArchived,
			&cp.HotItemsRetained, &cp.TokenCount, &cp.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// GetCheckpoint returns the full checkpoint record including checkpoint_data.
func (s *Store) GetCheckpoint(ctx stdctx.Context, id int64) (*context.Checkpoint, error) {
	var cp context.Checkpoint
	err := s.db.QueryRow(ctx, `
		SELECT id, agent_id, checkpoint_data, items_count, items_archived,
		       hot_items_retained, token_count, created_at
		FROM context_checkpoints
		WHERE id = $1`, id,
	).Scan(
		&cp.ID, &cp.AgentID, &cp.CheckpointData, &cp.ItemsCount,
		&cp.ItemsArchived, &cp.HotItemsRetained, &cp.TokenCount, &cp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, context.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("get checkpoint %d: %w", id, err)
	}
	return &cp, nil
}
