package store

import (
	stdctx "context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vault-tec/internal/context"
)

const itemColumns = `id, project_id, agent_id, item_type, content, metadata,
	importance_score, COALESCE(importance_reasoning, ''), current_tier,
	manual_pin, created_at, last_accessed, access_count`

// InsertItem persists a new context item.
func (s *Store) InsertItem(ctx stdctx.Context, item *context.Item) error {
	meta, err := marshalMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO context_items (
			id, project_id, agent_id, item_type, content, metadata,
			importance_score, importance_reasoning, current_tier,
			manual_pin, created_at, last_accessed, access_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)`,
		item.ID, item.ProjectID, item.AgentID, string(item.ItemType),
		item.Content, meta, item.ImportanceScore, item.ImportanceReasoning,
		string(item.CurrentTier), item.ManualPin,
		item.CreatedAt, item.LastAccessed, item.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("insert context item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem fetches one item scoped to its owning agent, bumping last_accessed
// and access_count in the same statement so the read bookkeeping cannot be
// lost to a concurrent writer.
func (s *Store) GetItem(ctx stdctx.Context, agentID, itemID string) (*context.Item, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE context_items
		SET last_accessed = NOW(), access_count = access_count + 1
		WHERE id = $1 AND agent_id = $2
		RETURNING `+itemColumns,
		itemID, agentID)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, context.ErrItemNotFound
		}
		return nil, fmt.Errorf("get context item %s: %w", itemID, err)
	}
	return item, nil
}

// ListItems returns a page of items for (project, agent), optionally
// tier-filtered, ordered by descending importance then creation order. Both
// query shapes lead with the idx_context_items_scope prefix columns, so the
// planner stays on the composite index as the table grows.
func (s *Store) ListItems(ctx stdctx.Context, q context.ListQuery) ([]*context.Item, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q.Tier != nil {
		rows, err = s.db.Query(ctx, `
			SELECT `+itemColumns+`
			FROM context_items
			WHERE project_id = $1 AND agent_id = $2 AND current_tier = $3
			ORDER BY importance_score DESC, created_at
			LIMIT $4 OFFSET $5`,
			q.ProjectID, q.AgentID, string(*q.Tier), q.Limit, q.Offset)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+itemColumns+`
			FROM context_items
			WHERE project_id = $1 AND agent_id = $2
			ORDER BY importance_score DESC, created_at
			LIMIT $3 OFFSET $4`,
			q.ProjectID, q.AgentID, q.Limit, q.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list context items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// DeleteItem hard-deletes one item. A missing row is reported as not found
// so the caller can surface 404; repeating the delete is harmless.
func (s *Store) DeleteItem(ctx stdctx.Context, agentID, itemID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM context_items WHERE id = $1 AND agent_id = $2`,
		itemID, agentID)
	if err != nil {
		return fmt.Errorf("delete context item %s: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return context.ErrItemNotFound
	}
	return nil
}

// UpdateScore persists a recomputed score and reasoning. Tier is untouched.
func (s *Store) UpdateScore(ctx stdctx.Context, itemID string, score float64, reasoning string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE context_items
		SET importance_score = $2, importance_reasoning = NULLIF($3, '')
		WHERE id = $1`,
		itemID, score, reasoning)
	if err != nil {
		return fmt.Errorf("update score %s: %w", itemID, err)
	}
	return nil
}

// UpdateTier persists a recomputed tier. Score is untouched.
func (s *Store) UpdateTier(ctx stdctx.Context, itemID string, tier context.Tier) error {
	_, err := s.db.Exec(ctx, `
		UPDATE context_items SET current_tier = $2 WHERE id = $1`,
		itemID, string(tier))
	if err != nil {
		return fmt.Errorf("update tier %s: %w", itemID, err)
	}
	return nil
}

// ItemsForScope returns every item for the project, narrowed to one agent
// when agentID is non-empty.
func (s *Store) ItemsForScope(ctx stdctx.Context, projectID, agentID string) ([]*context.Item, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.db.Query(ctx, `
			SELECT `+itemColumns+`
			FROM context_items
			WHERE project_id = $1 AND agent_id = $2
			ORDER BY importance_score DESC, created_at`,
			projectID, agentID)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT `+itemColumns+`
			FROM context_items
			WHERE project_id = $1
			ORDER BY importance_score DESC, created_at`,
			projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("items for scope %s/%s: %w", projectID, agentID, err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Scopes returns every distinct (project, agent) pair with active items.
func (s *Store) Scopes(ctx stdctx.Context) ([]context.Scope, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT project_id, agent_id FROM context_items`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []context.Scope
	for rows.Next() {
		var sc context.Scope
		if err := rows.Scan(&sc.ProjectID, &sc.AgentID); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

func scanItems(rows pgx.Rows) ([]*context.Item, error) {
	var items []*context.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*context.Item, error) {
	var (
		item           context.Item
		meta           []byte
		itemType, tier string
	)
	if err := row.Scan(
		&item.ID, &item.ProjectID, &item.AgentID, &itemType,
		&item.Content, &meta, &item.ImportanceScore, &item.ImportanceReasoning,
		&tier, &item.ManualPin, &item.CreatedAt,
		&item.LastAccessed, &item.AccessCount,
	); err != nil {
		return nil, err
	}
	item.ItemType = context.ItemType(itemType)
	item.CurrentTier = context.Tier(tier)
	if len(meta) > 0 && string(meta) != "{}" {
		if err := json.Unmarshal(meta, &item.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &item, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
