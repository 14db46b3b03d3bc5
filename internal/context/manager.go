package context

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/lock"
)

// ErrSerialization marks a flash-save pass aborted because a candidate item
// could not be encoded into checkpoint_data. The active set is untouched.
var ErrSerialization = errors.New("checkpoint serialization failed")

// ListQuery selects items for an agent on a project, optionally filtered by
// tier, paginated.
type ListQuery struct {
	ProjectID string
	AgentID   string
	Tier      *Tier
	Limit     int
	Offset    int
}

// Store is the durable persistence boundary the manager runs against. The
// Postgres implementation lives in internal/store; ArchiveItems is the
// transactional unit of work backing flash-save.
type Store interface {
	InsertItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, agentID, itemID string) (*Item, error)
	ListItems(ctx context.Context, q ListQuery) ([]*Item, error)
	DeleteItem(ctx context.Context, agentID, itemID string) error
	UpdateScore(ctx context.Context, itemID string, score float64, reasoning string) error
	UpdateTier(ctx context.Context, itemID string, tier Tier) error

	// ItemsForScope returns every item for (projectID, agentID); an empty
	// agentID widens the scope to all agents in the project.
	ItemsForScope(ctx context.Context, projectID, agentID string) ([]*Item, error)

	// Scopes returns every distinct (project, agent) pair with active items.
	Scopes(ctx context.Context) ([]Scope, error)

	// ArchiveItems inserts the checkpoint and removes the archived items in
	// one atomic transaction, returning the new checkpoint id. Both writes
	// succeed or neither does.
	ArchiveItems(ctx context.Context, cp *Checkpoint, itemIDs []string) (int64, error)

	ListCheckpoints(ctx context.Context, agentID string, limit int) ([]*Checkpoint, error)
	GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error)
}

// Scope identifies one agent's item set within a project.
type Scope struct {
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
}

// ManagerConfig bounds flash-save behavior.
type ManagerConfig struct {
	MinArchiveItems  int // low-water mark below which force=false passes no-op
	MaxArchiveBatch  int // cap on items archived per pass
	MaxContextTokens int // budget the stats usage percentage is computed against
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MinArchiveItems <= 0 {
		c.MinArchiveItems = 5
	}
	if c.MaxArchiveBatch <= 0 {
		c.MaxArchiveBatch = 500
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 180000
	}
	return c
}

// Manager owns the scoring, tiering, and flash-save passes for agent
// context. All state is per-instance; nothing process-wide.
type Manager struct {
	store  Store
	scorer *Scorer
	locks  lock.Locker
	tokens TokenEstimator
	cfg    ManagerConfig
	logger *zap.Logger
}

// NewManager wires a context manager. A nil estimator falls back to the
// byte-length heuristic; a nil locker uses the in-process locker.
func NewManager(store Store, scorer *Scorer, locks lock.Locker, tokens TokenEstimator, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if tokens == nil {
		tokens = HeuristicEstimator{}
	}
	if locks == nil {
		locks = lock.NewLocal()
	}
	if scorer == nil {
		scorer = NewScorer(nil)
	}
	return &Manager{
		store:  store,
		scorer: scorer,
		locks:  locks,
		tokens: tokens,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// CreateItem validates and persists a new context item. The initial score
// carries the full fresh-recency bonus, so new items never land COLD; a
// pinned item lands HOT outright.
func (m *Manager) CreateItem(ctx context.Context, projectID, agentID, itemType, content string, metadata map[string]any, pin bool) (*Item, error) {
	if projectID == "" {
		return nil, &ValidationError{Field: "project_id", Reason: "must not be empty"}
	}
	if agentID == "" {
		return nil, &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	typ, err := ParseItemType(itemType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	score := m.scorer.InitialScore(typ)
	item := &Item{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		AgentID:         agentID,
		ItemType:        typ,
		Content:         content,
		Metadata:        metadata,
		ImportanceScore: score,
		CurrentTier:     AssignTier(score, pin),
		ManualPin:       pin,
		CreatedAt:       now,
		LastAccessed:    now,
	}
	if err := m.store.InsertItem(ctx, item); err != nil {
		return nil, err
	}
	m.logger.Debug("context item created",
		zap.String("item", item.ID),
		zap.String("agent", agentID),
		zap.String("tier", string(item.CurrentTier)))
	return item, nil
}

// GetItem fetches one item, bumping last_accessed and access_count.
func (m *Manager) GetItem(ctx context.Context, agentID, itemID string) (*Item, error) {
	return m.store.GetItem(ctx, agentID, itemID)
}

// ListItems returns a tier-filtered, paginated page ordered by descending
// importance then creation order. current_tier may lag a scoring pass that
// landed after the last tiering pass; that staleness is accepted.
func (m *Manager) ListItems(ctx context.Context, q ListQuery) ([]*Item, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return m.store.ListItems(ctx, q)
}

// DeleteItem hard-deletes one item.
func (m *Manager) DeleteItem(ctx context.Context, agentID, itemID string) error {
	return m.store.DeleteItem(ctx, agentID, itemID)
}

// UpdateScores recomputes and persists importance scores for every item in
// scope. Tiers are not touched; run UpdateTiers afterwards for a fresh tier.
func (m *Manager) UpdateScores(ctx context.Context, projectID, agentID string) (int, error) {
	items, err := m.store.ItemsForScope(ctx, projectID, agentID)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, item := range items {
		score, reasoning := m.scorer.Rescore(item)
		if err := m.store.UpdateScore(ctx, item.ID, score, reasoning); err != nil {
			return updated, fmt.Errorf("update score for %s: %w", item.ID, err)
		}
		updated++
	}
	m.logger.Info("scoring pass complete",
		zap.String("project", projectID),
		zap.String("agent", agentID),
		zap.Int("updated", updated))
	return updated, nil
}

// UpdateTiers applies the tier thresholds to every item in scope based on
// its persisted score and pin state.
func (m *Manager) UpdateTiers(ctx context.Context, projectID, agentID string) (int, error) {
	items, err := m.store.ItemsForScope(ctx, projectID, agentID)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, item := range items {
		tier := AssignTier(item.ImportanceScore, item.ManualPin)
		if err := m.store.UpdateTier(ctx, item.ID, tier); err != nil {
			return updated, fmt.Errorf("update tier for %s: %w", item.ID, err)
		}
		updated++
	}
	m.logger.Info("tiering pass complete",
		zap.String("project", projectID),
		zap.String("agent", agentID),
		zap.Int("updated", updated))
	return updated, nil
}

// Stats computes tier counts and token mass for an agent's active set.
func (m *Manager) Stats(ctx context.Context, projectID, agentID string) (*Stats, error) {
	items, err := m.store.ItemsForScope(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		AgentID:      agentID,
		ProjectID:    projectID,
		TotalCount:   len(items),
		CalculatedAt: time.Now().UTC(),
	}
	for _, item := range items {
		tokens := m.tokens.EstimateTokens(item.Content)
		st.TotalTokens += tokens
		switch item.CurrentTier {
		case TierHot:
			st.HotCount++
			st.HotTokens += tokens
		case TierWarm:
			st.WarmCount++
			st.WarmTokens += tokens
		case TierCold:
			st.ColdCount++
			st.ColdTokens += tokens
		}
	}
	st.TokenUsagePercentage = 100 * float64(st.TotalTokens) / float64(m.cfg.MaxContextTokens)
	return st, nil
}

// FlashSave archives the agent's COLD tier into one immutable checkpoint and
// removes those items from the active set, atomically. Passes for the same
// agent are single-flight; a competing call gets ErrFlashSaveInFlight.
//
// With force=false a candidate count below the low-water mark is a no-op
// (ItemsArchived=0, CheckpointID=0) so routine traffic does not spray
// checkpoints. force=true bypasses the guard but still no-ops when there is
// nothing COLD to archive.
func (m *Manager) FlashSave(ctx context.Context, agentID, projectID string, force bool) (*FlashSaveResult, error) {
	if agentID == "" {
		return nil, &ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	release, err := m.locks.Acquire(ctx, "flashsave:"+agentID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrFlashSaveInFlight
		}
		return nil, fmt.Errorf("acquire flash-save lock: %w", err)
	}
	defer release()

	items, err := m.store.ItemsForScope(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}

	var candidates, retained []*Item
	for _, item := range items {
		if item.CurrentTier == TierCold && len(candidates) < m.cfg.MaxArchiveBatch {
			candidates = append(candidates, item)
		} else {
			retained = append(retained, item)
		}
	}

	if len(candidates) == 0 || (!force && len(candidates) < m.cfg.MinArchiveItems) {
		m.logger.Debug("flash save skipped",
			zap.String("agent", agentID),
			zap.Int("cold_items", len(candidates)),
			zap.Bool("force", force))
		return &FlashSaveResult{
			ItemsCount:        len(items),
			HotItemsRetained:  countTier(items, TierHot),
			WarmItemsRetained: countTier(items, TierWarm),
			TokenCount:        m.sumTokens(items),
		}, nil
	}

	data, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	tokensBefore := m.sumTokens(items)
	tokensAfter := m.sumTokens(retained)

	cp := &Checkpoint{
		AgentID:          agentID,
		CheckpointData:   data,
		ItemsCount:       len(items),
		ItemsArchived:    len(candidates),
		HotItemsRetained: countTier(retained, TierHot),
		TokenCount:       tokensAfter,
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	checkpointID, err := m.store.ArchiveItems(ctx, cp, ids)
	if err != nil {
		return nil, fmt.Errorf("archive cold items: %w", err)
	}

	result := &FlashSaveResult{
		CheckpointID:      checkpointID,
		ItemsArchived:     len(candidates),
		ItemsCount:        len(items),
		HotItemsRetained:  cp.HotItemsRetained,
		WarmItemsRetained: countTier(retained, TierWarm),
		TokenCount:        tokensAfter,
	}
	if tokensBefore > 0 {
		result.ReductionPercentage = 100 * float64(tokensBefore-tokensAfter) / float64(tokensBefore)
	}
	m.logger.Info("flash save complete",
		zap.String("agent", agentID),
		zap.Int64("checkpoint", checkpointID),
		zap.Int("archived", result.ItemsArchived),
		zap.Int("tokens_after", tokensAfter))
	return result, nil
}

// ListCheckpoints returns the most recent checkpoint summaries for an agent.
func (m *Manager) ListCheckpoints(ctx context.Context, agentID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return m.store.ListCheckpoints(ctx, agentID, limit)
}

// GetCheckpoint returns the full checkpoint record including its payload.
func (m *Manager) GetCheckpoint(ctx context.Context, id int64) (*Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, id)
}

// MaintenancePass runs a scoring pass followed by a tiering pass over every
// (project, agent) scope with active items. Wired to the cron scheduler.
func (m *Manager) MaintenancePass(ctx context.Context) error {
	scopes, err := m.store.Scopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	for _, s := range scopes {
		if _, err := m.UpdateScores(ctx, s.ProjectID, s.AgentID); err != nil {
			return err
		}
		if _, err := m.UpdateTiers(ctx, s.ProjectID, s.AgentID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sumTokens(items []*Item) int {
	total := 0
	for _, item := range items {
		total += m.tokens.EstimateTokens(item.Content)
	}
	return total
}

func countTier(items []*Item, tier Tier) int {
	n := 0
	for _, item := range items {
		if item.CurrentTier == tier {
			n++
		}
	}
	return n
}
