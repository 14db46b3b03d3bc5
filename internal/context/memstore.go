package context

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local development. It
// mirrors the Postgres semantics: list ordering, access bookkeeping on get,
// and all-or-nothing archival.
type MemStore struct {
	mu          sync.Mutex
	items       map[string]*Item
	checkpoints []*Checkpoint
	nextCpID    int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*Item), nextCpID: 1}
}

func (s *MemStore) InsertItem(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemStore) GetItem(_ context.Context, agentID, itemID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.AgentID != agentID {
		return nil, ErrItemNotFound
	}
	item.LastAccessed = time.Now().UTC()
	item.AccessCount++
	cp := *item
	return &cp, nil
}

func (s *MemStore) ListItems(_ context.Context, q ListQuery) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Item
	for _, item := range s.items {
		if item.ProjectID != q.ProjectID || item.AgentID != q.AgentID {
			continue
		}
		if q.Tier != nil && item.CurrentTier != *q.Tier {
			continue
		}
		matched = append(matched, item)
	}
	sortItems(matched)

	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*Item, len(matched))
	for i, item := range matched {
		cp := *item
		out[i] = &cp
	}
	return out, nil
}

func (s *MemStore) DeleteItem(_ context.Context, agentID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.AgentID != agentID {
		return ErrItemNotFound
	}
	delete(s.items, itemID)
	return nil
}

func (s *MemStore) UpdateScore(_ context.Context, itemID string, score float64, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.ImportanceScore = score
	item.ImportanceReasoning = reasoning
	return nil
}

func (s *MemStore) UpdateTier(_ context.Context, itemID string, tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.CurrentTier = tier
	return nil
}

func (s *MemStore) ItemsForScope(_ context.Context, projectID, agentID string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*Item
	for _, item := range s.items {
		if item.ProjectID != projectID {
			continue
		}
		if agentID != "" && item.AgentID != agentID {
			continue
		}
		cp := *item
		matched = append(matched, &cp)
	}
	sortItems(matched)
	return matched, nil
}

func (s *MemStore) Scopes(_ context.Context) ([]Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Scope]struct{})
	var scopes []Scope
	for _, item := range s.items {
		sc := Scope{ProjectID: item.ProjectID, AgentID: item.AgentID}
		if _, ok := seen[sc]; !ok {
			seen[sc] = struct{}{}
			scopes = append(scopes, sc)
		}
	}
	return scopes, nil
}

func (s *MemStore) ArchiveItems(_ context.Context, cp *Checkpoint, itemIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range itemIDs {
		if _, ok := s.items[id]; !ok {
			return 0, ErrItemNotFound
		}
	}
	rec := *cp
	rec.ID = s.nextCpID
	rec.CreatedAt = time.Now().UTC()
	rec.CheckpointData = append([]byte(nil), cp.CheckpointData...)
	s.nextCpID++
	s.checkpoints = append(s.checkpoints, &rec)
	for _, id := range itemIDs {
		delete(s.items, id)
	}
	return rec.ID, nil
}

func (s *MemStore) ListCheckpoints(_ context.Context, agentID string, limit int) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Checkpoint
	for i := len(s.checkpoints) - 1; i >= 0 && len(out) < limit; i-- {
		if s.checkpoints[i].AgentID != agentID {
			continue
		}
		cp := *s.checkpoints[i]
		cp.CheckpointData = nil // summaries omit the payload
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) GetCheckpoint(_ context.Context, id int64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.checkpoints {
		if cp.ID == id {
			out := *cp
			out.CheckpointData = append([]byte(nil), cp.CheckpointData...)
			return &out, nil
		}
	}
	return nil, ErrCheckpointNotFound
}

func sortItems(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].ImportanceScore != items[j].ImportanceScore {
			return items[i].ImportanceScore > items[j].ImportanceScore
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
