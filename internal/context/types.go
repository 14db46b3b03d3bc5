package context

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is the coarse importance class of a context item. HOT items stay in
// fast active memory, COLD items are eligible for flash-save archival.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ItemType classifies what kind of working memory a context item holds.
type ItemType string

const (
	ItemTypeTask         ItemType = "task"
	ItemTypeCode         ItemType = "code"
	ItemTypeError        ItemType = "error"
	ItemTypeRequirements ItemType = "requirements_section"
	ItemTypeOther        ItemType = "other"
)

// Item is one unit of agent working memory.
type Item struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"project_id"`
	AgentID             string         `json:"agent_id"`
	ItemType            ItemType       `json:"item_type"`
	Content             string         `json:"content"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	ImportanceScore     float64        `json:"importance_score"`
	ImportanceReasoning string         `json:"importance_reasoning,omitempty"`
	CurrentTier         Tier           `json:"current_tier"`
	ManualPin           bool           `json:"manual_pin"`
	CreatedAt           time.Time      `json:"created_at"`
	LastAccessed        time.Time      `json:"last_accessed"`
	AccessCount         int            `json:"access_count"`
}

// Checkpoint is an immutable archive produced by a flash-save pass.
// CheckpointData holds the full records of the items moved out of the
// active set; the remaining fields summarize the pass.
type Checkpoint struct {
	ID               int64           `json:"id"`
	AgentID          string          `json:"agent_id"`
	CheckpointData   json.RawMessage `json:"checkpoint_data,omitempty"`
	ItemsCount       int             `json:"items_count"`
	ItemsArchived    int             `json:"items_archived"`
	HotItemsRetained int             `json:"hot_items_retained"`
	TokenCount       int             `json:"token_count"`
	CreatedAt        time.Time       `json:"created_at"`
}

// FlashSaveResult reports the outcome of a flash-save pass.
type FlashSaveResult struct {
	CheckpointID        int64   `json:"checkpoint_id"`
	ItemsArchived       int     `json:"items_archived"`
	ItemsCount          int     `json:"items_count"`
	HotItemsRetained    int     `json:"hot_items_retained"`
	WarmItemsRetained   int     `json:"warm_items_retained"`
	TokenCount          int     `json:"token_count"`
	ReductionPercentage float64 `json:"reduction_percentage"`
}

// Stats is the per-agent tier and token breakdown.
type Stats struct {
	AgentID              string    `json:"agent_id"`
	ProjectID            string    `json:"project_id"`
	HotCount             int       `json:"hot_count"`
	WarmCount            int       `json:"warm_count"`
	ColdCount            int       `json:"cold_count"`
	TotalCount           int       `json:"total_count"`
	HotTokens            int       `json:"hot_tokens"`
	WarmTokens           int       `json:"warm_tokens"`
	ColdTokens           int       `json:"cold_tokens"`
	TotalTokens          int       `json:"total_tokens"`
	TokenUsagePercentage float64   `json:"token_usage_percentage"`
	CalculatedAt         time.Time `json:"calculated_at"`
}

var (
	// ErrItemNotFound is returned when a context item does not exist.
	ErrItemNotFound = errors.New("context item not found")

	// ErrCheckpointNotFound is returned when a checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrFlashSaveInFlight is returned when a flash-save pass is already
	// running for the agent. Callers may retry once the pass completes.
	ErrFlashSaveInFlight = errors.New("flash save already in flight for agent")
)

// ValidationError rejects malformed input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseItemType validates an item type string against the closed variant set.
func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemTypeTask, ItemTypeCode, ItemTypeError, ItemTypeRequirements, ItemTypeOther:
		return ItemType(s), nil
	}
	return "", &ValidationError{Field: "item_type", Reason: fmt.Sprintf("unknown type %q", s)}
}

// ParseTier validates a tier string. Accepts upper or lower case.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(s)) {
	case TierHot:
		return TierHot, nil
	case TierWarm:
		return TierWarm, nil
	case TierCold:
		return TierCold, nil
	}
	return "", &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", s)}
}
