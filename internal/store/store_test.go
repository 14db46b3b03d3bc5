package store

import (
	"bytes"
	stdctx "context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-tec/internal/context"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := stdctx.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("vault_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Println("skipping store tests, docker unavailable:", err)
		os.Exit(0)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		fmt.Println("pg connection string:", err)
		os.Exit(1)
	}

	testStore, err = New(dsn, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		fmt.Println("connect:", err)
		os.Exit(1)
	}
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		container.Terminate(ctx)
		fmt.Println("migrate:", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

// mkItem builds a fully-populated item on the given tier. Tests use distinct
// project/agent ids so they do not see each other's rows.
func mkItem(projectID, agentID string, tier context.Tier, score float64) *context.Item {
	now := time.Now().UTC().Truncate(time.Microsecond) // Postgres keeps microseconds
	return &context.Item{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		AgentID:         agentID,
		ItemType:        context.ItemTypeTask,
		Content:         "content " + string(tier),
		Metadata:        map[string]any{"origin": "test"},
		ImportanceScore: score,
		CurrentTier:     tier,
		CreatedAt:       now,
		LastAccessed:    now,
	}
}

func mustInsert(t *testing.T, item *context.Item) {
	t.Helper()
	if err := testStore.InsertItem(stdctx.Background(), item); err != nil {
		t.Fatalf("insert item: %v", err)
	}
}

func TestItemLifecycle(t *testing.T) {
	ctx := stdctx.Background()
	item := mkItem("p-life", "a-life", context.TierWarm, 0.6)
	item.ImportanceReasoning = "type=task(1.00) decay=0.5"
	mustInsert(t, item)

	got, err := testStore.GetItem(ctx, "a-life", item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d after one read, want 1", got.AccessCount)
	}
	if !got.LastAccessed.After(item.LastAccessed) {
		t.Errorf("last_accessed not bumped: %v", got.LastAccessed)
	}
	if got.Content != item.Content || got.ItemType != item.ItemType ||
		got.ImportanceReasoning != item.ImportanceReasoning {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Metadata["origin"] != "test" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}

	if _, err := testStore.GetItem(ctx, "another-agent", item.ID); !errors.Is(err, context.ErrItemNotFound) {
		t.Errorf("cross-agent get: got %v, want ErrItemNotFound", err)
	}

	if err := testStore.DeleteItem(ctx, "a-life", item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := testStore.DeleteItem(ctx, "a-life", item.ID); !errors.Is(err, context.ErrItemNotFound) {
		t.Errorf("repeat delete: got %v, want ErrItemNotFound", err)
	}
}

func TestScoreAndTierUpdates(t *testing.T) {
	ctx := stdctx.Background()
	item := mkItem("p-upd", "a-upd", context.TierHot, 0.9)
	mustInsert(t, item)

	if err := testStore.UpdateScore(ctx, item.ID, 0.35, "decayed"); err != nil {
		t.Fatalf("update score: %v", err)
	}
	got, _ := testStore.GetItem(ctx, "a-upd", item.ID)
	if got.ImportanceScore != 0.35 || got.CurrentTier != context.TierHot {
		t.Errorf("score update touched tier: score=%v tier=%s", got.ImportanceScore, got.CurrentTier)
	}

	if err := testStore.UpdateTier(ctx, item.ID, context.TierCold); err != nil {
		t.Fatalf("update tier: %v", err)
	}
	got, _ = testStore.GetItem(ctx, "a-upd", item.ID)
	if got.CurrentTier != context.TierCold || got.ImportanceScore != 0.35 {
		t.Errorf("tier update wrong: score=%v tier=%s", got.ImportanceScore, got.CurrentTier)
	}
}

func TestListFilterOrderPagination(t *testing.T) {
	ctx := stdctx.Background()

	hot := mkItem("p-list", "a-list", context.TierHot, 0.9)
	warm := mkItem("p-list", "a-list", context.TierWarm, 0.6)
	cold := mkItem("p-list", "a-list", context.TierCold, 0.2)
	for _, it := range []*context.Item{cold, hot, warm} {
		mustInsert(t, it)
	}

	tier := context.TierHot
	page, err := testStore.ListItems(ctx, context.ListQuery{
		ProjectID: "p-list", AgentID: "a-list", Tier: &tier, Limit: 10,
	})
	if err != nil {
		t.Fatalf("list hot: %v", err)
	}
	if len(page) != 1 || page[0].ID != hot.ID {
		t.Fatalf("hot page = %d items, want exactly the hot item", len(page))
	}

	all, err := testStore.ListItems(ctx, context.ListQuery{
		ProjectID: "p-list", AgentID: "a-list", Limit: 10,
	})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("union = %d items, want 3", len(all))
	}
	if all[0].ID != hot.ID || all[1].ID != warm.ID || all[2].ID != cold.ID {
		t.Errorf("wrong order: %v %v %v", all[0].ImportanceScore, all[1].ImportanceScore, all[2].ImportanceScore)
	}

	second, err := testStore.ListItems(ctx, context.ListQuery{
		ProjectID: "p-list", AgentID: "a-list", Limit: 1, Offset: 1,
	})
	if err != nil {
		t.Fatalf("offset page: %v", err)
	}
	if len(second) != 1 || second[0].ID != warm.ID {
		t.Errorf("offset=1 limit=1 returned wrong item")
	}

	empty, err := testStore.ListItems(ctx, context.ListQuery{
		ProjectID: "p-nothing", AgentID: "a-nothing", Limit: 10,
	})
	if err != nil {
		t.Fatalf("empty list: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty population returned %d items", len(empty))
	}
}

func TestArchiveItemsCommitsBothWrites(t *testing.T) {
	ctx := stdctx.Background()

	cold1 := mkItem("p-arch", "a-arch", context.TierCold, 0.1)
	cold2 := mkItem("p-arch", "a-arch", context.TierCold, 0.2)
	hot := mkItem("p-arch", "a-arch", context.TierHot, 0.9)
	for _, it := range []*context.Item{cold1, cold2, hot} {
		mustInsert(t, it)
	}

	payload, _ := json.Marshal([]*context.Item{cold1, cold2})
	cp := &context.Checkpoint{
		AgentID:          "a-arch",
		CheckpointData:   payload,
		ItemsCount:       3,
		ItemsArchived:    2,
		HotItemsRetained: 1,
		TokenCount:       42,
	}
	id, err := testStore.ArchiveItems(ctx, cp, []string{cold1.ID, cold2.ID})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if id == 0 {
		t.Fatal("expected checkpoint id")
	}

	left, _ := testStore.ItemsForScope(ctx, "p-arch", "a-arch")
	if len(left) != 1 || left[0].ID != hot.ID {
		t.Fatalf("active set = %d items after archive, want only the hot item", len(left))
	}

	got, err := testStore.GetCheckpoint(ctx, id)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	var restored []*context.Item
	if err := json.Unmarshal(got.CheckpointData, &restored); err != nil {
		t.Fatalf("decode checkpoint_data: %v", err)
	}
	if len(restored) != 2 || restored[0].Content != cold1.Content {
		t.Errorf("archived records do not reconstruct the originals")
	}

	// Immutability: consecutive reads return byte-identical payloads.
	again, _ := testStore.GetCheckpoint(ctx, id)
	if !bytes.Equal(got.CheckpointData, again.CheckpointData) {
		t.Error("checkpoint_data changed between reads")
	}
}

func TestArchiveItemsRollsBackOnFailure(t *testing.T) {
	ctx := stdctx.Background()

	item := mkItem("p-roll", "a-roll", context.TierCold, 0.1)
	mustInsert(t, item)

	// items_archived > items_count violates the table check constraint, so
	// the insert fails after the tx has started.
	cp := &context.Checkpoint{
		AgentID:        "a-roll",
		CheckpointData: []byte("[]"),
		ItemsCount:     1,
		ItemsArchived:  2,
	}
	if _, err := testStore.ArchiveItems(ctx, cp, []string{item.ID}); err == nil {
		t.Fatal("expected constraint violation")
	}

	left, _ := testStore.ItemsForScope(ctx, "p-roll", "a-roll")
	if len(left) != 1 {
		t.Fatalf("active set = %d after failed archive, want 1", len(left))
	}
	cps, _ := testStore.ListCheckpoints(ctx, "a-roll", 10)
	if len(cps) != 0 {
		t.Fatalf("failed archive left %d checkpoints", len(cps))
	}
}

func TestArchiveItemsAbortsOnVanishedCandidate(t *testing.T) {
	ctx := stdctx.Background()

	item := mkItem("p-van", "a-van", context.TierCold, 0.1)
	mustInsert(t, item)

	cp := &context.Checkpoint{
		AgentID:        "a-van",
		CheckpointData: []byte("[]"),
		ItemsCount:     2,
		ItemsArchived:  2,
	}
	// One of the two candidates does not exist anymore.
	_, err := testStore.ArchiveItems(ctx, cp, []string{item.ID, uuid.New().String()})
	if err == nil {
		t.Fatal("expected abort when a candidate is missing")
	}
	left, _ := testStore.ItemsForScope(ctx, "p-van", "a-van")
	if len(left) != 1 {
		t.Fatalf("active set = %d, want untouched 1", len(left))
	}
}

func TestListCheckpointsMostRecentFirst(t *testing.T) {
	ctx := stdctx.Background()

	for i := 0; i < 15; i++ {
		item := mkItem("p-hist", "a-hist", context.TierCold, 0.1)
		mustInsert(t, item)
		cp := &context.Checkpoint{
			AgentID:        "a-hist",
			CheckpointData: []byte("[]"),
			ItemsCount:     1,
			ItemsArchived:  1,
		}
		if _, err := testStore.ArchiveItems(ctx, cp, []string{item.ID}); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}

	cps, err := testStore.ListCheckpoints(ctx, "a-hist", 5)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 5 {
		t.Fatalf("got %d checkpoints, want 5", len(cps))
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].ID > cps[i-1].ID {
			t.Fatalf("not most-recent-first: id %d before %d", cps[i-1].ID, cps[i].ID)
		}
	}
	// Summaries omit the payload.
	if len(cps[0].CheckpointData) != 0 {
		t.Error("checkpoint summary carries the payload")
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	if _, err := testStore.GetCheckpoint(stdctx.Background(), 9999999); !errors.Is(err, context.ErrCheckpointNotFound) {
		t.Fatalf("got %v, want ErrCheckpointNotFound", err)
	}
}

func TestScopes(t *testing.T) {
	ctx := stdctx.Background()
	mustInsert(t, mkItem("p-scope", "a-one", context.TierHot, 0.9))
	mustInsert(t, mkItem("p-scope", "a-two", context.TierHot, 0.9))

	scopes, err := testStore.Scopes(ctx)
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	found := 0
	for _, sc := range scopes {
		if sc.ProjectID == "p-scope" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("found %d scopes for p-scope, want 2", found)
	}
}

// The tier-filtered list query must run off the composite
// (project_id, agent_id, current_tier, ...) index rather than scanning the
// table, even as the population grows.
func TestListUsesCompositeIndex(t *testing.T) {
	ctx := stdctx.Background()

	tiers := []context.Tier{context.TierHot, context.TierWarm, context.TierCold}
	for i := 0; i < 1000; i++ {
		item := mkItem("p-idx", fmt.Sprintf("a-idx-%d", i%20), tiers[i%3], float64(i%100)/100)
		mustInsert(t, item)
	}
	if _, err := testStore.db.Exec(ctx, "ANALYZE context_items"); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	rows, err := testStore.db.Query(ctx, `
		EXPLAIN
		SELECT id FROM context_items
		WHERE project_id = $1 AND agent_id = $2 AND current_tier = $3
		ORDER BY importance_score DESC, created_at
		LIMIT 100`,
		"p-idx", "a-idx-7", "cold")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer rows.Close()

	var plan strings.Builder
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			t.Fatalf("scan plan: %v", err)
		}
		plan.WriteString(line)
		plan.WriteString("\n")
	}
	if !strings.Contains(plan.String(), "idx_context_items_scope") {
		t.Fatalf("query plan does not use the composite index:\n%s", plan.String())
	}
	if strings.Contains(plan.String(), "Seq Scan") {
		t.Fatalf("query plan falls back to a full scan:\n%s", plan.String())
	}

	// Repeated filtered reads stay fast on the indexed path.
	tier := context.TierCold
	start := time.Now()
	for i := 0; i < 100; i++ {
		if _, err := testStore.ListItems(ctx, context.ListQuery{
			ProjectID: "p-idx", AgentID: fmt.Sprintf("a-idx-%d", i%20), Tier: &tier, Limit: 50,
		}); err != nil {
			t.Fatalf("repeated list %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("100 indexed queries took %v", elapsed)
	}
}
