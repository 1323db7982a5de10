package ctxengine

import (
	"testing"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
)

func testRanker() *HeuristicRanker {
	return NewHeuristicRanker(config.Default().Ranking)
}

func pkgWith(id string, priority Priority, group string, age time.Duration) ContextPackage {
	return ContextPackage{
		ID:          id,
		SessionID:   "s1",
		GroupID:     group,
		Priority:    priority,
		ContentType: ContentGeneral,
		Summary:     "summary " + id,
		CreatedAt:   time.Now().Add(-age),
	}
}

func TestRank_PriorityMonotone(t *testing.T) {
	now := time.Now()
	packages := []ContextPackage{
		pkgWith("low", PriorityLow, "g1", time.Hour),
		pkgWith("medium", PriorityMedium, "g1", time.Hour),
		pkgWith("critical", PriorityCritical, "g1", time.Hour),
		pkgWith("high", PriorityHigh, "g1", time.Hour),
	}
	ranked := testRanker().Rank(packages, RoleDeveloper, "g1", now)

	wantOrder := []string{"critical", "high", "medium", "low"}
	if len(ranked) != len(wantOrder) {
		t.Fatalf("expected %d packages, got %d", len(wantOrder), len(ranked))
	}
	for i, id := range wantOrder {
		if ranked[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, ranked[i].ID, id)
		}
	}
}

func TestRank_GroupBonus(t *testing.T) {
	now := time.Now()
	packages := []ContextPackage{
		pkgWith("other-group", PriorityMedium, "g2", time.Hour),
		pkgWith("same-group", PriorityMedium, "g1", time.Hour),
	}
	ranked := testRanker().Rank(packages, RoleDeveloper, "g1", now)
	if ranked[0].ID != "same-group" {
		t.Fatalf("expected same-group first, got %s", ranked[0].ID)
	}
}

func TestRank_RoleAffinity(t *testing.T) {
	now := time.Now()
	testResult := pkgWith("tests", PriorityMedium, "g1", time.Hour)
	testResult.ContentType = ContentTestResult
	design := pkgWith("design", PriorityMedium, "g1", time.Hour)
	design.ContentType = ContentDesignDecision

	ranked := testRanker().Rank([]ContextPackage{design, testResult}, RoleQA, "g1", now)
	if ranked[0].ID != "tests" {
		t.Fatalf("QA should prefer test results, got %s first", ranked[0].ID)
	}

	ranked = testRanker().Rank([]ContextPackage{testResult, design}, RoleArchitect, "g1", now)
	if ranked[0].ID != "design" {
		t.Fatalf("architect should prefer design decisions, got %s first", ranked[0].ID)
	}
}

func TestRank_RecencyDecay(t *testing.T) {
	now := time.Now()
	packages := []ContextPackage{
		pkgWith("stale", PriorityMedium, "g1", 72*time.Hour),
		pkgWith("fresh", PriorityMedium, "g1", time.Minute),
	}
	ranked := testRanker().Rank(packages, RoleDeveloper, "g1", now)
	if ranked[0].ID != "fresh" {
		t.Fatalf("expected fresh package first, got %s", ranked[0].ID)
	}
}

func TestRank_TiesKeepInsertionOrder(t *testing.T) {
	now := time.Now()
	created := now.Add(-time.Hour)
	var packages []ContextPackage
	for _, id := range []string{"a", "b", "c"} {
		p := pkgWith(id, PriorityMedium, "g1", 0)
		p.CreatedAt = created
		packages = append(packages, p)
	}
	for i := 0; i < 5; i++ {
		ranked := testRanker().Rank(packages, RoleDeveloper, "g1", now)
		for j, id := range []string{"a", "b", "c"} {
			if ranked[j].ID != id {
				t.Fatalf("run %d: tie order not stable: got %s at %d", i, ranked[j].ID, j)
			}
		}
	}
}

func TestRank_SkipsMalformed(t *testing.T) {
	now := time.Now()
	packages := []ContextPackage{
		{ID: "", Priority: PriorityHigh},
		{ID: "bad-priority", Priority: Priority("urgent")},
		pkgWith("ok", PriorityLow, "g1", time.Hour),
	}
	ranked := testRanker().Rank(packages, RoleDeveloper, "g1", now)
	if len(ranked) != 1 || ranked[0].ID != "ok" {
		t.Fatalf("expected only the well-formed package, got %v", ranked)
	}
}

func TestRecencyDecay(t *testing.T) {
	now := time.Now()
	if got := recencyDecay(now, now); got != 1 {
		t.Errorf("zero age should decay to 1, got %v", got)
	}
	if got := recencyDecay(now, now.Add(-time.Hour)); got != 0.5 {
		t.Errorf("one hour age should decay to 0.5, got %v", got)
	}
	if got := recencyDecay(now, now.Add(time.Hour)); got != 1 {
		t.Errorf("future timestamps should clamp to zero age, got %v", got)
	}
	prev := 1.0
	for h := 1; h <= 100; h += 7 {
		d := recencyDecay(now, now.Add(-time.Duration(h)*time.Hour))
		if d >= prev {
			t.Fatalf("decay not monotone at %dh: %v >= %v", h, d, prev)
		}
		prev = d
	}
}

func TestAffinityTableExhaustive(t *testing.T) {
	for ct, table := range roleAffinity {
		for _, role := range KnownRoles() {
			v, ok := table[role]
			if !ok {
				t.Errorf("affinity table for %s missing role %s", ct, role)
			}
			if v < 0 || v > 1 {
				t.Errorf("affinity %s/%s = %v out of [0,1]", ct, role, v)
			}
		}
	}
}
