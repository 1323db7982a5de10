package ctxengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
)

func newTestAssembler(t *testing.T) (*Assembler, *SQLiteStore, config.Options) {
	t.Helper()
	store := newTestStore(t)
	opts := config.Default()
	patterns := NewPatternEngine(store, NewSecretRedactor(opts.Redaction), opts.Patterns)
	asm := NewAssembler(store, NewHeuristicRanker(opts.Ranking), NewTokenEstimator(opts.Budget.SafetyMargin), patterns, opts)
	return asm, store, opts
}

func seedPackages(t *testing.T, store *SQLiteStore, session string) []ContextPackage {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	specs := []struct {
		priority Priority
		summary  string
		body     string
	}{
		{PriorityCritical, "auth API contract", "POST /login returns a JWT on success"},
		{PriorityMedium, "recent test results", "42 passed, 1 skipped"},
		{PriorityLow, "build log tail", "warning: unused variable x"},
	}
	out := make([]ContextPackage, 0, len(specs))
	for i, spec := range specs {
		pkg, err := store.InsertPackage(ctx, ContextPackage{
			SessionID: session,
			GroupID:   "g1",
			Priority:  spec.priority,
			Summary:   spec.summary,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}, spec.body)
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, pkg)
	}
	return out
}

func TestAssemble_NormalZoneIncludesAllByPriority(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		Task:          "implement login endpoint",
		UsageFraction: 0.5,
	})

	if got.Zone != ZoneNormal {
		t.Fatalf("zone = %v, want normal", got.Zone)
	}
	if got.Degraded {
		t.Fatal("should not be degraded")
	}
	if len(got.Included) != 3 {
		t.Fatalf("included %d items, want 3", len(got.Included))
	}
	if got.Overflow != 0 {
		t.Errorf("overflow = %d, want 0", got.Overflow)
	}
	if got.Included[0].Priority != PriorityCritical {
		t.Errorf("first item priority = %q, want critical", got.Included[0].Priority)
	}
	if got.Included[2].Priority != PriorityLow {
		t.Errorf("last item priority = %q, want low", got.Included[2].Priority)
	}
	if !strings.Contains(got.Text, "Task: implement login endpoint") {
		t.Error("task line missing")
	}
	// Normal zone carries full bodies.
	if !strings.Contains(got.Text, "POST /login returns a JWT") {
		t.Error("body content missing in normal zone")
	}
}

func TestAssemble_RoleLimitOverflows(t *testing.T) {
	asm, store, opts := newTestAssembler(t)
	seedPackages(t, store, "sess-1")
	opts.Roles.DefaultLimit = 1
	opts.Roles.Limits = nil
	asm.opts = opts

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		UsageFraction: 0.3,
	})

	if len(got.Included) != 1 {
		t.Fatalf("included %d items, want 1", len(got.Included))
	}
	if got.Included[0].Priority != PriorityCritical {
		t.Errorf("the one kept item should be the critical one, got %q", got.Included[0].Priority)
	}
	if got.Overflow != 2 {
		t.Errorf("overflow = %d, want 2", got.Overflow)
	}
	if !strings.Contains(got.Text, "(+2 more items available)") {
		t.Errorf("overflow note missing from text:\n%s", got.Text)
	}
}

func TestAssemble_OverflowTruthfulPastHundredCandidates(t *testing.T) {
	ctx := context.Background()
	asm, store, _ := newTestAssembler(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 105; i++ {
		_, err := store.InsertPackage(ctx, ContextPackage{
			SessionID: "sess-big",
			GroupID:   "g1",
			Priority:  PriorityMedium,
			Summary:   fmt.Sprintf("note %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}, "")
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	got := asm.Assemble(ctx, AssembleRequest{
		SessionID:     "sess-big",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		UsageFraction: 0.3,
	})

	if len(got.Included) != 3 {
		t.Fatalf("included %d items, want the role limit of 3", len(got.Included))
	}
	if got.Overflow != 102 {
		t.Fatalf("overflow = %d, want 102 (all candidates counted, not a page)", got.Overflow)
	}
	if !strings.Contains(got.Text, "(+102 more items available)") {
		t.Errorf("overflow note wrong:\n%s", firstLines(got.Text, 6))
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func TestAssemble_ConservativeZoneFiltersAndSkipsBodies(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		UsageFraction: 0.80,
	})

	if got.Zone != ZoneConservative {
		t.Fatalf("zone = %v, want conservative", got.Zone)
	}
	if len(got.Included) != 1 {
		t.Fatalf("included %d items, want only the critical one", len(got.Included))
	}
	if got.Included[0].Priority != PriorityCritical {
		t.Errorf("kept priority = %q, want critical", got.Included[0].Priority)
	}
	if strings.Contains(got.Text, "POST /login returns a JWT") {
		t.Error("conservative zone must not include full bodies")
	}
}

func TestAssemble_WrapupZoneEmitsMarkerOnly(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		UsageFraction: 0.90,
	})

	if got.Zone != ZoneWrapup {
		t.Fatalf("zone = %v, want wrapup", got.Zone)
	}
	if !strings.Contains(got.Text, NoNewContextMarker) {
		t.Errorf("wrapup marker missing:\n%s", got.Text)
	}
	if len(got.Included) != 0 {
		t.Errorf("wrapup zone included %d items, want 0", len(got.Included))
	}
}

func TestAssemble_EmergencyZoneEmitsCheckpointMarker(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		UsageFraction: 0.97,
	})

	if got.Zone != ZoneEmergency {
		t.Fatalf("zone = %v, want emergency", got.Zone)
	}
	if !strings.Contains(got.Text, CheckpointMarker) {
		t.Errorf("checkpoint marker missing:\n%s", got.Text)
	}
	if strings.Contains(got.Text, "auth API contract") {
		t.Error("emergency zone must not carry context items")
	}
}

func TestAssemble_UsedTokensDeriveZone(t *testing.T) {
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	// 196000 of a 200000 window is 0.98, deep in the emergency band.
	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:  "sess-1",
		GroupID:    "g1",
		Role:       RoleDeveloper,
		ModelID:    "claude-sonnet",
		UsedTokens: 196000,
	})
	if got.Zone != ZoneEmergency {
		t.Fatalf("zone = %v, want emergency from used tokens", got.Zone)
	}
}

// failingStore wires a store whose package listing always errors, leaving
// the rest of the interface intact.
type failingStore struct {
	Store
}

func (f failingStore) ListPackages(ctx context.Context, sessionID, groupID string, limit int) ([]ContextPackage, error) {
	return nil, errors.New("disk is on fire")
}

func TestAssemble_DegradesWhenStoreFails(t *testing.T) {
	asm, store, opts := newTestAssembler(t)
	asm.store = failingStore{Store: store}
	_ = opts

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "sess-1",
		Role:          RoleQA,
		Task:          "verify login flow",
		UsageFraction: 0.2,
	})

	if !got.Degraded {
		t.Fatal("expected a degraded block")
	}
	if !strings.Contains(got.Text, "Task: verify login flow") {
		t.Error("degraded block should still carry the task")
	}
	if !strings.Contains(got.Text, "context unavailable") {
		t.Errorf("degraded note missing:\n%s", got.Text)
	}
}

func TestAssemble_InjectsConfirmedPatternHints(t *testing.T) {
	ctx := context.Background()
	asm, store, _ := newTestAssembler(t)
	seedPackages(t, store, "sess-1")

	sig := buildSig("connection refused during deploy")
	asm.patterns.RecordFailure(FailureEvent{AttemptID: "a1", Project: "proj", Signature: sig})
	if _, _, err := asm.patterns.RecordSuccess(ctx, SuccessEvent{AttemptID: "a1", Project: "proj", Solution: "wait for the service healthcheck"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := store.SetPatternConfidence(ctx, "proj", SignatureHash(sig), 0.9, time.Now()); err != nil {
		t.Fatalf("set confidence: %v", err)
	}

	got := asm.Assemble(ctx, AssembleRequest{
		SessionID:      "sess-1",
		GroupID:        "g1",
		Role:           RoleDeveloper,
		ModelID:        "custom-model",
		Project:        "proj",
		UsageFraction:  0.4,
		RecentFailures: []ErrorSignature{sig, sig},
	})

	if len(got.Hints) != 1 {
		t.Fatalf("got %d hints, want 1 (duplicate failures collapse)", len(got.Hints))
	}
	if !strings.Contains(got.Text, "### Known error patterns") {
		t.Error("pattern section missing")
	}
	if !strings.Contains(got.Text, "wait for the service healthcheck") {
		t.Error("hint solution missing from text")
	}
	if !strings.Contains(got.Text, "confidence 0.90") {
		t.Errorf("hint confidence missing from text:\n%s", got.Text)
	}
}

func TestAssemble_RecordsConsumptionPerIncludedItem(t *testing.T) {
	ctx := context.Background()
	asm, store, _ := newTestAssembler(t)
	pkgs := seedPackages(t, store, "sess-1")

	_ = asm.Assemble(ctx, AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		Iteration:     4,
		UsageFraction: 0.3,
	})

	recs, err := store.ListConsumption(ctx, "sess-1", "g1", RoleDeveloper, 4)
	if err != nil {
		t.Fatalf("list consumption: %v", err)
	}
	if len(recs) != len(pkgs) {
		t.Fatalf("recorded %d deliveries, want %d", len(recs), len(pkgs))
	}

	// Re-assembling the same iteration must not double count.
	_ = asm.Assemble(ctx, AssembleRequest{
		SessionID:     "sess-1",
		GroupID:       "g1",
		Role:          RoleDeveloper,
		ModelID:       "custom-model",
		Iteration:     4,
		UsageFraction: 0.3,
	})
	recs, err = store.ListConsumption(ctx, "sess-1", "g1", RoleDeveloper, 4)
	if err != nil {
		t.Fatalf("list consumption again: %v", err)
	}
	if len(recs) != len(pkgs) {
		t.Fatalf("re-delivery doubled records: %d, want %d", len(recs), len(pkgs))
	}
}

func TestAssemble_EmptySessionYieldsHeaderOnly(t *testing.T) {
	asm, _, _ := newTestAssembler(t)

	got := asm.Assemble(context.Background(), AssembleRequest{
		SessionID:     "empty-session",
		Role:          RoleReviewer,
		UsageFraction: 0.1,
	})
	if got.Degraded {
		t.Fatal("an empty session is not a degradation")
	}
	if len(got.Included) != 0 {
		t.Fatalf("included %d items from an empty session", len(got.Included))
	}
	if !strings.Contains(got.Text, "## Context for reviewer") {
		t.Errorf("header missing:\n%s", got.Text)
	}
	if strings.Contains(got.Text, "### Relevant context") {
		t.Error("item section should be absent when there are no items")
	}
}
