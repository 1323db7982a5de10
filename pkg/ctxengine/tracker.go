package ctxengine

import (
	"context"
	"fmt"
	"time"
)

// ConsumptionTracker records which package was shown to which role and
// iteration. Records are append-only and idempotent per composite key, so a
// retried attempt (new iteration) is a fresh delivery opportunity rather
// than a suppressed duplicate.
type ConsumptionTracker struct {
	store Store
}

func NewConsumptionTracker(store Store) *ConsumptionTracker {
	return &ConsumptionTracker{store: store}
}

// Record marks one delivery. Calling it twice with identical arguments
// yields exactly one stored row and no error.
func (t *ConsumptionTracker) Record(ctx context.Context, sessionID, groupID string, role Role, iteration int, packageID string) error {
	if packageID == "" {
		return fmt.Errorf("record consumption: empty package id")
	}
	return t.store.RecordConsumption(ctx, ConsumptionRecord{
		SessionID: sessionID,
		GroupID:   groupID,
		Role:      role,
		Iteration: iteration,
		PackageID: packageID,
		CreatedAt: time.Now(),
	})
}

// Delivered lists what a role has already been shown on an iteration.
func (t *ConsumptionTracker) Delivered(ctx context.Context, sessionID, groupID string, role Role, iteration int) ([]ConsumptionRecord, error) {
	return t.store.ListConsumption(ctx, sessionID, groupID, role, iteration)
}
