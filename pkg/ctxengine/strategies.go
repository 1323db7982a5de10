package ctxengine

import (
	"context"
	"fmt"
	"strings"
)

// StrategyBook stores reusable approaches distilled from completed tasks.
// Helpfulness only counts upward; strategies are never auto-deleted.
type StrategyBook struct {
	store    Store
	redactor Redactor
}

func NewStrategyBook(store Store, redactor Redactor) *StrategyBook {
	return &StrategyBook{store: store, redactor: redactor}
}

// Record persists a new insight. Free text goes through redaction like any
// other persisted capture.
func (b *StrategyBook) Record(ctx context.Context, st Strategy) (Strategy, error) {
	if strings.TrimSpace(st.Insight) == "" {
		return Strategy{}, fmt.Errorf("record strategy: empty insight")
	}
	st.Insight = b.redactor.Redact(st.Insight)
	st.Helpfulness = 0
	stored, err := b.store.InsertStrategy(ctx, st)
	if err != nil {
		return Strategy{}, fmt.Errorf("record strategy: %w", err)
	}
	return stored, nil
}

// MarkReused increments the helpfulness counter after a later reuse.
func (b *StrategyBook) MarkReused(ctx context.Context, id string) error {
	if err := b.store.BumpStrategyHelpfulness(ctx, id); err != nil {
		return fmt.Errorf("mark strategy reused: %w", err)
	}
	return nil
}

// TopFor lists the most helpful strategies for a project, optionally
// narrowed to a topic.
func (b *StrategyBook) TopFor(ctx context.Context, project, topic string, limit int) ([]Strategy, error) {
	return b.store.ListStrategies(ctx, project, topic, limit)
}
