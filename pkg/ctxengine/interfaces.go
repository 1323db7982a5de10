package ctxengine

import (
	"context"
	"time"
)

// Store provides durable persistence for packages, patterns, strategies, and
// consumption records. Retry/backoff under contention lives behind this
// interface; callers never see transient lock errors.
type Store interface {
	Close() error

	InsertPackage(ctx context.Context, pkg ContextPackage, content string) (ContextPackage, error)
	GetPackage(ctx context.Context, id string) (ContextPackage, error)
	ListPackages(ctx context.Context, sessionID, groupID string, limit int) ([]ContextPackage, error)
	GetContent(ctx context.Context, ref string) (string, error)
	EscalatePackagePriority(ctx context.Context, id string, to Priority) error

	UpsertPattern(ctx context.Context, pat ErrorPattern) (ErrorPattern, error)
	GetPattern(ctx context.Context, project, hash string) (ErrorPattern, error)
	SetPatternConfidence(ctx context.Context, project, hash string, confidence float64, seenAt time.Time) error
	ListPatterns(ctx context.Context, project string, limit int) ([]ErrorPattern, error)
	SweepExpiredPatterns(ctx context.Context, now time.Time) (int, error)

	InsertStrategy(ctx context.Context, st Strategy) (Strategy, error)
	BumpStrategyHelpfulness(ctx context.Context, id string) error
	ListStrategies(ctx context.Context, project, topic string, limit int) ([]Strategy, error)

	RecordConsumption(ctx context.Context, rec ConsumptionRecord) error
	ListConsumption(ctx context.Context, sessionID, groupID string, role Role, iteration int) ([]ConsumptionRecord, error)
}

// Ranker orders candidate packages for a requesting role. Implementations
// must be total: malformed packages are skipped, never surfaced as errors.
// The heuristic ranker is the permanent default; alternates (full-text,
// embedding) slot in behind this interface.
type Ranker interface {
	Rank(packages []ContextPackage, role Role, groupID string, now time.Time) []ContextPackage
}

// Estimator approximates token counts for a model, safety margin included.
type Estimator interface {
	Estimate(text, modelID string) int
	ContextWindow(modelID string) int
	Truncate(text, modelID string, maxTokens int) string
}

// Redactor scrubs secret-like substrings from text bound for persistence.
type Redactor interface {
	Redact(text string) string
}
