package ctxengine

import "time"

// Priority orders context packages for delivery.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to its ranking weight. Unknown values weigh zero
// so malformed rows sink instead of erroring.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// rank returns a comparable ordinal, higher is more urgent. Used to enforce
// escalation-only priority changes.
func (p Priority) rank() int {
	return int(p.Weight())
}

// Role identifies a worker role requesting context. The set is closed so the
// affinity table stays exhaustive.
type Role string

const (
	RoleDeveloper Role = "developer"
	RoleQA        Role = "qa"
	RoleTechLead  Role = "tech_lead"
	RoleArchitect Role = "architect"
	RoleReviewer  Role = "reviewer"
)

// KnownRoles lists every role in a stable order.
func KnownRoles() []Role {
	return []Role{RoleDeveloper, RoleQA, RoleTechLead, RoleArchitect, RoleReviewer}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleQA, RoleTechLead, RoleArchitect, RoleReviewer:
		return true
	}
	return false
}

// ContentType classifies what a context package carries, for role affinity.
type ContentType string

const (
	ContentAPIContract    ContentType = "api_contract"
	ContentTestResult     ContentType = "test_result"
	ContentDesignDecision ContentType = "design_decision"
	ContentCodeMap        ContentType = "code_map"
	ContentBuildLog       ContentType = "build_log"
	ContentGeneral        ContentType = "general"
)

// ContextPackage is one retrievable unit of supporting material scoped to a
// session and optionally a task group. Packages are produced upstream; this
// subsystem only reads them, except for upward priority escalation.
type ContextPackage struct {
	ID          string
	SessionID   string
	GroupID     string
	Priority    Priority
	ContentType ContentType
	Summary     string
	ContentRef  string
	CreatedAt   time.Time
}

// ErrorSignature is the structured form of an observed failure, normalized
// before hashing so equivalent failures collide.
type ErrorSignature struct {
	Category     string
	Message      string
	ContextHints []string
	StackShape   []string
}

// ErrorPattern is a learned (signature -> solution) association. The solution
// text is always redacted before it reaches the store.
type ErrorPattern struct {
	Hash        string
	Project     string
	Signature   ErrorSignature
	Solution    string
	Confidence  float64
	Occurrences int
	Language    string
	CreatedAt   time.Time
	LastSeenAt  time.Time
	TTLDays     int
}

// PatternHint is the injectable view of a matched error pattern.
type PatternHint struct {
	Hash        string
	Solution    string
	Confidence  float64
	Occurrences int
}

// Strategy is a reusable approach distilled from a completed task.
type Strategy struct {
	ID          string
	Project     string
	Topic       string
	Insight     string
	Helpfulness int
	Language    string
	Framework   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConsumptionRecord marks that a package was delivered to a role on a
// specific iteration. The composite key makes delivery idempotent while
// letting a retried iteration see the same package again.
type ConsumptionRecord struct {
	SessionID string
	GroupID   string
	Role      Role
	Iteration int
	PackageID string
	CreatedAt time.Time
}

// FailureEvent reports a task-attempt failure, half of the fail-then-succeed
// pair that produces an error pattern.
type FailureEvent struct {
	AttemptID string
	Project   string
	Signature ErrorSignature
	Language  string
	At        time.Time
}

// SuccessEvent reports that a previously failing attempt succeeded, carrying
// the solution that fixed it.
type SuccessEvent struct {
	AttemptID string
	Project   string
	Solution  string
	At        time.Time
}

// AssembleRequest is one assembly invocation from the orchestrator.
type AssembleRequest struct {
	SessionID string
	GroupID   string
	Role      Role
	ModelID   string
	Task      string
	Iteration int

	// UsedTokens is the caller's current prompt consumption. When
	// UsageFraction is zero it is divided by the model's context window.
	UsedTokens    int
	UsageFraction float64

	// Project scopes error-pattern lookups; RecentFailures are the failures
	// the caller wants hints for.
	Project        string
	RecentFailures []ErrorSignature
}

// IncludedItem describes one package that made it into the assembled block.
type IncludedItem struct {
	PackageID string
	Priority  Priority
	Summary   string
}

// AssembledContext is the assembly result: one formatted block plus metadata.
type AssembledContext struct {
	Text     string
	Zone     Zone
	Included []IncludedItem
	Overflow int
	Hints    []PatternHint
	Degraded bool
}
