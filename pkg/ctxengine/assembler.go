package ctxengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// Markers emitted instead of context items when the budget says stop.
const (
	NoNewContextMarker = "NO NEW CONTEXT: token budget in wrapup zone"
	CheckpointMarker   = "EMERGENCY: checkpoint and halt before further work"
)

// conservativeSummaryTokens caps per-item summaries in the conservative zone.
const conservativeSummaryTokens = 60

// Assembler orchestrates ranking, budgeting, pattern matching, and
// consumption tracking into one bounded context block per invocation.
// Assemble never fails: every internal error degrades to a smaller block.
type Assembler struct {
	store     Store
	ranker    Ranker
	estimator Estimator
	patterns  *PatternEngine
	tracker   *ConsumptionTracker
	opts      config.Options
}

func NewAssembler(store Store, ranker Ranker, estimator Estimator, patterns *PatternEngine, opts config.Options) *Assembler {
	return &Assembler{
		store:     store,
		ranker:    ranker,
		estimator: estimator,
		patterns:  patterns,
		tracker:   NewConsumptionTracker(store),
		opts:      opts,
	}
}

// Assemble builds the context block for one worker invocation.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (out AssembledContext) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("assembler", "Recovered from panic, returning minimal block", map[string]interface{}{
				"panic":   fmt.Sprint(r),
				"session": req.SessionID,
			})
			out = a.minimalBlock(req, ZoneNormal)
		}
	}()

	zone := ZoneForUsage(a.usageFraction(req), a.opts.Budget)

	if zone == ZoneEmergency {
		return AssembledContext{
			Text: a.header(req, zone) + CheckpointMarker + "\n",
			Zone: zone,
		}
	}
	if zone == ZoneWrapup {
		return AssembledContext{
			Text: a.header(req, zone) + NoNewContextMarker + "\n",
			Zone: zone,
		}
	}

	candidates, err := a.store.ListPackages(ctx, req.SessionID, req.GroupID, 0)
	if err != nil {
		logger.WarnCF("assembler", "Store unavailable, degrading to minimal block", map[string]interface{}{
			"error":   err.Error(),
			"session": req.SessionID,
		})
		return a.minimalBlock(req, zone)
	}

	ranked := a.ranker.Rank(candidates, req.Role, req.GroupID, time.Now())
	if zone.CriticalOnly() {
		eligible := ranked[:0:0]
		for _, pkg := range ranked {
			if pkg.Priority == PriorityCritical || pkg.Priority == PriorityHigh {
				eligible = append(eligible, pkg)
			}
		}
		ranked = eligible
	}

	limit := a.opts.Roles.LimitFor(string(req.Role))
	overflow := 0
	if len(ranked) > limit {
		overflow = len(ranked) - limit
		ranked = ranked[:limit]
	}

	var b strings.Builder
	b.WriteString(a.header(req, zone))

	included := make([]IncludedItem, 0, len(ranked))
	if len(ranked) > 0 {
		fmt.Fprintf(&b, "### Relevant context (%d items)\n", len(ranked))
		for i, pkg := range ranked {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, pkg.Priority, a.renderSummary(pkg, req.ModelID, zone))
			if zone.FullBodies() {
				if body := a.loadBody(ctx, pkg, req.ModelID); body != "" {
					b.WriteString(indent(body))
					b.WriteString("\n")
				}
			}
			included = append(included, IncludedItem{
				PackageID: pkg.ID,
				Priority:  pkg.Priority,
				Summary:   pkg.Summary,
			})
			if err := a.tracker.Record(ctx, req.SessionID, req.GroupID, req.Role, req.Iteration, pkg.ID); err != nil {
				logger.WarnCF("assembler", "Failed to record consumption", map[string]interface{}{
					"error":      err.Error(),
					"package_id": pkg.ID,
				})
			}
		}
	}
	if overflow > 0 {
		fmt.Fprintf(&b, "(+%d more items available)\n", overflow)
	}

	hints := a.matchHints(ctx, req)
	if len(hints) > 0 {
		b.WriteString("\n### Known error patterns\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- (confidence %.2f, seen %dx) %s\n", h.Confidence, h.Occurrences, h.Solution)
		}
	}

	return AssembledContext{
		Text:     b.String(),
		Zone:     zone,
		Included: included,
		Overflow: overflow,
		Hints:    hints,
	}
}

func (a *Assembler) usageFraction(req AssembleRequest) float64 {
	if req.UsageFraction > 0 {
		return req.UsageFraction
	}
	if req.UsedTokens <= 0 {
		return 0
	}
	window := a.estimator.ContextWindow(req.ModelID)
	if window <= 0 {
		return 0
	}
	return float64(req.UsedTokens) / float64(window)
}

func (a *Assembler) header(req AssembleRequest, zone Zone) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Context for %s\n", req.Role)
	if req.Task != "" {
		fmt.Fprintf(&b, "Task: %s\n", req.Task)
	}
	fmt.Fprintf(&b, "Zone: %s\n\n", zone)
	return b.String()
}

// minimalBlock is the degraded result: role and task only, plus the zone
// indicator, never an error.
func (a *Assembler) minimalBlock(req AssembleRequest, zone Zone) AssembledContext {
	text := a.header(req, zone) + "(context unavailable; proceeding without supporting material)\n"
	return AssembledContext{Text: text, Zone: zone, Degraded: true}
}

func (a *Assembler) renderSummary(pkg ContextPackage, modelID string, zone Zone) string {
	summary := pkg.Summary
	if zone.CriticalOnly() {
		summary = a.estimator.Truncate(summary, modelID, conservativeSummaryTokens)
	}
	return summary
}

func (a *Assembler) loadBody(ctx context.Context, pkg ContextPackage, modelID string) string {
	if pkg.ContentRef == "" {
		return ""
	}
	body, err := a.store.GetContent(ctx, pkg.ContentRef)
	if err != nil {
		logger.WarnCF("assembler", "Failed to load package body, using summary only", map[string]interface{}{
			"error":      err.Error(),
			"package_id": pkg.ID,
		})
		return ""
	}
	return a.estimator.Truncate(body, modelID, a.opts.Budget.RoleTokenLimit)
}

func (a *Assembler) matchHints(ctx context.Context, req AssembleRequest) []PatternHint {
	if a.patterns == nil || len(req.RecentFailures) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var hints []PatternHint
	for _, sig := range req.RecentFailures {
		hint, ok := a.patterns.Match(ctx, req.Project, sig)
		if !ok {
			continue
		}
		if _, dup := seen[hint.Hash]; dup {
			continue
		}
		seen[hint.Hash] = struct{}{}
		hints = append(hints, hint)
	}
	return hints
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "   " + line
	}
	return strings.Join(lines, "\n")
}
