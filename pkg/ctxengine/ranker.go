package ctxengine

import (
	"sort"
	"time"

	"github.com/ctxforge/ctxforge/pkg/config"
	"github.com/ctxforge/ctxforge/pkg/logger"
)

// roleAffinity scores how useful a content type is to each role. The table
// is exhaustive over KnownRoles so lookups never miss; values are in [0,1].
var roleAffinity = map[ContentType]map[Role]float64{
	ContentAPIContract: {
		RoleDeveloper: 1.0,
		RoleQA:        0.6,
		RoleTechLead:  0.8,
		RoleArchitect: 0.9,
		RoleReviewer:  0.7,
	},
	ContentTestResult: {
		RoleDeveloper: 0.8,
		RoleQA:        1.0,
		RoleTechLead:  0.6,
		RoleArchitect: 0.3,
		RoleReviewer:  0.7,
	},
	ContentDesignDecision: {
		RoleDeveloper: 0.6,
		RoleQA:        0.4,
		RoleTechLead:  0.9,
		RoleArchitect: 1.0,
		RoleReviewer:  0.8,
	},
	ContentCodeMap: {
		RoleDeveloper: 1.0,
		RoleQA:        0.5,
		RoleTechLead:  0.7,
		RoleArchitect: 0.8,
		RoleReviewer:  0.9,
	},
	ContentBuildLog: {
		RoleDeveloper: 0.7,
		RoleQA:        0.8,
		RoleTechLead:  0.5,
		RoleArchitect: 0.2,
		RoleReviewer:  0.4,
	},
	ContentGeneral: {
		RoleDeveloper: 0.5,
		RoleQA:        0.5,
		RoleTechLead:  0.5,
		RoleArchitect: 0.5,
		RoleReviewer:  0.5,
	},
}

// affinityFor returns the content-type weight for a role. Unknown content
// types score like general material.
func affinityFor(ct ContentType, role Role) float64 {
	table, ok := roleAffinity[ct]
	if !ok {
		table = roleAffinity[ContentGeneral]
	}
	return table[role]
}

// HeuristicRanker is the deterministic relevance ranker. It is the permanent
// default, not a degraded mode: no full-text or embedding backend is assumed.
type HeuristicRanker struct {
	weights config.RankingOptions
}

type scoredPackage struct {
	pkg   ContextPackage
	score float64
	order int
}

func NewHeuristicRanker(weights config.RankingOptions) *HeuristicRanker {
	return &HeuristicRanker{weights: weights}
}

// Rank returns packages in descending score order. Ties keep insertion order
// so the result is deterministic for a fixed candidate pool. Malformed
// packages are skipped with a warning; Rank never fails.
func (r *HeuristicRanker) Rank(packages []ContextPackage, role Role, groupID string, now time.Time) []ContextPackage {
	scored := make([]scoredPackage, 0, len(packages))
	for i, pkg := range packages {
		if pkg.ID == "" || !pkg.Priority.Valid() {
			logger.WarnCF("ranker", "Skipping malformed package", map[string]interface{}{
				"package_id": pkg.ID,
				"priority":   string(pkg.Priority),
			})
			continue
		}
		scored = append(scored, scoredPackage{
			pkg:   pkg,
			score: r.score(pkg, role, groupID, now),
			order: i,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return scored[i].order < scored[j].order
		}
		return scored[i].score > scored[j].score
	})

	out := make([]ContextPackage, len(scored))
	for i, s := range scored {
		out[i] = s.pkg
	}
	return out
}

func (r *HeuristicRanker) score(pkg ContextPackage, role Role, groupID string, now time.Time) float64 {
	score := r.weights.PriorityWeight * pkg.Priority.Weight()
	if groupID != "" && pkg.GroupID == groupID {
		score += r.weights.GroupWeight
	}
	score += r.weights.AffinityWeight * affinityFor(pkg.ContentType, role)
	score += r.weights.RecencyWeight * recencyDecay(now, pkg.CreatedAt)
	return score
}

// recencyDecay is 1/(1+age_hours): monotonically decreasing in age, 1.0 for
// brand-new packages. Future timestamps clamp to zero age.
func recencyDecay(now, createdAt time.Time) float64 {
	age := now.Sub(createdAt).Hours()
	if age < 0 {
		age = 0
	}
	return 1 / (1 + age)
}
