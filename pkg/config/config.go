// Package config loads ctxforge configuration from a JSON file with
// environment overrides. The loaded Options value is passed explicitly into
// the engine; nothing here is a process-wide singleton.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Options is the full configuration surface. Every numeric constant the
// engine uses (score weights, confidence deltas, zone boundaries) is a
// tunable default here, not a fixed constant in code.
type Options struct {
	Store     StoreOptions     `json:"store"`
	Ranking   RankingOptions   `json:"ranking"`
	Budget    BudgetOptions    `json:"budget"`
	Redaction RedactionOptions `json:"redaction"`
	Patterns  PatternOptions   `json:"patterns"`
	Roles     RoleOptions      `json:"roles"`
	Sweep     SweepOptions     `json:"sweep"`
}

type StoreOptions struct {
	Path          string `json:"path" env:"CTXFORGE_STORE_PATH"`
	RetryAttempts int    `json:"retry_attempts" env:"CTXFORGE_STORE_RETRY_ATTEMPTS"`
	RetryBaseMS   int    `json:"retry_base_ms" env:"CTXFORGE_STORE_RETRY_BASE_MS"`
}

type RankingOptions struct {
	PriorityWeight float64 `json:"priority_weight" env:"CTXFORGE_RANKING_PRIORITY_WEIGHT"`
	GroupWeight    float64 `json:"group_weight" env:"CTXFORGE_RANKING_GROUP_WEIGHT"`
	AffinityWeight float64 `json:"affinity_weight" env:"CTXFORGE_RANKING_AFFINITY_WEIGHT"`
	RecencyWeight  float64 `json:"recency_weight" env:"CTXFORGE_RANKING_RECENCY_WEIGHT"`
}

type BudgetOptions struct {
	SafetyMargin float64 `json:"safety_margin" env:"CTXFORGE_BUDGET_SAFETY_MARGIN"`

	// Zone lower boundaries. The five zones are contiguous over [0,1]:
	// normal ends at SoftWarning, emergency starts at Emergency.
	SoftWarning  float64 `json:"soft_warning" env:"CTXFORGE_BUDGET_SOFT_WARNING"`
	Conservative float64 `json:"conservative" env:"CTXFORGE_BUDGET_CONSERVATIVE"`
	Wrapup       float64 `json:"wrapup" env:"CTXFORGE_BUDGET_WRAPUP"`
	Emergency    float64 `json:"emergency" env:"CTXFORGE_BUDGET_EMERGENCY"`

	// RoleTokenLimit caps full-body rendering per item in the normal zone.
	RoleTokenLimit int `json:"role_token_limit" env:"CTXFORGE_BUDGET_ROLE_TOKEN_LIMIT"`
}

type RedactionOptions struct {
	// Mode is pattern_only, entropy, or both.
	Mode             string  `json:"mode" env:"CTXFORGE_REDACTION_MODE"`
	EntropyThreshold float64 `json:"entropy_threshold" env:"CTXFORGE_REDACTION_ENTROPY_THRESHOLD"`
	EntropyMinLength int     `json:"entropy_min_length" env:"CTXFORGE_REDACTION_ENTROPY_MIN_LENGTH"`
}

type PatternOptions struct {
	TTLDays            int     `json:"ttl_days" env:"CTXFORGE_PATTERNS_TTL_DAYS"`
	InjectionThreshold float64 `json:"injection_threshold" env:"CTXFORGE_PATTERNS_INJECTION_THRESHOLD"`
	InitialConfidence  float64 `json:"initial_confidence" env:"CTXFORGE_PATTERNS_INITIAL_CONFIDENCE"`
	ConfirmDelta       float64 `json:"confirm_delta" env:"CTXFORGE_PATTERNS_CONFIRM_DELTA"`
	FalseLeadDelta     float64 `json:"false_lead_delta" env:"CTXFORGE_PATTERNS_FALSE_LEAD_DELTA"`
	ObservationFloor   float64 `json:"observation_floor" env:"CTXFORGE_PATTERNS_OBSERVATION_FLOOR"`
}

type RoleOptions struct {
	// DefaultLimit is the retrieval limit for roles without an override.
	DefaultLimit int `json:"default_limit" env:"CTXFORGE_ROLES_DEFAULT_LIMIT"`
	// Limits overrides the retrieval limit per role name.
	Limits map[string]int `json:"limits"`
}

type SweepOptions struct {
	// Cron is a standard five-field cron expression for the TTL sweep.
	Cron string `json:"cron" env:"CTXFORGE_SWEEP_CRON"`
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		Store: StoreOptions{
			Path:          "ctxforge.db",
			RetryAttempts: 3,
			RetryBaseMS:   100,
		},
		Ranking: RankingOptions{
			PriorityWeight: 1.0,
			GroupWeight:    0.5,
			AffinityWeight: 0.75,
			RecencyWeight:  0.5,
		},
		Budget: BudgetOptions{
			SafetyMargin:   0.15,
			SoftWarning:    0.60,
			Conservative:   0.75,
			Wrapup:         0.85,
			Emergency:      0.95,
			RoleTokenLimit: 2000,
		},
		Redaction: RedactionOptions{
			Mode:             "both",
			EntropyThreshold: 4.2,
			EntropyMinLength: 20,
		},
		Patterns: PatternOptions{
			TTLDays:            90,
			InjectionThreshold: 0.7,
			InitialConfidence:  0.5,
			ConfirmDelta:       0.1,
			FalseLeadDelta:     0.2,
			ObservationFloor:   0.3,
		},
		Roles: RoleOptions{
			DefaultLimit: 3,
			Limits: map[string]int{
				"qa":        5,
				"tech_lead": 5,
			},
		},
		Sweep: SweepOptions{
			Cron: "0 3 * * *",
		},
	}
}

// Load reads path (a missing file is fine) and applies CTXFORGE_* env
// overrides on top of the defaults.
func Load(path string) (Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Options{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(&opts); err != nil {
		return Options{}, fmt.Errorf("apply env overrides: %w", err)
	}
	return opts, nil
}

// LimitFor resolves the retrieval limit for a role name.
func (r RoleOptions) LimitFor(role string) int {
	if n, ok := r.Limits[role]; ok && n > 0 {
		return n
	}
	if r.DefaultLimit > 0 {
		return r.DefaultLimit
	}
	return 3
}
