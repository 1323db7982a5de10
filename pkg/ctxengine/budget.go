package ctxengine

import "github.com/ctxforge/ctxforge/pkg/config"

// Zone is the token-budget regime governing how much context is included.
type Zone int

const (
	ZoneNormal Zone = iota
	ZoneSoftWarning
	ZoneConservative
	ZoneWrapup
	ZoneEmergency
)

func (z Zone) String() string {
	switch z {
	case ZoneNormal:
		return "NORMAL"
	case ZoneSoftWarning:
		return "SOFT_WARNING"
	case ZoneConservative:
		return "CONSERVATIVE"
	case ZoneWrapup:
		return "WRAPUP"
	case ZoneEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// ZoneForUsage maps a usage fraction onto one of five contiguous bands.
// Fractions below zero clamp to normal, at or above the emergency boundary
// (and past 1.0) to emergency. Pure: same inputs, same zone.
func ZoneForUsage(fraction float64, b config.BudgetOptions) Zone {
	switch {
	case fraction < b.SoftWarning:
		return ZoneNormal
	case fraction < b.Conservative:
		return ZoneSoftWarning
	case fraction < b.Wrapup:
		return ZoneConservative
	case fraction < b.Emergency:
		return ZoneWrapup
	default:
		return ZoneEmergency
	}
}

// AllowsNewItems reports whether any package may be added in this zone.
func (z Zone) AllowsNewItems() bool {
	return z <= ZoneConservative
}

// FullBodies reports whether full package bodies are rendered.
func (z Zone) FullBodies() bool {
	return z == ZoneNormal
}

// CriticalOnly reports whether inclusion is restricted to critical/high
// priority packages.
func (z Zone) CriticalOnly() bool {
	return z == ZoneConservative
}
