// Package decision defines the canonical decision codes produced by the
// router and the typed parameters each code carries.
package decision

import "strings"

// Code is a canonical decision identifier.
type Code string

// Decision codes.
const (
	RebalanceShardLoad    Code = "REBALANCE_SHARD_LOAD"
	ScaleShards           Code = "SCALE_SHARDS"
	OptimizeBlockTime     Code = "OPTIMIZE_BLOCK_TIME"
	OptimizeTPS           Code = "OPTIMIZE_TPS"
	RescheduleValidators  Code = "RESCHEDULE_VALIDATORS"
	PrevalidateGovernance Code = "PREVALIDATE_GOVERNANCE"

	MaintainCurrentState Code = "MAINTAIN_CURRENT_STATE"
	IncreaseMonitoring   Code = "INCREASE_MONITORING"
	SecurityAlert        Code = "SECURITY_ALERT"
)

// Impact is the blast-radius class of a decision. It selects the confidence
// threshold a decision must meet before execution.
type Impact string

// Impact levels.
const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

type codeInfo struct {
	impact     Impact
	executable bool
}

var codes = map[Code]codeInfo{
	RebalanceShardLoad:    {ImpactMedium, true},
	ScaleShards:           {ImpactHigh, true},
	OptimizeBlockTime:     {ImpactMedium, true},
	OptimizeTPS:           {ImpactMedium, true},
	RescheduleValidators:  {ImpactHigh, true},
	PrevalidateGovernance: {ImpactMedium, true},
	MaintainCurrentState:  {ImpactLow, false},
	IncreaseMonitoring:    {ImpactLow, false},
	SecurityAlert:         {ImpactCritical, false},
}

// Codes returns every known code, executable ones first.
func Codes() []Code {
	return []Code{
		RebalanceShardLoad, ScaleShards, OptimizeBlockTime, OptimizeTPS,
		RescheduleValidators, PrevalidateGovernance,
		MaintainCurrentState, IncreaseMonitoring, SecurityAlert,
	}
}

// Valid reports whether c is a known code.
func (c Code) Valid() bool {
	_, ok := codes[c]
	return ok
}

// Executable reports whether the executor has a handler for c.
func (c Code) Executable() bool {
	return codes[c].executable
}

// Impact returns the impact level of c. Unknown codes are critical.
func (c Code) Impact() Impact {
	info, ok := codes[c]
	if !ok {
		return ImpactCritical
	}
	return info.impact
}

// ParseCode normalizes s ("rebalance shard load", "REBALANCE_SHARD_LOAD")
// into a known code.
func ParseCode(s string) (Code, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	c := Code(norm)
	return c, c.Valid()
}

// NormalizeImpact maps a reported impact to low, medium or high. Anything
// else becomes medium.
func NormalizeImpact(s string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactLow:
		return ImpactLow
	case ImpactHigh:
		return ImpactHigh
	default:
		return ImpactMedium
	}
}
