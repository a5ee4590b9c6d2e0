package router

import (
	"slices"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

// Band is the priority class of an event. It selects the preferred
// provider, the temperature and the prompt.
type Band string

// Bands, highest priority first.
const (
	Strategic   Band = "strategic"
	Tactical    Band = "tactical"
	Operational Band = "operational"
	Fallback    Band = "fallback"
)

// BandConfig binds a band to a provider.
type BandConfig struct {
	Provider    string
	Temperature float64
	MaxTokens   int
}

// DefaultBands are the provider bindings per band.
var DefaultBands = map[Band]BandConfig{
	Strategic:   {Provider: "anthropic", Temperature: 0.3, MaxTokens: 1000},
	Tactical:    {Provider: "openai", Temperature: 0.2, MaxTokens: 800},
	Operational: {Provider: "deepseek", Temperature: 0.1, MaxTokens: 600},
	Fallback:    {Provider: "grok", Temperature: 0.2, MaxTokens: 600},
}

type eventRoute struct {
	band     Band
	fallback decision.Code // used when the response cannot be classified
	safe     decision.Code // used when no provider answers
}

var routes = map[string]eventRoute{
	"GOVERNANCE_PROPOSAL":    {Strategic, decision.PrevalidateGovernance, decision.MaintainCurrentState},
	"GOVERNANCE_VOTE":        {Strategic, decision.PrevalidateGovernance, decision.MaintainCurrentState},
	"SHARD_REBALANCE_NEEDED": {Strategic, decision.RebalanceShardLoad, decision.IncreaseMonitoring},
	"SHARD_OVERLOAD":         {Strategic, decision.RebalanceShardLoad, decision.IncreaseMonitoring},
	"SHARD_SCALING":          {Strategic, decision.ScaleShards, decision.MaintainCurrentState},
	"CROSS_SHARD_CONGESTION": {Strategic, decision.RebalanceShardLoad, decision.IncreaseMonitoring},

	"CONSENSUS_DELAY":       {Tactical, decision.OptimizeBlockTime, decision.IncreaseMonitoring},
	"BLOCK_VALIDATION":      {Tactical, decision.IncreaseMonitoring, decision.IncreaseMonitoring},
	"VALIDATOR_PERFORMANCE": {Tactical, decision.RescheduleValidators, decision.IncreaseMonitoring},
	"VALIDATOR_SCHEDULING":  {Tactical, decision.RescheduleValidators, decision.MaintainCurrentState},
	"BLOCK_TIME_DEVIATION":  {Tactical, decision.OptimizeBlockTime, decision.MaintainCurrentState},

	"TPS_OPTIMIZATION":     {Operational, decision.OptimizeTPS, decision.MaintainCurrentState},
	"NETWORK_OPTIMIZATION": {Operational, decision.OptimizeTPS, decision.MaintainCurrentState},
	"GAS_OPTIMIZATION":     {Operational, decision.OptimizeTPS, decision.MaintainCurrentState},
	"SECURITY_ANOMALY":     {Operational, decision.SecurityAlert, decision.SecurityAlert},
	"FRAUD_DETECTION":      {Operational, decision.SecurityAlert, decision.SecurityAlert},
}

// intakeChannels carry the event types the router reacts to.
var intakeChannels = []event.Channel{
	event.GovernanceProposals,
	event.GovernanceVotes,
	event.GovernanceAdminAudit,
	event.ShardingState,
	event.ValidatorsState,
	event.ValidatorsOperatorStatus,
	event.NetworkStats,
	event.NetworkBlocks,
	event.NetworkTransactions,
}

// BandFor returns the band of an event type. Unknown types are operational.
func BandFor(eventType string) Band {
	if r, ok := routes[eventType]; ok {
		return r.band
	}
	return Operational
}

// Eligible reports whether the router handles eventType from the bus.
func Eligible(eventType string) bool {
	_, ok := routes[eventType]
	return ok
}

// EventTypes returns every routed event type, sorted.
func EventTypes() []string {
	out := make([]string, 0, len(routes))
	for t := range routes {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// DefaultCode is the code used when a response cannot be classified.
func DefaultCode(eventType string) decision.Code {
	if r, ok := routes[eventType]; ok {
		return r.fallback
	}
	return decision.MaintainCurrentState
}

// SafeCode is the code of the local decision made when no provider answers.
func SafeCode(eventType string) decision.Code {
	if r, ok := routes[eventType]; ok {
		return r.safe
	}
	return decision.MaintainCurrentState
}
