package prompt

import (
	"fmt"
	"strings"
)

// Template is a system/user prompt pair.
type Template struct {
	System string
	User   string
}

// Set maps a band name to its template.
type Set map[string]Template

const jsonContract = `Respond with a single JSON object and nothing else:
{"action": "<short description>", "decision": "<one of ${codes}>", "confidence": <0-100>, "impact": "low|medium|high", "reasoning": "<one sentence>", "parameters": {}}`

// DefaultSet returns the built-in templates for the strategic, tactical,
// operational and fallback bands.
func DefaultSet() Set {
	return Set{
		"strategic": {
			System: "You are the strategic planner of a sharded ledger network. You weigh long-term network health, governance outcomes and shard topology. " + jsonContract,
			User: `Strategic event ${eventType} on ${channel} at ${timestamp}.
Event data: ${data}
Decide whether shards should be rebalanced or scaled, or whether the governance proposal should be prevalidated.`,
		},
		"tactical": {
			System: "You are the consensus supervisor of a sharded ledger network. You tune validator schedules and block production. " + jsonContract,
			User: `Consensus event ${eventType} on ${channel} at ${timestamp}.
Event data: ${data}
Decide whether validators should be rescheduled or block time adjusted.`,
		},
		"operational": {
			System: "You are the operations engineer of a sharded ledger network. You optimize throughput and flag security anomalies. " + jsonContract,
			User: `Operational event ${eventType} on ${channel} at ${timestamp}.
Event data: ${data}
Decide whether throughput should be optimized, monitoring increased or a security alert raised.`,
		},
		"fallback": {
			System: "You analyze events of a sharded ledger network. " + jsonContract,
			User: `Event ${eventType} on ${channel} at ${timestamp}.
Event data: ${data}
Recommend the safest action.`,
		},
	}
}

var strict = NewExpander(WithMissingAction(MissingError))

// Render expands the template for band. Unknown bands use the "fallback"
// template.
func (s Set) Render(band string, vars map[string]any) (system, user string, err error) {
	tmpl, ok := s[band]
	if !ok {
		if tmpl, ok = s["fallback"]; !ok {
			return "", "", fmt.Errorf("no prompt template for band %q", band)
		}
	}
	if system, err = strict.Expand(tmpl.System, vars); err != nil {
		return "", "", fmt.Errorf("render %s system prompt: %w", band, err)
	}
	if user, err = strict.Expand(tmpl.User, vars); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", band, err)
	}
	return strings.TrimSpace(system), strings.TrimSpace(user), nil
}
