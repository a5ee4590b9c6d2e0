package hub

import (
	"strings"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

// Domain names a family of platform metrics.
type Domain string

// Metric domains.
const (
	DomainNetwork    Domain = "network"
	DomainStaking    Domain = "staking"
	DomainDex        Domain = "dex"
	DomainLending    Domain = "lending"
	DomainNFT        Domain = "nft"
	DomainBridge     Domain = "bridge"
	DomainBurn       Domain = "burn"
	DomainValidators Domain = "validators"
	DomainGovernance Domain = "governance"
	DomainSharding   Domain = "sharding"
)

type domainDef struct {
	channel  event.Channel
	affected []string
}

// domains maps each domain to the channel its update event goes on and the
// modules that react to it.
var domains = map[Domain]domainDef{
	DomainNetwork:    {event.NetworkStats, []string{"dashboard", "sharding", "ai"}},
	DomainStaking:    {event.StakingState, []string{"validators", "wallets", "network"}},
	DomainDex:        {event.DexLiquidity, []string{"wallets", "lending"}},
	DomainLending:    {event.LendingState, []string{"wallets", "dex"}},
	DomainNFT:        {event.NFTSales, []string{"wallets"}},
	DomainBridge:     {event.BridgeTransfer, []string{"wallets", "network"}},
	DomainBurn:       {event.BurnEvents, []string{"network", "wallets"}},
	DomainValidators: {event.ValidatorsState, []string{"sharding", "staking", "ai"}},
	DomainGovernance: {event.GovernanceProposals, []string{"validators", "ai"}},
	DomainSharding:   {event.ShardingState, []string{"network", "ai"}},
}

// Domains returns every metric domain.
func Domains() []Domain {
	out := make([]Domain, 0, len(domains))
	for d := range domains {
		out = append(out, d)
	}
	return out
}

// EventType returns the "metrics updated" event type for d, e.g.
// "STAKING_METRICS_UPDATED".
func (d Domain) EventType() string {
	return strings.ToUpper(string(d)) + "_METRICS_UPDATED"
}

// MetricsRecord is the most recent metrics for one domain.
type MetricsRecord struct {
	Values    map[string]any `json:"values"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (r MetricsRecord) clone() MetricsRecord {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	r.Values = values
	return r
}
