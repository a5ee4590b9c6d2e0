package event

import "strings"

// Channel names a stream of events. Channels are grouped by domain; the
// domain is the part before the first dot.
type Channel string

// Network channels.
const (
	NetworkStats        Channel = "network.stats"
	NetworkBlocks       Channel = "network.blocks"
	NetworkTransactions Channel = "network.transactions"
	NetworkTokenMint    Channel = "network.token_mint"
)

// Domain channels.
const (
	StakingState   Channel = "staking.state"
	DexLiquidity   Channel = "dex.liquidity"
	DexTrades      Channel = "dex.trades"
	LendingState   Channel = "lending.state"
	NFTSales       Channel = "nft.sales"
	BridgeTransfer Channel = "bridge.transfers"
	BurnEvents     Channel = "burn.events"
	ShardingState  Channel = "sharding.state"
)

// Validator and wallet channels.
const (
	ValidatorsState          Channel = "validators.state"
	ValidatorsOperatorStatus Channel = "validators.operator_status"
	WalletsBalance           Channel = "wallets.balance"
)

// Governance channels.
const (
	GovernanceProposals  Channel = "governance.proposals"
	GovernanceVotes      Channel = "governance.votes"
	GovernanceAdminAudit Channel = "governance.admin_audit"
)

// AI pipeline channels.
const (
	AIDecisions Channel = "ai.decisions"
	AIUsage     Channel = "ai.usage"
	AIProviders Channel = "ai.providers"
	AILifecycle Channel = "ai.lifecycle"
)

var allChannels = []Channel{
	NetworkStats, NetworkBlocks, NetworkTransactions, NetworkTokenMint,
	StakingState,
	DexLiquidity, DexTrades,
	LendingState,
	NFTSales,
	BridgeTransfer,
	BurnEvents,
	ValidatorsState, ValidatorsOperatorStatus,
	WalletsBalance,
	GovernanceProposals, GovernanceVotes, GovernanceAdminAudit,
	AIDecisions, AIUsage, AIProviders, AILifecycle,
	ShardingState,
}

var knownChannels = func() map[Channel]struct{} {
	m := make(map[Channel]struct{}, len(allChannels))
	for _, c := range allChannels {
		m[c] = struct{}{}
	}
	return m
}()

// Channels returns every known channel.
func Channels() []Channel {
	out := make([]Channel, len(allChannels))
	copy(out, allChannels)
	return out
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	_, ok := knownChannels[c]
	return ok
}

// Domain returns the channel's domain, e.g. "staking" for "staking.state".
func (c Channel) Domain() string {
	domain, _, _ := strings.Cut(string(c), ".")
	return domain
}

func (c Channel) String() string { return string(c) }
