package executor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
)

// Per-call mutation caps.
const (
	maxShardMovePercent  = 20.0
	maxShardScaleRatio   = 0.2
	maxNetworkAdjustment = 10.0
	maxWeightChange      = 0.2

	// governanceAutoConfidence is the confidence at which a prevalidation is
	// decided without a validator vote.
	governanceAutoConfidence = 90.0
)

// snapshot is the ledger state an action reads and restores. Only the
// fields an action touches are set.
type snapshot struct {
	Shards        []ledger.Shard                  `json:"shards,omitempty"`
	Network       *ledger.NetworkStats            `json:"network,omitempty"`
	Validators    []ledger.Validator              `json:"validators,omitempty"`
	Prevalidation *ledger.GovernancePrevalidation `json:"prevalidation,omitempty"`
}

// action is the handler pair for one decision code. Apply mutates the store
// and returns the state after the change; Compensate restores before.
type action struct {
	channel   event.Channel
	eventType string

	capture     func(ctx context.Context, s Store) (snapshot, error)
	check       func(p decision.Payload, before snapshot) string
	apply       func(ctx context.Context, s Store, p decision.Payload, before snapshot) (snapshot, error)
	compensate  func(ctx context.Context, s Store, before, after snapshot) error
	value       func(snap snapshot) any
	improvement func(before, after snapshot) string
}

var actions = map[decision.Code]action{
	decision.RebalanceShardLoad: {
		channel:     event.ShardingState,
		eventType:   "SHARDS_REBALANCED",
		capture:     captureShards,
		apply:       rebalanceShards,
		compensate:  restoreShardLoads,
		value:       shardLoads,
		improvement: imbalanceImprovement,
	},
	decision.ScaleShards: {
		channel:     event.ShardingState,
		eventType:   "SHARDS_SCALED",
		capture:     captureShardsAndNetwork,
		check:       checkScale,
		apply:       scaleShards,
		compensate:  restoreShardSet,
		value:       func(s snapshot) any { return len(s.Shards) },
		improvement: scaleImprovement,
	},
	decision.OptimizeBlockTime: {
		channel:     event.NetworkStats,
		eventType:   "BLOCK_TIME_UPDATED",
		capture:     captureNetwork,
		apply:       adjustNetwork(blockTime),
		compensate:  restoreNetwork(blockTime),
		value:       networkValue(blockTime),
		improvement: networkImprovement("block time", blockTime),
	},
	decision.OptimizeTPS: {
		channel:     event.NetworkStats,
		eventType:   "TPS_TARGET_UPDATED",
		capture:     captureNetwork,
		apply:       adjustNetwork(tpsTarget),
		compensate:  restoreNetwork(tpsTarget),
		value:       networkValue(tpsTarget),
		improvement: networkImprovement("TPS target", tpsTarget),
	},
	decision.RescheduleValidators: {
		channel:     event.ValidatorsState,
		eventType:   "VALIDATORS_RESCHEDULED",
		capture:     captureValidators,
		apply:       rescheduleValidators,
		compensate:  restoreValidators,
		value:       validatorOrder,
		improvement: rescheduleImprovement,
	},
	decision.PrevalidateGovernance: {
		channel:     event.GovernanceProposals,
		eventType:   "PROPOSAL_PREVALIDATED",
		capture:     func(context.Context, Store) (snapshot, error) { return snapshot{}, nil },
		apply:       prevalidateProposal,
		compensate:  withdrawPrevalidation,
		value:       prevalidationDecision,
		improvement: prevalidationSummary,
	},
}

func captureShards(ctx context.Context, s Store) (snapshot, error) {
	shards, err := s.GetAllShards(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read shards: %w", err)
	}
	return snapshot{Shards: shards}, nil
}

func captureNetwork(ctx context.Context, s Store) (snapshot, error) {
	stats, err := s.GetNetworkStats(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read network stats: %w", err)
	}
	return snapshot{Network: &stats}, nil
}

func captureShardsAndNetwork(ctx context.Context, s Store) (snapshot, error) {
	snap, err := captureShards(ctx, s)
	if err != nil {
		return snapshot{}, err
	}
	net, err := captureNetwork(ctx, s)
	if err != nil {
		return snapshot{}, err
	}
	snap.Network = net.Network
	return snap, nil
}

func captureValidators(ctx context.Context, s Store) (snapshot, error) {
	validators, err := s.GetAllValidators(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("read validators: %w", err)
	}
	return snapshot{Validators: validators}, nil
}

// rebalanceShards moves load from shards above the mean to shards below it.
// Each shard's change is capped at MaxMovePercent (at most 20) of the mean,
// and the amount given up by donors equals the amount received, so total
// load is unchanged.
func rebalanceShards(ctx context.Context, s Store, p decision.Payload, before snapshot) (snapshot, error) {
	if len(before.Shards) < 2 {
		return snapshot{}, errors.New("rebalance needs at least two shards")
	}
	params, _ := p.Params().(decision.RebalanceParams)
	pct := math.Min(params.MaxMovePercent, maxShardMovePercent)
	if pct <= 0 {
		pct = maxShardMovePercent
	}

	mean := ledger.MeanLoad(before.Shards)
	limit := mean * pct / 100

	moves := make([]float64, len(before.Shards))
	var give, take float64
	for i, sh := range before.Shards {
		moves[i] = math.Max(-limit, math.Min(limit, mean-sh.Load))
		if moves[i] < 0 {
			give -= moves[i]
		} else {
			take += moves[i]
		}
	}
	transfer := math.Min(give, take)

	after := make([]ledger.Shard, len(before.Shards))
	for i, sh := range before.Shards {
		move := moves[i]
		switch {
		case move < 0:
			move *= transfer / give
		case move > 0:
			move *= transfer / take
		}
		sh.Load += move
		after[i] = sh
		if move == 0 {
			continue
		}
		if err := s.UpdateShard(ctx, sh); err != nil {
			return snapshot{Shards: after[:i+1]}, fmt.Errorf("update shard %d: %w", sh.ID, err)
		}
	}
	return snapshot{Shards: after}, nil
}

func restoreShardLoads(ctx context.Context, s Store, before, _ snapshot) error {
	var errs []error
	for _, sh := range before.Shards {
		if err := s.UpdateShard(ctx, sh); err != nil {
			errs = append(errs, fmt.Errorf("restore shard %d: %w", sh.ID, err))
		}
	}
	return errors.Join(errs...)
}

func shardLoads(snap snapshot) any {
	loads := make([]float64, len(snap.Shards))
	for i, sh := range snap.Shards {
		loads[i] = sh.Load
	}
	return loads
}

// maxDeviation is the largest distance of any shard from the mean load.
func maxDeviation(shards []ledger.Shard) float64 {
	mean := ledger.MeanLoad(shards)
	var dev float64
	for _, sh := range shards {
		dev = math.Max(dev, math.Abs(sh.Load-mean))
	}
	return dev
}

func imbalanceImprovement(before, after snapshot) string {
	b, a := maxDeviation(before.Shards), maxDeviation(after.Shards)
	if b == 0 {
		return "shard load already balanced"
	}
	return fmt.Sprintf("load imbalance reduced by %.1f%%", (b-a)/b*100)
}

// scaleLimit is the number of shards one call may add or remove.
func scaleLimit(current int) int {
	return int(math.Floor(float64(current) * maxShardScaleRatio))
}

// checkScale skips a scale whose capped step rounds down to zero shards.
func checkScale(_ decision.Payload, before snapshot) string {
	if scaleLimit(len(before.Shards)) < 1 {
		return fmt.Sprintf("%s: %d shards allow no change", ReasonStepTooSmall, len(before.Shards))
	}
	return ""
}

func scaleShards(ctx context.Context, s Store, p decision.Payload, before snapshot) (snapshot, error) {
	params, _ := p.Params().(decision.ScaleParams)
	n := min(max(params.Count, 1), scaleLimit(len(before.Shards)))

	after := slices.Clone(before.Shards)
	if params.Direction == "down" {
		if len(before.Shards)-n < 1 {
			return snapshot{}, errors.New("cannot scale below one shard")
		}
		// Remove the least loaded shards.
		byLoad := slices.Clone(before.Shards)
		slices.SortStableFunc(byLoad, func(a, b ledger.Shard) int { return cmp.Compare(a.Load, b.Load) })
		for _, sh := range byLoad[:n] {
			if err := s.DeleteShard(ctx, sh.ID); err != nil {
				return snapshot{Shards: after}, fmt.Errorf("delete shard %d: %w", sh.ID, err)
			}
			after = slices.DeleteFunc(after, func(x ledger.Shard) bool { return x.ID == sh.ID })
		}
	} else {
		template := ledger.Shard{Capacity: 100, ValidatorCount: 1, Status: "active"}
		if len(before.Shards) > 0 {
			template.Capacity = before.Shards[0].Capacity
			template.ValidatorCount = before.Shards[0].ValidatorCount
		}
		for i := 0; i < n; i++ {
			sh := template
			sh.Name = fmt.Sprintf("shard-%d", len(after)+1)
			created, err := s.CreateShard(ctx, sh)
			if err != nil {
				return snapshot{Shards: after}, fmt.Errorf("create shard: %w", err)
			}
			after = append(after, created)
		}
	}

	out := snapshot{Shards: after}
	if before.Network != nil {
		stats := *before.Network
		stats.ShardCount = len(after)
		if err := s.UpdateNetworkStats(ctx, stats); err != nil {
			return out, fmt.Errorf("update shard count: %w", err)
		}
		out.Network = &stats
	}
	return out, nil
}

// restoreShardSet deletes shards added by a scale-up and recreates shards
// removed by a scale-down.
func restoreShardSet(ctx context.Context, s Store, before, after snapshot) error {
	var errs []error
	for _, sh := range after.Shards {
		if !slices.ContainsFunc(before.Shards, func(b ledger.Shard) bool { return b.ID == sh.ID }) {
			if err := s.DeleteShard(ctx, sh.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete shard %d: %w", sh.ID, err))
			}
		}
	}
	for _, sh := range before.Shards {
		if !slices.ContainsFunc(after.Shards, func(a ledger.Shard) bool { return a.ID == sh.ID }) {
			if _, err := s.CreateShard(ctx, sh); err != nil {
				errs = append(errs, fmt.Errorf("recreate shard %d: %w", sh.ID, err))
			}
		}
	}
	if before.Network != nil {
		if err := s.UpdateNetworkStats(ctx, *before.Network); err != nil {
			errs = append(errs, fmt.Errorf("restore network stats: %w", err))
		}
	}
	return errors.Join(errs...)
}

func scaleImprovement(before, after snapshot) string {
	b, a := len(before.Shards), len(after.Shards)
	if b == 0 {
		return fmt.Sprintf("shard count set to %d", a)
	}
	return fmt.Sprintf("shard count %d -> %d (%+.1f%%)", b, a, float64(a-b)/float64(b)*100)
}

// networkField selects one tunable of NetworkStats.
type networkField struct {
	get func(ledger.NetworkStats) float64
	set func(*ledger.NetworkStats, float64)
}

var (
	blockTime = networkField{
		get: func(n ledger.NetworkStats) float64 { return n.BlockTimeMs },
		set: func(n *ledger.NetworkStats, v float64) { n.BlockTimeMs = v },
	}
	tpsTarget = networkField{
		get: func(n ledger.NetworkStats) float64 { return n.TPSTarget },
		set: func(n *ledger.NetworkStats, v float64) { n.TPSTarget = v },
	}
)

func adjustNetwork(f networkField) func(context.Context, Store, decision.Payload, snapshot) (snapshot, error) {
	return func(ctx context.Context, s Store, p decision.Payload, before snapshot) (snapshot, error) {
		params, _ := p.Params().(decision.AdjustParams)
		pct := math.Min(math.Abs(params.Percent), maxNetworkAdjustment)
		if params.Direction == "decrease" {
			pct = -pct
		}

		// Re-read so concurrent changes to other fields are kept.
		current, err := s.GetNetworkStats(ctx)
		if err != nil {
			return snapshot{}, fmt.Errorf("read network stats: %w", err)
		}
		f.set(&current, f.get(*before.Network)*(1+pct/100))
		if err := s.UpdateNetworkStats(ctx, current); err != nil {
			return snapshot{}, fmt.Errorf("update network stats: %w", err)
		}
		return snapshot{Network: &current}, nil
	}
}

func restoreNetwork(f networkField) func(context.Context, Store, snapshot, snapshot) error {
	return func(ctx context.Context, s Store, before, _ snapshot) error {
		current, err := s.GetNetworkStats(ctx)
		if err != nil {
			return fmt.Errorf("read network stats: %w", err)
		}
		f.set(&current, f.get(*before.Network))
		return s.UpdateNetworkStats(ctx, current)
	}
}

func networkValue(f networkField) func(snapshot) any {
	return func(snap snapshot) any {
		if snap.Network == nil {
			return nil
		}
		return f.get(*snap.Network)
	}
}

func networkImprovement(label string, f networkField) func(snapshot, snapshot) string {
	return func(before, after snapshot) string {
		if before.Network == nil || after.Network == nil {
			return ""
		}
		b, a := f.get(*before.Network), f.get(*after.Network)
		if b == 0 {
			return fmt.Sprintf("%s set to %.2f", label, a)
		}
		return fmt.Sprintf("%s %.2f -> %.2f (%+.1f%%)", label, b, a, (a-b)/b*100)
	}
}

// rescheduleValidators scores each validator by a blend of normalized stake,
// reputation and performance, moves its weight toward the score relative to
// the average (by at most 20% per call), and ranks validators by weight.
func rescheduleValidators(ctx context.Context, s Store, p decision.Payload, before snapshot) (snapshot, error) {
	if len(before.Validators) == 0 {
		return snapshot{}, errors.New("no validators to reschedule")
	}
	params, _ := p.Params().(decision.ValidatorParams)
	ws, wr, wp := params.StakeWeight, params.ReputationWeight, params.PerformanceWeight
	if sum := ws + wr + wp; sum > 0 {
		ws, wr, wp = ws/sum, wr/sum, wp/sum
	} else {
		ws, wr, wp = 0.5, 0.3, 0.2
	}

	var maxStake float64
	for _, v := range before.Validators {
		maxStake = math.Max(maxStake, v.Stake)
	}

	scores := make([]float64, len(before.Validators))
	var total float64
	for i, v := range before.Validators {
		var stake float64
		if maxStake > 0 {
			stake = v.Stake / maxStake
		}
		scores[i] = ws*stake + wr*v.Reputation/100 + wp*v.Performance/100
		total += scores[i]
	}
	mean := total / float64(len(scores))

	after := slices.Clone(before.Validators)
	for i := range after {
		current := after[i].Weight
		if current <= 0 {
			current = 1
		}
		target := current
		if mean > 0 {
			target = scores[i] / mean
		}
		lo, hi := current*(1-maxWeightChange), current*(1+maxWeightChange)
		after[i].Weight = math.Round(math.Max(lo, math.Min(hi, target))*1e4) / 1e4
	}

	ranked := slices.Clone(after)
	slices.SortStableFunc(ranked, func(a, b ledger.Validator) int { return cmp.Compare(b.Weight, a.Weight) })
	for rank, v := range ranked {
		for i := range after {
			if after[i].ID == v.ID {
				after[i].ScheduleRank = rank + 1
			}
		}
	}

	for i, v := range after {
		if err := s.UpdateValidator(ctx, v); err != nil {
			return snapshot{Validators: after[:i]}, fmt.Errorf("update validator %s: %w", v.ID, err)
		}
	}
	return snapshot{Validators: after}, nil
}

func restoreValidators(ctx context.Context, s Store, before, _ snapshot) error {
	var errs []error
	for _, v := range before.Validators {
		if err := s.UpdateValidator(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("restore validator %s: %w", v.ID, err))
		}
	}
	return errors.Join(errs...)
}

func validatorOrder(snap snapshot) any {
	ranked := slices.Clone(snap.Validators)
	slices.SortStableFunc(ranked, func(a, b ledger.Validator) int { return a.ScheduleRank - b.ScheduleRank })
	ids := make([]string, len(ranked))
	for i, v := range ranked {
		ids[i] = v.ID
	}
	return ids
}

func rescheduleImprovement(before, after snapshot) string {
	rank := make(map[string]int, len(before.Validators))
	for _, v := range before.Validators {
		rank[v.ID] = v.ScheduleRank
	}
	moved := 0
	for _, v := range after.Validators {
		if rank[v.ID] != v.ScheduleRank {
			moved++
		}
	}
	return fmt.Sprintf("%d of %d validators changed schedule rank", moved, len(after.Validators))
}

// prevalidateProposal records an assessment of a proposal. Only decisions at
// or above governanceAutoConfidence are auto-decided; the rest are flagged
// for a validator vote.
func prevalidateProposal(ctx context.Context, s Store, p decision.Payload, _ snapshot) (snapshot, error) {
	params, _ := p.Params().(decision.GovernanceParams)
	if params.ProposalID == "" {
		return snapshot{}, errors.New("governance prevalidation needs a proposal id")
	}

	pv := ledger.GovernancePrevalidation{
		ProposalID: params.ProposalID,
		Decision:   ledger.PrevalidationManualReview,
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
	}
	if p.Confidence >= governanceAutoConfidence {
		pv.AutoDecided = true
		pv.Decision = ledger.PrevalidationApprove
		if params.Recommendation == "reject" {
			pv.Decision = ledger.PrevalidationReject
		}
	}

	id, err := s.CreateGovernancePrevalidation(ctx, pv)
	if err != nil {
		return snapshot{}, fmt.Errorf("create prevalidation: %w", err)
	}
	pv.ID = id
	return snapshot{Prevalidation: &pv}, nil
}

// withdrawPrevalidation supersedes an assessment with a manual-review entry.
// Prevalidations are append-only.
func withdrawPrevalidation(ctx context.Context, s Store, _, after snapshot) error {
	if after.Prevalidation == nil {
		return nil
	}
	_, err := s.CreateGovernancePrevalidation(ctx, ledger.GovernancePrevalidation{
		ProposalID: after.Prevalidation.ProposalID,
		Decision:   ledger.PrevalidationManualReview,
		Reasoning:  "prevalidation " + after.Prevalidation.ID + " withdrawn",
	})
	return err
}

func prevalidationDecision(snap snapshot) any {
	if snap.Prevalidation == nil {
		return nil
	}
	return snap.Prevalidation.Decision
}

func prevalidationSummary(_, after snapshot) string {
	if after.Prevalidation == nil {
		return ""
	}
	if after.Prevalidation.AutoDecided {
		return fmt.Sprintf("proposal %s auto-decided: %s", after.Prevalidation.ProposalID, after.Prevalidation.Decision)
	}
	return fmt.Sprintf("proposal %s flagged for validator vote", after.Prevalidation.ProposalID)
}
