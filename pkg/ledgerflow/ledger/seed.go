package ledger

import (
	"context"
	"fmt"
)

// Seed fills an empty store with a small demo network. It is a no-op when
// the store already has shards.
func Seed(ctx context.Context, s Store) error {
	existing, err := s.GetAllShards(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	for i, load := range []float64{72, 45, 88, 30} {
		if _, err := s.CreateShard(ctx, Shard{
			Name:           fmt.Sprintf("shard-%d", i+1),
			Load:           load,
			Capacity:       100,
			ValidatorCount: 5,
			Status:         "active",
		}); err != nil {
			return fmt.Errorf("seed shard: %w", err)
		}
	}

	validators := []Validator{
		{ID: "val-1", Address: "0xa1", Stake: 400_000, Reputation: 92, Performance: 97},
		{ID: "val-2", Address: "0xa2", Stake: 300_000, Reputation: 88, Performance: 91},
		{ID: "val-3", Address: "0xa3", Stake: 250_000, Reputation: 75, Performance: 85},
		{ID: "val-4", Address: "0xa4", Stake: 200_000, Reputation: 95, Performance: 78},
		{ID: "val-5", Address: "0xa5", Stake: 100_000, Reputation: 60, Performance: 99},
	}
	var staked float64
	for i, v := range validators {
		v.Weight = 1
		v.ScheduleRank = i + 1
		v.Status = "active"
		staked += v.Stake
		if err := s.CreateValidator(ctx, v); err != nil {
			return fmt.Errorf("seed validator: %w", err)
		}
	}

	if err := s.UpdateNetworkStats(ctx, NetworkStats{
		BlockTimeMs:      2000,
		TPSTarget:        5000,
		CurrentTPS:       3200,
		ShardCount:       4,
		ActiveValidators: len(validators),
		TotalStaked:      staked,
		BlockHeight:      1,
	}); err != nil {
		return fmt.Errorf("seed network stats: %w", err)
	}

	for _, a := range []Account{
		{Address: "0xfeed", Balance: 10_000},
		{Address: "0xbeef", Balance: 2_500, Staked: 1_000},
		{Address: "0xcafe", Balance: 750},
	} {
		if err := s.UpsertAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
	}
	return nil
}
