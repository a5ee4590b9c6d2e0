// Package ledger defines the operational state the decision pipeline reads
// and mutates, and the stores that hold it.
//
// Writes are fire-and-forget from the pipeline's point of view: there is no
// cross-call transaction. Implementations must be safe for concurrent use.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row doesn't exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("ledger: store closed")
)

// Shard is one partition of the network.
type Shard struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Load           float64   `json:"load"`
	Capacity       float64   `json:"capacity"`
	ValidatorCount int       `json:"validatorCount"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NetworkStats are the network-wide tunables and counters.
type NetworkStats struct {
	BlockTimeMs      float64   `json:"blockTimeMs"`
	TPSTarget        float64   `json:"tpsTarget"`
	CurrentTPS       float64   `json:"currentTps"`
	ShardCount       int       `json:"shardCount"`
	ActiveValidators int       `json:"activeValidators"`
	TotalStaked      float64   `json:"totalStaked"`
	BlockHeight      int64     `json:"blockHeight"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Validator is a block producer with its scheduling weight.
type Validator struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	Stake        float64   `json:"stake"`
	Reputation   float64   `json:"reputation"`
	Performance  float64   `json:"performance"`
	Weight       float64   `json:"weight"`
	ScheduleRank int       `json:"scheduleRank"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Account is a wallet balance record.
type Account struct {
	Address   string    `json:"address"`
	Balance   float64   `json:"balance"`
	Staked    float64   `json:"staked"`
	Nonce     int64     `json:"nonce"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Execution log statuses.
const (
	StatusExecuting  = "executing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// ExecutionLog records one applied decision with the state captured before
// and after it, so it can be rolled back.
type ExecutionLog struct {
	ID             string          `json:"id"`
	DecisionType   string          `json:"decisionType"`
	Status         string          `json:"status"`
	Confidence     float64         `json:"confidence"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	BeforeState    json.RawMessage `json:"beforeState,omitempty"`
	AfterState     json.RawMessage `json:"afterState,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Improvement    string          `json:"improvement,omitempty"`
	RolledBack     bool            `json:"rolledBack"`
	RollbackReason string          `json:"rollbackReason,omitempty"`
	DurationMs     int64           `json:"durationMs"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	RolledBackAt   *time.Time      `json:"rolledBackAt,omitempty"`
}

// Governance prevalidation outcomes.
const (
	PrevalidationApprove      = "approve"
	PrevalidationReject       = "reject"
	PrevalidationManualReview = "manual_review"
)

// GovernancePrevalidation is an AI assessment of a governance proposal.
type GovernancePrevalidation struct {
	ID          string    `json:"id"`
	ProposalID  string    `json:"proposalId"`
	Decision    string    `json:"decision"`
	Confidence  float64   `json:"confidence"`
	AutoDecided bool      `json:"autoDecided"`
	Reasoning   string    `json:"reasoning,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DecisionAudit records one routing attempt, whether it produced an AI
// decision, a fallback decision or a local safe default.
type DecisionAudit struct {
	ID            string    `json:"id"`
	EventType     string    `json:"eventType"`
	Band          string    `json:"band"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model,omitempty"`
	DecisionType  string    `json:"decisionType"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// UsageLog records token usage and cost of one routing attempt.
type UsageLog struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	Cost             float64   `json:"cost"`
	Success          bool      `json:"success"`
	LatencyMs        int64     `json:"latencyMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// ShardStore reads and writes shards.
type ShardStore interface {
	GetAllShards(ctx context.Context) ([]Shard, error)
	CreateShard(ctx context.Context, s Shard) (Shard, error)
	UpdateShard(ctx context.Context, s Shard) error
	DeleteShard(ctx context.Context, id int) error
}

// NetworkStore reads and writes network stats.
type NetworkStore interface {
	GetNetworkStats(ctx context.Context) (NetworkStats, error)
	UpdateNetworkStats(ctx context.Context, stats NetworkStats) error
}

// ValidatorStore reads and writes validators.
type ValidatorStore interface {
	GetAllValidators(ctx context.Context) ([]Validator, error)
	CreateValidator(ctx context.Context, v Validator) error
	UpdateValidator(ctx context.Context, v Validator) error
}

// AccountStore reads and writes accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, address string) (Account, error)
	UpsertAccount(ctx context.Context, a Account) error
}

// AuditStore persists execution logs, governance prevalidations, decision
// audits and usage logs.
type AuditStore interface {
	// CreateAIExecutionLog stores a new log and returns its ID. An empty ID
	// is assigned.
	CreateAIExecutionLog(ctx context.Context, log ExecutionLog) (string, error)
	UpdateAIExecutionLog(ctx context.Context, log ExecutionLog) error
	GetAIExecutionLog(ctx context.Context, id string) (ExecutionLog, error)
	// ListAIExecutionLogs returns up to limit logs, newest first.
	ListAIExecutionLogs(ctx context.Context, limit int) ([]ExecutionLog, error)

	CreateGovernancePrevalidation(ctx context.Context, p GovernancePrevalidation) (string, error)
	ListGovernancePrevalidations(ctx context.Context, proposalID string) ([]GovernancePrevalidation, error)

	CreateDecisionAudit(ctx context.Context, a DecisionAudit) error
	ListDecisionAudits(ctx context.Context, limit int) ([]DecisionAudit, error)

	CreateUsageLog(ctx context.Context, u UsageLog) error
	ListUsageLogs(ctx context.Context, limit int) ([]UsageLog, error)
}

// Store is the full ledger store.
type Store interface {
	ShardStore
	NetworkStore
	ValidatorStore
	AccountStore
	AuditStore

	// Close releases any resources (connections, files).
	Close() error
}

// MeanLoad returns the average shard load, or 0 for no shards.
func MeanLoad(shards []Shard) float64 {
	if len(shards) == 0 {
		return 0
	}
	var total float64
	for _, s := range shards {
		total += s.Load
	}
	return total / float64(len(shards))
}
