package ledger

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. Values are copied in and out, so
// callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	shards      map[int]Shard
	nextShardID int
	network     NetworkStats
	validators  map[string]Validator
	accounts    map[string]Account

	execLogs      map[string]ExecutionLog
	execOrder     []string
	prevalidation []GovernancePrevalidation
	audits        []DecisionAudit
	usage         []UsageLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:     make(map[int]Shard),
		validators: make(map[string]Validator),
		accounts:   make(map[string]Account),
		execLogs:   make(map[string]ExecutionLog),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetAllShards(_ context.Context) ([]Shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Shard, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Shard) int { return a.ID - b.ID })
	return out, nil
}

func (m *MemoryStore) CreateShard(_ context.Context, s Shard) (Shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Shard{}, ErrStoreClosed
	}

	if s.ID == 0 {
		m.nextShardID++
		for m.shards[m.nextShardID].ID != 0 {
			m.nextShardID++
		}
		s.ID = m.nextShardID
	} else if s.ID > m.nextShardID {
		m.nextShardID = s.ID
	}
	s.UpdatedAt = time.Now()
	m.shards[s.ID] = s
	return s, nil
}

func (m *MemoryStore) UpdateShard(_ context.Context, s Shard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.shards[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now()
	m.shards[s.ID] = s
	return nil
}

func (m *MemoryStore) DeleteShard(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.shards[id]; !ok {
		return ErrNotFound
	}
	delete(m.shards, id)
	return nil
}

func (m *MemoryStore) GetNetworkStats(_ context.Context) (NetworkStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NetworkStats{}, ErrStoreClosed
	}
	return m.network, nil
}

func (m *MemoryStore) UpdateNetworkStats(_ context.Context, stats NetworkStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	stats.UpdatedAt = time.Now()
	m.network = stats
	return nil
}

func (m *MemoryStore) GetAllValidators(_ context.Context) ([]Validator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Validator, 0, len(m.validators))
	for _, v := range m.validators {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b Validator) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *MemoryStore) CreateValidator(_ context.Context, v Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if v.ID == "" {
		v.ID = "val-" + uuid.New().String()[:8]
	}
	v.UpdatedAt = time.Now()
	m.validators[v.ID] = v
	return nil
}

func (m *MemoryStore) UpdateValidator(_ context.Context, v Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.validators[v.ID]; !ok {
		return ErrNotFound
	}
	v.UpdatedAt = time.Now()
	m.validators[v.ID] = v
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, address string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Account{}, ErrStoreClosed
	}
	a, ok := m.accounts[address]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) UpsertAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	a.UpdatedAt = time.Now()
	m.accounts[a.Address] = a
	return nil
}

func (m *MemoryStore) CreateAIExecutionLog(_ context.Context, log ExecutionLog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now()
	}
	if _, exists := m.execLogs[log.ID]; !exists {
		m.execOrder = append(m.execOrder, log.ID)
	}
	m.execLogs[log.ID] = cloneLog(log)
	return log.ID, nil
}

func (m *MemoryStore) UpdateAIExecutionLog(_ context.Context, log ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.execLogs[log.ID]; !ok {
		return ErrNotFound
	}
	m.execLogs[log.ID] = cloneLog(log)
	return nil
}

func (m *MemoryStore) GetAIExecutionLog(_ context.Context, id string) (ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ExecutionLog{}, ErrStoreClosed
	}
	log, ok := m.execLogs[id]
	if !ok {
		return ExecutionLog{}, ErrNotFound
	}
	return cloneLog(log), nil
}

func (m *MemoryStore) ListAIExecutionLogs(_ context.Context, limit int) ([]ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []ExecutionLog
	for i := len(m.execOrder) - 1; i >= 0; i-- {
		out = append(out, cloneLog(m.execLogs[m.execOrder[i]]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateGovernancePrevalidation(_ context.Context, p GovernancePrevalidation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.prevalidation = append(m.prevalidation, p)
	return p.ID, nil
}

func (m *MemoryStore) ListGovernancePrevalidations(_ context.Context, proposalID string) ([]GovernancePrevalidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []GovernancePrevalidation
	for _, p := range m.prevalidation {
		if proposalID == "" || p.ProposalID == proposalID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDecisionAudit(_ context.Context, a DecisionAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.audits = append(m.audits, a)
	return nil
}

func (m *MemoryStore) ListDecisionAudits(_ context.Context, limit int) ([]DecisionAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return newestFirst(m.audits, limit), nil
}

func (m *MemoryStore) CreateUsageLog(_ context.Context, u UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.usage = append(m.usage, u)
	return nil
}

func (m *MemoryStore) ListUsageLogs(_ context.Context, limit int) ([]UsageLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return newestFirst(m.usage, limit), nil
}

// Close marks the store closed. Subsequent calls fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func newestFirst[T any](rows []T, limit int) []T {
	n := len(rows)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for i := len(rows) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, rows[i])
	}
	return out
}

func cloneLog(l ExecutionLog) ExecutionLog {
	l.Parameters = cloneRaw(l.Parameters)
	l.BeforeState = cloneRaw(l.BeforeState)
	l.AfterState = cloneRaw(l.AfterState)
	if l.CompletedAt != nil {
		t := *l.CompletedAt
		l.CompletedAt = &t
	}
	if l.RolledBackAt != nil {
		t := *l.RolledBackAt
		l.RolledBackAt = &t
	}
	return l
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
