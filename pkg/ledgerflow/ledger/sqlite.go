package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists ledger state to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS shards (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		load REAL NOT NULL DEFAULT 0,
		capacity REAL NOT NULL DEFAULT 0,
		validator_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS network_stats (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		block_time_ms REAL NOT NULL,
		tps_target REAL NOT NULL,
		current_tps REAL NOT NULL,
		shard_count INTEGER NOT NULL,
		active_validators INTEGER NOT NULL,
		total_staked REAL NOT NULL,
		block_height INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validators (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL DEFAULT '',
		stake REAL NOT NULL DEFAULT 0,
		reputation REAL NOT NULL DEFAULT 0,
		performance REAL NOT NULL DEFAULT 0,
		weight REAL NOT NULL DEFAULT 0,
		schedule_rank INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		address TEXT PRIMARY KEY,
		balance REAL NOT NULL DEFAULT 0,
		staked REAL NOT NULL DEFAULT 0,
		nonce INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ai_execution_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		decision_type TEXT NOT NULL,
		status TEXT NOT NULL,
		confidence REAL NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		parameters BLOB,
		before_state BLOB,
		after_state BLOB,
		reason TEXT NOT NULL DEFAULT '',
		improvement TEXT NOT NULL DEFAULT '',
		rolled_back INTEGER NOT NULL DEFAULT 0,
		rollback_reason TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		rolled_back_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS governance_prevalidations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		proposal_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence REAL NOT NULL,
		auto_decided INTEGER NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prevalidations_proposal
		ON governance_prevalidations(proposal_id)`,
	`CREATE TABLE IF NOT EXISTS decision_audits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		band TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		decision_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		source TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		cost REAL NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) a SQLite ledger store.
// The path should be a file path (e.g., "./ledger.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatOptTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseOptTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) read() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	return s.mu.RUnlock, nil
}

func (s *SQLiteStore) write() (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	return s.mu.Unlock, nil
}

func (s *SQLiteStore) GetAllShards(ctx context.Context) ([]Shard, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, load, capacity, validator_count, status, updated_at
		FROM shards ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	var out []Shard
	for rows.Next() {
		var sh Shard
		var updated string
		if err := rows.Scan(&sh.ID, &sh.Name, &sh.Load, &sh.Capacity, &sh.ValidatorCount, &sh.Status, &updated); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		sh.UpdatedAt = parseTime(updated)
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateShard(ctx context.Context, sh Shard) (Shard, error) {
	unlock, err := s.write()
	if err != nil {
		return Shard{}, err
	}
	defer unlock()

	sh.UpdatedAt = time.Now()
	var id any
	if sh.ID != 0 {
		id = sh.ID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO shards (id, name, load, capacity, validator_count, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, sh.Name, sh.Load, sh.Capacity, sh.ValidatorCount, sh.Status, formatTime(sh.UpdatedAt))
	if err != nil {
		return Shard{}, fmt.Errorf("create shard: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return Shard{}, fmt.Errorf("create shard: %w", err)
	}
	sh.ID = int(newID)
	return sh, nil
}

func (s *SQLiteStore) UpdateShard(ctx context.Context, sh Shard) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET name = ?, load = ?, capacity = ?, validator_count = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, sh.Name, sh.Load, sh.Capacity, sh.ValidatorCount, sh.Status, formatTime(time.Now()), sh.ID)
	if err != nil {
		return fmt.Errorf("update shard: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteShard(ctx context.Context, id int) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM shards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete shard: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetNetworkStats(ctx context.Context) (NetworkStats, error) {
	unlock, err := s.read()
	if err != nil {
		return NetworkStats{}, err
	}
	defer unlock()

	var ns NetworkStats
	var updated string
	err = s.db.QueryRowContext(ctx, `
		SELECT block_time_ms, tps_target, current_tps, shard_count, active_validators,
			total_staked, block_height, updated_at
		FROM network_stats WHERE id = 1
	`).Scan(&ns.BlockTimeMs, &ns.TPSTarget, &ns.CurrentTPS, &ns.ShardCount, &ns.ActiveValidators,
		&ns.TotalStaked, &ns.BlockHeight, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return NetworkStats{}, nil
	}
	if err != nil {
		return NetworkStats{}, fmt.Errorf("get network stats: %w", err)
	}
	ns.UpdatedAt = parseTime(updated)
	return ns, nil
}

func (s *SQLiteStore) UpdateNetworkStats(ctx context.Context, ns NetworkStats) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO network_stats (id, block_time_ms, tps_target, current_tps, shard_count,
			active_validators, total_staked, block_height, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			block_time_ms = excluded.block_time_ms,
			tps_target = excluded.tps_target,
			current_tps = excluded.current_tps,
			shard_count = excluded.shard_count,
			active_validators = excluded.active_validators,
			total_staked = excluded.total_staked,
			block_height = excluded.block_height,
			updated_at = excluded.updated_at
	`, ns.BlockTimeMs, ns.TPSTarget, ns.CurrentTPS, ns.ShardCount, ns.ActiveValidators,
		ns.TotalStaked, ns.BlockHeight, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("update network stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAllValidators(ctx context.Context) ([]Validator, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, stake, reputation, performance, weight, schedule_rank, status, updated_at
		FROM validators ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list validators: %w", err)
	}
	defer rows.Close()

	var out []Validator
	for rows.Next() {
		var v Validator
		var updated string
		if err := rows.Scan(&v.ID, &v.Address, &v.Stake, &v.Reputation, &v.Performance,
			&v.Weight, &v.ScheduleRank, &v.Status, &updated); err != nil {
			return nil, fmt.Errorf("scan validator: %w", err)
		}
		v.UpdatedAt = parseTime(updated)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validators: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateValidator(ctx context.Context, v Validator) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if v.ID == "" {
		v.ID = "val-" + uuid.New().String()[:8]
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validators (id, address, stake, reputation, performance, weight, schedule_rank, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Address, v.Stake, v.Reputation, v.Performance, v.Weight, v.ScheduleRank, v.Status, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateValidator(ctx context.Context, v Validator) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE validators SET address = ?, stake = ?, reputation = ?, performance = ?, weight = ?,
			schedule_rank = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, v.Address, v.Stake, v.Reputation, v.Performance, v.Weight, v.ScheduleRank, v.Status,
		formatTime(time.Now()), v.ID)
	if err != nil {
		return fmt.Errorf("update validator: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, address string) (Account, error) {
	unlock, err := s.read()
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	var a Account
	var updated string
	err = s.db.QueryRowContext(ctx, `
		SELECT address, balance, staked, nonce, updated_at FROM accounts WHERE address = ?
	`, address).Scan(&a.Address, &a.Balance, &a.Staked, &a.Nonce, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, a Account) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (address, balance, staked, nonce, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			balance = excluded.balance,
			staked = excluded.staked,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at
	`, a.Address, a.Balance, a.Staked, a.Nonce, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

const execLogColumns = `id, decision_type, status, confidence, provider, model, parameters,
	before_state, after_state, reason, improvement, rolled_back, rollback_reason, duration_ms,
	started_at, completed_at, rolled_back_at`

func (s *SQLiteStore) CreateAIExecutionLog(ctx context.Context, l ExecutionLog) (string, error) {
	unlock, err := s.write()
	if err != nil {
		return "", err
	}
	defer unlock()

	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_execution_logs (`+execLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.DecisionType, l.Status, l.Confidence, l.Provider, l.Model, []byte(l.Parameters),
		[]byte(l.BeforeState), []byte(l.AfterState), l.Reason, l.Improvement, boolInt(l.RolledBack),
		l.RollbackReason, l.DurationMs, formatTime(l.StartedAt), formatOptTime(l.CompletedAt),
		formatOptTime(l.RolledBackAt))
	if err != nil {
		return "", fmt.Errorf("create execution log: %w", err)
	}
	return l.ID, nil
}

func (s *SQLiteStore) UpdateAIExecutionLog(ctx context.Context, l ExecutionLog) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE ai_execution_logs SET decision_type = ?, status = ?, confidence = ?, provider = ?,
			model = ?, parameters = ?, before_state = ?, after_state = ?, reason = ?, improvement = ?,
			rolled_back = ?, rollback_reason = ?, duration_ms = ?, completed_at = ?, rolled_back_at = ?
		WHERE id = ?
	`, l.DecisionType, l.Status, l.Confidence, l.Provider, l.Model, []byte(l.Parameters),
		[]byte(l.BeforeState), []byte(l.AfterState), l.Reason, l.Improvement, boolInt(l.RolledBack),
		l.RollbackReason, l.DurationMs, formatOptTime(l.CompletedAt), formatOptTime(l.RolledBackAt), l.ID)
	if err != nil {
		return fmt.Errorf("update execution log: %w", err)
	}
	return requireAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecLog(row scanner) (ExecutionLog, error) {
	var l ExecutionLog
	var params, before, after []byte
	var rolledBack int
	var started string
	var completed, rolledBackAt sql.NullString
	if err := row.Scan(&l.ID, &l.DecisionType, &l.Status, &l.Confidence, &l.Provider, &l.Model,
		&params, &before, &after, &l.Reason, &l.Improvement, &rolledBack, &l.RollbackReason,
		&l.DurationMs, &started, &completed, &rolledBackAt); err != nil {
		return ExecutionLog{}, err
	}
	l.Parameters = params
	l.BeforeState = before
	l.AfterState = after
	l.RolledBack = rolledBack != 0
	l.StartedAt = parseTime(started)
	l.CompletedAt = parseOptTime(completed)
	l.RolledBackAt = parseOptTime(rolledBackAt)
	return l, nil
}

func (s *SQLiteStore) GetAIExecutionLog(ctx context.Context, id string) (ExecutionLog, error) {
	unlock, err := s.read()
	if err != nil {
		return ExecutionLog{}, err
	}
	defer unlock()

	l, err := scanExecLog(s.db.QueryRowContext(ctx,
		`SELECT `+execLogColumns+` FROM ai_execution_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionLog{}, ErrNotFound
	}
	if err != nil {
		return ExecutionLog{}, fmt.Errorf("get execution log: %w", err)
	}
	return l, nil
}

func (s *SQLiteStore) ListAIExecutionLogs(ctx context.Context, limit int) ([]ExecutionLog, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execLogColumns+` FROM ai_execution_logs ORDER BY seq DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLog
	for rows.Next() {
		l, err := scanExecLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution logs: %w", err)
	}
	return out, nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) CreateGovernancePrevalidation(ctx context.Context, p GovernancePrevalidation) (string, error) {
	unlock, err := s.write()
	if err != nil {
		return "", err
	}
	defer unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_prevalidations (id, proposal_id, decision, confidence, auto_decided, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ProposalID, p.Decision, p.Confidence, boolInt(p.AutoDecided), p.Reasoning, formatTime(p.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("create governance prevalidation: %w", err)
	}
	return p.ID, nil
}

func (s *SQLiteStore) ListGovernancePrevalidations(ctx context.Context, proposalID string) ([]GovernancePrevalidation, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, decision, confidence, auto_decided, reasoning, created_at
		FROM governance_prevalidations
		WHERE ? = '' OR proposal_id = ?
		ORDER BY seq
	`, proposalID, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list governance prevalidations: %w", err)
	}
	defer rows.Close()

	var out []GovernancePrevalidation
	for rows.Next() {
		var p GovernancePrevalidation
		var auto int
		var created string
		if err := rows.Scan(&p.ID, &p.ProposalID, &p.Decision, &p.Confidence, &auto, &p.Reasoning, &created); err != nil {
			return nil, fmt.Errorf("scan governance prevalidation: %w", err)
		}
		p.AutoDecided = auto != 0
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate governance prevalidations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateDecisionAudit(ctx context.Context, a DecisionAudit) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_audits (id, event_type, band, provider, model, decision_type, confidence,
			source, success, error, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.EventType, a.Band, a.Provider, a.Model, a.DecisionType, a.Confidence, a.Source,
		boolInt(a.Success), a.Error, a.CorrelationID, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create decision audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDecisionAudits(ctx context.Context, limit int) ([]DecisionAudit, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, band, provider, model, decision_type, confidence, source, success,
			error, correlation_id, created_at
		FROM decision_audits ORDER BY seq DESC LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list decision audits: %w", err)
	}
	defer rows.Close()

	var out []DecisionAudit
	for rows.Next() {
		var a DecisionAudit
		var success int
		var created string
		if err := rows.Scan(&a.ID, &a.EventType, &a.Band, &a.Provider, &a.Model, &a.DecisionType,
			&a.Confidence, &a.Source, &success, &a.Error, &a.CorrelationID, &created); err != nil {
			return nil, fmt.Errorf("scan decision audit: %w", err)
		}
		a.Success = success != 0
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision audits: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CreateUsageLog(ctx context.Context, u UsageLog) error {
	unlock, err := s.write()
	if err != nil {
		return err
	}
	defer unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (id, provider, model, prompt_tokens, completion_tokens, total_tokens,
			cost, success, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Provider, u.Model, u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.Cost,
		boolInt(u.Success), u.LatencyMs, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("create usage log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsageLogs(ctx context.Context, limit int) ([]UsageLog, error) {
	unlock, err := s.read()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost, success,
			latency_ms, created_at
		FROM usage_logs ORDER BY seq DESC LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	defer rows.Close()

	var out []UsageLog
	for rows.Next() {
		var u UsageLog
		var success int
		var created string
		if err := rows.Scan(&u.ID, &u.Provider, &u.Model, &u.PromptTokens, &u.CompletionTokens,
			&u.TotalTokens, &u.Cost, &success, &u.LatencyMs, &created); err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		u.Success = success != 0
		u.CreatedAt = parseTime(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage logs: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
