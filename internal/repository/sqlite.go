package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	// File databases are shared between orchestrator instances.
	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// Don't fail startup for this
	if err := store.seedTools(); err != nil {
		slog.Warn("failed to seed tools", "error", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			description TEXT,
			user_id TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL DEFAULT '',
			capabilities TEXT,
			category TEXT NOT NULL DEFAULT '',
			keywords TEXT,
			is_sub_agent INTEGER NOT NULL DEFAULT 0,
			parent_agent_id TEXT,
			capability_name TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_capability_name ON agents(user_id, capability_name) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_agent_id, active)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			parent_execution_id TEXT,
			retry_of_execution_id TEXT,
			retry_execution_id TEXT,
			correlation_id TEXT,
			idempotency_key TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			input TEXT NOT NULL,
			history TEXT,
			result TEXT,
			reason TEXT,
			retried INTEGER NOT NULL DEFAULT 0,
			step_log TEXT,
			usage TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 0,
			owner TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_idempotency ON executions(idempotency_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_owner_state ON executions(owner, state)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			correlation_id TEXT PRIMARY KEY,
			source_execution_id TEXT NOT NULL,
			target_agent_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interrupts (
			interrupt_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT,
			arguments TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			resolved_at INTEGER,
			resolved_arguments TEXT,
			decided_by TEXT,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_execution ON interrupts(execution_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_interrupts_status_expires ON interrupts(status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_execution_seq ON events(execution_id, seq)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			execution_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent_id TEXT,
			kind TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tools (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			category TEXT,
			sensitive INTEGER NOT NULL DEFAULT 0,
			schema TEXT,
			client_id TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 60000
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_client ON tools(client_id)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			args TEXT,
			result TEXT,
			error TEXT,
			interrupt_id TEXT,
			idempotency_key TEXT,
			timeout_ms INTEGER NOT NULL DEFAULT 60000,
			created_at INTEGER NOT NULL,
			deadline_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_execution ON tool_calls(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_status_deadline ON tool_calls(status, deadline_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("tool_calls", "idempotency_key", "ALTER TABLE tool_calls ADD COLUMN idempotency_key TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("executions", "owner", "ALTER TABLE executions ADD COLUMN owner TEXT"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tool_calls_idempotency ON tool_calls(execution_id, tool_name, idempotency_key, created_at)`); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

func (s *SQLiteStore) seedTools() error {
	ctx := context.Background()
	tools := []domain.Tool{
		{Name: "weather.query", Kind: domain.ToolKindServer, Category: "research", TimeoutMs: 5000},
		{Name: "calendar.lookup", Kind: domain.ToolKindServer, Category: "scheduling", TimeoutMs: 5000},
		{Name: "browser.screenshot", Kind: domain.ToolKindClient, Category: "research", TimeoutMs: 60000},
		{Name: "payments.transfer", Kind: domain.ToolKindServer, Category: "payments", Sensitive: true, TimeoutMs: 10000},
		{Name: "email.send", Kind: domain.ToolKindServer, Category: "communication", Sensitive: true, TimeoutMs: 10000},
		{Name: "dangerous.command", Kind: domain.ToolKindServer, TimeoutMs: 5000},
	}

	for _, t := range tools {
		if err := s.CreateTool(ctx, &t); err != nil {
			// Ignore if exists
			if !isUniqueViolation(err) {
				return err
			}
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- agents ---

const agentColumns = `agent_id, display_name, description, user_id, endpoint, capabilities, category, keywords,
	is_sub_agent, parent_agent_id, capability_name, timeout_ms, active, created_at, updated_at`

// CreateAgent inserts a new agent definition.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *domain.AgentDefinition) error {
	caps, _ := json.Marshal(agent.Capabilities)
	keywords, _ := json.Marshal(agent.Keywords)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.DisplayName, nullString(agent.Description), agent.UserID, agent.Endpoint, string(caps),
		agent.Category, string(keywords), agent.IsSubAgent, nullString(agent.ParentAgentID), agent.DelegationCapabilityName,
		agent.TimeoutMs, agent.Active, toMillis(agent.CreatedAt), toMillis(agent.UpdatedAt))
	return mapAgentError(err)
}

// UpdateAgent rewrites the mutable fields of an agent.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *domain.AgentDefinition) error {
	caps, _ := json.Marshal(agent.Capabilities)
	keywords, _ := json.Marshal(agent.Keywords)
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET display_name = ?, description = ?, endpoint = ?, capabilities = ?, category = ?, keywords = ?,
		 capability_name = ?, timeout_ms = ?, updated_at = ? WHERE agent_id = ?`,
		agent.DisplayName, nullString(agent.Description), agent.Endpoint, string(caps), agent.Category, string(keywords),
		agent.DelegationCapabilityName, agent.TimeoutMs, toMillis(agent.UpdatedAt), agent.ID)
	if err != nil {
		return mapAgentError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgents lists every agent, active or not.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.AgentDefinition, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, agent_id`)
}

// ListAgentsInScope lists active agents visible to a user: the shared
// catalog plus the user's own custom agents.
func (s *SQLiteStore) ListAgentsInScope(ctx context.Context, userID string) ([]domain.AgentDefinition, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE active = 1 AND (user_id = '' OR user_id = ?) ORDER BY created_at, agent_id`,
		userID)
}

// CountActiveSubAgents counts active sub-agents under one parent.
func (s *SQLiteStore) CountActiveSubAgents(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE parent_agent_id = ? AND is_sub_agent = 1 AND active = 1`, parentID).Scan(&n)
	return n, err
}

// CountActiveCustomAgents counts active agents owned by a user.
func (s *SQLiteStore) CountActiveCustomAgents(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE user_id = ? AND user_id <> '' AND active = 1`, userID).Scan(&n)
	return n, err
}

// DeactivateAgent deactivates an agent and its active sub-agents. It returns
// the ids that changed state.
func (s *SQLiteStore) DeactivateAgent(ctx context.Context, agentID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT agent_id FROM agents WHERE active = 1 AND (agent_id = ? OR parent_agent_id = ?) ORDER BY agent_id`,
		agentID, agentID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET active = 0, updated_at = ? WHERE active = 1 AND (agent_id = ? OR parent_agent_id = ?)`,
		now, agentID, agentID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]domain.AgentDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.AgentDefinition
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.AgentDefinition, error) {
	var agent domain.AgentDefinition
	var description, caps, keywords, parentID sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&agent.ID, &agent.DisplayName, &description, &agent.UserID, &agent.Endpoint, &caps,
		&agent.Category, &keywords, &agent.IsSubAgent, &parentID, &agent.DelegationCapabilityName,
		&agent.TimeoutMs, &agent.Active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	agent.Description = description.String
	agent.ParentAgentID = parentID.String
	if caps.Valid {
		_ = json.Unmarshal([]byte(caps.String), &agent.Capabilities)
	}
	if keywords.Valid {
		_ = json.Unmarshal([]byte(keywords.String), &agent.Keywords)
	}
	agent.CreatedAt = fromMillis(createdAt)
	agent.UpdatedAt = fromMillis(updatedAt)
	return &agent, nil
}

func mapAgentError(err error) error {
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	if strings.Contains(err.Error(), "capability_name") {
		return ErrCapabilityNameTaken
	}
	return ErrAgentExists
}

// --- executions ---

const executionColumns = `execution_id, thread_id, agent_id, mode, state, parent_execution_id, retry_of_execution_id,
	retry_execution_id, correlation_id, idempotency_key, depth, input, history, result, reason, retried, step_log,
	usage, timeout_ms, owner, version, created_at, started_at, completed_at`

// SaveExecution upserts an execution checkpoint. Older versions never
// overwrite newer ones.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *domain.Execution) error {
	history, err := json.Marshal(exec.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	steps, err := json.Marshal(exec.StepLog)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	usage, _ := json.Marshal(exec.Usage)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			state = excluded.state,
			retry_execution_id = excluded.retry_execution_id,
			history = excluded.history,
			result = excluded.result,
			reason = excluded.reason,
			retried = excluded.retried,
			step_log = excluded.step_log,
			usage = excluded.usage,
			owner = excluded.owner,
			version = excluded.version,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
		 WHERE excluded.version > executions.version`,
		exec.ID, exec.ThreadID, exec.AgentID, exec.Mode, exec.State, nullString(exec.ParentExecutionID),
		nullString(exec.RetryOfExecutionID), nullString(exec.RetryExecutionID), nullString(exec.CorrelationID),
		nullString(exec.IdempotencyKey), exec.Depth, exec.Input, string(history), nullString(exec.Result),
		nullString(exec.Reason), exec.Retried, string(steps), string(usage), exec.TimeoutMs, nullString(exec.Owner),
		exec.Version, toMillis(exec.CreatedAt), nullMillis(exec.StartedAt), nullMillis(exec.CompletedAt))
	return err
}

// GetExecution retrieves an execution checkpoint by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecutionByIdempotencyKey retrieves the earliest execution started for a request id.
func (s *SQLiteStore) GetExecutionByIdempotencyKey(ctx context.Context, key string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE idempotency_key = ? ORDER BY created_at ASC LIMIT 1`, key)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutionsByOwner lists checkpoints owned by an instance in the given states.
func (s *SQLiteStore) ListExecutionsByOwner(ctx context.Context, owner string, states []domain.ExecutionState) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE owner = ?`
	args := []any{owner}
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ","))
	}
	query += ` ORDER BY depth ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var exec domain.Execution
	var parentID, retryOf, retryID, correlationID, idemKey, history, result, reason, steps, usage, owner sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	if err := row.Scan(&exec.ID, &exec.ThreadID, &exec.AgentID, &exec.Mode, &exec.State, &parentID, &retryOf,
		&retryID, &correlationID, &idemKey, &exec.Depth, &exec.Input, &history, &result, &reason, &exec.Retried,
		&steps, &usage, &exec.TimeoutMs, &owner, &exec.Version, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	exec.ParentExecutionID = parentID.String
	exec.RetryOfExecutionID = retryOf.String
	exec.RetryExecutionID = retryID.String
	exec.CorrelationID = correlationID.String
	exec.IdempotencyKey = idemKey.String
	exec.Result = result.String
	exec.Reason = reason.String
	exec.Owner = owner.String
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &exec.History); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", exec.ID, err)
		}
	}
	if steps.Valid {
		if err := json.Unmarshal([]byte(steps.String), &exec.StepLog); err != nil {
			return nil, fmt.Errorf("decode step log of %s: %w", exec.ID, err)
		}
	}
	if usage.Valid {
		_ = json.Unmarshal([]byte(usage.String), &exec.Usage)
	}
	exec.CreatedAt = fromMillis(createdAt)
	exec.StartedAt = fromNullMillis(startedAt)
	exec.CompletedAt = fromNullMillis(completedAt)
	return &exec, nil
}

// --- delegations ---

// ClaimDelegation records the child execution for a correlation id unless
// the id was claimed within the window, whatever the source. It returns the
// owning execution id and whether this call created the claim.
func (s *SQLiteStore) ClaimDelegation(ctx context.Context, event *domain.DelegationEvent, executionID string, window time.Duration) (string, bool, error) {
	now := time.Now()
	if window > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM delegations WHERE correlation_id = ? AND created_at < ?`,
			event.CorrelationID, toMillis(now.Add(-window))); err != nil {
			return "", false, err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO delegations (source_execution_id, correlation_id, target_agent_id, execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.SourceExecutionID, event.CorrelationID, event.TargetAgentID, executionID, toMillis(now))
	if err != nil {
		return "", false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected > 0 {
		return executionID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM delegations WHERE correlation_id = ?`,
		event.CorrelationID).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseDelegation drops a claim whose child execution was never created.
// Only the claim pointing at executionID is removed.
func (s *SQLiteStore) ReleaseDelegation(ctx context.Context, correlationID, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM delegations WHERE correlation_id = ? AND execution_id = ?`,
		correlationID, executionID)
	return err
}

// --- interrupts ---

const interruptColumns = `interrupt_id, execution_id, tool_call_id, tool_name, arguments, status, created_at,
	expires_at, resolved_at, resolved_arguments, decided_by, reason`

// CreateInterrupt persists a new pending interrupt.
func (s *SQLiteStore) CreateInterrupt(ctx context.Context, it *domain.Interrupt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interrupts (`+interruptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ExecutionID, it.ToolInvocationID, nullString(it.ToolName), nullStringBytes(it.Arguments), it.Status,
		toMillis(it.CreatedAt), toMillis(it.ExpiresAt), nullMillis(it.ResolvedAt), nullStringBytes(it.ResolvedArguments),
		nullString(it.DecidedBy), nullString(it.Reason))
	return err
}

// GetInterrupt retrieves an interrupt by ID.
func (s *SQLiteStore) GetInterrupt(ctx context.Context, interruptID string) (*domain.Interrupt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interruptColumns+` FROM interrupts WHERE interrupt_id = ?`, interruptID)
	it, err := scanInterrupt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ResolveInterrupt moves a pending interrupt to a terminal status. It returns
// false when the interrupt was no longer pending.
func (s *SQLiteStore) ResolveInterrupt(ctx context.Context, interruptID string, status domain.InterruptStatus, resolvedArgs []byte, decidedBy, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupts SET status = ?, resolved_at = ?, resolved_arguments = ?, decided_by = ?, reason = ?
		 WHERE interrupt_id = ? AND status = ?`,
		status, toMillis(at), nullStringBytes(resolvedArgs), nullString(decidedBy), nullString(reason),
		interruptID, domain.InterruptPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListPendingInterrupts lists pending interrupts of one execution.
func (s *SQLiteStore) ListPendingInterrupts(ctx context.Context, executionID string) ([]domain.Interrupt, error) {
	return s.queryInterrupts(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE execution_id = ? AND status = ? ORDER BY created_at ASC`,
		executionID, domain.InterruptPending)
}

// ListExpiredInterrupts lists pending interrupts whose deadline has passed.
func (s *SQLiteStore) ListExpiredInterrupts(ctx context.Context, now time.Time, limit int) ([]domain.Interrupt, error) {
	return s.queryInterrupts(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		domain.InterruptPending, toMillis(now), limit)
}

// ListPendingInterruptsByOwner lists pending interrupts of the executions one
// instance owns.
func (s *SQLiteStore) ListPendingInterruptsByOwner(ctx context.Context, owner string) ([]domain.Interrupt, error) {
	return s.queryInterrupts(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE status = ?
		AND execution_id IN (SELECT execution_id FROM executions WHERE owner = ?) ORDER BY created_at ASC`,
		domain.InterruptPending, owner)
}

func (s *SQLiteStore) queryInterrupts(ctx context.Context, query string, args ...any) ([]domain.Interrupt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Interrupt
	for rows.Next() {
		it, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanInterrupt(row scanner) (*domain.Interrupt, error) {
	var it domain.Interrupt
	var toolName, args, resolvedArgs, decidedBy, reason sql.NullString
	var createdAt, expiresAt int64
	var resolvedAt sql.NullInt64
	if err := row.Scan(&it.ID, &it.ExecutionID, &it.ToolInvocationID, &toolName, &args, &it.Status, &createdAt,
		&expiresAt, &resolvedAt, &resolvedArgs, &decidedBy, &reason); err != nil {
		return nil, err
	}
	it.ToolName = toolName.String
	if args.Valid {
		it.Arguments = json.RawMessage(args.String)
	}
	if resolvedArgs.Valid {
		it.ResolvedArguments = json.RawMessage(resolvedArgs.String)
	}
	it.DecidedBy = decidedBy.String
	it.Reason = reason.String
	it.CreatedAt = fromMillis(createdAt)
	it.ExpiresAt = fromMillis(expiresAt)
	it.ResolvedAt = fromNullMillis(resolvedAt)
	return &it, nil
}

// --- events ---

// CreateEvent appends an event and assigns its per-execution sequence number.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO events (event_id, execution_id, seq, ts, type, payload)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE execution_id = ?), ?, ?, ?)
		 RETURNING seq`,
		event.EventID, event.ExecutionID, event.ExecutionID, event.Ts, event.Type, payload).Scan(&event.Seq)
}

// GetEvents retrieves events for an execution in sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, execution_id, seq, ts, type, payload FROM events WHERE execution_id = ?`
	args := []any{executionID}

	if afterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, afterSeq)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.ExecutionID, &event.Seq, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// --- messages ---

// CreateMessage appends a message to a thread.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, thread_id, execution_id, role, content, agent_id, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.ThreadID, nullString(message.ExecutionID), message.Role, message.Content,
		nullString(message.AgentID), nullString(message.Kind), toMillis(message.CreatedAt))
	return err
}

// GetThreadMessages returns the last limit messages of a thread, oldest first.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, thread_id, execution_id, role, content, agent_id, kind, created_at
		FROM messages WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var executionID, agentID, kind sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.MessageID, &msg.ThreadID, &executionID, &msg.Role, &msg.Content, &agentID, &kind, &createdAt); err != nil {
			return nil, err
		}
		msg.ExecutionID = executionID.String
		msg.AgentID = agentID.String
		msg.Kind = kind.String
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- tools ---

// CreateTool creates a new tool.
func (s *SQLiteStore) CreateTool(ctx context.Context, tool *domain.Tool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (name, kind, category, sensitive, schema, client_id, timeout_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tool.Name, tool.Kind, nullString(tool.Category), tool.Sensitive, nullStringBytes(tool.Schema),
		nullString(tool.ClientID), tool.TimeoutMs)
	return err
}

// UpsertTool creates or updates a tool.
func (s *SQLiteStore) UpsertTool(ctx context.Context, tool *domain.Tool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tools (name, kind, category, sensitive, schema, client_id, timeout_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tool.Name, tool.Kind, nullString(tool.Category), tool.Sensitive, nullStringBytes(tool.Schema),
		nullString(tool.ClientID), tool.TimeoutMs)
	return err
}

// GetTool retrieves a tool by name.
func (s *SQLiteStore) GetTool(ctx context.Context, toolName string) (*domain.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, kind, category, sensitive, schema, client_id, timeout_ms FROM tools WHERE name = ?`, toolName)
	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tool, nil
}

// ListTools lists all tools.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, category, sensitive, schema, client_id, timeout_ms FROM tools ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *tool)
	}
	return tools, rows.Err()
}

func scanTool(row scanner) (*domain.Tool, error) {
	var tool domain.Tool
	var category, schema, clientID sql.NullString
	if err := row.Scan(&tool.Name, &tool.Kind, &category, &tool.Sensitive, &schema, &clientID, &tool.TimeoutMs); err != nil {
		return nil, err
	}
	tool.Category = category.String
	tool.ClientID = clientID.String
	if schema.Valid {
		tool.Schema = json.RawMessage(schema.String)
	}
	return &tool, nil
}

// --- tool calls ---

const toolCallColumns = `tool_call_id, execution_id, tool_name, kind, status, args, result, error, interrupt_id,
	idempotency_key, timeout_ms, created_at, deadline_at, completed_at`

// CreateToolCall creates a new tool call.
func (s *SQLiteStore) CreateToolCall(ctx context.Context, toolCall *domain.ToolCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (`+toolCallColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toolCall.ToolCallID, toolCall.ExecutionID, toolCall.ToolName, toolCall.Kind, toolCall.Status,
		nullStringBytes(toolCall.Args), nullStringBytes(toolCall.Result), nullStringBytes(toolCall.Error),
		nullString(toolCall.InterruptID), nullString(toolCall.IdempotencyKey), toolCall.TimeoutMs,
		toMillis(toolCall.CreatedAt), nullMillis(toolCall.DeadlineAt), nullMillis(toolCall.CompletedAt))
	return err
}

// GetToolCall retrieves a tool call by ID.
func (s *SQLiteStore) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE tool_call_id = ?`, toolCallID)
	tc, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// GetToolCallByIdempotencyKey retrieves the most recent tool call by idempotency key within an execution.
func (s *SQLiteStore) GetToolCallByIdempotencyKey(ctx context.Context, executionID, toolName, idempotencyKey string) (*domain.ToolCall, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+`
		 FROM tool_calls
		 WHERE execution_id = ? AND tool_name = ? AND idempotency_key = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		executionID, toolName, idempotencyKey)
	tc, err := scanToolCall(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// UpdateToolCallStatus updates the status of an open tool call and
// optionally arms its deadline.
func (s *SQLiteStore) UpdateToolCallStatus(ctx context.Context, toolCallID string, status domain.ToolCallStatus, deadline *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, deadline_at = COALESCE(?, deadline_at) WHERE tool_call_id = ? AND completed_at IS NULL`,
		status, nullMillis(deadline), toolCallID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateToolCallResult records the terminal outcome of a tool call.
func (s *SQLiteStore) UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result []byte, errData []byte) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, result = ?, error = ?, completed_at = ? WHERE tool_call_id = ? AND completed_at IS NULL`,
		status, nullStringBytes(result), nullStringBytes(errData), toMillis(now), toolCallID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateToolCallInterrupt links a tool call to its approval interrupt.
func (s *SQLiteStore) UpdateToolCallInterrupt(ctx context.Context, toolCallID, interruptID string, status domain.ToolCallStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET interrupt_id = ?, status = ? WHERE tool_call_id = ? AND completed_at IS NULL`,
		interruptID, status, toolCallID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListExpiredToolCalls lists open tool calls past their deadline. Calls
// waiting for approval are governed by their interrupt instead.
func (s *SQLiteStore) ListExpiredToolCalls(ctx context.Context, now time.Time, limit int) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolCallColumns+`
		FROM tool_calls
		WHERE completed_at IS NULL
		  AND status NOT IN ('SUCCEEDED', 'FAILED', 'TIMEOUT', 'BLOCKED', 'REJECTED', 'WAITING_APPROVAL')
		  AND deadline_at IS NOT NULL
		  AND deadline_at <= ?
		ORDER BY deadline_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanToolCall(row scanner) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	var args, result, errData, interruptID, idemKey sql.NullString
	var createdAt int64
	var deadlineAt, completedAt sql.NullInt64
	if err := row.Scan(&tc.ToolCallID, &tc.ExecutionID, &tc.ToolName, &tc.Kind, &tc.Status, &args, &result, &errData,
		&interruptID, &idemKey, &tc.TimeoutMs, &createdAt, &deadlineAt, &completedAt); err != nil {
		return nil, err
	}
	if args.Valid {
		tc.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	if errData.Valid {
		tc.Error = json.RawMessage(errData.String)
	}
	tc.InterruptID = interruptID.String
	tc.IdempotencyKey = idemKey.String
	tc.CreatedAt = fromMillis(createdAt)
	tc.DeadlineAt = fromNullMillis(deadlineAt)
	tc.CompletedAt = fromNullMillis(completedAt)
	return &tc, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
