package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存智能体记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的连接创建存储并初始化表结构。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "db handle is required")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        id VARCHAR(64) PRIMARY KEY,
        owner_address VARCHAR(64) NOT NULL,
        name VARCHAR(255) NOT NULL,
        type VARCHAR(64) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        api_key_hash CHAR(64) NOT NULL,
        api_key_prefix VARCHAR(16) NOT NULL,
        auto_execute_enabled TINYINT(1) NOT NULL DEFAULT 0,
        auto_exec_suspended TINYINT(1) NOT NULL DEFAULT 0,
        auto_execute_rules TEXT,
        rate_limit_per_minute INT NOT NULL DEFAULT 60,
        webhook_url VARCHAR(1024) DEFAULT '',
        webhook_secret VARCHAR(255) DEFAULT '',
        last_active_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_agent_key_hash (api_key_hash),
        INDEX idx_agent_owner (owner_address),
        INDEX idx_agent_status (status)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init agents table")
	}
	return nil
}

const agentColumns = `id, owner_address, name, type, status, api_key_hash, api_key_prefix,
        auto_execute_enabled, auto_exec_suspended, auto_execute_rules, rate_limit_per_minute,
        webhook_url, webhook_secret, last_active_at, created_at, updated_at`

// Create 插入新的智能体记录。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}

	rules, err := marshalRules(agent.AutoExecuteRules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode auto_execute_rules")
	}

	const stmt = `INSERT INTO agents (` + agentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		agent.ID,
		agent.OwnerAddress,
		agent.Name,
		agent.Type,
		string(agent.Status),
		agent.APIKeyHash,
		agent.APIKeyPrefix,
		agent.AutoExecuteEnabled,
		agent.AutoExecSuspended,
		rules,
		agent.RateLimitPerMinute,
		agent.WebhookURL,
		agent.WebhookSecret,
		agent.LastActiveAt,
		agent.CreatedAt,
		agent.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAgentConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert agent")
	}
	return nil
}

// Get 查询指定智能体。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Agent, error) {
	const stmt = `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, stmt, id))
}

// GetByKeyHash 按 API Key 哈希查询智能体。
func (s *MySQLStore) GetByKeyHash(ctx context.Context, hash string) (*Agent, error) {
	const stmt = `SELECT ` + agentColumns + ` FROM agents WHERE api_key_hash = ?`
	return s.scanOne(s.db.QueryRowContext(ctx, stmt, hash))
}

// List 返回所有者名下的全部智能体，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, owner string) ([]*Agent, error) {
	const stmt = `SELECT ` + agentColumns + ` FROM agents
        WHERE owner_address = ? ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, stmt, strings.ToLower(owner))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query agents")
	}
	defer rows.Close()

	agents := make([]*Agent, 0, 8)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate agents")
	}
	return agents, nil
}

// Update 覆盖已有的智能体记录。
func (s *MySQLStore) Update(ctx context.Context, agent *Agent) error {
	if agent == nil || strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}

	rules, err := marshalRules(agent.AutoExecuteRules)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode auto_execute_rules")
	}

	const stmt = `UPDATE agents SET name = ?, type = ?, status = ?, auto_execute_enabled = ?,
        auto_exec_suspended = ?, auto_execute_rules = ?, rate_limit_per_minute = ?,
        webhook_url = ?, webhook_secret = ?, last_active_at = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		agent.Name,
		agent.Type,
		string(agent.Status),
		agent.AutoExecuteEnabled,
		agent.AutoExecSuspended,
		rules,
		agent.RateLimitPerMinute,
		agent.WebhookURL,
		agent.WebhookSecret,
		agent.LastActiveAt,
		agent.UpdatedAt,
		agent.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update agent")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// UPDATE 对同值写入也可能返回零行，这里只把不存在视作错误。
		if _, getErr := s.Get(ctx, agent.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) scanOne(row *sql.Row) (*Agent, error) {
	agent, err := scanAgent(row)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var status string
	var rules sql.NullString

	if err := row.Scan(
		&agent.ID,
		&agent.OwnerAddress,
		&agent.Name,
		&agent.Type,
		&status,
		&agent.APIKeyHash,
		&agent.APIKeyPrefix,
		&agent.AutoExecuteEnabled,
		&agent.AutoExecSuspended,
		&rules,
		&agent.RateLimitPerMinute,
		&agent.WebhookURL,
		&agent.WebhookSecret,
		&agent.LastActiveAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan agent")
	}

	agent.Status = Status(status)
	decoded, err := unmarshalRules(rules)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode auto_execute_rules")
	}
	agent.AutoExecuteRules = decoded
	return &agent, nil
}

func marshalRules(rules *AutoExecuteRules) (sql.NullString, error) {
	if rules == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(rules)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalRules(raw sql.NullString) (*AutoExecuteRules, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var rules AutoExecuteRules
	if err := json.Unmarshal([]byte(raw.String), &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

var _ Store = (*MySQLStore)(nil)
