package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存审计记录。表只有 INSERT 和 SELECT 两条路径。
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
	const schema = `CREATE TABLE IF NOT EXISTS audit_log (
        id VARCHAR(64) PRIMARY KEY,
        action VARCHAR(128) NOT NULL,
        actor_type VARCHAR(16) NOT NULL,
        actor_id VARCHAR(64) DEFAULT '',
        resource_type VARCHAR(64) NOT NULL,
        resource_id VARCHAR(64) DEFAULT '',
        details TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_audit_resource (resource_type, resource_id),
        INDEX idx_audit_actor (actor_id),
        INDEX idx_audit_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init audit_log table")
	}
	return nil
}

// Append 追加一条审计记录。
func (s *MySQLStore) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return ErrAuditValidation
	}

	var details sql.NullString
	if len(entry.Details) > 0 {
		bytes, err := json.Marshal(entry.Details)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode audit details")
		}
		details = sql.NullString{String: string(bytes), Valid: true}
	}

	const stmt = `INSERT INTO audit_log
        (id, action, actor_type, actor_id, resource_type, resource_id, details, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.Action,
		string(entry.ActorType),
		entry.ActorID,
		entry.ResourceType,
		entry.ResourceID,
		details,
		entry.CreatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert audit entry")
	}
	return nil
}

// Query 按过滤条件返回记录，最新的在前。
func (s *MySQLStore) Query(ctx context.Context, q Query) ([]*Entry, error) {
	q.applyDefaults()

	query := `SELECT id, action, actor_type, actor_id, resource_type, resource_id, details, created_at
        FROM audit_log`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if q.ResourceType != "" {
		conditions = append(conditions, "resource_type = ?")
		args = append(args, q.ResourceType)
	}
	if q.ResourceID != "" {
		conditions = append(conditions, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	if q.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query audit log")
	}
	defer rows.Close()

	entries := make([]*Entry, 0, q.Limit)
	for rows.Next() {
		var entry Entry
		var actorType string
		var details sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&actorType,
			&entry.ActorID,
			&entry.ResourceType,
			&entry.ResourceID,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan audit entry")
		}
		entry.ActorType = ActorType(actorType)
		if details.Valid && strings.TrimSpace(details.String) != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode audit details")
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate audit log")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
