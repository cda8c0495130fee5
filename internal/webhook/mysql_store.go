package webhook

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存投递记录。
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
	const schema = `CREATE TABLE IF NOT EXISTS webhook_deliveries (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        event_type VARCHAR(64) NOT NULL,
        url VARCHAR(1024) NOT NULL,
        secret VARCHAR(255) NOT NULL,
        payload MEDIUMTEXT NOT NULL,
        signature VARCHAR(80) NOT NULL,
        status VARCHAR(16) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        last_error TEXT,
        last_attempt_at BIGINT NOT NULL DEFAULT 0,
        next_retry_at BIGINT NOT NULL DEFAULT 0,
        delivered_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_delivery_agent (agent_id),
        INDEX idx_delivery_retry (status, next_retry_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init webhook_deliveries table")
	}
	return nil
}

const deliveryColumns = `id, agent_id, event_type, url, secret, payload, signature, status,
        attempts, last_error, last_attempt_at, next_retry_at, delivered_at, created_at, updated_at`

// Create 插入新的投递记录。
func (s *MySQLStore) Create(ctx context.Context, d *Delivery) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "delivery id is required")
	}

	const stmt = `INSERT INTO webhook_deliveries (` + deliveryColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		d.ID,
		d.AgentID,
		d.EventType,
		d.URL,
		d.Secret,
		d.Payload,
		d.Signature,
		string(d.Status),
		d.Attempts,
		d.LastError,
		d.LastAttemptAt,
		d.NextRetryAt,
		d.DeliveredAt,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDeliveryConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert delivery")
	}
	return nil
}

// Get 查询指定投递记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Delivery, error) {
	const stmt = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = ?`
	return scanDelivery(s.db.QueryRowContext(ctx, stmt, id))
}

// List 返回智能体名下的投递记录，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, agentID string, limit, offset int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	args := make([]any, 0, 3)
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query deliveries")
	}
	defer rows.Close()

	deliveries := make([]*Delivery, 0, limit)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate deliveries")
	}
	return deliveries, nil
}

// Update 覆盖已有的投递记录。
func (s *MySQLStore) Update(ctx context.Context, d *Delivery) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "delivery id is required")
	}

	const stmt = `UPDATE webhook_deliveries SET status = ?, attempts = ?, last_error = ?,
        last_attempt_at = ?, next_retry_at = ?, delivered_at = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(d.Status),
		d.Attempts,
		d.LastError,
		d.LastAttemptAt,
		d.NextRetryAt,
		d.DeliveredAt,
		d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update delivery")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, d.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// PendingRetries 返回重试时间已到的待投递记录。
func (s *MySQLStore) PendingRetries(ctx context.Context, now int64, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}

	const stmt = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
        WHERE status = ? AND next_retry_at > 0 AND next_retry_at <= ?
        ORDER BY next_retry_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, string(StatusPending), now, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query pending retries")
	}
	defer rows.Close()

	deliveries := make([]*Delivery, 0, limit)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate pending retries")
	}
	return deliveries, nil
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

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var status string

	if err := row.Scan(
		&d.ID,
		&d.AgentID,
		&d.EventType,
		&d.URL,
		&d.Secret,
		&d.Payload,
		&d.Signature,
		&status,
		&d.Attempts,
		&d.LastError,
		&d.LastAttemptAt,
		&d.NextRetryAt,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan delivery")
	}
	d.Status = Status(status)
	return &d, nil
}

var _ Store = (*MySQLStore)(nil)
