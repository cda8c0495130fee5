package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存提案记录。状态迁移通过以前置状态为条件的
// UPDATE 原子完成。
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
	const schema = `CREATE TABLE IF NOT EXISTS payment_proposals (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        agent_name VARCHAR(255) DEFAULT '',
        owner_address VARCHAR(64) NOT NULL,
        recipient_address VARCHAR(64) NOT NULL,
        amount DECIMAL(65,18) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain_id BIGINT NOT NULL,
        reason TEXT,
        metadata TEXT,
        budget_id VARCHAR(64) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        rejection_reason TEXT,
        tx_hash VARCHAR(80) DEFAULT '',
        approved_at BIGINT NOT NULL DEFAULT 0,
        executed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_proposal_owner_status (owner_address, status),
        INDEX idx_proposal_agent (agent_id),
        INDEX idx_proposal_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init payment_proposals table")
	}
	return nil
}

const proposalColumns = `id, agent_id, agent_name, owner_address, recipient_address, amount,
        token, chain_id, reason, metadata, budget_id, status, rejection_reason, tx_hash,
        approved_at, executed_at, created_at, updated_at`

// Create 插入新的提案记录。
func (s *MySQLStore) Create(ctx context.Context, p *PaymentProposal) error {
	return s.insert(ctx, s.db, p)
}

// CreateBatch 在单个事务内插入一批提案：任何一条失败则整批回滚。
func (s *MySQLStore) CreateBatch(ctx context.Context, ps []*PaymentProposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin batch")
	}
	for _, p := range ps {
		if err := s.insert(ctx, tx, p); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit batch")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *MySQLStore) insert(ctx context.Context, db execer, p *PaymentProposal) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "proposal id is required")
	}

	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode proposal metadata")
	}

	const stmt = `INSERT INTO payment_proposals (` + proposalColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, stmt,
		p.ID,
		p.AgentID,
		p.AgentName,
		p.OwnerAddress,
		p.RecipientAddress,
		p.Amount,
		p.Token,
		p.ChainID,
		p.Reason,
		metadata,
		p.BudgetID,
		string(p.Status),
		p.RejectionReason,
		p.TxHash,
		p.ApprovedAt,
		p.ExecutedAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProposalConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert proposal")
	}
	return nil
}

// Get 查询指定提案。
func (s *MySQLStore) Get(ctx context.Context, id string) (*PaymentProposal, error) {
	const stmt = `SELECT ` + proposalColumns + ` FROM payment_proposals WHERE id = ?`
	return scanProposal(s.db.QueryRowContext(ctx, stmt, id))
}

// List 按过滤条件分页列出提案。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*PaymentProposal, error) {
	opts.applyDefaults()

	query := `SELECT ` + proposalColumns + ` FROM payment_proposals`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 6)

	if opts.Owner != "" {
		conditions = append(conditions, "owner_address = ?")
		args = append(args, strings.ToLower(opts.Owner))
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if opts.Order == SortByCreatedAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query proposals")
	}
	defer rows.Close()

	proposals := make([]*PaymentProposal, 0, opts.Limit)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate proposals")
	}
	return proposals, nil
}

// PendingCount 返回所有者名下待审批提案的数量。
func (s *MySQLStore) PendingCount(ctx context.Context, owner string) (int64, error) {
	const stmt = `SELECT COUNT(*) FROM payment_proposals WHERE owner_address = ? AND status = ?`

	var count int64
	err := s.db.QueryRowContext(ctx, stmt, strings.ToLower(owner), string(StatusPending)).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count pending proposals")
	}
	return count, nil
}

// Transition 通过条件 UPDATE 原子应用状态迁移。前置状态不匹配时不产生
// 任何变更并返回 ErrInvalidTransition。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to Status, mut Mutation) (*PaymentProposal, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().Unix()}
	if mut.RejectionReason != "" {
		sets = append(sets, "rejection_reason = ?")
		args = append(args, mut.RejectionReason)
	}
	if mut.TxHash != "" {
		sets = append(sets, "tx_hash = ?")
		args = append(args, mut.TxHash)
	}
	if mut.ApprovedAt != 0 {
		sets = append(sets, "approved_at = ?")
		args = append(args, mut.ApprovedAt)
	}
	if mut.ExecutedAt != 0 {
		sets = append(sets, "executed_at = ?")
		args = append(args, mut.ExecutedAt)
	}
	args = append(args, id, string(from))

	query := fmt.Sprintf(`UPDATE payment_proposals SET %s WHERE id = ? AND status = ?`,
		strings.Join(sets, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "transition proposal")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, id)
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

func scanProposal(row rowScanner) (*PaymentProposal, error) {
	var p PaymentProposal
	var status string
	var metadata sql.NullString

	if err := row.Scan(
		&p.ID,
		&p.AgentID,
		&p.AgentName,
		&p.OwnerAddress,
		&p.RecipientAddress,
		&p.Amount,
		&p.Token,
		&p.ChainID,
		&p.Reason,
		&metadata,
		&p.BudgetID,
		&status,
		&p.RejectionReason,
		&p.TxHash,
		&p.ApprovedAt,
		&p.ExecutedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan proposal")
	}

	p.Status = Status(status)
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode proposal metadata")
	}
	p.Metadata = decoded
	return &p, nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

var _ Store = (*MySQLStore)(nil)
