package budget

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存预算记录。金额列使用 DECIMAL 保证精度，
// 扣减通过条件 UPDATE 在数据库侧原子完成。
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
	const schema = `CREATE TABLE IF NOT EXISTS budgets (
        id VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(64) NOT NULL,
        owner_address VARCHAR(64) NOT NULL,
        amount DECIMAL(65,18) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain_id BIGINT NOT NULL DEFAULT 0,
        period VARCHAR(16) NOT NULL,
        used_amount DECIMAL(65,18) NOT NULL DEFAULT 0,
        period_start BIGINT NOT NULL DEFAULT 0,
        period_end BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_budget_agent (agent_id),
        INDEX idx_budget_owner (owner_address)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init budgets table")
	}
	return nil
}

const budgetColumns = `id, agent_id, owner_address, amount, token, chain_id, period,
        used_amount, period_start, period_end, created_at, updated_at`

// Create 插入新的预算记录。
func (s *MySQLStore) Create(ctx context.Context, budget *Budget) error {
	if budget == nil || strings.TrimSpace(budget.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget id is required")
	}

	const stmt = `INSERT INTO budgets (` + budgetColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		budget.ID,
		budget.AgentID,
		budget.OwnerAddress,
		budget.Amount,
		budget.Token,
		budget.ChainID,
		string(budget.Period),
		budget.UsedAmount,
		budget.PeriodStart,
		budget.PeriodEnd,
		budget.CreatedAt,
		budget.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrBudgetConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert budget")
	}
	return nil
}

// Get 查询指定预算。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Budget, error) {
	const stmt = `SELECT ` + budgetColumns + ` FROM budgets WHERE id = ?`
	return scanBudget(s.db.QueryRowContext(ctx, stmt, id))
}

// List 返回智能体名下的全部预算，按创建时间倒序。
func (s *MySQLStore) List(ctx context.Context, agentID string) ([]*Budget, error) {
	const stmt = `SELECT ` + budgetColumns + ` FROM budgets
        WHERE agent_id = ? ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, stmt, agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query budgets")
	}
	defer rows.Close()

	budgets := make([]*Budget, 0, 4)
	for rows.Next() {
		budget, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, budget)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate budgets")
	}
	return budgets, nil
}

// Update 覆盖已有的预算记录。
func (s *MySQLStore) Update(ctx context.Context, budget *Budget) error {
	if budget == nil || strings.TrimSpace(budget.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "budget id is required")
	}

	const stmt = `UPDATE budgets SET amount = ?, used_amount = ?, period_start = ?,
        period_end = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		budget.Amount,
		budget.UsedAmount,
		budget.PeriodStart,
		budget.PeriodEnd,
		budget.UpdatedAt,
		budget.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update budget")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, budget.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Delete 删除指定预算。
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete budget")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

// Deduct 通过条件 UPDATE 原子扣减额度。两个并发执行不可能同时越过上限：
// 只有剩余额度仍然足够的那次更新会命中行。
func (s *MySQLStore) Deduct(ctx context.Context, id, amount string) (*Budget, error) {
	const stmt = `UPDATE budgets SET used_amount = used_amount + ?, updated_at = ?
        WHERE id = ? AND amount - used_amount >= ?`

	res, err := s.db.ExecContext(ctx, stmt, amount, time.Now().Unix(), id, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "deduct budget")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInsufficientBudget
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

func scanBudget(row rowScanner) (*Budget, error) {
	var budget Budget
	var period string

	if err := row.Scan(
		&budget.ID,
		&budget.AgentID,
		&budget.OwnerAddress,
		&budget.Amount,
		&budget.Token,
		&budget.ChainID,
		&period,
		&budget.UsedAmount,
		&budget.PeriodStart,
		&budget.PeriodEnd,
		&budget.CreatedAt,
		&budget.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBudgetNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan budget")
	}
	budget.Period = Period(period)
	return &budget, nil
}

var _ Store = (*MySQLStore)(nil)
