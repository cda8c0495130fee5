package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "AgentPay-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存授权记录。
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
	const schema = `CREATE TABLE IF NOT EXISTS payment_authorizations (
        id VARCHAR(64) PRIMARY KEY,
        proposal_id VARCHAR(64) NOT NULL,
        version VARCHAR(8) NOT NULL,
        owner_address VARCHAR(64) NOT NULL DEFAULT '',
        payment_address VARCHAR(64) NOT NULL,
        amount DECIMAL(65, 18) NOT NULL,
        token VARCHAR(32) NOT NULL,
        chain_id BIGINT NOT NULL,
        valid_after BIGINT NOT NULL,
        valid_before BIGINT NOT NULL,
        expires_at BIGINT NOT NULL,
        status VARCHAR(16) NOT NULL,
        signature TEXT,
        tx_hash VARCHAR(80) NOT NULL DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_authorization_proposal (proposal_id)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init payment_authorizations table")
	}
	return nil
}

const authorizationColumns = `id, proposal_id, version, owner_address, payment_address, amount,
        token, chain_id, valid_after, valid_before, expires_at, status, signature, tx_hash,
        created_at, updated_at`

// Create 插入新的授权记录，同一提案只允许一份。
func (s *MySQLStore) Create(ctx context.Context, auth *Authorization) error {
	if auth == nil || strings.TrimSpace(auth.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization id is required")
	}

	sig, err := marshalSignature(auth.Signature)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO payment_authorizations (` + authorizationColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		auth.ID,
		auth.ProposalID,
		auth.Version,
		auth.OwnerAddress,
		auth.PaymentAddress,
		auth.Amount,
		auth.Token,
		auth.ChainID,
		auth.ValidAfter,
		auth.ValidBefore,
		auth.ExpiresAt,
		string(auth.Status),
		sig,
		auth.TxHash,
		auth.CreatedAt,
		auth.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAuthorizationConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert authorization")
	}
	return nil
}

// Get 查询指定授权记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Authorization, error) {
	const stmt = `SELECT ` + authorizationColumns + ` FROM payment_authorizations WHERE id = ?`
	return scanAuthorization(s.db.QueryRowContext(ctx, stmt, id))
}

// GetByProposal 按提案查询授权记录。
func (s *MySQLStore) GetByProposal(ctx context.Context, proposalID string) (*Authorization, error) {
	const stmt = `SELECT ` + authorizationColumns + ` FROM payment_authorizations WHERE proposal_id = ?`
	return scanAuthorization(s.db.QueryRowContext(ctx, stmt, proposalID))
}

// Update 覆盖已有的授权记录。
func (s *MySQLStore) Update(ctx context.Context, auth *Authorization) error {
	if auth == nil || strings.TrimSpace(auth.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "authorization id is required")
	}

	sig, err := marshalSignature(auth.Signature)
	if err != nil {
		return err
	}

	const stmt = `UPDATE payment_authorizations SET owner_address = ?, status = ?, signature = ?,
        tx_hash = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		auth.OwnerAddress,
		string(auth.Status),
		sig,
		auth.TxHash,
		auth.UpdatedAt,
		auth.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update authorization")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, auth.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Transition 用条件 UPDATE 推进授权状态，前置状态不匹配则零行生效。
func (s *MySQLStore) Transition(ctx context.Context, id string, from, to Status, updatedAt int64) error {
	const stmt = `UPDATE payment_authorizations SET status = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, string(to), updatedAt, id, string(from))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "transition authorization")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusSubmitted {
		return ErrAuthorizationUsed
	}
	return xerrors.New(CodeAuthorizationState, "authorization is "+string(current.Status))
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalSignature(sig *Signature) (sql.NullString, error) {
	if sig == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "marshal signature")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (*Authorization, error) {
	var (
		auth   Authorization
		status string
		sig    sql.NullString
	)

	if err := row.Scan(
		&auth.ID,
		&auth.ProposalID,
		&auth.Version,
		&auth.OwnerAddress,
		&auth.PaymentAddress,
		&auth.Amount,
		&auth.Token,
		&auth.ChainID,
		&auth.ValidAfter,
		&auth.ValidBefore,
		&auth.ExpiresAt,
		&status,
		&sig,
		&auth.TxHash,
		&auth.CreatedAt,
		&auth.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan authorization")
	}
	auth.Status = Status(status)
	if sig.Valid && sig.String != "" {
		var parsed Signature
		if err := json.Unmarshal([]byte(sig.String), &parsed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "unmarshal signature")
		}
		auth.Signature = &parsed
	}
	return &auth, nil
}

var _ Store = (*MySQLStore)(nil)
