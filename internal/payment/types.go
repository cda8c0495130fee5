package payment

import (
	"context"

	xerrors "AgentPay-Chain/internal/errors"
)

// Version 是授权负载的版本标记，参与签名摘要。
const Version = "1"

// Status 表示支付授权的状态。授权一旦提交（无论成败）即为终态，
// 不得重复提交。
type Status string

const (
	StatusGenerated Status = "generated"
	StatusSigned    Status = "signed"
	StatusSubmitted Status = "submitted"
)

// Signature 是对授权负载的 secp256k1 签名。r、s 为定宽 32 字节的
// 十六进制串，v 为恢复值，nonce 为签名时生成的随机数。
type Signature struct {
	V           uint8  `json:"v"`
	R           string `json:"r"`
	S           string `json:"s"`
	Nonce       uint64 `json:"nonce"`
	ValidAfter  int64  `json:"valid_after"`
	ValidBefore int64  `json:"valid_before"`
}

// Clone 返回签名的拷贝。
func (s *Signature) Clone() *Signature {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Authorization 是从已批准提案生成的支付授权。每个提案至多一份，
// 有效期 valid_after ≤ now < valid_before，过期后不可执行。
type Authorization struct {
	ID             string     `json:"id"`
	ProposalID     string     `json:"proposal_id"`
	Version        string     `json:"version"`
	OwnerAddress   string     `json:"owner_address,omitempty"`
	PaymentAddress string     `json:"payment_address"`
	Amount         string     `json:"amount"`
	Token          string     `json:"token"`
	ChainID        int64      `json:"chain_id"`
	ValidAfter     int64      `json:"valid_after"`
	ValidBefore    int64      `json:"valid_before"`
	ExpiresAt      int64      `json:"expires_at"`
	Status         Status     `json:"status"`
	Signature      *Signature `json:"signature,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
	CreatedAt      int64      `json:"created_at"`
	UpdatedAt      int64      `json:"updated_at"`
}

// Clone 返回授权的深拷贝。
func (a *Authorization) Clone() *Authorization {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Signature = a.Signature.Clone()
	return &clone
}

// Receipt 是链上提交成功后的回执。
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
}

// BlockchainSubmitter 抽象链上提交方。生产实现基于 ethclient，
// 测试使用假实现。
type BlockchainSubmitter interface {
	Submit(ctx context.Context, auth *Authorization) (*Receipt, error)
}

// 统一错误码。
const (
	CodeAuthorizationNotFound xerrors.Code = "AUTHORIZATION_NOT_FOUND"
	CodeAuthorizationConflict xerrors.Code = "AUTHORIZATION_CONFLICT"
	CodeAuthorizationState    xerrors.Code = "AUTHORIZATION_INVALID_STATE"
	CodeAuthorizationExpired  xerrors.Code = "AUTHORIZATION_EXPIRED"
	CodeAuthorizationUnsigned xerrors.Code = "AUTHORIZATION_NOT_SIGNED"
	CodeAuthorizationUsed     xerrors.Code = "AUTHORIZATION_USED"
	CodeSubmissionFailed      xerrors.Code = "SUBMISSION_FAILED"
)

var (
	// ErrAuthorizationNotFound 表示授权记录不存在。
	ErrAuthorizationNotFound = xerrors.New(CodeAuthorizationNotFound, "authorization not found")
	// ErrAuthorizationConflict 表示该提案已存在授权。
	ErrAuthorizationConflict = xerrors.New(CodeAuthorizationConflict, "authorization already exists for proposal")
	// ErrNotAuthorizable 表示提案状态不允许生成授权。
	ErrNotAuthorizable = xerrors.New(CodeAuthorizationState, "authorization requires approved or executing proposal")
	// ErrAuthorizationExpired 表示授权有效期已过。
	ErrAuthorizationExpired = xerrors.New(CodeAuthorizationExpired, "authorization expired")
	// ErrAuthorizationUnsigned 表示尝试执行未签名的授权。
	ErrAuthorizationUnsigned = xerrors.New(CodeAuthorizationUnsigned, "authorization not signed")
	// ErrAuthorizationUsed 表示授权已被提交过，不得重复使用。
	ErrAuthorizationUsed = xerrors.New(CodeAuthorizationUsed, "authorization already submitted")
)

func init() {
	xerrors.Register(CodeAuthorizationNotFound, xerrors.Attributes{
		Message:  "authorization not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAuthorizationConflict, xerrors.Attributes{
		Message:  "authorization already exists for proposal",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAuthorizationState, xerrors.Attributes{
		Message:  "authorization requires approved or executing proposal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAuthorizationExpired, xerrors.Attributes{
		Message:  "authorization expired",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAuthorizationUnsigned, xerrors.Attributes{
		Message:  "authorization not signed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAuthorizationUsed, xerrors.Attributes{
		Message:  "authorization already submitted",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeSubmissionFailed, xerrors.Attributes{
		Message:   "blockchain submission failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

// Store 抽象授权记录的持久化接口。
type Store interface {
	Create(ctx context.Context, auth *Authorization) error
	Get(ctx context.Context, id string) (*Authorization, error)
	GetByProposal(ctx context.Context, proposalID string) (*Authorization, error)
	Update(ctx context.Context, auth *Authorization) error
	// Transition 以前置状态为条件推进授权状态。前置状态不匹配时
	// 不做任何修改：已提交返回 ErrAuthorizationUsed，其余返回状态错误。
	Transition(ctx context.Context, id string, from, to Status, updatedAt int64) error
	Close() error
}
