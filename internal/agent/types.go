package agent

import (
	"context"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示智能体在生命周期中的状态。
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusDeactivated Status = "deactivated"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusPaused, StatusDeactivated:
		return true
	default:
		return false
	}
}

// AutoExecuteRules 约束智能体在免审批执行时允许的支付范围。
// 每个维度都是可选的，留空表示该维度不受限制。
type AutoExecuteRules struct {
	MaxSingleAmount   string   `json:"max_single_amount,omitempty"`
	AllowedTokens     []string `json:"allowed_tokens,omitempty"`
	AllowedRecipients []string `json:"allowed_recipients,omitempty"`
	AllowedChains     []int64  `json:"allowed_chains,omitempty"`
}

// Clone 返回规则的深拷贝。
func (r *AutoExecuteRules) Clone() *AutoExecuteRules {
	if r == nil {
		return nil
	}
	clone := &AutoExecuteRules{
		MaxSingleAmount:   r.MaxSingleAmount,
		AllowedTokens:     append([]string(nil), r.AllowedTokens...),
		AllowedRecipients: append([]string(nil), r.AllowedRecipients...),
		AllowedChains:     append([]int64(nil), r.AllowedChains...),
	}
	return clone
}

// Agent 描述代表人类所有者发起支付提案的自动化调用方。
// 智能体永远不会被物理删除，仅会被停用。
type Agent struct {
	ID                 string            `json:"id"`
	OwnerAddress       string            `json:"owner_address"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	Status             Status            `json:"status"`
	APIKeyHash         string            `json:"-"`
	APIKeyPrefix       string            `json:"api_key_prefix"`
	AutoExecuteEnabled bool              `json:"auto_execute_enabled"`
	AutoExecSuspended  bool              `json:"-"`
	AutoExecuteRules   *AutoExecuteRules `json:"auto_execute_rules,omitempty"`
	RateLimitPerMinute int               `json:"rate_limit_per_minute"`
	WebhookURL         string            `json:"webhook_url,omitempty"`
	WebhookSecret      string            `json:"-"`
	LastActiveAt       int64             `json:"last_active_at,omitempty"`
	CreatedAt          int64             `json:"created_at"`
	UpdatedAt          int64             `json:"updated_at"`
}

// Clone 返回智能体的深拷贝，存储层以此保证读写隔离。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.AutoExecuteRules = a.AutoExecuteRules.Clone()
	return &clone
}

// OwnedBy 以大小写不敏感的方式判断智能体归属。
func (a *Agent) OwnedBy(owner string) bool {
	if a == nil {
		return false
	}
	return strings.EqualFold(a.OwnerAddress, owner)
}

// 统一错误码。校验类失败彼此必须可区分，限流失败不得与认证失败混用。
const (
	CodeAgentNotFound    xerrors.Code = "AGENT_NOT_FOUND"
	CodeKeyFormatInvalid xerrors.Code = "API_KEY_FORMAT_INVALID"
	CodeKeyUnknown       xerrors.Code = "API_KEY_UNKNOWN"
	CodeAgentPaused      xerrors.Code = "AGENT_PAUSED"
	CodeAgentDeactivated xerrors.Code = "AGENT_DEACTIVATED"
	CodeAgentConflict    xerrors.Code = "AGENT_CONFLICT"
	CodeAgentValidation  xerrors.Code = "AGENT_VALIDATION_FAILED"
)

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrBadKeyFormat 表示呈现的 API Key 不符合既定格式。
	ErrBadKeyFormat = xerrors.New(CodeKeyFormatInvalid, "malformed api key")
	// ErrUnknownKey 表示哈希后的 API Key 没有命中任何智能体。
	ErrUnknownKey = xerrors.New(CodeKeyUnknown, "unknown api key")
	// ErrAgentPaused 表示智能体被所有者暂停。
	ErrAgentPaused = xerrors.New(CodeAgentPaused, "agent is paused")
	// ErrAgentDeactivated 表示智能体已被永久停用，其密钥不再有效。
	ErrAgentDeactivated = xerrors.New(CodeAgentDeactivated, "agent is deactivated")
	// ErrRateLimited 表示智能体超出了每分钟配额。
	ErrRateLimited = xerrors.New(xerrors.CodeRateLimited, "rate limited")
	// ErrAgentConflict 表示智能体记录发生写冲突。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent conflict")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeKeyFormatInvalid, xerrors.Attributes{
		Message:  "malformed api key",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeKeyUnknown, xerrors.Attributes{
		Message:  "unknown api key",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentPaused, xerrors.Attributes{
		Message:  "agent is paused",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentDeactivated, xerrors.Attributes{
		Message:  "agent is deactivated",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:  "agent conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:  "agent validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

// Store 抽象了智能体记录的持久化接口。实现必须支持并发访问。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByKeyHash(ctx context.Context, hash string) (*Agent, error)
	List(ctx context.Context, owner string) ([]*Agent, error)
	Update(ctx context.Context, agent *Agent) error
	Close() error
}
