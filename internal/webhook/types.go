package webhook

import (
	"context"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Status 表示一次回调投递的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// 重试策略：总共最多 3 次尝试，失败后依次等待 1、5、15 分钟。
// 第三次失败后投递进入永久 failed。
const MaxAttempts = 3

var retryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// RetryDelay 返回第 attempts 次失败后的等待时长。
func RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return retryDelays[0]
	}
	if attempts > len(retryDelays) {
		return retryDelays[len(retryDelays)-1]
	}
	return retryDelays[attempts-1]
}

// Delivery 记录一次事件回调的投递状态。只由投递工作协程变更。
type Delivery struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id"`
	EventType     string `json:"event_type"`
	URL           string `json:"url"`
	Secret        string `json:"-"`
	Payload       string `json:"payload"`
	Signature     string `json:"signature"`
	Status        Status `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	NextRetryAt   int64  `json:"next_retry_at,omitempty"`
	DeliveredAt   int64  `json:"delivered_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Clone 返回投递记录的拷贝。
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// 统一错误码。
const (
	CodeDeliveryNotFound   xerrors.Code = "WEBHOOK_DELIVERY_NOT_FOUND"
	CodeDeliveryConflict   xerrors.Code = "WEBHOOK_DELIVERY_CONFLICT"
	CodeDeliveryValidation xerrors.Code = "WEBHOOK_VALIDATION_FAILED"
)

var (
	// ErrDeliveryNotFound 表示投递记录不存在。
	ErrDeliveryNotFound = xerrors.New(CodeDeliveryNotFound, "webhook delivery not found")
	// ErrDeliveryConflict 表示投递记录发生写冲突。
	ErrDeliveryConflict = xerrors.New(CodeDeliveryConflict, "webhook delivery conflict")
)

func init() {
	xerrors.Register(CodeDeliveryNotFound, xerrors.Attributes{
		Message:  "webhook delivery not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDeliveryConflict, xerrors.Attributes{
		Message:  "webhook delivery conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDeliveryValidation, xerrors.Attributes{
		Message:  "webhook validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

// Store 抽象投递记录的持久化接口。
type Store interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	List(ctx context.Context, agentID string, limit, offset int) ([]*Delivery, error)
	Update(ctx context.Context, d *Delivery) error
	PendingRetries(ctx context.Context, now int64, limit int) ([]*Delivery, error)
	Close() error
}
