package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/pkg/logger"
)

// Target 描述一次投递的目的地。回调地址与签名密钥来自智能体注册信息。
type Target struct {
	AgentID string
	URL     string
	Secret  string
}

// Event 是发送给回调地址的事件信封。
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	CreatedAt int64           `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// Service 负责投递记录的创建、发送与重试调度。
type Service struct {
	store    Store
	queue    Producer
	client   *http.Client
	breakers *BreakerRegistry
	log      *slog.Logger
	now      func() time.Time
}

// Option 配置投递服务。
type Option func(*Service)

// WithQueue 指定异步投递队列。未指定时 Trigger 同步发送。
func WithQueue(queue Producer) Option {
	return func(s *Service) { s.queue = queue }
}

// WithHTTPClient 指定发送回调使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// WithBreakers 指定熔断器注册表。
func WithBreakers(breakers *BreakerRegistry) Option {
	return func(s *Service) { s.breakers = breakers }
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 创建投递服务。
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "webhook store is required")
	}
	s := &Service{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		breakers: NewBreakerRegistry(0, 0, 0),
		log:      logger.Named("webhook"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Trigger 为事件创建投递记录并发起发送。目标未配置回调地址时
// 静默跳过。配置了队列时异步投递，否则立即尝试一次。
func (s *Service) Trigger(ctx context.Context, target Target, eventType string, data any) (*Delivery, error) {
	if strings.TrimSpace(target.URL) == "" {
		return nil, nil
	}
	if strings.TrimSpace(eventType) == "" {
		return nil, xerrors.New(CodeDeliveryValidation, "event type is required")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(CodeDeliveryValidation, err, "marshal event data")
	}
	now := s.now().Unix()
	payload, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		CreatedAt: now,
		Data:      raw,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeDeliveryValidation, err, "marshal event envelope")
	}

	delivery := &Delivery{
		ID:        uuid.NewString(),
		AgentID:   target.AgentID,
		EventType: eventType,
		URL:       target.URL,
		Secret:    target.Secret,
		Payload:   string(payload),
		Signature: Sign(payload, target.Secret),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, delivery); err != nil {
		return nil, err
	}

	if s.queue != nil {
		if err := s.queue.Publish(ctx, delivery.ID); err != nil {
			s.log.Error("投递入队失败", "delivery_id", delivery.ID, "error", err)
			return delivery.Clone(), xerrors.Wrap(xerrors.CodeQueueFailure, err, "enqueue delivery")
		}
		return delivery.Clone(), nil
	}

	if err := s.Attempt(ctx, delivery.ID); err != nil {
		s.log.Warn("同步投递失败", "delivery_id", delivery.ID, "error", err)
	}
	return s.store.Get(ctx, delivery.ID)
}

// Attempt 对投递记录执行一次发送。非 pending 状态直接返回。
// 熔断器打开时快速失败并按重试计划改期，不发起真实请求。
func (s *Service) Attempt(ctx context.Context, deliveryID string) error {
	delivery, err := s.store.Get(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status != StatusPending {
		return nil
	}

	breaker := s.breakers.Get(delivery.URL)
	if err := breaker.Allow(); err != nil {
		// 快速失败没有触达端点，不计入尝试次数，改期后重试。
		return s.reschedule(ctx, delivery, err.Error())
	}

	if err := s.post(ctx, delivery); err != nil {
		breaker.RecordFailure()
		return s.recordFailure(ctx, delivery, err.Error())
	}

	breaker.RecordSuccess()
	now := s.now().Unix()
	delivery.Attempts++
	delivery.Status = StatusDelivered
	delivery.LastError = ""
	delivery.LastAttemptAt = now
	delivery.NextRetryAt = 0
	delivery.DeliveredAt = now
	delivery.UpdatedAt = now
	if err := s.store.Update(ctx, delivery); err != nil {
		return err
	}
	metrics.ObserveDelivery(delivery.EventType, "delivered")
	s.log.Info("投递成功",
		"delivery_id", delivery.ID,
		"event_type", delivery.EventType,
		"attempts", delivery.Attempts,
	)
	return nil
}

func (s *Service) post(ctx context.Context, delivery *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL,
		bytes.NewReader([]byte(delivery.Payload)))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, delivery.Signature)
	req.Header.Set("X-AgentPay-Event", delivery.EventType)
	req.Header.Set("X-AgentPay-Delivery", delivery.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, delivery *Delivery, reason string) error {
	now := s.now().Unix()
	delivery.Attempts++
	delivery.LastError = reason
	delivery.LastAttemptAt = now
	delivery.UpdatedAt = now
	outcome := "retry"
	if delivery.Attempts >= MaxAttempts {
		delivery.Status = StatusFailed
		delivery.NextRetryAt = 0
		outcome = "failed"
	} else {
		delivery.NextRetryAt = now + int64(RetryDelay(delivery.Attempts).Seconds())
	}
	if err := s.store.Update(ctx, delivery); err != nil {
		return err
	}
	metrics.ObserveDelivery(delivery.EventType, outcome)
	s.log.Warn("投递失败",
		"delivery_id", delivery.ID,
		"event_type", delivery.EventType,
		"attempts", delivery.Attempts,
		"status", string(delivery.Status),
		"reason", reason,
	)
	return nil
}

// reschedule 在不消耗尝试次数的前提下把投递改期到下一个重试点，
// 由清扫器重新投递。用于熔断器打开期间的快速失败。
func (s *Service) reschedule(ctx context.Context, delivery *Delivery, reason string) error {
	now := s.now().Unix()
	delivery.LastError = reason
	delivery.NextRetryAt = now + int64(RetryDelay(delivery.Attempts+1).Seconds())
	delivery.UpdatedAt = now
	if err := s.store.Update(ctx, delivery); err != nil {
		return err
	}
	metrics.ObserveDelivery(delivery.EventType, "rescheduled")
	s.log.Warn("熔断快速失败，投递改期",
		"delivery_id", delivery.ID,
		"event_type", delivery.EventType,
		"next_retry_at", delivery.NextRetryAt,
		"reason", reason,
	)
	return nil
}

// Handler 返回供队列消费者使用的处理函数。
func (s *Service) Handler() Handler {
	return func(ctx context.Context, deliveryID string) error {
		return s.Attempt(ctx, deliveryID)
	}
}

// Get 查询投递记录。
func (s *Service) Get(ctx context.Context, id string) (*Delivery, error) {
	return s.store.Get(ctx, id)
}

// Deliveries 返回智能体名下的投递记录。
func (s *Service) Deliveries(ctx context.Context, agentID string, limit, offset int) ([]*Delivery, error) {
	return s.store.List(ctx, agentID, limit, offset)
}

// PendingRetries 返回当前已到期待重试的投递记录。
func (s *Service) PendingRetries(ctx context.Context, limit int) ([]*Delivery, error) {
	return s.store.PendingRetries(ctx, s.now().Unix(), limit)
}

// Sweep 将重试时间已到的投递重新排入发送。配置了队列时入队，
// 否则就地尝试。返回本轮处理的记录数。
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	due, err := s.store.PendingRetries(ctx, s.now().Unix(), limit)
	if err != nil {
		return 0, err
	}
	for _, delivery := range due {
		// 先清除重试时间占位，避免下一轮清扫重复入队。
		delivery.NextRetryAt = 0
		delivery.UpdatedAt = s.now().Unix()
		if err := s.store.Update(ctx, delivery); err != nil {
			s.log.Error("重试改期失败", "delivery_id", delivery.ID, "error", err)
			continue
		}
		if s.queue != nil {
			if err := s.queue.Publish(ctx, delivery.ID); err != nil {
				s.log.Error("重试入队失败", "delivery_id", delivery.ID, "error", err)
			}
			continue
		}
		if err := s.Attempt(ctx, delivery.ID); err != nil {
			s.log.Warn("重试投递失败", "delivery_id", delivery.ID, "error", err)
		}
	}
	return len(due), nil
}

// RunSweeper 周期性扫描到期的重试投递，直到上下文取消。
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx, batch); err != nil {
				s.log.Error("重试清扫失败", "error", err)
			}
		}
	}
}
