package webhook

import (
	"fmt"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// BreakerState 表示熔断器的状态。
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Breaker 是针对单个回调目的地的熔断器。closed 状态下连续失败达到
// 阈值后进入 open，冷却期内快速失败；冷却结束后进入 half_open，
// 连续成功达到阈值后重新闭合，任何一次失败则重新打开。
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time
}

// NewBreaker 创建一个熔断器。
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow 判断当前是否允许发起调用。open 状态下冷却未结束时返回
// 快速失败错误，调用方不应发起真实请求。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		remaining := b.cooldown - elapsed
		return xerrors.New(xerrors.CodeUnavailable,
			fmt.Sprintf("service unavailable, retry after %dms", remaining.Milliseconds()))
	}
	// 冷却结束，进入半开放行探测请求。
	b.state = StateHalfOpen
	b.successes = 0
	return nil
}

// RecordSuccess 记录一次成功调用。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure 记录一次失败调用。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// 半开状态下任何失败立即重新打开并清零成功计数。
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.failures = 0
}

// State 返回当前状态。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerRegistry 按目的地管理熔断器。注册表在进程启动时构造一次，
// 以引用传入需要它的组件，不使用全局状态。
type BreakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
}

// NewBreakerRegistry 创建熔断器注册表。
func NewBreakerRegistry(failureThreshold, successThreshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// Get 返回目的地对应的熔断器，不存在时创建。
func (r *BreakerRegistry) Get(destination string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	breaker, ok := r.breakers[destination]
	if !ok {
		breaker = NewBreaker(r.failureThreshold, r.successThreshold, r.cooldown)
		r.breakers[destination] = breaker
	}
	return breaker
}
