package agent

import (
	"sync"
	"time"
)

// RateLimiter 以固定窗口统计每个智能体在一分钟内的请求数。
// 窗口以该窗口内第一次请求的时间为起点，到期后重新计数。
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*limitWindow
}

type limitWindow struct {
	start time.Time
	count int
}

// NewRateLimiter 创建一个窗口为一分钟的限流器。
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		window:  time.Minute,
		entries: make(map[string]*limitWindow),
	}
}

// Allow 判断智能体当前请求是否在配额内。limit 小于等于零表示不限流。
func (l *RateLimiter) Allow(agentID string, limit int) bool {
	return l.allowAt(agentID, limit, time.Now())
}

func (l *RateLimiter) allowAt(agentID string, limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[agentID]
	if !ok || now.Sub(entry.start) >= l.window {
		l.entries[agentID] = &limitWindow{start: now, count: 1}
		return true
	}
	if entry.count >= limit {
		return false
	}
	entry.count++
	return true
}

// Reset 清空指定智能体的计数窗口。
func (l *RateLimiter) Reset(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, agentID)
}
