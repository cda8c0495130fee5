package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RegisterResourceKey 是插件管理器暴露给通知插件的注册回调资源名。
// 插件在 Start 阶段取出该回调并注册自己的投递函数。
const RegisterResourceKey = "notify:register"

// PluginSink 是通知插件贡献的投递函数。载荷为扁平的键值对，
// 类型别名保证插件侧用裸函数类型断言也能匹配。
type PluginSink = func(ctx context.Context, payload map[string]any) error

// PluginChannel 把插件管理器加载的通知插件聚合成一个发送渠道。
type PluginChannel struct {
	mu    sync.RWMutex
	sinks map[string]PluginSink
}

// NewPluginChannel 创建插件通知渠道。
func NewPluginChannel() *PluginChannel {
	return &PluginChannel{sinks: make(map[string]PluginSink)}
}

// Register 返回供插件调用的注册回调，作为管理器资源注入。
func (c *PluginChannel) Register() func(id string, sink PluginSink) error {
	return func(id string, sink PluginSink) error {
		if id == "" || sink == nil {
			return errors.New("notifier plugin id and sink are required")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, exists := c.sinks[id]; exists {
			return fmt.Errorf("notifier plugin %s already registered", id)
		}
		c.sinks[id] = sink
		return nil
	}
}

// Channel 返回插件渠道标识。
func (c *PluginChannel) Channel() Channel { return ChannelPlugin }

// Send 将通知广播给全部已注册的插件投递函数。
func (c *PluginChannel) Send(ctx context.Context, n Notification) error {
	c.mu.RLock()
	sinks := make(map[string]PluginSink, len(c.sinks))
	for id, sink := range c.sinks {
		sinks[id] = sink
	}
	c.mu.RUnlock()

	payload := map[string]any{
		"owner_address": n.OwnerAddress,
		"type":          n.Type,
		"title":         n.Title,
		"message":       n.Message,
		"occurred_at":   n.OccurredAt.Format(time.RFC3339),
	}
	for key, value := range n.Metadata {
		payload["meta_"+key] = value
	}

	var errs []error
	for id, sink := range sinks {
		if err := sink(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("notifier plugin %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

var _ Sender = (*PluginChannel)(nil)
