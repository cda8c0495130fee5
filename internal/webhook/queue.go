package webhook

import (
	"context"
)

// Handler 处理来自投递队列的 delivery ID。
type Handler func(ctx context.Context, deliveryID string) error

// Producer 负责向队列投递待发送的记录。
type Producer interface {
	Publish(ctx context.Context, deliveryID string) error
	Close() error
}

// Consumer 负责从队列中消费投递记录。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
