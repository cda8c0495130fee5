package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type deliveryKey struct {
	eventType string
	outcome   string
}

type deliveryCollector struct {
	mu       sync.Mutex
	attempts map[deliveryKey]uint64
}

var webhookCollector = &deliveryCollector{
	attempts: make(map[deliveryKey]uint64),
}

// ObserveDelivery records the outcome of a webhook delivery attempt.
// Outcome is one of "delivered", "retry" or "failed".
func ObserveDelivery(eventType, outcome string) {
	webhookCollector.mu.Lock()
	webhookCollector.attempts[deliveryKey{eventType: eventType, outcome: outcome}]++
	webhookCollector.mu.Unlock()
}

func (c *deliveryCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type metric struct {
		deliveryKey
		value uint64
	}
	all := make([]metric, 0, len(c.attempts))
	for key, value := range c.attempts {
		all = append(all, metric{deliveryKey: key, value: value})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].eventType == all[j].eventType {
			return all[i].outcome < all[j].outcome
		}
		return all[i].eventType < all[j].eventType
	})

	var builder strings.Builder
	builder.WriteString("# HELP agentpay_webhook_delivery_attempts_total Total number of webhook delivery attempts by outcome.\n")
	builder.WriteString("# TYPE agentpay_webhook_delivery_attempts_total counter\n")
	for _, m := range all {
		builder.WriteString(fmt.Sprintf("agentpay_webhook_delivery_attempts_total{event_type=\"%s\",outcome=\"%s\"} %d\n",
			escape(m.eventType), escape(m.outcome), m.value))
	}
	return builder.String()
}
