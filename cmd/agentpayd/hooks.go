package main

import (
	"context"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/internal/webhook"
	"AgentPay-Chain/pkg/logger"
)

// transitionHooks 把提案状态迁移扇出到回调投递与审计日志。
// 任何一路失败都不阻断状态机本身。
type transitionHooks struct {
	agents   *agent.Service
	webhooks *webhook.Service
	audits   *audit.Service
}

var _ proposal.Hooks = (*transitionHooks)(nil)

func (h *transitionHooks) OnTransition(ctx context.Context, p *proposal.PaymentProposal, event string) {
	if h.audits != nil {
		if err := h.audits.Record(ctx, event, audit.ActorSystem, p.AgentID, "proposal", p.ID, map[string]string{
			"status": string(p.Status),
			"amount": p.Amount,
			"token":  p.Token,
		}); err != nil {
			logger.L().Warn("审计记录失败", "proposal_id", p.ID, "event", event, "error", err)
		}
	}

	if h.webhooks == nil || h.agents == nil {
		return
	}
	a, err := h.agents.Get(ctx, p.AgentID, p.OwnerAddress)
	if err != nil {
		logger.L().Warn("投递目标查询失败", "proposal_id", p.ID, "agent_id", p.AgentID, "error", err)
		return
	}
	target := webhook.Target{
		AgentID: a.ID,
		URL:     a.WebhookURL,
		Secret:  a.WebhookSecret,
	}
	if _, err := h.webhooks.Trigger(ctx, target, event, p); err != nil {
		logger.L().Warn("回调投递触发失败", "proposal_id", p.ID, "event", event, "error", err)
	}
}
