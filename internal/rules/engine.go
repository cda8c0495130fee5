package rules

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/notify"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/proposal"
	"AgentPay-Chain/pkg/logger"
)

// AgentReader 提供引擎所需的智能体读取能力。
type AgentReader interface {
	Get(ctx context.Context, id, owner string) (*agent.Agent, error)
}

// ProposalActions 提供引擎驱动状态机所需的迁移操作。
type ProposalActions interface {
	Approve(ctx context.Context, id, owner string) (*proposal.PaymentProposal, error)
	StartExecution(ctx context.Context, id string) (*proposal.PaymentProposal, error)
	MarkExecuted(ctx context.Context, id, txHash string) (*proposal.PaymentProposal, error)
	MarkFailed(ctx context.Context, id, reason string) (*proposal.PaymentProposal, error)
}

// BudgetGate 提供预算校验与扣减能力。
type BudgetGate interface {
	Get(ctx context.Context, id, owner string) (*budget.Budget, error)
	CheckAvailability(ctx context.Context, agentID, amount, token string, chainID int64) (*budget.Availability, error)
	Deduct(ctx context.Context, id, amount string) (*budget.Budget, error)
}

// PaymentProcessor 提供完整的支付执行入口。
type PaymentProcessor interface {
	ProcessProposalPayment(ctx context.Context, proposalID, owner string) (*payment.Receipt, error)
}

// Engine 编排免审批执行：智能体闸门 → 规则检查 → 预算检查 →
// 批准并执行。任何一道闸门失败都让提案停留在 pending。
type Engine struct {
	agents    AgentReader
	proposals ProposalActions
	budgets   BudgetGate
	payments  PaymentProcessor
	notifier  notify.Dispatcher
	log       *slog.Logger
}

// NewEngine 创建规则引擎。notifier 可为 nil，表示不发送通知。
func NewEngine(agents AgentReader, proposals ProposalActions, budgets BudgetGate, payments PaymentProcessor, notifier notify.Dispatcher) *Engine {
	return &Engine{
		agents:    agents,
		proposals: proposals,
		budgets:   budgets,
		payments:  payments,
		notifier:  notifier,
		log:       logger.Named("rules"),
	}
}

// Outcome 描述一次自动执行判定的结果。未执行时 Reason 说明原因。
type Outcome struct {
	Executed bool   `json:"executed"`
	Reason   string `json:"reason,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// ProcessProposal 对新提案执行自动执行判定。
// 智能体关闭自动执行或不处于 active 时直接走人工路径。
func (e *Engine) ProcessProposal(ctx context.Context, p *proposal.PaymentProposal) (*Outcome, error) {
	ag, err := e.agents.Get(ctx, p.AgentID, p.OwnerAddress)
	if err != nil {
		return nil, err
	}

	if ag.Status != agent.StatusActive {
		reason := "agent is " + string(ag.Status)
		e.notifyPending(ctx, p, reason)
		return &Outcome{Reason: reason}, nil
	}
	if !ag.AutoExecuteEnabled || ag.AutoExecSuspended {
		const reason = "auto-execute disabled"
		e.notifyPending(ctx, p, reason)
		return &Outcome{Reason: reason}, nil
	}

	if violations := CheckRules(ag, p); len(violations) > 0 {
		reason := "Rule violations: " + strings.Join(violations, "; ")
		e.notifyPending(ctx, p, reason)
		return &Outcome{Reason: reason}, nil
	}

	avail, err := e.checkBudget(ctx, p)
	if err != nil {
		return nil, err
	}
	if !avail.Available {
		reason := "Manual approval needed: " + avail.Reason
		e.notifyPending(ctx, p, reason)
		return &Outcome{Reason: reason}, nil
	}

	return e.execute(ctx, p, avail.Budget)
}

// checkBudget 优先检查提案关联的预算；未关联时在智能体名下的
// 预算中匹配。两条路径的缺失与不足同样 fail closed。
func (e *Engine) checkBudget(ctx context.Context, p *proposal.PaymentProposal) (*budget.Availability, error) {
	if p.BudgetID == "" {
		return e.budgets.CheckAvailability(ctx, p.AgentID, p.Amount, p.Token, p.ChainID)
	}

	b, err := e.budgets.Get(ctx, p.BudgetID, p.OwnerAddress)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetNotFound) {
			return &budget.Availability{Available: false, Reason: "no budget found"}, nil
		}
		return nil, err
	}
	if !b.Covers(p.Token, p.ChainID) {
		return &budget.Availability{Available: false, Reason: "no budget found"}, nil
	}
	cmp, err := money.Cmp(p.Amount, b.Remaining())
	if err != nil {
		return nil, err
	}
	if cmp > 0 {
		return &budget.Availability{Available: false, Budget: b, Reason: "insufficient budget"}, nil
	}
	return &budget.Availability{Available: true, Budget: b}, nil
}

func (e *Engine) execute(ctx context.Context, p *proposal.PaymentProposal, b *budget.Budget) (*Outcome, error) {
	if _, err := e.proposals.Approve(ctx, p.ID, p.OwnerAddress); err != nil {
		return nil, err
	}
	if _, err := e.proposals.StartExecution(ctx, p.ID); err != nil {
		return nil, err
	}

	receipt, err := e.payments.ProcessProposalPayment(ctx, p.ID, p.OwnerAddress)
	if err != nil {
		reason := err.Error()
		if _, markErr := e.proposals.MarkFailed(ctx, p.ID, reason); markErr != nil {
			e.log.Error("标记提案失败状态出错", "proposal_id", p.ID, "error", markErr)
		}
		e.notify(ctx, p, notify.TypeProposalFailed, "Payment execution failed", reason)
		return &Outcome{Reason: reason}, nil
	}

	if _, err := e.budgets.Deduct(ctx, b.ID, p.Amount); err != nil {
		// 支付已经上链，扣减失败只能记录并继续。
		e.log.Error("预算扣减失败", "proposal_id", p.ID, "budget_id", b.ID, "error", err)
	}
	if _, err := e.proposals.MarkExecuted(ctx, p.ID, receipt.TxHash); err != nil {
		return nil, err
	}

	e.notify(ctx, p, notify.TypeAutoExecuted, "Payment auto-executed", "tx "+receipt.TxHash)
	e.log.Info("提案自动执行完成",
		"proposal_id", p.ID,
		"agent_id", p.AgentID,
		"tx_hash", receipt.TxHash,
	)
	return &Outcome{Executed: true, TxHash: receipt.TxHash}, nil
}

func (e *Engine) notifyPending(ctx context.Context, p *proposal.PaymentProposal, reason string) {
	e.notify(ctx, p, notify.TypeProposalPending, "Payment proposal needs approval", reason)
}

func (e *Engine) notify(ctx context.Context, p *proposal.PaymentProposal, kind, title, message string) {
	if e.notifier == nil {
		return
	}
	n := notify.Notification{
		OwnerAddress: p.OwnerAddress,
		Type:         kind,
		Title:        title,
		Message:      message,
		Metadata: map[string]string{
			"proposal_id": p.ID,
			"agent_id":    p.AgentID,
			"amount":      p.Amount,
			"token":       p.Token,
		},
		OccurredAt: time.Now(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Warn("通知发送失败", "owner", p.OwnerAddress, "type", kind, "error", err)
	}
}
