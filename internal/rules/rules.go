// Package rules 实现免审批执行的规则引擎：逐项检查智能体配置的
// 支付约束，全部通过且预算充足时驱动提案自动执行，否则保持
// pending 并通知所有者人工处理。引擎本身不修改规则或预算。
package rules

import (
	"fmt"
	"strings"

	"AgentPay-Chain/internal/agent"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/proposal"
)

// CheckRules 独立评估每个约束维度并收集全部违规项，而不是在
// 第一项失败后停止。返回空切片表示通过。
func CheckRules(ag *agent.Agent, p *proposal.PaymentProposal) []string {
	rules := ag.AutoExecuteRules
	if rules == nil {
		return nil
	}

	var violations []string

	if rules.MaxSingleAmount != "" {
		cmp, err := money.Cmp(p.Amount, rules.MaxSingleAmount)
		if err != nil || cmp > 0 {
			violations = append(violations,
				fmt.Sprintf("amount %s exceeds max single amount %s", p.Amount, rules.MaxSingleAmount))
		}
	}

	if len(rules.AllowedTokens) > 0 && !containsFold(rules.AllowedTokens, p.Token) {
		violations = append(violations,
			fmt.Sprintf("token %s is not in the allowed list", p.Token))
	}

	if len(rules.AllowedRecipients) > 0 && !containsFold(rules.AllowedRecipients, p.RecipientAddress) {
		violations = append(violations,
			fmt.Sprintf("recipient %s is not in the allowed list", p.RecipientAddress))
	}

	if len(rules.AllowedChains) > 0 && !containsChain(rules.AllowedChains, p.ChainID) {
		violations = append(violations,
			fmt.Sprintf("chain %d is not in the allowed list", p.ChainID))
	}

	return violations
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func containsChain(list []int64, chainID int64) bool {
	for _, item := range list {
		if item == chainID {
			return true
		}
	}
	return false
}
