package payment

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/pkg/logger"
)

// DryRunSubmitter 不广播任何交易，只返回由授权派生的伪交易哈希。
// 用于未接入链上节点的开发与测试环境。
type DryRunSubmitter struct {
	log *slog.Logger
}

// NewDryRunSubmitter 创建空跑提交器。
func NewDryRunSubmitter() *DryRunSubmitter {
	return &DryRunSubmitter{log: logger.Named("payment.dryrun")}
}

var _ BlockchainSubmitter = (*DryRunSubmitter)(nil)

// Submit 记录一次模拟提交并返回确定性的伪哈希。
func (s *DryRunSubmitter) Submit(_ context.Context, auth *Authorization) (*Receipt, error) {
	txHash := crypto.Keccak256Hash([]byte("dry-run:" + auth.ID)).Hex()
	s.log.Info("空跑模式，跳过链上提交",
		slog.String("authorization_id", auth.ID),
		slog.String("proposal_id", auth.ProposalID),
		slog.String("tx_hash", txHash),
	)
	return &Receipt{TxHash: txHash}, nil
}
