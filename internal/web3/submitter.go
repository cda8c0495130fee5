package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/money"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/pkg/logger"
)

// 原生代币使用 18 位小数。
var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Submitter 通过注册表中的 ethclient 将已签名授权广播上链。
// 实现 payment.BlockchainSubmitter。
type Submitter struct {
	registry    *Registry
	key         *ecdsa.PrivateKey
	from        common.Address
	waitTimeout time.Duration
	log         *slog.Logger
}

// SubmitterOption 配置提交器。
type SubmitterOption func(*Submitter)

// WithWaitTimeout 指定等待交易上链的超时时间。
func WithWaitTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// NewSubmitter 创建链上提交器。operator 私钥用于签发交易。
func NewSubmitter(registry *Registry, operatorKeyHex string, opts ...SubmitterOption) (*Submitter, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chain registry is required")
	}
	operatorKeyHex = strings.TrimPrefix(strings.TrimSpace(operatorKeyHex), "0x")
	key, err := crypto.HexToECDSA(operatorKeyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse operator private key")
	}

	s := &Submitter{
		registry:    registry,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		waitTimeout: 90 * time.Second,
		log:         logger.Named("web3"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit 为授权构造转账交易、签名并广播，等待上链后返回回执。
func (s *Submitter) Submit(ctx context.Context, auth *payment.Authorization) (*payment.Receipt, error) {
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authorization is required")
	}
	client, ok := s.registry.Client(auth.ChainID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("chain %d is not configured", auth.ChainID))
	}

	value, err := toWei(auth.Amount)
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTransaction(nonce, common.HexToAddress(auth.PaymentAddress),
		value, 21000, gasPrice, nil)
	signedTx, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(big.NewInt(auth.ChainID)), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}

	s.log.Info("交易已广播",
		"tx_hash", signedTx.Hash().Hex(),
		"chain_id", auth.ChainID,
		"proposal_id", auth.ProposalID,
	)

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, client, signedTx)
	if err != nil {
		return nil, fmt.Errorf("等待交易上链失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("交易 %s 执行失败", signedTx.Hash().Hex())
	}

	return &payment.Receipt{
		TxHash:      signedTx.Hash().Hex(),
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// toWei 将十进制字符串金额换算为最小单位。超出 18 位小数精度的
// 金额无法在链上表达，直接拒绝。
func toWei(amount string) (*big.Int, error) {
	rat, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(weiPerToken))
	if !scaled.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("amount %s exceeds 18 decimal places", amount))
	}
	return scaled.Num(), nil
}

var _ payment.BlockchainSubmitter = (*Submitter)(nil)
