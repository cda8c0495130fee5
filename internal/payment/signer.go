package payment

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
)

// Signer 持有签发支付授权的 secp256k1 私钥。
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner 从十六进制私钥创建签名器。
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signer private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse signer private key")
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// NewSignerFromEnv 从环境变量读取私钥创建签名器。
func NewSignerFromEnv(envName string) (*Signer, error) {
	value := os.Getenv(envName)
	if strings.TrimSpace(value) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("environment variable %s is not set", envName))
	}
	return NewSigner(value)
}

// Address 返回签名器对应的以太坊地址（小写）。
func (s *Signer) Address() string {
	return s.address
}

// Sign 对授权负载计算 keccak256 摘要并做 secp256k1 签名。
// nonce 每次签名随机生成，r、s 定宽 32 字节，v 为 27/28 恢复值。
func (s *Signer) Sign(auth *Authorization) (*Signature, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signer is not initialised")
	}
	if auth == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authorization is required")
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate signature nonce")
	}

	digest := authorizationDigest(auth, nonce)
	raw, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign authorization digest")
	}

	return &Signature{
		V:           raw[64] + 27,
		R:           hexutil.Encode(raw[:32]),
		S:           hexutil.Encode(raw[32:64]),
		Nonce:       nonce,
		ValidAfter:  auth.ValidAfter,
		ValidBefore: auth.ValidBefore,
	}, nil
}

// Verify 用签名恢复公钥并核对签名器地址，供测试与接收方校验。
func Verify(auth *Authorization, sig *Signature, signerAddress string) bool {
	if auth == nil || sig == nil {
		return false
	}
	r, err := hexutil.Decode(sig.R)
	if err != nil || len(r) != 32 {
		return false
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil || len(s) != 32 {
		return false
	}
	raw := make([]byte, 65)
	copy(raw[:32], r)
	copy(raw[32:64], s)
	raw[64] = sig.V - 27

	digest := authorizationDigest(auth, sig.Nonce)
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	return strings.EqualFold(recovered, signerAddress)
}

// authorizationDigest 对授权的规范化负载计算 keccak256 摘要。
// 字段顺序固定，任何字段变化都会改变摘要。
func authorizationDigest(auth *Authorization, nonce uint64) []byte {
	payload := fmt.Sprintf("agentpay-authorization-v%s:%s:%s:%s:%s:%d:%s:%d:%d:%d",
		auth.Version,
		auth.ProposalID,
		auth.PaymentAddress,
		auth.Amount,
		auth.Token,
		auth.ChainID,
		auth.OwnerAddress,
		nonce,
		auth.ValidAfter,
		auth.ValidBefore,
	)
	return crypto.Keccak256([]byte(payload))
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
