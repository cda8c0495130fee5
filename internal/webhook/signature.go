package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader 是投递请求中携带签名的 HTTP 头。
const SignatureHeader = "X-AgentPay-Signature"

// Sign 对序列化后的事件负载计算 HMAC-SHA256 签名。
// 相同的 (payload, secret) 永远得到相同的签名。
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 重新计算签名并做常量时间比较。
// 接收方必须在信任事件前完成校验。
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
