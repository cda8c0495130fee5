package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// API Key 格式：固定前缀加 32 字节随机数的 base64url 编码（无填充）。
// 明文只在创建时返回一次，服务端仅保存 SHA-256 哈希与展示用前缀。
const (
	keyPrefix       = "apk_"
	keySecretBytes  = 32
	keySecretChars  = 43
	keyPrefixLength = 12
)

// GenerateKey 生成一个新的 API Key，返回明文、哈希与展示前缀。
func GenerateKey() (plaintext, hash, prefix string, err error) {
	secret := make([]byte, keySecretBytes)
	if _, err = rand.Read(secret); err != nil {
		return "", "", "", fmt.Errorf("generate key secret: %w", err)
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(secret)
	hash = HashKey(plaintext)
	prefix = plaintext[:keyPrefixLength]
	return plaintext, hash, prefix, nil
}

// HashKey 计算 API Key 明文的十六进制 SHA-256 哈希。
func HashKey(plaintext string) string {
	digest := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(digest[:])
}

// CheckKeyFormat 校验明文是否符合既定的 Key 格式。
func CheckKeyFormat(plaintext string) error {
	if !strings.HasPrefix(plaintext, keyPrefix) {
		return ErrBadKeyFormat
	}
	secret := plaintext[len(keyPrefix):]
	if len(secret) != keySecretChars {
		return ErrBadKeyFormat
	}
	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return ErrBadKeyFormat
	}
	return nil
}
