package money

import (
	"math/big"
	"strings"

	xerrors "AgentPay-Chain/internal/errors"
)

// 金额在系统内始终以十进制字符串传递，运算通过 big.Rat 完成，
// 避免任何浮点精度损失。

const (
	// maxScale 是格式化输出时保留的最大小数位数，对齐主流代币的精度。
	maxScale = 18
)

// ErrInvalidAmount 表示金额不是合法的十进制字符串。
var ErrInvalidAmount = xerrors.New(xerrors.CodeInvalidArgument, "invalid decimal amount")

// Parse 将十进制字符串解析为有理数。
func Parse(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE/") {
		return nil, ErrInvalidAmount
	}
	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return rat, nil
}

// Valid 判断字符串是否为合法金额。
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// IsPositive 判断金额是否严格大于零。非法输入返回 false。
func IsPositive(s string) bool {
	rat, err := Parse(s)
	if err != nil {
		return false
	}
	return rat.Sign() > 0
}

// Format 将有理数格式化为十进制字符串，去除多余的尾随零。
func Format(rat *big.Rat) string {
	if rat == nil {
		return "0"
	}
	if rat.IsInt() {
		return rat.Num().String()
	}
	formatted := rat.FloatString(maxScale)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")
	if formatted == "" || formatted == "-" {
		return "0"
	}
	return formatted
}

// Add 返回 a+b。
func Add(a, b string) (string, error) {
	ra, err := Parse(a)
	if err != nil {
		return "", err
	}
	rb, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Rat).Add(ra, rb)), nil
}

// Sub 返回 a-b。
func Sub(a, b string) (string, error) {
	ra, err := Parse(a)
	if err != nil {
		return "", err
	}
	rb, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Rat).Sub(ra, rb)), nil
}

// Cmp 比较两个金额，返回 -1/0/+1。
func Cmp(a, b string) (int, error) {
	ra, err := Parse(a)
	if err != nil {
		return 0, err
	}
	rb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return ra.Cmp(rb), nil
}
