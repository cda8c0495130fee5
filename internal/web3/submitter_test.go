package web3

import (
	"math/big"
	"testing"
)

func TestToWei(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"25.5", "25500000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := toWei(tc.amount)
		if err != nil {
			t.Fatalf("toWei(%s): %v", tc.amount, err)
		}
		want, _ := new(big.Int).SetString(tc.want, 10)
		if got.Cmp(want) != 0 {
			t.Fatalf("toWei(%s) = %s, want %s", tc.amount, got, tc.want)
		}
	}
}

func TestToWeiRejectsExcessPrecision(t *testing.T) {
	if _, err := toWei("0.0000000000000000001"); err == nil {
		t.Fatal("expected error for 19 decimal places")
	}
}

func TestToWeiRejectsMalformed(t *testing.T) {
	for _, amount := range []string{"", "abc", "1e5"} {
		if _, err := toWei(amount); err == nil {
			t.Fatalf("expected error for %q", amount)
		}
	}
}
