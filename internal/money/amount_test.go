package money

import "testing"

func TestParseRejectsMalformedAmounts(t *testing.T) {
	for _, input := range []string{"", "abc", "1e18", "1/2", "10.5.3", "--1"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("expected %q to be rejected", input)
		}
	}
	for _, input := range []string{"0", "100", "0.01", "1000000000000000000.000000000000000001", "-5"} {
		if _, err := Parse(input); err != nil {
			t.Errorf("expected %q to parse: %v", input, err)
		}
	}
}

func TestArithmeticKeepsPrecision(t *testing.T) {
	sum, err := Add("0.1", "0.2")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum != "0.3" {
		t.Fatalf("expected 0.3, got %s", sum)
	}

	diff, err := Sub("100", "40")
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if diff != "60" {
		t.Fatalf("expected 60, got %s", diff)
	}

	cmp, err := Cmp("70", "60")
	if err != nil {
		t.Fatalf("cmp: %v", err)
	}
	if cmp != 1 {
		t.Fatalf("expected 70 > 60")
	}
}

func TestIsPositive(t *testing.T) {
	if IsPositive("0") || IsPositive("-1") || IsPositive("junk") {
		t.Fatal("non-positive amounts must not pass")
	}
	if !IsPositive("0.000000000000000001") {
		t.Fatal("smallest unit should be positive")
	}
}
