package agent

import (
	"strings"
	"testing"
)

func TestGenerateKeyShape(t *testing.T) {
	plaintext, hash, prefix, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(plaintext, "apk_") {
		t.Fatalf("missing prefix: %s", plaintext)
	}
	if len(plaintext) != len("apk_")+43 {
		t.Fatalf("unexpected key length %d", len(plaintext))
	}
	if len(hash) != 64 {
		t.Fatalf("hash should be hex sha256, got %d chars", len(hash))
	}
	if prefix != plaintext[:12] {
		t.Fatalf("prefix mismatch: %s vs %s", prefix, plaintext[:12])
	}
	if err := CheckKeyFormat(plaintext); err != nil {
		t.Fatalf("generated key should pass format check: %v", err)
	}
}

func TestCheckKeyFormatRejectsGarbage(t *testing.T) {
	bad := []string{
		"",
		"apk_",
		"sk_abcdef",
		"apk_short",
		"apk_" + strings.Repeat("!", 43),
		strings.Repeat("a", 47),
	}
	for _, key := range bad {
		if err := CheckKeyFormat(key); err == nil {
			t.Errorf("expected %q to be rejected", key)
		}
	}
}

func TestHashKeyIsDeterministic(t *testing.T) {
	if HashKey("apk_abc") != HashKey("apk_abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashKey("apk_abc") == HashKey("apk_abd") {
		t.Fatal("different keys must hash differently")
	}
}
