package webhook

import (
	"strings"
	"testing"
)

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"event_type":"proposal.executed"}`)

	first := Sign(payload, "whsec_test")
	second := Sign(payload, "whsec_test")
	if first != second {
		t.Fatalf("expected deterministic signature, got %q and %q", first, second)
	}
	if !strings.HasPrefix(first, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %q", first)
	}
	if len(first) != len("sha256=")+64 {
		t.Fatalf("unexpected signature length: %d", len(first))
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_type":"proposal.created","data":{"id":"p-1"}}`)
	sig := Sign(payload, "whsec_test")

	if !VerifySignature(payload, "whsec_test", sig) {
		t.Fatal("expected valid signature to verify")
	}
	if VerifySignature(payload, "whsec_other", sig) {
		t.Fatal("expected wrong secret to fail verification")
	}
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'x'
	if VerifySignature(tampered, "whsec_test", sig) {
		t.Fatal("expected tampered payload to fail verification")
	}
}
