package payment

import (
	"testing"
)

func TestSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := NewSigner("not-hex"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestSignerAddressStable(t *testing.T) {
	first, err := NewSigner(testSignerKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	second, err := NewSigner("0x" + testSignerKey)
	if err != nil {
		t.Fatalf("new signer with 0x prefix: %v", err)
	}
	if first.Address() != second.Address() {
		t.Fatalf("expected identical addresses, got %q and %q", first.Address(), second.Address())
	}
}

func TestSignUsesFreshNonce(t *testing.T) {
	signer, err := NewSigner(testSignerKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	auth := &Authorization{
		ID:             "auth-1",
		ProposalID:     "p-1",
		Version:        Version,
		OwnerAddress:   testOwner,
		PaymentAddress: testRecipient,
		Amount:         "1.5",
		Token:          "USDC",
		ChainID:        1,
		ValidAfter:     1_700_000_000,
		ValidBefore:    1_700_000_300,
	}

	first, err := signer.Sign(auth)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := signer.Sign(auth)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if first.Nonce == second.Nonce {
		t.Fatal("expected distinct nonces per signature")
	}
	if !Verify(auth, first, signer.Address()) || !Verify(auth, second, signer.Address()) {
		t.Fatal("expected both signatures to verify")
	}
}
